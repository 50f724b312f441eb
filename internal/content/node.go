package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"
)

// Well-known repository paths.
const (
	RootPath     = "/Root"
	TrashPath    = "/Root/Trash"
	IMSPath      = "/Root/IMS"
	SomebodyPath = "/Root/IMS/BuiltIn/Portal/Somebody"
	VisitorPath  = "/Root/IMS/BuiltIn/Portal/Visitor"
	AdminPath    = "/Root/IMS/BuiltIn/Portal/Admin"
)

// Node is the persisted form of a Content. Dynamic field values live in the
// serialized FieldData bag; structural columns are what tree queries need.
type Node struct {
	ID               uint   `gorm:"primaryKey"`
	ParentPath       string `gorm:"size:450;index"`
	Name             string `gorm:"size:450"`
	Path             string `gorm:"size:900;uniqueIndex"`
	TypeName         string `gorm:"size:100;index"`
	CreatedByID      uint
	ModifiedByID     uint
	OwnerID          uint
	CreationDate     time.Time
	ModificationDate time.Time
	Version          int
	FieldData        string // JSON bag of dynamic field values
	Aspects          string // comma-separated attached aspect names
	Trashed          bool   `gorm:"index"`
	PendingToken     string `gorm:"size:40"` // non-empty while a multistep save is open
}

// TableName keeps the relational schema aligned with the MySQL install
// scripts of the storage provider.
func (Node) TableName() string { return "nodes" }

// TrashBagRecord links a soft-deleted node to its original tree position.
type TrashBagRecord struct {
	ID           uint   `gorm:"primaryKey"`
	NodeID       uint   `gorm:"index"`
	OriginalPath string `gorm:"size:900"`
	DeletedAt    time.Time
	DeletedByID  uint
}

func (TrashBagRecord) TableName() string { return "trash_bags" }

// ErrNodeExists is returned when a save would collide with an existing path.
var ErrNodeExists = errors.New("content: node already exists")

// ErrNotTrashed is returned when a restore targets a node that is not in the
// trash.
var ErrNotTrashed = errors.New("content: node is not trashed")

// ErrPendingVersion is returned when a finalize/rollback targets a node with
// no open multistep save.
var ErrPendingVersion = errors.New("content: no pending version")

// Store is the relational node store. All methods take a context and go
// through gorm so that MySQL in production and SQLite in tests share one
// code path.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore wraps a gorm connection. The logger may be nil.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying connection for collaborators that keep their own
// tables (patch runner, security store).
func (s *Store) DB() *gorm.DB { return s.db }

// Install creates the relational schema and the mandatory tree skeleton.
func (s *Store) Install(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Node{}, &TrashBagRecord{}); err != nil {
		return fmt.Errorf("content: schema install failed: %w", err)
	}
	for _, seed := range []struct {
		path, typeName string
	}{
		{RootPath, "SystemFolder"},
		{IMSPath, "SystemFolder"},
		{TrashPath, "TrashBin"},
		{path.Dir(SomebodyPath), "SystemFolder"},
		{SomebodyPath, "User"},
		{VisitorPath, "User"},
		{AdminPath, "User"},
	} {
		if err := s.ensureNode(ctx, seed.path, seed.typeName); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureNode(ctx context.Context, nodePath, typeName string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Node{}).Where("path = ?", nodePath).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	now := time.Now().UTC()
	node := &Node{
		ParentPath:       path.Dir(nodePath),
		Name:             path.Base(nodePath),
		Path:             nodePath,
		TypeName:         typeName,
		CreationDate:     now,
		ModificationDate: now,
		Version:          1,
		FieldData:        "{}",
	}
	if nodePath == RootPath {
		node.ParentPath = ""
	}
	return s.db.WithContext(ctx).Create(node).Error
}

// LoadByPath fetches a live (non-trashed) node. Returns (nil, nil) when the
// path does not exist; absence is not an error at this layer.
func (s *Store) LoadByPath(ctx context.Context, nodePath string) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).
		Where("path = ? AND trashed = ?", nodePath, false).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("content: loading node '%s': %w", nodePath, err)
	}
	return &node, nil
}

// LoadByID fetches a node by numeric id, trashed or not.
func (s *Store) LoadByID(ctx context.Context, id uint) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).First(&node, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("content: loading node #%d: %w", id, err)
	}
	return &node, nil
}

// Children lists the live direct children of a path ordered by name.
func (s *Store) Children(ctx context.Context, parentPath string) ([]*Node, error) {
	var nodes []*Node
	err := s.db.WithContext(ctx).
		Where("parent_path = ? AND trashed = ?", parentPath, false).
		Order("name").
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("content: listing children of '%s': %w", parentPath, err)
	}
	return nodes, nil
}

// Save inserts a new node or updates an existing one, bumping the version
// counter and the modification timestamp.
func (s *Store) Save(ctx context.Context, node *Node) error {
	now := time.Now().UTC()
	node.ModificationDate = now
	if node.ID == 0 {
		existing, err := s.LoadByPath(ctx, node.Path)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrNodeExists, node.Path)
		}
		if node.CreationDate.IsZero() {
			node.CreationDate = now
		}
		node.Version = 1
		return s.db.WithContext(ctx).Create(node).Error
	}
	node.Version++
	prior, err := s.LoadByID(ctx, node.ID)
	if err != nil {
		return err
	}
	if prior == nil || prior.Path == node.Path {
		return s.db.WithContext(ctx).Save(node).Error
	}

	// A rename. The new path must be free (trashed rows hold the unique
	// index too) and every descendant has to follow the prefix change.
	var occupied int64
	err = s.db.WithContext(ctx).Model(&Node{}).
		Where("path = ? AND id <> ?", node.Path, node.ID).
		Count(&occupied).Error
	if err != nil {
		return err
	}
	if occupied > 0 {
		return fmt.Errorf("%w: %s", ErrNodeExists, node.Path)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(node).Error; err != nil {
			return err
		}
		return s.moveSubtree(tx, prior.Path, node.Path)
	})
}

// moveSubtree rewrites the path prefix of every row under oldPath inside the
// caller's transaction.
func (s *Store) moveSubtree(tx *gorm.DB, oldPath, newPath string) error {
	var descendants []*Node
	if err := tx.Where("path LIKE ?", oldPath+"/%").Find(&descendants).Error; err != nil {
		return err
	}
	for _, child := range descendants {
		updates := map[string]interface{}{
			"path":        newPath + strings.TrimPrefix(child.Path, oldPath),
			"parent_path": newPath + strings.TrimPrefix(child.ParentPath, oldPath),
		}
		if err := tx.Model(&Node{}).Where("id = ?", child.ID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

// SoftDelete moves the node subtree into the trash and records a trash bag.
func (s *Store) SoftDelete(ctx context.Context, node *Node, deletedBy uint) (*TrashBagRecord, error) {
	bag := &TrashBagRecord{
		NodeID:       node.ID,
		OriginalPath: node.Path,
		DeletedAt:    time.Now().UTC(),
		DeletedByID:  deletedBy,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(bag).Error; err != nil {
			return err
		}
		return s.markTrashed(tx, node, true)
	})
	if err != nil {
		return nil, fmt.Errorf("content: trashing '%s': %w", node.Path, err)
	}
	return bag, nil
}

// Restore puts a trashed subtree back at its original path.
func (s *Store) Restore(ctx context.Context, bag *TrashBagRecord) error {
	node, err := s.LoadByID(ctx, bag.NodeID)
	if err != nil {
		return err
	}
	if node == nil || !node.Trashed {
		return ErrNotTrashed
	}
	occupied, err := s.LoadByPath(ctx, bag.OriginalPath)
	if err != nil {
		return err
	}
	if occupied != nil {
		return fmt.Errorf("%w: %s", ErrNodeExists, bag.OriginalPath)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.markTrashed(tx, node, false); err != nil {
			return err
		}
		return tx.Delete(bag).Error
	})
}

// HardDelete removes a node subtree permanently together with any trash bags
// pointing at it.
func (s *Store) HardDelete(ctx context.Context, node *Node) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subtree := node.Path + "/%"
		if err := tx.Where("path = ? OR path LIKE ?", node.Path, subtree).Delete(&Node{}).Error; err != nil {
			return err
		}
		return tx.Where("node_id = ?", node.ID).Delete(&TrashBagRecord{}).Error
	})
}

// TrashBagFor finds the trash bag of a trashed node.
func (s *Store) TrashBagFor(ctx context.Context, nodeID uint) (*TrashBagRecord, error) {
	var bag TrashBagRecord
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).First(&bag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bag, nil
}

func (s *Store) markTrashed(tx *gorm.DB, node *Node, trashed bool) error {
	subtree := node.Path + "/%"
	return tx.Model(&Node{}).
		Where("path = ? OR path LIKE ?", node.Path, subtree).
		Update("trashed", trashed).Error
}

// FieldBag deserializes the dynamic field data of a node.
func (n *Node) FieldBag() (map[string]interface{}, error) {
	if n.FieldData == "" {
		return map[string]interface{}{}, nil
	}
	bag := make(map[string]interface{})
	if err := json.Unmarshal([]byte(n.FieldData), &bag); err != nil {
		return nil, fmt.Errorf("content: corrupt field data on node #%d: %w", n.ID, err)
	}
	return bag, nil
}

// SetFieldBag serializes the dynamic field data back onto the node.
func (n *Node) SetFieldBag(bag map[string]interface{}) error {
	data, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("content: serializing field data: %w", err)
	}
	n.FieldData = string(data)
	return nil
}

// AspectNames returns the attached aspect names.
func (n *Node) AspectNames() []string {
	if n.Aspects == "" {
		return nil
	}
	return strings.Split(n.Aspects, ",")
}

// SetAspectNames stores the attached aspect names.
func (n *Node) SetAspectNames(names []string) {
	n.Aspects = strings.Join(names, ",")
}

// VersionHash is a cheap content fingerprint used for ETag-style headers and
// index document identity.
func (n *Node) VersionHash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(n.Path)
	_, _ = h.WriteString(fmt.Sprintf("|%d|%d|", n.Version, n.ModificationDate.UnixNano()))
	_, _ = h.WriteString(n.FieldData)
	return h.Sum64()
}
