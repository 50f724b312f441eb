// Package security implements the ACL capability surface the authorization
// gate consumes: permission storage with path inheritance, recursive group
// membership, an ACL editor, and the consistency-check and permission-
// overview report queries.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"gorm.io/gorm"
)

// AclEntry grants or denies permission bits to one principal on one path.
// Entries inherit down the tree; an explicit deny beats any allow.
type AclEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Path      string `gorm:"size:900;index"`
	Principal string `gorm:"size:200;index"`
	Allow     uint32
	Deny      uint32
}

func (AclEntry) TableName() string { return "acl_entries" }

// Membership links a member (user or group name) into a group. Groups may
// contain groups; closures are resolved recursively.
type Membership struct {
	ID     uint   `gorm:"primaryKey"`
	Group  string `gorm:"size:200;index"`
	Member string `gorm:"size:200;index"`
}

func (Membership) TableName() string { return "memberships" }

// Store is the gorm-backed security handler.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore wraps a gorm connection.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Install creates the security tables.
func (s *Store) Install(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&AclEntry{}, &Membership{}); err != nil {
		return fmt.Errorf("security: schema install failed: %w", err)
	}
	return nil
}

// HasPermission reports whether the identity holds every bit of perms on
// path, considering entries on the path itself and every ancestor. Denies
// win over allows at any level.
func (s *Store) HasPermission(ctx context.Context, identity auth.Identity, path string, perms auth.Permission) bool {
	principals := append([]string{identity.Name}, identity.Groups...)

	var entries []AclEntry
	paths := ancestorChain(path)
	err := s.db.WithContext(ctx).
		Where("path IN ? AND principal IN ?", paths, principals).
		Find(&entries).Error
	if err != nil {
		s.logger.Error("Permission query failed", "path", path, "error", err)
		return false
	}

	var allow, deny uint32
	for _, entry := range entries {
		allow |= entry.Allow
		deny |= entry.Deny
	}
	effective := auth.Permission(allow &^ deny)
	return effective&perms == perms
}

// GroupsOf resolves the recursive group closure of a principal. Membership
// cycles terminate through the visited set.
func (s *Store) GroupsOf(ctx context.Context, principal string) []string {
	visited := make(map[string]bool)
	var closure []string
	frontier := []string{principal}
	for len(frontier) > 0 {
		var memberships []Membership
		if err := s.db.WithContext(ctx).Where("member IN ?", frontier).Find(&memberships).Error; err != nil {
			s.logger.Error("Membership query failed", "error", err)
			return closure
		}
		frontier = frontier[:0]
		for _, m := range memberships {
			key := strings.ToLower(m.Group)
			if visited[key] {
				continue
			}
			visited[key] = true
			closure = append(closure, m.Group)
			frontier = append(frontier, m.Group)
		}
	}
	return closure
}

// AddMembership records a member in a group.
func (s *Store) AddMembership(ctx context.Context, group, member string) error {
	return s.db.WithContext(ctx).Create(&Membership{Group: group, Member: member}).Error
}

// AclEditor batches permission changes and applies them atomically.
type AclEditor struct {
	store   *Store
	pending []AclEntry
}

// CreateAclEditor starts a new edit batch.
func (s *Store) CreateAclEditor() *AclEditor {
	return &AclEditor{store: s}
}

// Allow queues an allow-entry.
func (e *AclEditor) Allow(path, principal string, perms auth.Permission) *AclEditor {
	e.pending = append(e.pending, AclEntry{Path: path, Principal: principal, Allow: uint32(perms)})
	return e
}

// Deny queues a deny-entry.
func (e *AclEditor) Deny(path, principal string, perms auth.Permission) *AclEditor {
	e.pending = append(e.pending, AclEntry{Path: path, Principal: principal, Deny: uint32(perms)})
	return e
}

// Apply persists the batch in one transaction.
func (e *AclEditor) Apply(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	return e.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range e.pending {
			if err := tx.Create(&e.pending[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func ancestorChain(path string) []string {
	chain := []string{path}
	for {
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			break
		}
		path = path[:idx]
		chain = append(chain, path)
	}
	return chain
}
