package content

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// Content is the in-memory aggregate over one Node: typed field access,
// aspect handling and lifecycle state. A Content instance is owned by the
// request that created it and is never shared across requests.
type Content struct {
	schema *Schema
	store  *Store
	node   *Node
	ctype  *ContentType

	fields  map[string]interface{}
	aspects []string

	isNew bool
	// Importing relaxes read-only protection for system import runs.
	Importing bool

	brokenReferences []string
}

// FieldError carries the offending field name and content path when a field
// update fails, so the classifier can surface a diagnosable request error.
type FieldError struct {
	Field string
	Path  string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid value for field '%s' on '%s': %v", e.Field, e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// New creates an unsaved Content of the given type under parentPath. The
// numeric id stays 0 until the first save.
func New(schema *Schema, store *Store, parentPath, typeName, name string) (*Content, error) {
	ct, ok := schema.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("content: unknown content type '%s'", typeName)
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s", typeName, uuid.NewString()[:8])
	}
	c := &Content{
		schema: schema,
		store:  store,
		ctype:  ct,
		node: &Node{
			ParentPath: parentPath,
			Name:       name,
			Path:       path.Join(parentPath, name),
			TypeName:   typeName,
		},
		fields: make(map[string]interface{}),
		isNew:  true,
	}
	c.applyDefaults()
	return c, nil
}

// Load fetches the content at a path. Returns (nil, nil) when nothing lives
// there; visibility decisions belong to the caller.
func Load(ctx context.Context, schema *Schema, store *Store, contentPath string) (*Content, error) {
	node, err := store.LoadByPath(ctx, contentPath)
	if err != nil || node == nil {
		return nil, err
	}
	return fromNode(schema, store, node)
}

// LoadByID fetches content by numeric id.
func LoadByID(ctx context.Context, schema *Schema, store *Store, id uint) (*Content, error) {
	node, err := store.LoadByID(ctx, id)
	if err != nil || node == nil {
		return nil, err
	}
	return fromNode(schema, store, node)
}

// Children loads the direct children of a path.
func Children(ctx context.Context, schema *Schema, store *Store, parentPath string) ([]*Content, error) {
	nodes, err := store.Children(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	result := make([]*Content, 0, len(nodes))
	for _, node := range nodes {
		c, err := fromNode(schema, store, node)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func fromNode(schema *Schema, store *Store, node *Node) (*Content, error) {
	ct, ok := schema.Type(node.TypeName)
	if !ok {
		return nil, fmt.Errorf("content: node '%s' has unregistered type '%s'", node.Path, node.TypeName)
	}
	bag, err := node.FieldBag()
	if err != nil {
		return nil, err
	}
	return &Content{
		schema:  schema,
		store:   store,
		node:    node,
		ctype:   ct,
		fields:  bag,
		aspects: node.AspectNames(),
	}, nil
}

func (c *Content) applyDefaults() {
	for name := c.ctype.Name; name != ""; {
		ct, ok := c.schema.Type(name)
		if !ok {
			break
		}
		for _, fs := range ct.Fields {
			if fs.DefaultValue == nil {
				continue
			}
			if _, set := c.fields[fs.Name]; !set {
				c.fields[fs.Name] = fs.DefaultValue
			}
		}
		name = ct.ParentType
	}
}

// ID returns the persisted node id, 0 until first save.
func (c *Content) ID() uint { return c.node.ID }

// Path returns the repository path.
func (c *Content) Path() string { return c.node.Path }

// ParentPath returns the parent repository path.
func (c *Content) ParentPath() string { return c.node.ParentPath }

// Name returns the tree name.
func (c *Content) Name() string { return c.node.Name }

// TypeName returns the content type name.
func (c *Content) TypeName() string { return c.node.TypeName }

// IsNew reports whether the content has not been persisted yet.
func (c *Content) IsNew() bool { return c.isNew }

// Node exposes the backing node for collaborators (index adapter, writer).
func (c *Content) Node() *Node { return c.node }

// Type returns the schema type descriptor.
func (c *Content) Type() *ContentType { return c.ctype }

// Schema returns the schema registry this content was loaded against.
func (c *Content) Schema() *Schema { return c.schema }

// AspectNames returns the attached aspect names.
func (c *Content) AspectNames() []string {
	out := make([]string, len(c.aspects))
	copy(out, c.aspects)
	return out
}

// AttachAspect adds a dynamic field bundle to this instance.
func (c *Content) AttachAspect(name string) error {
	if _, ok := c.schema.AspectByName(name); !ok {
		return fmt.Errorf("content: unknown aspect '%s'", name)
	}
	for _, existing := range c.aspects {
		if existing == name {
			return nil
		}
	}
	c.aspects = append(c.aspects, name)
	return nil
}

// StripAspects removes every attached aspect, returning the names that were
// attached so they can be re-attached after a blank-slate reset.
func (c *Content) StripAspects() []string {
	stripped := c.aspects
	c.aspects = nil
	return stripped
}

// Value returns a field's current value.
func (c *Content) Value(name string) (interface{}, bool) {
	v, ok := c.fields[name]
	return v, ok
}

// FieldValues returns a copy of the field bag for response rendering.
func (c *Content) FieldValues() map[string]interface{} {
	out := make(map[string]interface{}, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}

// BrokenReferences lists the reference fields whose submitted identifiers
// could not be resolved during the last update.
func (c *Content) BrokenReferences() []string {
	out := make([]string, len(c.brokenReferences))
	copy(out, c.brokenReferences)
	return out
}

// fieldSetting resolves the effective field setting for a name: schema chain
// first, then attached aspects.
func (c *Content) fieldSetting(name string) (*FieldSetting, bool) {
	if fs, ok := c.schema.FieldSettingOf(c.ctype.Name, name); ok {
		return fs, true
	}
	for _, aspectName := range c.aspects {
		aspect, ok := c.schema.AspectByName(aspectName)
		if !ok {
			continue
		}
		for _, fs := range aspect.Fields {
			if equalFold(fs.Name, name) {
				return fs, true
			}
		}
	}
	return nil, false
}

// Save persists the aggregate. Timestamps and actor ids are stamped here so
// callers never mutate them directly.
func (c *Content) Save(ctx context.Context, byID uint) error {
	if err := c.flushToNode(byID); err != nil {
		return err
	}
	if err := c.store.Save(ctx, c.node); err != nil {
		return err
	}
	c.isNew = false
	return nil
}

// SaveMultistep persists an intermediate state and returns the token the
// client must present to finalize or roll back.
func (c *Content) SaveMultistep(ctx context.Context, byID uint) (string, error) {
	token := uuid.NewString()
	c.node.PendingToken = token
	if err := c.Save(ctx, byID); err != nil {
		return "", err
	}
	return token, nil
}

// Finalize closes an open multistep save.
func (c *Content) Finalize(ctx context.Context, token string, byID uint) error {
	if c.node.PendingToken == "" || c.node.PendingToken != token {
		return ErrPendingVersion
	}
	c.node.PendingToken = ""
	return c.Save(ctx, byID)
}

// RollbackMultistep aborts an open multistep save. A content that has never
// been finalized is removed entirely.
func (c *Content) RollbackMultistep(ctx context.Context, token string) error {
	if c.node.PendingToken == "" || c.node.PendingToken != token {
		return ErrPendingVersion
	}
	if c.node.Version <= 1 {
		return c.store.HardDelete(ctx, c.node)
	}
	c.node.PendingToken = ""
	return c.store.Save(ctx, c.node)
}

func (c *Content) flushToNode(byID uint) error {
	if name, ok := c.fields[FieldNameName].(string); ok && name != "" && name != c.node.Name {
		c.node.Name = name
		c.node.Path = path.Join(c.node.ParentPath, name)
	}
	if c.isNew {
		c.node.CreatedByID = byID
		if c.node.OwnerID == 0 {
			c.node.OwnerID = byID
		}
	}
	c.node.ModifiedByID = byID
	c.node.SetAspectNames(c.aspects)

	persisted := make(map[string]interface{}, len(c.fields))
	for k, v := range c.fields {
		persisted[k] = normalizeForStorage(v)
	}
	return c.node.SetFieldBag(persisted)
}

// normalizeForStorage converts typed field values into JSON-stable forms.
func normalizeForStorage(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
