// Package content implements the addressable unit of the repository tree: a
// typed, field-bearing Content aggregate persisted as a Node row, governed by
// a ContentType/FieldSetting schema. Field values are dynamically typed; the
// coercion layer in fields.go converts loosely-typed JSON tokens into the
// declared field types.
package content

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldType enumerates the closed set of field variants the coercion layer
// understands.
type FieldType int

const (
	FieldString FieldType = iota
	FieldLongText
	FieldInteger
	FieldNumber
	FieldCurrency
	FieldBoolean
	FieldDateTime
	FieldChoice
	FieldReference
	FieldBinary
	FieldAllowedChildTypes
)

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "ShortText"
	case FieldLongText:
		return "LongText"
	case FieldInteger:
		return "Integer"
	case FieldNumber:
		return "Number"
	case FieldCurrency:
		return "Currency"
	case FieldBoolean:
		return "Boolean"
	case FieldDateTime:
		return "DateTime"
	case FieldChoice:
		return "Choice"
	case FieldReference:
		return "Reference"
	case FieldBinary:
		return "Binary"
	case FieldAllowedChildTypes:
		return "AllowedChildTypes"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// FieldSetting describes one named, typed value slot on a content type.
type FieldSetting struct {
	Name          string
	Type          FieldType
	ReadOnly      bool
	Compulsory    bool
	AllowMultiple bool        // multi-valued references and multi-select choices
	DefaultValue  interface{} // typed default applied on creation and PUT reset
	Options       []string    // legal tokens for Choice fields; empty means any
}

// ContentType is the immutable schema of one content type. Types form a
// single-inheritance hierarchy via ParentType; field settings are inherited
// and may be overridden by name.
type ContentType struct {
	Name              string
	ParentType        string
	Fields            []*FieldSetting
	AllowedChildTypes []string // empty means unrestricted
	AllowDynamicNames bool     // on-the-fly fields permitted when true

	fieldMap map[string]*FieldSetting
}

// Aspect is a dynamic extra-field bundle that can be attached to individual
// content instances regardless of their content type.
type Aspect struct {
	Name   string
	Fields []*FieldSetting
}

// Schema is the process-wide content-type registry. It is written during
// install/startup and read-only afterwards.
type Schema struct {
	mu      sync.RWMutex
	types   map[string]*ContentType
	aspects map[string]*Aspect
}

// NewSchema returns an empty schema registry.
func NewSchema() *Schema {
	return &Schema{
		types:   make(map[string]*ContentType),
		aspects: make(map[string]*Aspect),
	}
}

// Register adds a content type to the schema. Registering the same type name
// twice is an error.
func (s *Schema) Register(ct *ContentType) error {
	if ct == nil || ct.Name == "" {
		return fmt.Errorf("content: content type must have a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[ct.Name]; exists {
		return fmt.Errorf("content: content type '%s' is already registered", ct.Name)
	}
	ct.fieldMap = make(map[string]*FieldSetting, len(ct.Fields))
	for _, fs := range ct.Fields {
		ct.fieldMap[strings.ToLower(fs.Name)] = fs
	}
	s.types[ct.Name] = ct
	return nil
}

// RegisterAspect adds an aspect definition to the schema.
func (s *Schema) RegisterAspect(a *Aspect) error {
	if a == nil || a.Name == "" {
		return fmt.Errorf("content: aspect must have a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.aspects[a.Name]; exists {
		return fmt.Errorf("content: aspect '%s' is already registered", a.Name)
	}
	s.aspects[a.Name] = a
	return nil
}

// Type looks up a registered content type by name.
func (s *Schema) Type(name string) (*ContentType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ct, ok := s.types[name]
	return ct, ok
}

// Types returns every registered content type sorted by name.
func (s *Schema) Types() []*ContentType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ContentType, 0, len(s.types))
	for _, ct := range s.types {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AspectByName looks up a registered aspect.
func (s *Schema) AspectByName(name string) (*Aspect, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aspects[name]
	return a, ok
}

// IsInstanceOf reports whether typeName equals ancestor or derives from it
// through the ParentType chain.
func (s *Schema) IsInstanceOf(typeName, ancestor string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name := typeName; name != ""; {
		if name == ancestor {
			return true
		}
		ct, ok := s.types[name]
		if !ok {
			return false
		}
		name = ct.ParentType
	}
	return false
}

// FieldSettingOf resolves a field setting by name, case-insensitively,
// walking the inheritance chain from typeName upwards.
func (s *Schema) FieldSettingOf(typeName, fieldName string) (*FieldSetting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := strings.ToLower(fieldName)
	for name := typeName; name != ""; {
		ct, ok := s.types[name]
		if !ok {
			return nil, false
		}
		if fs, ok := ct.fieldMap[lower]; ok {
			return fs, true
		}
		name = ct.ParentType
	}
	return nil, false
}

// EffectiveAllowedChildTypes returns the first non-empty AllowedChildTypes
// list on the inheritance chain. Empty means unrestricted.
func (s *Schema) EffectiveAllowedChildTypes(typeName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name := typeName; name != ""; {
		ct, ok := s.types[name]
		if !ok {
			return nil
		}
		if len(ct.AllowedChildTypes) > 0 {
			return ct.AllowedChildTypes
		}
		name = ct.ParentType
	}
	return nil
}

// Names of the well-known base fields present on every content type.
const (
	FieldNameName              = "Name"
	FieldNameDisplayName       = "DisplayName"
	FieldNameIndex             = "Index"
	FieldNameOwner             = "Owner"
	FieldNameCreatedBy         = "CreatedBy"
	FieldNameModifiedBy        = "ModifiedBy"
	FieldNameCreationDate      = "CreationDate"
	FieldNameModificationDate  = "ModificationDate"
	FieldNameAllowedChildTypes = "AllowedChildTypes"
)

// GenericContentFields returns the base field set shared by every built-in
// content type.
func GenericContentFields() []*FieldSetting {
	return []*FieldSetting{
		{Name: FieldNameName, Type: FieldString, Compulsory: true},
		{Name: FieldNameDisplayName, Type: FieldString},
		{Name: FieldNameIndex, Type: FieldInteger, DefaultValue: int64(0)},
		{Name: FieldNameOwner, Type: FieldReference},
		{Name: FieldNameCreatedBy, Type: FieldReference, ReadOnly: true},
		{Name: FieldNameModifiedBy, Type: FieldReference, ReadOnly: true},
		{Name: FieldNameCreationDate, Type: FieldDateTime, ReadOnly: true},
		{Name: FieldNameModificationDate, Type: FieldDateTime, ReadOnly: true},
		{Name: FieldNameAllowedChildTypes, Type: FieldAllowedChildTypes},
	}
}

// DefaultSchema builds the built-in type hierarchy used by a freshly
// installed repository.
func DefaultSchema() *Schema {
	s := NewSchema()
	mustRegister := func(ct *ContentType) {
		if err := s.Register(ct); err != nil {
			panic(err)
		}
	}

	mustRegister(&ContentType{Name: "GenericContent", Fields: GenericContentFields()})
	mustRegister(&ContentType{Name: "Folder", ParentType: "GenericContent"})
	mustRegister(&ContentType{Name: "SystemFolder", ParentType: "Folder"})
	mustRegister(&ContentType{
		Name:       "File",
		ParentType: "GenericContent",
		Fields: []*FieldSetting{
			{Name: "Binary", Type: FieldBinary},
			{Name: "Size", Type: FieldInteger, ReadOnly: true},
		},
	})
	mustRegister(&ContentType{
		Name:       "User",
		ParentType: "GenericContent",
		Fields: []*FieldSetting{
			{Name: "LoginName", Type: FieldString, Compulsory: true},
			{Name: "Email", Type: FieldString},
			{Name: "Enabled", Type: FieldBoolean, DefaultValue: true},
			{Name: "FullName", Type: FieldString},
		},
	})
	mustRegister(&ContentType{
		Name:       "Group",
		ParentType: "GenericContent",
		Fields: []*FieldSetting{
			{Name: "Members", Type: FieldReference, AllowMultiple: true},
		},
	})
	mustRegister(&ContentType{
		Name:       "TrashBag",
		ParentType: "Folder",
		Fields: []*FieldSetting{
			{Name: "OriginalPath", Type: FieldString, ReadOnly: true},
			{Name: "DeletedContent", Type: FieldReference, ReadOnly: true},
		},
	})
	mustRegister(&ContentType{Name: "TrashBin", ParentType: "SystemFolder",
		AllowedChildTypes: []string{"TrashBag"}})
	mustRegister(&ContentType{
		Name:       "Workspace",
		ParentType: "Folder",
		Fields: []*FieldSetting{
			{Name: "IsActive", Type: FieldBoolean, DefaultValue: true},
			{Name: "Deadline", Type: FieldDateTime},
			{Name: "Budget", Type: FieldCurrency},
		},
	})
	return s
}
