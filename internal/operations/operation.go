// Package operations implements the server-side method dispatch core: a
// process-wide registry of named operations with overloads, structural
// parameter matching against request models, type-directed coercion and the
// per-call invocation context.
//
// Parameter types form a closed tagged union built once at registration time
// (primitive, nullable primitive, array with a declared calling convention,
// or object shape set). Matching at request time is a pure function over that
// union; no reflection happens on the hot path.
package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
)

// Primitive enumerates the scalar parameter types the binder can coerce.
type Primitive int

const (
	PrimString Primitive = iota
	PrimInt
	PrimLong
	PrimByte
	PrimBool
	PrimFloat
	PrimDouble
	PrimDecimal
	PrimDateTime
)

func (p Primitive) String() string {
	switch p {
	case PrimString:
		return "string"
	case PrimInt:
		return "int"
	case PrimLong:
		return "long"
	case PrimByte:
		return "byte"
	case PrimBool:
		return "bool"
	case PrimFloat:
		return "float"
	case PrimDouble:
		return "double"
	case PrimDecimal:
		return "decimal"
	case PrimDateTime:
		return "datetime"
	default:
		return fmt.Sprintf("Primitive(%d)", int(p))
	}
}

// ArrayConvention selects the parse strategy for collection parameters. The
// per-element coercion rules are identical across conventions.
type ArrayConvention int

const (
	// ConvArray accepts a JSON array.
	ConvArray ArrayConvention = iota
	// ConvEnumerable accepts a JSON array or repeated query-string keys.
	ConvEnumerable
	// ConvList behaves like ConvEnumerable; kept distinct because declared
	// parameter kinds carry it through metadata.
	ConvList
	// ConvODataArray additionally accepts a single comma-separated string.
	ConvODataArray
)

// Kind discriminates the parameter type union.
type Kind int

const (
	KindPrimitive Kind = iota
	KindArray
	KindObject
)

// ObjectShape is one registered candidate class for an object-typed
// parameter position. Selection is structural: the payload's property set is
// matched against the shape's required property names, then decoded.
type ObjectShape struct {
	// Name identifies the shape in diagnostics.
	Name string
	// New allocates a fresh instance (pointer to struct) for decoding.
	New func() interface{}
	// Required lists the property names that must be present for this shape
	// to be considered. Shapes for the same position must have
	// non-overlapping required sets (enforced at registration).
	Required []string
}

// ParamType is the closed type descriptor of one declared parameter.
type ParamType struct {
	Kind       Kind
	Prim       Primitive // KindPrimitive: the scalar type; KindArray: unused
	Nullable   bool      // explicit JSON null binds a nil value
	Elem       Primitive // KindArray: element type
	Convention ArrayConvention
	Shapes     []ObjectShape // KindObject candidates, in declaration order
}

// Primitive constructors keep operation declarations compact.
func String() ParamType   { return ParamType{Kind: KindPrimitive, Prim: PrimString} }
func Int() ParamType      { return ParamType{Kind: KindPrimitive, Prim: PrimInt} }
func Long() ParamType     { return ParamType{Kind: KindPrimitive, Prim: PrimLong} }
func Bool() ParamType     { return ParamType{Kind: KindPrimitive, Prim: PrimBool} }
func Double() ParamType   { return ParamType{Kind: KindPrimitive, Prim: PrimDouble} }
func Decimal() ParamType  { return ParamType{Kind: KindPrimitive, Prim: PrimDecimal} }
func DateTime() ParamType { return ParamType{Kind: KindPrimitive, Prim: PrimDateTime} }

// Nullable marks a primitive type as accepting explicit JSON null.
func Nullable(t ParamType) ParamType {
	t.Nullable = true
	return t
}

// Array declares a collection parameter with the given element type and
// calling convention.
func Array(elem Primitive, conv ArrayConvention) ParamType {
	return ParamType{Kind: KindArray, Elem: elem, Convention: conv}
}

// Object declares an object-typed parameter bound structurally against the
// given candidate shapes.
func Object(shapes ...ObjectShape) ParamType {
	return ParamType{Kind: KindObject, Shapes: shapes}
}

// Parameter is one named slot of an operation signature.
type Parameter struct {
	Name string
	Type ParamType
}

// Handler is the operation implementation. Parameters arrive fully coerced
// under their declared names; optional parameters that were missing are
// absent from the map.
type Handler func(ctx context.Context, target *content.Content, params map[string]interface{}) (interface{}, error)

// OperationInfo is the immutable description of one invocable server method.
// Instances are built once at discovery time and never mutated afterwards.
type OperationInfo struct {
	Name     string
	Required []Parameter
	Optional []Parameter

	// Requirements feed the authorization gate: content-type applicability,
	// allowed roles, required permissions, named policies. Empty lists mean
	// "all types" / "everyone" / "no permission needed" respectively.
	Requirements auth.OperationRequirements

	// Async operations run on their own goroutine; Invoke still waits, but a
	// canceled request context abandons the wait immediately.
	Async bool

	Handler Handler
}

// validate enforces the registration-time exclusions: candidates that cannot
// be bound at all are rejected here, never at call time.
func (op *OperationInfo) validate() error {
	if op.Name == "" {
		return fmt.Errorf("operations: operation must have a name")
	}
	if op.Handler == nil {
		return fmt.Errorf("operations: operation '%s' has no handler", op.Name)
	}
	if len(op.Required)+len(op.Optional) == 0 {
		return fmt.Errorf("operations: operation '%s' has no usable parameters", op.Name)
	}
	seen := make(map[string]bool)
	for _, p := range append(append([]Parameter{}, op.Required...), op.Optional...) {
		lower := strings.ToLower(p.Name)
		if seen[lower] {
			return fmt.Errorf("operations: operation '%s' declares parameter '%s' twice", op.Name, p.Name)
		}
		seen[lower] = true
		if err := p.Type.validate(op.Name, p.Name); err != nil {
			return err
		}
	}
	return nil
}

func (t ParamType) validate(opName, paramName string) error {
	switch t.Kind {
	case KindPrimitive:
		return nil
	case KindArray:
		// Arrays of date/time values have no stable wire representation in
		// query strings and are excluded entirely.
		if t.Elem == PrimDateTime {
			return fmt.Errorf("operations: parameter '%s' of '%s': datetime array elements are not supported",
				paramName, opName)
		}
		return nil
	case KindObject:
		if len(t.Shapes) == 0 {
			return fmt.Errorf("operations: parameter '%s' of '%s': object parameter needs at least one shape",
				paramName, opName)
		}
		for _, shape := range t.Shapes {
			if shape.New == nil {
				return fmt.Errorf("operations: parameter '%s' of '%s': shape '%s' has no constructor",
					paramName, opName, shape.Name)
			}
			if len(shape.Required) == 0 && len(t.Shapes) > 1 {
				return fmt.Errorf("operations: parameter '%s' of '%s': shape '%s' needs distinguishing required properties",
					paramName, opName, shape.Name)
			}
		}
		// Required-property sets in a subset relation cannot be told apart
		// structurally; such registrations are configuration errors.
		for i := range t.Shapes {
			for j := range t.Shapes {
				if i == j {
					continue
				}
				if isSubset(t.Shapes[i].Required, t.Shapes[j].Required) {
					return fmt.Errorf("operations: parameter '%s' of '%s': shapes '%s' and '%s' are structurally ambiguous",
						paramName, opName, t.Shapes[i].Name, t.Shapes[j].Name)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("operations: parameter '%s' of '%s': unsupported parameter kind", paramName, opName)
	}
}

func isSubset(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, item := range b {
		set[strings.ToLower(item)] = true
	}
	for _, item := range a {
		if !set[strings.ToLower(item)] {
			return false
		}
	}
	return true
}
