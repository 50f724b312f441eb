package contentrepo

import (
	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/operations"
)

// Re-exported operation surface. Custom operations are declared with these
// types and registered through Repository.RegisterOperation.
type (
	OperationInfo         = operations.OperationInfo
	Parameter             = operations.Parameter
	ParamType             = operations.ParamType
	ObjectShape           = operations.ObjectShape
	OperationHandler      = operations.Handler
	Primitive             = operations.Primitive
	ArrayConvention       = operations.ArrayConvention
	Content               = content.Content
	Identity              = auth.Identity
	Policy                = auth.Policy
	Permission            = auth.Permission
	OperationRequirements = auth.OperationRequirements
)

// Primitive element types and array calling conventions for Array
// declarations.
const (
	PrimString   = operations.PrimString
	PrimInt      = operations.PrimInt
	PrimLong     = operations.PrimLong
	PrimByte     = operations.PrimByte
	PrimBool     = operations.PrimBool
	PrimFloat    = operations.PrimFloat
	PrimDouble   = operations.PrimDouble
	PrimDecimal  = operations.PrimDecimal
	PrimDateTime = operations.PrimDateTime

	ConvArray      = operations.ConvArray
	ConvEnumerable = operations.ConvEnumerable
	ConvList       = operations.ConvList
	ConvODataArray = operations.ConvODataArray
)

// Permission bits usable in ACL entries and operation requirements.
const (
	PermSee            = auth.PermSee
	PermOpen           = auth.PermOpen
	PermSave           = auth.PermSave
	PermDelete         = auth.PermDelete
	PermAddNew         = auth.PermAddNew
	PermRunApplication = auth.PermRunApplication
	PermSetPermissions = auth.PermSetPermissions
)

// Parameter type constructors for operation declarations.
func String() ParamType   { return operations.String() }
func Int() ParamType      { return operations.Int() }
func Long() ParamType     { return operations.Long() }
func Bool() ParamType     { return operations.Bool() }
func Double() ParamType   { return operations.Double() }
func Decimal() ParamType  { return operations.Decimal() }
func DateTime() ParamType { return operations.DateTime() }

// Nullable marks a primitive parameter type as accepting explicit null.
func Nullable(t ParamType) ParamType { return operations.Nullable(t) }

// Array declares a collection parameter.
func Array(elem Primitive, conv ArrayConvention) ParamType {
	return operations.Array(elem, conv)
}

// Object declares an object parameter bound structurally against candidate
// shapes.
func Object(shapes ...ObjectShape) ParamType { return operations.Object(shapes...) }
