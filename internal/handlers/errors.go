package handlers

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable machine-readable code carried in error envelopes.
type ErrorCode string

const (
	CodeRequestError         ErrorCode = "RequestError"
	CodeResourceNotFound     ErrorCode = "ResourceNotFound"
	CodeForbidden            ErrorCode = "Forbidden"
	CodeUnauthorized         ErrorCode = "Unauthorized"
	CodeContentAlreadyExists ErrorCode = "ContentAlreadyExists"
	CodeIllegalInvoke        ErrorCode = "IllegalInvoke"
	CodeNotSpecified         ErrorCode = "NotSpecified"
)

// ODataError is an already-classified fault: it crosses the dispatch
// boundary unchanged and its status goes straight to the wire.
type ODataError struct {
	Code    ErrorCode
	Status  int
	Message string
	Inner   error
}

func (e *ODataError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ODataError) Unwrap() error { return e.Inner }

// NewRequestError classifies malformed client input.
func NewRequestError(message string, inner error) *ODataError {
	return &ODataError{Code: CodeRequestError, Status: http.StatusBadRequest, Message: message, Inner: inner}
}

// NewIllegalInvokeError classifies a verb applied to a path kind that does
// not support it.
func NewIllegalInvokeError(message string) *ODataError {
	return &ODataError{Code: CodeIllegalInvoke, Status: http.StatusBadRequest, Message: message}
}

// NewNotFoundError classifies an absent resource.
func NewNotFoundError(message string) *ODataError {
	return &ODataError{Code: CodeResourceNotFound, Status: http.StatusNotFound, Message: message}
}

// NewForbiddenError classifies an acknowledged denial.
func NewForbiddenError(message string) *ODataError {
	return &ODataError{Code: CodeForbidden, Status: http.StatusForbidden, Message: message}
}

// ErrAccessDenied marks a collaborator-level permission failure.
var ErrAccessDenied = errors.New("access denied")

// ErrUnauthorized marks a request lacking usable credentials where they are
// required.
var ErrUnauthorized = errors.New("unauthorized")

// SecurityError is raised by security-sensitive collaborators. The
// classifier degrades it to a silent 404 when the caller cannot even See the
// target, so the denial does not reveal existence.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation on %s: %s", e.Path, e.Reason)
}

// InvalidContentActionError carries a caller-declared reason code that
// passes through the classifier without logging.
type InvalidContentActionError struct {
	Reason  string
	Message string
}

func (e *InvalidContentActionError) Error() string {
	return fmt.Sprintf("invalid content action (%s): %s", e.Reason, e.Message)
}
