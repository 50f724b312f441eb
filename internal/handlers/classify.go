package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/model"
	"github.com/nlstn/go-contentrepo/internal/operations"
	"github.com/nlstn/go-contentrepo/internal/query"
)

// fault is a classified error ready for the wire.
type fault struct {
	code    ErrorCode
	status  int
	message string
	// silent suppresses the error body: true absence and security-hidden
	// existence present identically.
	silent bool
}

// silentNotFound is the body-less 404 used for both missing content and
// content the caller must not learn exists.
func silentNotFound() *ODataError {
	return &ODataError{Code: CodeResourceNotFound, Status: http.StatusNotFound, Message: ""}
}

// classify maps any fault crossing the dispatch boundary to its wire shape.
// Rules are rank-ordered; the first match wins. Expected client mistakes are
// never logged, only truly unexpected faults are.
func (m *ODataMiddleware) classify(ctx context.Context, target *content.Content, opName string, err error) fault {
	// Invocation wrappers unwrap and reclassify recursively.
	var invocation *operations.InvocationError
	if errors.As(err, &invocation) && invocation.Inner != nil {
		return m.classify(ctx, target, opName, invocation.Inner)
	}

	var classified *ODataError
	if errors.As(err, &classified) {
		if classified.Status == http.StatusInternalServerError {
			m.logger.Error("Classified server error", "code", classified.Code, "error", err)
		}
		return fault{
			code:    classified.Code,
			status:  classified.Status,
			message: classified.Message,
			silent:  classified.Message == "" && classified.Status == http.StatusNotFound,
		}
	}

	var opNotFound *operations.NotFoundError
	if errors.As(err, &opNotFound) {
		return fault{code: CodeResourceNotFound, status: http.StatusNotFound, message: opNotFound.Error()}
	}

	if errors.Is(err, ErrAccessDenied) {
		m.logger.Warn("Access denied", "operation", opName, "error", err)
		return fault{code: CodeForbidden, status: http.StatusForbidden, message: "access denied"}
	}

	if errors.Is(err, ErrUnauthorized) {
		return fault{code: CodeUnauthorized, status: http.StatusUnauthorized, message: "unauthorized"}
	}

	if errors.Is(err, content.ErrNodeExists) {
		message := "content already exists"
		lower := strings.ToLower(opName)
		if strings.HasPrefix(lower, "copy") || strings.HasPrefix(lower, "move") {
			message = fmt.Sprintf("cannot %s content: the target already contains an item with the same name", lower[:4])
		}
		return fault{code: CodeContentAlreadyExists, status: http.StatusConflict, message: message}
	}

	var security *SecurityError
	if errors.As(err, &security) {
		identity := IdentityFromContext(ctx)
		if target == nil || (m.gate != nil && !m.gate.CanSee(ctx, identity, target)) {
			// The caller must not learn the target exists.
			return fault{code: CodeResourceNotFound, status: http.StatusNotFound, silent: true}
		}
		m.logger.Warn("Security violation", "path", security.Path, "reason", security.Reason)
		return fault{code: CodeForbidden, status: http.StatusForbidden, message: security.Reason}
	}

	var invalidAction *InvalidContentActionError
	if errors.As(err, &invalidAction) {
		return fault{code: ErrorCode(invalidAction.Reason), status: http.StatusBadRequest, message: invalidAction.Message}
	}

	if isRequestError(err) {
		return fault{code: CodeRequestError, status: http.StatusBadRequest, message: err.Error()}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Info("Request cancelled", "operation", opName)
		return fault{code: CodeNotSpecified, status: http.StatusBadRequest, silent: true}
	}

	m.logger.Error("Unexpected server error", "operation", opName, "error", err)
	return fault{code: CodeNotSpecified, status: http.StatusInternalServerError, message: "an unexpected error occurred"}
}

// isRequestError groups the expected malformed-input faults.
func isRequestError(err error) bool {
	if errors.Is(err, model.ErrUnsupportedModel) || errors.Is(err, content.ErrPendingVersion) ||
		errors.Is(err, content.ErrNotTrashed) {
		return true
	}
	var parse *query.ParseError
	if errors.As(err, &parse) {
		return true
	}
	var field *content.FieldError
	if errors.As(err, &field) {
		return true
	}
	var ambiguous *operations.AmbiguousError
	if errors.As(err, &ambiguous) {
		return true
	}
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes)
}

// writeFault classifies and renders one fault. A silent fault writes only
// the status; a cancelled request writes nothing at all.
func (m *ODataMiddleware) writeFault(ctx context.Context, w http.ResponseWriter, r *http.Request, target *content.Content, opName string, err error) {
	f := m.classify(ctx, target, opName, err)
	if ctx.Err() != nil {
		// The client is gone; classification above already logged.
		return
	}
	if f.silent {
		w.WriteHeader(f.status)
		return
	}
	if writeErr := m.writer.WriteError(w, r, f.status, string(f.code), f.message); writeErr != nil {
		m.logger.Error("Failed to write error response", "error", writeErr)
	}
}
