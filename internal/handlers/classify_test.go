package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/operations"
)

func TestClassifyUnwrapsInvocationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	inner := NewForbiddenError("no")
	wrapped := &operations.InvocationError{Operation: "Op", Inner: inner}

	f := env.mw.classify(context.Background(), nil, "Op", wrapped)
	if f.code != CodeForbidden || f.status != http.StatusForbidden {
		t.Errorf("Expected unwrapped Forbidden, got %+v", f)
	}
}

func TestClassifyDuplicateWithCopyMoveMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.mw.classify(context.Background(), nil, "MoveTo", content.ErrNodeExists)
	if f.code != CodeContentAlreadyExists || f.status != http.StatusConflict {
		t.Fatalf("Expected ContentAlreadyExists 409, got %+v", f)
	}
	if f.message == "content already exists" {
		t.Error("Expected the specialized move message")
	}

	f = env.mw.classify(context.Background(), nil, "Save", content.ErrNodeExists)
	if f.message != "content already exists" {
		t.Errorf("Expected the plain message, got %q", f.message)
	}
}

func TestClassifyCancellationIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.mw.classify(context.Background(), nil, "Op", context.Canceled)
	if !f.silent {
		t.Errorf("Expected cancellation to be silent, got %+v", f)
	}
}

func TestClassifyUnknownErrorIsNotSpecified(t *testing.T) {
	env := newTestEnv(t, nil)
	f := env.mw.classify(context.Background(), nil, "Op", errors.New("boom"))
	if f.code != CodeNotSpecified || f.status != http.StatusInternalServerError {
		t.Errorf("Expected NotSpecified 500, got %+v", f)
	}
}

func TestClassifyFieldErrorIsRequestError(t *testing.T) {
	env := newTestEnv(t, nil)
	err := &content.FieldError{Field: "Index", Path: "/Root/X", Err: errors.New("bad")}
	f := env.mw.classify(context.Background(), nil, "Op", err)
	if f.code != CodeRequestError || f.status != http.StatusBadRequest {
		t.Errorf("Expected RequestError 400, got %+v", f)
	}
}

func TestClassifyInvalidActionPassesReasonThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	err := &InvalidContentActionError{Reason: "NotAnAction", Message: "nope"}
	f := env.mw.classify(context.Background(), nil, "Op", err)
	if string(f.code) != "NotAnAction" {
		t.Errorf("Expected caller-declared reason code, got %+v", f)
	}
}

func TestClassifySecurityErrorVisibleTargetForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	target := env.seed(t, "/Root", "Folder", "Seen", nil)
	err := &SecurityError{Path: target.Path(), Reason: "Save permission required"}
	f := env.mw.classify(context.Background(), target, "Op", err)
	if f.code != CodeForbidden || f.silent {
		t.Errorf("Expected visible Forbidden, got %+v", f)
	}
}

func TestClassifySecurityErrorHiddenTargetSilent404(t *testing.T) {
	env := newTestEnv(t, nil)
	err := &SecurityError{Path: "/Root/Hidden", Reason: "whatever"}
	f := env.mw.classify(context.Background(), nil, "Op", err)
	if f.status != http.StatusNotFound || !f.silent {
		t.Errorf("Expected silent 404, got %+v", f)
	}
}
