package handlers

import (
	"context"

	"github.com/nlstn/go-contentrepo/internal/auth"
)

// Context keys for request-scoped values
type contextKey string

const (
	identityKey     contextKey = "odata_identity"
	odataRequestKey contextKey = "odata_request"
)

// WithIdentity attaches the resolved caller identity to the context.
func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the caller identity, defaulting to Visitor
// when none was attached.
func IdentityFromContext(ctx context.Context) auth.Identity {
	if identity, ok := ctx.Value(identityKey).(auth.Identity); ok {
		return identity
	}
	return auth.Visitor()
}

// withODataRequest attaches the parsed request for downstream collaborators.
func withODataRequest(ctx context.Context, req *ODataRequest) context.Context {
	return context.WithValue(ctx, odataRequestKey, req)
}

// ODataRequestFromContext retrieves the parsed request, if any.
func ODataRequestFromContext(ctx context.Context) (*ODataRequest, bool) {
	req, ok := ctx.Value(odataRequestKey).(*ODataRequest)
	return req, ok
}
