// Package auth carries the explicit identity model and the authorization
// gate for operation dispatch. Identity is never ambient: it is extracted
// once from the transport layer and threaded through every check.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Well-known principal names.
const (
	VisitorName  = "Visitor"
	SomebodyName = "Somebody"
	AdminName    = "Admin"

	// EveryoneGroup is implicitly held by all authenticated identities.
	EveryoneGroup = "Everyone"
	// AdministratorsGroup members bypass permission checks.
	AdministratorsGroup = "Administrators"
)

// Identity is the resolved caller of one request. Groups holds the flattened
// (recursively resolved) membership closure computed at request start.
type Identity struct {
	ID     uint
	Name   string
	Groups []string
}

// Visitor is the anonymous identity used when no credentials are presented.
func Visitor() Identity {
	return Identity{Name: VisitorName}
}

// IsVisitor reports whether the identity is the anonymous caller.
func (i Identity) IsVisitor() bool { return i.Name == VisitorName || i.Name == "" }

// IsAdministrator reports whether the identity is in the administrators
// group.
func (i Identity) IsAdministrator() bool {
	return i.InGroup(AdministratorsGroup) || i.Name == AdminName
}

// InGroup reports membership in a named group, case-insensitively.
func (i Identity) InGroup(group string) bool {
	for _, g := range i.Groups {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}

// GroupResolver expands a principal name to its recursive group closure.
// Implemented by the security store.
type GroupResolver func(ctx context.Context, principal string) []string

// repoClaims is the JWT claim set the repository understands.
type repoClaims struct {
	jwt.RegisteredClaims
	UserID uint     `json:"uid"`
	Groups []string `json:"groups"`
}

// FromRequest extracts the caller identity from a bearer token. Missing or
// invalid credentials yield the Visitor identity rather than an error; the
// authorization gate decides what a visitor may do.
func FromRequest(ctx context.Context, r *http.Request, secret []byte, resolver GroupResolver) Identity {
	if len(secret) == 0 {
		// An empty secret would verify tokens signed with an empty HMAC key,
		// so an unconfigured repository must not accept any credentials.
		return Visitor()
	}
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return Visitor()
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := &repoClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return Visitor()
	}

	identity := Identity{
		ID:     claims.UserID,
		Name:   claims.Subject,
		Groups: append([]string{EveryoneGroup}, claims.Groups...),
	}
	if resolver != nil {
		identity.Groups = mergeGroups(identity.Groups, resolver(ctx, identity.Name))
	}
	return identity
}

func mergeGroups(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, g := range append(base, extra...) {
		key := strings.ToLower(g)
		if g == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, g)
	}
	return out
}
