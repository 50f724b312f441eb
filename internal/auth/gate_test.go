package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nlstn/go-contentrepo/internal/content"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubSecurity grants the permission bits configured per path.
type stubSecurity struct {
	grants map[string]Permission
}

func (s *stubSecurity) HasPermission(ctx context.Context, identity Identity, path string, perms Permission) bool {
	return s.grants[path]&perms == perms
}

func testTarget(t *testing.T) (*content.Schema, *content.Content) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	store := content.NewStore(db, nil)
	if err := store.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	schema := content.DefaultSchema()
	c, err := content.New(schema, store, content.RootPath, "Folder", "Docs")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Save(context.Background(), 1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return schema, c
}

func TestEvaluate_EnabledWhenAllChecksPass(t *testing.T) {
	schema, target := testTarget(t)
	security := &stubSecurity{grants: map[string]Permission{
		target.Path(): PermSee | PermRunApplication,
	}}
	policies := NewPolicyRegistry()
	if err := policies.Register("ContentExists", func(identity Identity, c *content.Content) bool {
		return c != nil && c.ID() != 0
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	gate := NewGate(schema, security, policies, nil)

	identity := Identity{ID: 7, Name: "editor", Groups: []string{"Everyone", "Editors"}}
	req := OperationRequirements{
		ContentTypes: []string{"Folder"},
		Roles:        []string{"Editors"},
		Permissions:  PermRunApplication,
		Policies:     []string{"ContentExists"},
	}
	verdict, reason := gate.Evaluate(context.Background(), req, target, identity)
	if verdict != VerdictEnabled {
		t.Errorf("Expected Enabled, got %s (%s)", verdict, reason)
	}
}

func TestEvaluate_MissingSeeIsInvisible(t *testing.T) {
	schema, target := testTarget(t)
	gate := NewGate(schema, &stubSecurity{grants: map[string]Permission{}}, NewPolicyRegistry(), nil)

	verdict, _ := gate.Evaluate(context.Background(), OperationRequirements{}, target,
		Identity{Name: "nobody", Groups: []string{"Everyone"}})
	if verdict != VerdictInvisible {
		t.Errorf("Missing See must degrade to Invisible, got %s", verdict)
	}
}

func TestEvaluate_TypeApplicability(t *testing.T) {
	schema, target := testTarget(t)
	security := &stubSecurity{grants: map[string]Permission{target.Path(): PermSee}}
	gate := NewGate(schema, security, NewPolicyRegistry(), nil)
	identity := Identity{Name: "user", Groups: []string{"Everyone"}}

	// Folder derives from GenericContent; ancestor types apply.
	verdict, _ := gate.Evaluate(context.Background(),
		OperationRequirements{ContentTypes: []string{"GenericContent"}}, target, identity)
	if verdict != VerdictEnabled {
		t.Errorf("Ancestor type must apply, got %s", verdict)
	}

	verdict, _ = gate.Evaluate(context.Background(),
		OperationRequirements{ContentTypes: []string{"User"}}, target, identity)
	if verdict != VerdictInvisible {
		t.Errorf("Inapplicable type must be Invisible, got %s", verdict)
	}
}

func TestEvaluate_RoleCheck(t *testing.T) {
	schema, target := testTarget(t)
	security := &stubSecurity{grants: map[string]Permission{target.Path(): PermSee}}
	gate := NewGate(schema, security, NewPolicyRegistry(), nil)

	req := OperationRequirements{Roles: []string{"Operators"}}
	verdict, _ := gate.Evaluate(context.Background(), req, target,
		Identity{Name: "user", Groups: []string{"Everyone"}})
	if verdict != VerdictForbidden {
		t.Errorf("Expected Forbidden for role miss, got %s", verdict)
	}

	verdict, _ = gate.Evaluate(context.Background(), req, target,
		Identity{Name: "user", Groups: []string{"Everyone", "Operators"}})
	if verdict != VerdictEnabled {
		t.Errorf("Expected Enabled for role member, got %s", verdict)
	}

	// An empty role set means everyone.
	verdict, _ = gate.Evaluate(context.Background(), OperationRequirements{}, target,
		Identity{Name: "user", Groups: []string{"Everyone"}})
	if verdict != VerdictEnabled {
		t.Errorf("Expected Enabled for empty role set, got %s", verdict)
	}
}

func TestEvaluate_UnknownPolicyIsForbidden(t *testing.T) {
	schema, target := testTarget(t)
	security := &stubSecurity{grants: map[string]Permission{target.Path(): PermSee}}
	gate := NewGate(schema, security, NewPolicyRegistry(), nil)

	verdict, reason := gate.Evaluate(context.Background(),
		OperationRequirements{Policies: []string{"DoesNotExist"}}, target,
		Identity{Name: "user", Groups: []string{"Everyone"}})
	if verdict != VerdictForbidden {
		t.Errorf("Unknown policy must be Forbidden, got %s", verdict)
	}
	if reason == "" {
		t.Error("Unknown policy must carry a descriptive message")
	}
}

func TestEvaluate_DecliningPolicyIsDisabled(t *testing.T) {
	schema, target := testTarget(t)
	security := &stubSecurity{grants: map[string]Permission{target.Path(): PermSee}}
	policies := NewPolicyRegistry()
	_ = policies.Register("Never", func(Identity, *content.Content) bool { return false })
	gate := NewGate(schema, security, policies, nil)

	verdict, _ := gate.Evaluate(context.Background(),
		OperationRequirements{Policies: []string{"Never"}}, target,
		Identity{Name: "user", Groups: []string{"Everyone"}})
	if verdict != VerdictDisabled {
		t.Errorf("Declining policy must be Disabled, got %s", verdict)
	}
}

func TestFromRequest_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"sub":    "editor",
		"uid":    12,
		"groups": []string{"Editors"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/OData.svc/Root", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	identity := FromRequest(context.Background(), r, secret, func(ctx context.Context, principal string) []string {
		return []string{"Contributors"}
	})
	if identity.Name != "editor" || identity.ID != 12 {
		t.Errorf("Unexpected identity: %+v", identity)
	}
	if !identity.InGroup("Editors") || !identity.InGroup("Contributors") || !identity.InGroup("Everyone") {
		t.Errorf("Expected merged group closure, got %v", identity.Groups)
	}
}

func TestFromRequest_InvalidTokenFallsBackToVisitor(t *testing.T) {
	r := httptest.NewRequest("GET", "/OData.svc/Root", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	identity := FromRequest(context.Background(), r, []byte("secret"), nil)
	if !identity.IsVisitor() {
		t.Errorf("Expected Visitor for invalid token, got %+v", identity)
	}

	bare := httptest.NewRequest("GET", "/OData.svc/Root", nil)
	if identity := FromRequest(context.Background(), bare, []byte("secret"), nil); !identity.IsVisitor() {
		t.Errorf("Expected Visitor without credentials, got %+v", identity)
	}
}

func TestFromRequest_EmptySecretRejectsAllTokens(t *testing.T) {
	claims := jwt.MapClaims{
		"sub":    AdminName,
		"uid":    1,
		"groups": []string{AdministratorsGroup},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	// Signed with the empty HMAC key, which is exactly what an unconfigured
	// secret would verify against.
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte{})
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}

	r := httptest.NewRequest("GET", "/OData.svc/Root", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	identity := FromRequest(context.Background(), r, nil, nil)
	if !identity.IsVisitor() {
		t.Fatalf("Empty secret must yield Visitor, got %+v", identity)
	}
	if identity := FromRequest(context.Background(), r, []byte{}, nil); !identity.IsVisitor() {
		t.Errorf("Zero-length secret must yield Visitor, got %+v", identity)
	}
}
