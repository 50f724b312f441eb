package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nlstn/go-contentrepo/internal/content"
)

// Permission is a bit set of the capability flags an identity may hold on a
// content item.
type Permission uint32

const (
	PermSee Permission = 1 << iota
	PermOpen
	PermSave
	PermDelete
	PermAddNew
	PermRunApplication
	PermSetPermissions
)

func (p Permission) String() string {
	names := []struct {
		bit  Permission
		name string
	}{
		{PermSee, "See"}, {PermOpen, "Open"}, {PermSave, "Save"},
		{PermDelete, "Delete"}, {PermAddNew, "AddNew"},
		{PermRunApplication, "RunApplication"}, {PermSetPermissions, "SetPermissions"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// SecurityHandler is the narrow capability surface the gate consumes; the
// ACL storage behind it is an external collaborator.
type SecurityHandler interface {
	// HasPermission reports whether the identity holds every bit of perms on
	// the given path.
	HasPermission(ctx context.Context, identity Identity, path string, perms Permission) bool
}

// OperationRequirements describes what an operation demands from its caller.
// Zero values are permissive: an empty type list means all types, an empty
// role set means everyone, zero permissions means none required.
type OperationRequirements struct {
	ContentTypes []string
	Roles        []string
	Permissions  Permission
	Policies     []string
}

// Verdict is the outcome of evaluating an operation against a target and an
// identity.
type Verdict int

const (
	// VerdictEnabled allows the invocation.
	VerdictEnabled Verdict = iota
	// VerdictDisabled means the operation is visible but a policy declined
	// it for this caller.
	VerdictDisabled
	// VerdictInvisible means the caller must not learn the target or the
	// operation exists; the boundary presents it as not-found.
	VerdictInvisible
	// VerdictForbidden is an acknowledged denial.
	VerdictForbidden
)

func (v Verdict) String() string {
	switch v {
	case VerdictEnabled:
		return "Enabled"
	case VerdictDisabled:
		return "Disabled"
	case VerdictInvisible:
		return "Invisible"
	case VerdictForbidden:
		return "Forbidden"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Policy is a named, pluggable predicate controlling operation enablement.
type Policy func(identity Identity, target *content.Content) bool

// PolicyRegistry is the process-wide policy table. Writes happen at startup;
// Reset is reserved for tests.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicyRegistry returns an empty policy table.
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[string]Policy)}
}

var globalPolicies = NewPolicyRegistry()

// Policies returns the shared process-wide policy registry.
func Policies() *PolicyRegistry { return globalPolicies }

// Register adds a named policy. Re-registering a name replaces the previous
// predicate.
func (pr *PolicyRegistry) Register(name string, policy Policy) error {
	if name == "" || policy == nil {
		return fmt.Errorf("auth: policy registration needs a name and a predicate")
	}
	pr.mu.Lock()
	pr.policies[strings.ToLower(name)] = policy
	pr.mu.Unlock()
	return nil
}

// Lookup finds a policy by name, case-insensitively.
func (pr *PolicyRegistry) Lookup(name string) (Policy, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.policies[strings.ToLower(name)]
	return p, ok
}

// Reset clears the table. Test harnesses only.
func (pr *PolicyRegistry) Reset() {
	pr.mu.Lock()
	pr.policies = make(map[string]Policy)
	pr.mu.Unlock()
}

// Gate evaluates operation requirements. All checks must pass for Enabled;
// each dimension is independently pluggable and testable.
type Gate struct {
	schema   *content.Schema
	security SecurityHandler
	policies *PolicyRegistry
	logger   *slog.Logger
}

// NewGate wires the authorization gate.
func NewGate(schema *content.Schema, security SecurityHandler, policies *PolicyRegistry, logger *slog.Logger) *Gate {
	if policies == nil {
		policies = globalPolicies
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{schema: schema, security: security, policies: policies, logger: logger}
}

// Evaluate runs the check chain for one operation, target and identity. The
// returned reason is a human-readable explanation for non-Enabled verdicts.
func (g *Gate) Evaluate(ctx context.Context, req OperationRequirements, target *content.Content, identity Identity) (Verdict, string) {
	// Whoever cannot See the target must not learn anything exists here,
	// including the denial itself.
	if !g.CanSee(ctx, identity, target) {
		return VerdictInvisible, "content is not visible"
	}

	if len(req.ContentTypes) > 0 {
		applicable := false
		for _, typeName := range req.ContentTypes {
			if g.schema.IsInstanceOf(target.TypeName(), typeName) {
				applicable = true
				break
			}
		}
		if !applicable {
			return VerdictInvisible, fmt.Sprintf("operation is not applicable to type '%s'", target.TypeName())
		}
	}

	if len(req.Roles) > 0 && !g.inAnyRole(identity, req.Roles) {
		return VerdictForbidden, "caller is not in an allowed role"
	}

	if req.Permissions != 0 && !identity.IsAdministrator() {
		if g.security == nil || !g.security.HasPermission(ctx, identity, target.Path(), req.Permissions) {
			return VerdictForbidden, fmt.Sprintf("missing permission: %s", req.Permissions)
		}
	}

	for _, name := range req.Policies {
		policy, ok := g.policies.Lookup(name)
		if !ok {
			// An unresolvable policy name is a configuration error, surfaced
			// loudly rather than silently ignored.
			g.logger.Error("Operation references unknown policy", "policy", name)
			return VerdictForbidden, fmt.Sprintf("policy '%s' is not registered", name)
		}
		if !policy(identity, target) {
			return VerdictDisabled, fmt.Sprintf("policy '%s' declined the call", name)
		}
	}

	return VerdictEnabled, ""
}

// CanSee reports whether the identity holds the See permission on the
// target. Administrators always can; with no security handler wired (tests,
// single-user installs) everything is visible.
func (g *Gate) CanSee(ctx context.Context, identity Identity, target *content.Content) bool {
	if identity.IsAdministrator() || g.security == nil {
		return true
	}
	return g.security.HasPermission(ctx, identity, target.Path(), PermSee)
}

func (g *Gate) inAnyRole(identity Identity, roles []string) bool {
	for _, role := range roles {
		if strings.EqualFold(identity.Name, role) || identity.InGroup(role) {
			return true
		}
	}
	return false
}
