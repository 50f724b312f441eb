package security

import (
	"context"
	"sort"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
)

// AggregatedPermission is one row of a permission overview: the effective
// permission set a principal holds on a path after inheritance and denies.
type AggregatedPermission struct {
	Path      string   `json:"path"`
	Principal string   `json:"principal"`
	Allowed   []string `json:"allowed"`
	Inherited bool     `json:"inherited"`
}

// PermissionOverview reports every path carrying an explicit entry for the
// identity or any of its groups, with the effective permission names.
func (s *Store) PermissionOverview(ctx context.Context, identity auth.Identity) ([]AggregatedPermission, error) {
	principals := append([]string{identity.Name}, identity.Groups...)
	var entries []AclEntry
	if err := s.db.WithContext(ctx).Where("principal IN ?", principals).Find(&entries).Error; err != nil {
		return nil, err
	}

	// Collapse entries per path, then compute the effective set on each.
	byPath := make(map[string][]AclEntry)
	for _, entry := range entries {
		byPath[entry.Path] = append(byPath[entry.Path], entry)
	}
	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	overview := make([]AggregatedPermission, 0, len(paths))
	for _, path := range paths {
		var allow, deny uint32
		inherited := false
		for _, ancestor := range ancestorChain(path) {
			for _, entry := range byPath[ancestor] {
				allow |= entry.Allow
				deny |= entry.Deny
				if ancestor != path {
					inherited = true
				}
			}
		}
		overview = append(overview, AggregatedPermission{
			Path:      path,
			Principal: identity.Name,
			Allowed:   permissionNames(auth.Permission(allow &^ deny)),
			Inherited: inherited,
		})
	}
	return overview, nil
}

// ConsistencyResult is the outcome of a security consistency sweep.
type ConsistencyResult struct {
	Consistent        bool       `json:"consistent"`
	OrphanedEntries   []string   `json:"orphanedEntries"`
	MembershipCycles  [][]string `json:"membershipCycles"`
	InvalidPrincipals []string   `json:"invalidPrincipals"`
}

// CheckConsistency sweeps the ACL store against the node tree: entries whose
// path no longer resolves are orphaned, membership graphs are checked for
// cycles, and blank principals are flagged.
func (s *Store) CheckConsistency(ctx context.Context, nodes *content.Store) (*ConsistencyResult, error) {
	result := &ConsistencyResult{}

	var entries []AclEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if strings.TrimSpace(entry.Principal) == "" {
			result.InvalidPrincipals = append(result.InvalidPrincipals, entry.Path)
		}
		if seen[entry.Path] {
			continue
		}
		seen[entry.Path] = true
		node, err := nodes.LoadByPath(ctx, entry.Path)
		if err != nil {
			return nil, err
		}
		if node == nil {
			result.OrphanedEntries = append(result.OrphanedEntries, entry.Path)
		}
	}
	sort.Strings(result.OrphanedEntries)

	var memberships []Membership
	if err := s.db.WithContext(ctx).Find(&memberships).Error; err != nil {
		return nil, err
	}
	result.MembershipCycles = findCycles(memberships)

	result.Consistent = len(result.OrphanedEntries) == 0 &&
		len(result.MembershipCycles) == 0 &&
		len(result.InvalidPrincipals) == 0
	return result, nil
}

// findCycles walks the member->group edges depth-first and records each
// cycle once, starting from its lexicographically smallest node.
func findCycles(memberships []Membership) [][]string {
	edges := make(map[string][]string)
	for _, m := range memberships {
		edges[m.Member] = append(edges[m.Member], m.Group)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		state[node] = inStack
		stack = append(stack, node)
		for _, next := range edges[node] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				for i, member := range stack {
					if member == next {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, canonicalCycle(cycle))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
	}

	roots := make([]string, 0, len(edges))
	for member := range edges {
		roots = append(roots, member)
	}
	sort.Strings(roots)
	for _, root := range roots {
		if state[root] == unvisited {
			visit(root)
		}
	}
	return cycles
}

func canonicalCycle(cycle []string) []string {
	min := 0
	for i, name := range cycle {
		if name < cycle[min] {
			min = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[min:]...)
	rotated = append(rotated, cycle[:min]...)
	return rotated
}

func permissionNames(perms auth.Permission) []string {
	all := []auth.Permission{
		auth.PermSee, auth.PermOpen, auth.PermSave, auth.PermDelete,
		auth.PermAddNew, auth.PermRunApplication, auth.PermSetPermissions,
	}
	var names []string
	for _, p := range all {
		if perms&p == p {
			names = append(names, p.String())
		}
	}
	return names
}
