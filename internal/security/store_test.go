package security

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSecurity(t *testing.T) (*Store, *content.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	nodes := content.NewStore(db, slog.Default())
	if err := nodes.Install(context.Background()); err != nil {
		t.Fatalf("Failed to install node store: %v", err)
	}
	store := NewStore(db, slog.Default())
	if err := store.Install(context.Background()); err != nil {
		t.Fatalf("Failed to install security store: %v", err)
	}
	return store, nodes
}

func TestHasPermissionDirectEntry(t *testing.T) {
	store, _ := setupSecurity(t)
	editor := store.CreateAclEditor()
	editor.Allow("/Root/Content", "alice", auth.PermSee|auth.PermOpen)
	if err := editor.Apply(context.Background()); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}

	alice := auth.Identity{ID: 10, Name: "alice"}
	if !store.HasPermission(context.Background(), alice, "/Root/Content", auth.PermSee) {
		t.Error("Expected See to be granted by direct entry")
	}
	if store.HasPermission(context.Background(), alice, "/Root/Content", auth.PermSave) {
		t.Error("Expected Save to be denied without an entry")
	}
}

func TestHasPermissionInheritsFromAncestor(t *testing.T) {
	store, _ := setupSecurity(t)
	editor := store.CreateAclEditor()
	editor.Allow("/Root", "alice", auth.PermSee|auth.PermOpen)
	if err := editor.Apply(context.Background()); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}

	alice := auth.Identity{ID: 10, Name: "alice"}
	if !store.HasPermission(context.Background(), alice, "/Root/Content/Docs/Report", auth.PermOpen) {
		t.Error("Expected permission inherited from /Root")
	}
}

func TestDenyOverridesInheritedAllow(t *testing.T) {
	store, _ := setupSecurity(t)
	editor := store.CreateAclEditor()
	editor.Allow("/Root", "alice", auth.PermSee|auth.PermOpen)
	editor.Deny("/Root/Content/Secret", "alice", auth.PermOpen)
	if err := editor.Apply(context.Background()); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}

	alice := auth.Identity{ID: 10, Name: "alice"}
	if !store.HasPermission(context.Background(), alice, "/Root/Content/Secret", auth.PermSee) {
		t.Error("Expected See to survive the deny on Open")
	}
	if store.HasPermission(context.Background(), alice, "/Root/Content/Secret", auth.PermOpen) {
		t.Error("Expected explicit deny to override inherited allow")
	}
}

func TestHasPermissionThroughGroup(t *testing.T) {
	store, _ := setupSecurity(t)
	editor := store.CreateAclEditor()
	editor.Allow("/Root/Content", "Editors", auth.PermSave)
	if err := editor.Apply(context.Background()); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}

	alice := auth.Identity{ID: 10, Name: "alice", Groups: []string{"Editors"}}
	if !store.HasPermission(context.Background(), alice, "/Root/Content", auth.PermSave) {
		t.Error("Expected group entry to grant permission")
	}
}

func TestGroupsOfResolvesNestedMembership(t *testing.T) {
	store, _ := setupSecurity(t)
	ctx := context.Background()
	if err := store.AddMembership(ctx, "Editors", "alice"); err != nil {
		t.Fatalf("Failed to add membership: %v", err)
	}
	if err := store.AddMembership(ctx, "Staff", "Editors"); err != nil {
		t.Fatalf("Failed to add membership: %v", err)
	}

	groups := store.GroupsOf(ctx, "alice")
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %v", groups)
	}
	found := map[string]bool{}
	for _, g := range groups {
		found[g] = true
	}
	if !found["Editors"] || !found["Staff"] {
		t.Errorf("Expected Editors and Staff in closure, got %v", groups)
	}
}

func TestGroupsOfTerminatesOnCycle(t *testing.T) {
	store, _ := setupSecurity(t)
	ctx := context.Background()
	store.AddMembership(ctx, "A", "B")
	store.AddMembership(ctx, "B", "A")

	groups := store.GroupsOf(ctx, "A")
	if len(groups) > 2 {
		t.Errorf("Expected closure to terminate on cycle, got %v", groups)
	}
}

func TestPermissionOverview(t *testing.T) {
	store, _ := setupSecurity(t)
	editor := store.CreateAclEditor()
	editor.Allow("/Root", "alice", auth.PermSee)
	editor.Allow("/Root/Content", "alice", auth.PermOpen)
	editor.Deny("/Root/Content", "alice", auth.PermSave)
	if err := editor.Apply(context.Background()); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}

	alice := auth.Identity{ID: 10, Name: "alice"}
	overview, err := store.PermissionOverview(context.Background(), alice)
	if err != nil {
		t.Fatalf("Failed to build overview: %v", err)
	}
	if len(overview) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(overview))
	}
	if overview[0].Path != "/Root" || overview[1].Path != "/Root/Content" {
		t.Errorf("Expected sorted paths, got %v then %v", overview[0].Path, overview[1].Path)
	}
	if !overview[1].Inherited {
		t.Error("Expected /Root/Content row to be marked inherited")
	}
	foundSee := false
	for _, name := range overview[1].Allowed {
		if name == auth.PermSee.String() {
			foundSee = true
		}
		if name == auth.PermSave.String() {
			t.Error("Expected denied Save to be absent from effective set")
		}
	}
	if !foundSee {
		t.Errorf("Expected inherited See in effective set, got %v", overview[1].Allowed)
	}
}

func TestCheckConsistencyCleanStore(t *testing.T) {
	store, nodes := setupSecurity(t)
	editor := store.CreateAclEditor()
	editor.Allow(content.RootPath, "alice", auth.PermSee)
	if err := editor.Apply(context.Background()); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}

	result, err := store.CheckConsistency(context.Background(), nodes)
	if err != nil {
		t.Fatalf("Consistency check failed: %v", err)
	}
	if !result.Consistent {
		t.Errorf("Expected consistent store, got %+v", result)
	}
}

func TestCheckConsistencyFindsOrphansAndCycles(t *testing.T) {
	store, nodes := setupSecurity(t)
	ctx := context.Background()
	editor := store.CreateAclEditor()
	editor.Allow("/Root/DoesNotExist", "alice", auth.PermSee)
	if err := editor.Apply(ctx); err != nil {
		t.Fatalf("Failed to apply ACL: %v", err)
	}
	store.AddMembership(ctx, "A", "B")
	store.AddMembership(ctx, "B", "A")

	result, err := store.CheckConsistency(ctx, nodes)
	if err != nil {
		t.Fatalf("Consistency check failed: %v", err)
	}
	if result.Consistent {
		t.Error("Expected inconsistent result")
	}
	if len(result.OrphanedEntries) != 1 || result.OrphanedEntries[0] != "/Root/DoesNotExist" {
		t.Errorf("Expected one orphaned entry, got %v", result.OrphanedEntries)
	}
	if len(result.MembershipCycles) != 1 {
		t.Fatalf("Expected one cycle, got %v", result.MembershipCycles)
	}
	if result.MembershipCycles[0][0] != "A" {
		t.Errorf("Expected cycle to start at its smallest member, got %v", result.MembershipCycles[0])
	}
}
