package content

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupStore(t *testing.T) (*Schema, *Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	store := NewStore(db, nil)
	if err := store.Install(context.Background()); err != nil {
		t.Fatalf("Failed to install store: %v", err)
	}
	return DefaultSchema(), store
}

func mustCreate(t *testing.T, schema *Schema, store *Store, parent, typeName, name string) *Content {
	t.Helper()
	c, err := New(schema, store, parent, typeName, name)
	if err != nil {
		t.Fatalf("Failed to create content: %v", err)
	}
	if err := c.Save(context.Background(), 1); err != nil {
		t.Fatalf("Failed to save content: %v", err)
	}
	return c
}

func TestStore_InstallSeedsTree(t *testing.T) {
	schema, store := setupStore(t)
	ctx := context.Background()

	for _, p := range []string{RootPath, TrashPath, SomebodyPath, VisitorPath} {
		c, err := Load(ctx, schema, store, p)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", p, err)
		}
		if c == nil {
			t.Errorf("Expected seeded node at %s", p)
		}
	}
}

func TestContent_SaveAssignsIdAndVersion(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")

	if c.ID() == 0 {
		t.Error("Expected non-zero id after save")
	}
	if c.IsNew() {
		t.Error("Expected IsNew=false after save")
	}
	if c.Node().Version != 1 {
		t.Errorf("Expected version 1, got %d", c.Node().Version)
	}

	if err := c.Save(context.Background(), 1); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	if c.Node().Version != 2 {
		t.Errorf("Expected version 2 after resave, got %d", c.Node().Version)
	}
}

func TestContent_DuplicatePathRejected(t *testing.T) {
	schema, store := setupStore(t)
	mustCreate(t, schema, store, RootPath, "Folder", "Docs")

	dup, err := New(schema, store, RootPath, "Folder", "Docs")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = dup.Save(context.Background(), 1)
	if err == nil {
		t.Fatal("Expected duplicate save to fail")
	}
}

func TestContent_RenameOntoOccupiedPath(t *testing.T) {
	schema, store := setupStore(t)
	ctx := context.Background()
	mustCreate(t, schema, store, RootPath, "Folder", "Alpha")
	beta := mustCreate(t, schema, store, RootPath, "Folder", "Beta")

	if err := beta.UpdateFields(ctx, map[string]interface{}{"Name": "Alpha"}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	err := beta.Save(ctx, 1)
	if !errors.Is(err, ErrNodeExists) {
		t.Fatalf("Expected ErrNodeExists when renaming onto an occupied path, got %v", err)
	}
}

func TestContent_RenameMovesDescendants(t *testing.T) {
	schema, store := setupStore(t)
	ctx := context.Background()
	docs := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	mustCreate(t, schema, store, "/Root/Docs", "Folder", "Reports")
	mustCreate(t, schema, store, "/Root/Docs/Reports", "Folder", "2026")

	if err := docs.UpdateFields(ctx, map[string]interface{}{"Name": "Archive"}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if err := docs.Save(ctx, 1); err != nil {
		t.Fatalf("Rename save failed: %v", err)
	}

	moved, err := store.LoadByPath(ctx, "/Root/Archive/Reports/2026")
	if err != nil {
		t.Fatalf("LoadByPath failed: %v", err)
	}
	if moved == nil {
		t.Fatal("Expected grandchild under the renamed path")
	}
	if moved.ParentPath != "/Root/Archive/Reports" {
		t.Errorf("Expected rewritten parent path, got %s", moved.ParentPath)
	}

	stale, err := store.LoadByPath(ctx, "/Root/Docs/Reports")
	if err != nil {
		t.Fatalf("LoadByPath failed: %v", err)
	}
	if stale != nil {
		t.Errorf("Old subtree path must be vacated, found node %d", stale.ID)
	}
}

func TestUpdateFields_PrimitiveCoercion(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Workspace", "Project")

	data := map[string]interface{}{
		"Index":    json.Number("5"),
		"IsActive": "false",
		"Budget":   "1999,95",
		"Deadline": "2026-09-01T10:00:00Z",
	}
	if err := c.UpdateFields(context.Background(), data, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}

	if v, _ := c.Value("Index"); v != int64(5) {
		t.Errorf("Expected Index=5, got %v", v)
	}
	if v, _ := c.Value("IsActive"); v != false {
		t.Errorf("Expected IsActive=false, got %v", v)
	}
	if v, _ := c.Value("Budget"); v != "1999.95" {
		t.Errorf("Expected comma-decimal coercion to 1999.95, got %v", v)
	}
}

func TestUpdateFields_DocumentOrderHonored(t *testing.T) {
	schema, store := setupStore(t)
	ctx := context.Background()
	data := map[string]interface{}{
		"IsActive": false,
		"Deadline": "not-a-date",
	}

	// In document order the boolean precedes the faulting datetime, so it
	// must land before the update aborts.
	c := mustCreate(t, schema, store, RootPath, "Workspace", "Ordered")
	err := c.UpdateFields(ctx, data, UpdateOptions{FieldOrder: []string{"IsActive", "Deadline"}})
	if err == nil {
		t.Fatal("Expected datetime coercion to fail")
	}
	if v, _ := c.Value("IsActive"); v != false {
		t.Errorf("Expected IsActive applied before the fault, got %v", v)
	}

	// Without a document order keys fall back to sorted order, where the
	// datetime faults first and the boolean keeps its default.
	d := mustCreate(t, schema, store, RootPath, "Workspace", "Sorted")
	err = d.UpdateFields(ctx, data, UpdateOptions{})
	if err == nil {
		t.Fatal("Expected datetime coercion to fail")
	}
	if v, _ := d.Value("IsActive"); v != true {
		t.Errorf("Expected IsActive untouched, got %v", v)
	}
}

func TestUpdateFields_ReadOnlySkipped(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")

	before, _ := c.Value(FieldNameCreationDate)
	data := map[string]interface{}{FieldNameCreationDate: "1999-01-01T00:00:00Z"}
	if err := c.UpdateFields(context.Background(), data, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	after, _ := c.Value(FieldNameCreationDate)
	if before != after {
		t.Error("Read-only field must not be mutated by inbound requests")
	}
}

func TestUpdateFields_InvalidValueWrapsFieldError(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")

	err := c.UpdateFields(context.Background(), map[string]interface{}{"Index": "not-a-number"}, UpdateOptions{})
	if err == nil {
		t.Fatal("Expected coercion error")
	}
	fieldErr, ok := err.(*FieldError)
	if !ok {
		t.Fatalf("Expected *FieldError, got %T", err)
	}
	if fieldErr.Field != "Index" || fieldErr.Path != "/Root/Docs" {
		t.Errorf("FieldError missing diagnostics: %+v", fieldErr)
	}
}

func TestUpdateFields_BrokenReference(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	ctx := context.Background()

	data := map[string]interface{}{"Owner": "/Root/DoesNotExist"}
	if err := c.UpdateFields(ctx, data, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if v, _ := c.Value("Owner"); v != nil {
		t.Errorf("Expected broken reference to resolve to nil, got %v", v)
	}
	broken := c.BrokenReferences()
	if len(broken) != 1 || broken[0] != "Owner" {
		t.Errorf("Expected Owner marked broken, got %v", broken)
	}
}

func TestUpdateFields_SkipBrokenReferencesKeepsPriorValue(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	admin := mustCreate(t, schema, store, RootPath, "User", "Manager")
	ctx := context.Background()

	if err := c.UpdateFields(ctx, map[string]interface{}{"Owner": admin.Path()}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	prior, _ := c.Value("Owner")

	err := c.UpdateFields(ctx, map[string]interface{}{"Owner": "/Root/Missing"},
		UpdateOptions{SkipBrokenReferences: true})
	if err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if v, _ := c.Value("Owner"); v != prior {
		t.Errorf("Expected prior value %v kept, got %v", prior, v)
	}
	if len(c.BrokenReferences()) != 1 {
		t.Error("Broken reference must still be recorded when skipped")
	}
}

func TestUpdateFields_OwnerSomebodyRejected(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	admin := mustCreate(t, schema, store, RootPath, "User", "Manager")
	ctx := context.Background()

	if err := c.UpdateFields(ctx, map[string]interface{}{"Owner": admin.Path()}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	prior, _ := c.Value("Owner")

	if err := c.UpdateFields(ctx, map[string]interface{}{"Owner": SomebodyPath}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if v, _ := c.Value("Owner"); v != prior {
		t.Errorf("Owner=Somebody must be skipped, got %v", v)
	}
	if len(c.BrokenReferences()) != 0 {
		t.Error("Owner=Somebody is a read-only violation, not a broken reference")
	}
}

func TestUpdateFields_ReferenceById(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	admin := mustCreate(t, schema, store, RootPath, "User", "Manager")
	ctx := context.Background()

	data := map[string]interface{}{"Owner": json.Number(strconv.FormatUint(uint64(admin.ID()), 10))}
	if err := c.UpdateFields(ctx, data, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if v, _ := c.Value("Owner"); v != int64(admin.ID()) {
		t.Errorf("Expected Owner=%d, got %v", admin.ID(), v)
	}
}

func TestResetToDefaults_PreservedSet(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Workspace", "Project")
	ctx := context.Background()

	data := map[string]interface{}{
		"DisplayName": "My Project",
		"Index":       json.Number("42"),
		"IsActive":    false,
	}
	if err := c.UpdateFields(ctx, data, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	name := c.Name()
	created, _ := c.Value(FieldNameCreationDate)

	if err := c.ResetToDefaults(); err != nil {
		t.Fatalf("ResetToDefaults failed: %v", err)
	}

	if c.Name() != name {
		t.Error("Name must survive the reset")
	}
	if after, _ := c.Value(FieldNameCreationDate); after != created {
		t.Error("CreationDate must survive the reset")
	}
	if v, _ := c.Value("Index"); v != int64(0) {
		t.Errorf("Expected Index reset to default 0, got %v", v)
	}
	if v, _ := c.Value("IsActive"); v != true {
		t.Errorf("Expected IsActive reset to default true, got %v", v)
	}
	if v, _ := c.Value("DisplayName"); v != nil && v != "" {
		t.Errorf("Expected DisplayName cleared, got %v", v)
	}
}

func TestResetToDefaults_AspectFieldsSurvive(t *testing.T) {
	schema, store := setupStore(t)
	if err := schema.RegisterAspect(&Aspect{
		Name:   "Reviewable",
		Fields: []*FieldSetting{{Name: "ReviewerNote", Type: FieldString}},
	}); err != nil {
		t.Fatalf("RegisterAspect failed: %v", err)
	}
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	if err := c.AttachAspect("Reviewable"); err != nil {
		t.Fatalf("AttachAspect failed: %v", err)
	}
	if err := c.UpdateFields(context.Background(),
		map[string]interface{}{"ReviewerNote": "looks good"}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}

	if err := c.ResetToDefaults(); err != nil {
		t.Fatalf("ResetToDefaults failed: %v", err)
	}
	if v, _ := c.Value("ReviewerNote"); v != "looks good" {
		t.Errorf("Aspect field must survive the reset, got %v", v)
	}
	if len(c.AspectNames()) != 1 {
		t.Error("Aspects must be re-attached after the reset")
	}
}

func TestTrash_SoftDeleteAndRestore(t *testing.T) {
	schema, store := setupStore(t)
	c := mustCreate(t, schema, store, RootPath, "Folder", "Docs")
	mustCreate(t, schema, store, c.Path(), "File", "readme.txt")
	ctx := context.Background()

	bag, err := store.SoftDelete(ctx, c.Node(), 1)
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if bag.OriginalPath != "/Root/Docs" {
		t.Errorf("Unexpected original path: %s", bag.OriginalPath)
	}

	if loaded, _ := Load(ctx, schema, store, "/Root/Docs"); loaded != nil {
		t.Error("Trashed content must not load by path")
	}
	if child, _ := Load(ctx, schema, store, "/Root/Docs/readme.txt"); child != nil {
		t.Error("Trashed subtree must not load by path")
	}

	if err := store.Restore(ctx, bag); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if loaded, _ := Load(ctx, schema, store, "/Root/Docs/readme.txt"); loaded == nil {
		t.Error("Restored subtree must load again")
	}
}

func TestMultistepSave_FinalizeAndRollback(t *testing.T) {
	schema, store := setupStore(t)
	ctx := context.Background()

	c, err := New(schema, store, RootPath, "File", "upload.bin")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	token, err := c.SaveMultistep(ctx, 1)
	if err != nil {
		t.Fatalf("SaveMultistep failed: %v", err)
	}
	if token == "" {
		t.Fatal("Expected non-empty multistep token")
	}

	if err := c.Finalize(ctx, "wrong-token", 1); err == nil {
		t.Error("Finalize with wrong token must fail")
	}
	if err := c.Finalize(ctx, token, 1); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if c.Node().PendingToken != "" {
		t.Error("Expected pending token cleared after finalize")
	}

	d, err := New(schema, store, RootPath, "File", "rollback.bin")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	token, err = d.SaveMultistep(ctx, 1)
	if err != nil {
		t.Fatalf("SaveMultistep failed: %v", err)
	}
	if err := d.RollbackMultistep(ctx, token); err != nil {
		t.Fatalf("RollbackMultistep failed: %v", err)
	}
	if loaded, _ := Load(ctx, schema, store, "/Root/rollback.bin"); loaded != nil {
		t.Error("Rolled-back new content must be removed")
	}
}

func TestSchema_IsInstanceOf(t *testing.T) {
	schema := DefaultSchema()
	if !schema.IsInstanceOf("SystemFolder", "Folder") {
		t.Error("SystemFolder must derive from Folder")
	}
	if !schema.IsInstanceOf("Folder", "GenericContent") {
		t.Error("Folder must derive from GenericContent")
	}
	if schema.IsInstanceOf("User", "Folder") {
		t.Error("User must not derive from Folder")
	}
}

func TestSchema_AllowedChildTypesInheritance(t *testing.T) {
	schema := DefaultSchema()
	allowed := schema.EffectiveAllowedChildTypes("TrashBin")
	if len(allowed) != 1 || allowed[0] != "TrashBag" {
		t.Errorf("Expected TrashBin to allow only TrashBag, got %v", allowed)
	}
	if got := schema.EffectiveAllowedChildTypes("Folder"); got != nil {
		t.Errorf("Expected Folder unrestricted, got %v", got)
	}
}
