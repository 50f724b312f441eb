package index

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func setupIndex(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := Open("", slog.Default())
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func TestAddAndQueryDocument(t *testing.T) {
	adapter := setupIndex(t)
	ctx := context.Background()

	doc := &Document{
		NodeID:   42,
		Path:     "/Root/Docs/Report",
		TypeName: "File",
		Fields:   map[string]string{"Name": "Quarterly Report", "DisplayName": "Q2 Numbers"},
	}
	if err := adapter.AddDocument(ctx, doc); err != nil {
		t.Fatalf("Failed to add document: %v", err)
	}

	ids, err := adapter.Query(ctx, "Name", "quarterly")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != 42 {
		t.Errorf("Expected [42], got %v", ids)
	}

	// Terms match case-insensitively on both sides.
	ids, err = adapter.Query(ctx, "name", "REPORT")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected case-insensitive hit, got %v", ids)
	}

	loaded, err := adapter.GetIndexDocument(ctx, 42)
	if err != nil || loaded == nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if loaded.Path != doc.Path {
		t.Errorf("Expected path %q, got %q", doc.Path, loaded.Path)
	}
}

func TestReindexReplacesPostings(t *testing.T) {
	adapter := setupIndex(t)
	ctx := context.Background()

	if err := adapter.AddDocument(ctx, &Document{
		NodeID: 7, Path: "/Root/A", TypeName: "File",
		Fields: map[string]string{"Name": "alpha"},
	}); err != nil {
		t.Fatalf("Failed to add document: %v", err)
	}
	if err := adapter.AddDocument(ctx, &Document{
		NodeID: 7, Path: "/Root/A", TypeName: "File",
		Fields: map[string]string{"Name": "beta"},
	}); err != nil {
		t.Fatalf("Failed to reindex document: %v", err)
	}

	if ids, _ := adapter.Query(ctx, "Name", "alpha"); len(ids) != 0 {
		t.Errorf("Expected stale posting removed, got %v", ids)
	}
	if ids, _ := adapter.Query(ctx, "Name", "beta"); len(ids) != 1 {
		t.Errorf("Expected fresh posting, got %v", ids)
	}
}

func TestDeleteDocumentRemovesPostings(t *testing.T) {
	adapter := setupIndex(t)
	ctx := context.Background()

	if err := adapter.AddDocument(ctx, &Document{
		NodeID: 9, Path: "/Root/B", TypeName: "File",
		Fields: map[string]string{"Name": "gamma"},
	}); err != nil {
		t.Fatalf("Failed to add document: %v", err)
	}
	if err := adapter.DeleteDocument(ctx, 9); err != nil {
		t.Fatalf("Failed to delete document: %v", err)
	}
	if ids, _ := adapter.Query(ctx, "Name", "gamma"); len(ids) != 0 {
		t.Errorf("Expected no postings after delete, got %v", ids)
	}
	if doc, _ := adapter.GetIndexDocument(ctx, 9); doc != nil {
		t.Errorf("Expected document removed, got %+v", doc)
	}
	// Deleting again is a no-op.
	if err := adapter.DeleteDocument(ctx, 9); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}

func TestInvertedIndexDumpAndBackup(t *testing.T) {
	adapter := setupIndex(t)
	ctx := context.Background()

	adapter.AddDocument(ctx, &Document{
		NodeID: 1, Path: "/Root/X", TypeName: "File",
		Fields: map[string]string{"Name": "shared term"},
	})
	adapter.AddDocument(ctx, &Document{
		NodeID: 2, Path: "/Root/Y", TypeName: "File",
		Fields: map[string]string{"Name": "shared other"},
	})

	dump, err := adapter.InvertedIndexDump(ctx)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if ids := dump["name:shared"]; len(ids) != 2 {
		t.Errorf("Expected both nodes under name:shared, got %v", dump)
	}

	var backup bytes.Buffer
	if err := adapter.BackupTo(ctx, &backup); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if backup.Len() == 0 {
		t.Error("Expected non-empty backup stream")
	}
}

func TestQueryHonorsCancellation(t *testing.T) {
	adapter := setupIndex(t)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := adapter.Query(cancelled, "Name", "x"); err == nil {
		t.Error("Expected cancellation error")
	}
}

func TestTokenize(t *testing.T) {
	terms := Tokenize("Hello, Hello WORLD-2026!")
	if len(terms) != 3 {
		t.Fatalf("Expected 3 unique terms, got %v", terms)
	}
	want := []string{"hello", "world", "2026"}
	for i, term := range want {
		if terms[i] != term {
			t.Errorf("Expected term %q at %d, got %v", term, i, terms)
		}
	}
}
