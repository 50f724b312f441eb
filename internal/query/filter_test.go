package query

import (
	"context"
	"log/slog"
	"net/url"
	"testing"

	"github.com/nlstn/go-contentrepo/internal/content"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupCollection(t *testing.T) []*content.Content {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	schema := content.DefaultSchema()
	store := content.NewStore(db, slog.Default())
	if err := store.Install(context.Background()); err != nil {
		t.Fatalf("Failed to install store: %v", err)
	}

	ctx := context.Background()
	seeds := []struct {
		typeName string
		name     string
		fields   map[string]interface{}
	}{
		{"Folder", "IMS", nil},
		{"Folder", "IMailing", nil},
		{"File", "Readme", map[string]interface{}{"Index": "3"}},
		{"File", "IMage", map[string]interface{}{"Index": "1"}},
		{"Workspace", "Budget2026", map[string]interface{}{"IsActive": true}},
	}
	for _, seed := range seeds {
		c, err := content.New(schema, store, "/Root/Sandbox", seed.typeName, seed.name)
		if err != nil {
			t.Fatalf("Failed to create %s: %v", seed.name, err)
		}
		if seed.fields != nil {
			if err := c.UpdateFields(ctx, seed.fields, content.UpdateOptions{}); err != nil {
				t.Fatalf("Failed to set fields on %s: %v", seed.name, err)
			}
		}
		if err := c.Save(ctx, 1); err != nil {
			t.Fatalf("Failed to save %s: %v", seed.name, err)
		}
	}

	items, err := content.Children(ctx, schema, store, "/Root/Sandbox")
	if err != nil {
		t.Fatalf("Failed to load children: %v", err)
	}
	if len(items) != len(seeds) {
		t.Fatalf("Expected %d children, got %d", len(seeds), len(items))
	}
	return items
}

func names(items []*content.Content) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Name()
	}
	return out
}

func TestFilterStartsWith(t *testing.T) {
	items := setupCollection(t)
	expr, err := ParseFilter("startswith(Name,'IM')")
	if err != nil {
		t.Fatalf("Failed to parse filter: %v", err)
	}
	var matched []string
	for _, item := range items {
		if expr.Matches(item) {
			matched = append(matched, item.Name())
		}
	}
	want := map[string]bool{"IMS": true, "IMailing": true, "IMage": true}
	if len(matched) != len(want) {
		t.Fatalf("Expected %d matches, got %v", len(want), matched)
	}
	for _, name := range matched {
		if !want[name] {
			t.Errorf("Unexpected match %q", name)
		}
	}
}

func TestFilterSubstringOfAndEquality(t *testing.T) {
	items := setupCollection(t)
	cases := []struct {
		filter string
		want   int
	}{
		{"substringof('ead',Name)", 1},
		{"Name eq 'Readme'", 1},
		{"Name ne 'Readme'", 4},
		{"Index eq 1", 1},
		{"Index gt 1", 1},
		{"IsActive eq true", 1},
	}
	for _, tc := range cases {
		expr, err := ParseFilter(tc.filter)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tc.filter, err)
		}
		count := 0
		for _, item := range items {
			if expr.Matches(item) {
				count++
			}
		}
		if count != tc.want {
			t.Errorf("Filter %q matched %d items, want %d", tc.filter, count, tc.want)
		}
	}
}

func TestFilterBoolPostfix(t *testing.T) {
	items := setupCollection(t)
	cases := []struct {
		filter string
		want   int
	}{
		{"startswith(Name,'im') eq true", 3},
		{"startswith(Name,'im') eq false", 2},
		{"startswith(Name,'im') ne true", 2},
	}
	for _, tc := range cases {
		expr, err := ParseFilter(tc.filter)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tc.filter, err)
		}
		count := 0
		for _, item := range items {
			if expr.Matches(item) {
				count++
			}
		}
		if count != tc.want {
			t.Errorf("Filter %q matched %d items, want %d", tc.filter, count, tc.want)
		}
	}
}

func TestFilterIsOf(t *testing.T) {
	items := setupCollection(t)
	expr, err := ParseFilter("isof('Folder')")
	if err != nil {
		t.Fatalf("Failed to parse filter: %v", err)
	}
	count := 0
	for _, item := range items {
		if expr.Matches(item) {
			count++
		}
	}
	// Workspace derives from Folder in the default schema.
	if count != 3 {
		t.Errorf("Expected 3 Folder instances, got %d", count)
	}
}

func TestFilterCombinators(t *testing.T) {
	items := setupCollection(t)
	expr, err := ParseFilter("startswith(Name,'IM') and not isof('File')")
	if err != nil {
		t.Fatalf("Failed to parse filter: %v", err)
	}
	var matched []string
	for _, item := range items {
		if expr.Matches(item) {
			matched = append(matched, item.Name())
		}
	}
	if len(matched) != 2 {
		t.Errorf("Expected IMS and IMailing, got %v", matched)
	}
}

func TestFilterParseErrors(t *testing.T) {
	cases := []string{
		"Name eq 'unterminated",
		"Name like 'x'",
		"startswith(Name)",
		"Name eq 'a' trailing",
	}
	for _, filter := range cases {
		if _, err := ParseFilter(filter); err == nil {
			t.Errorf("Expected parse error for %q", filter)
		}
	}
}

func TestOptionsOrderTopSkip(t *testing.T) {
	items := setupCollection(t)
	values := url.Values{}
	values.Set("$orderby", "Name desc")
	values.Set("$skip", "1")
	values.Set("$top", "2")
	values.Set("$inlinecount", "allpages")

	opts, err := ParseOptions(values)
	if err != nil {
		t.Fatalf("Failed to parse options: %v", err)
	}
	result := opts.Apply(items)
	if result.Total != 5 {
		t.Errorf("Expected total 5 before windowing, got %d", result.Total)
	}
	got := names(result.Items)
	if len(got) != 2 || got[0] != "IMailing" {
		t.Errorf("Expected window starting at IMailing, got %v", got)
	}
	if !opts.InlineCount {
		t.Error("Expected inline count to be requested")
	}
}

func TestOptionsProjection(t *testing.T) {
	values := url.Values{}
	values.Set("$select", "Name,Index")
	opts, err := ParseOptions(values)
	if err != nil {
		t.Fatalf("Failed to parse options: %v", err)
	}
	projected := opts.Project(map[string]interface{}{
		"Name":  "Readme",
		"Index": 3,
		"Path":  "/Root/Sandbox/Readme",
	})
	if len(projected) != 2 {
		t.Errorf("Expected 2 projected fields, got %v", projected)
	}
	if _, ok := projected["Path"]; ok {
		t.Error("Expected Path to be dropped by projection")
	}
}

func TestOptionsRejectMalformedWindow(t *testing.T) {
	values := url.Values{}
	values.Set("$top", "abc")
	if _, err := ParseOptions(values); err == nil {
		t.Error("Expected error for non-numeric $top")
	}
}
