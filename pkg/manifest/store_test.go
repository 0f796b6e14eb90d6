package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func testConfig() *engine.ResolvedConfig {
	return &engine.ResolvedConfig{
		Domain:      "shop.example.com",
		Environment: "production",
		ServiceName: "shop",
		Routes:      []string{"shop.example.com/*"},
		StorageBindings: []engine.StorageBinding{
			{Binding: "DB", Instance: "shop-db"},
		},
		Vars: map[string]string{"FEATURE": "on"},
	}
}

func TestLoadMissingManifest(t *testing.T) {
	s := testStore(t)

	doc, err := s.Load(context.Background(), "shop.example.com")
	if err != nil {
		t.Fatalf("missing manifest must not error: %v", err)
	}
	if doc.Domain != "shop.example.com" {
		t.Errorf("expected empty document for the domain, got %+v", doc)
	}
	if doc.Service.Name != "" {
		t.Errorf("expected empty service section, got %+v", doc.Service)
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := &Document{
		Domain:      "shop.example.com",
		Environment: "production",
		Service: ServiceSection{
			Name:   "shop",
			Routes: []string{"shop.example.com/*"},
		},
	}
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := s.Load(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Service.Name != "shop" {
		t.Errorf("expected service name round-tripped, got %q", loaded.Service.Name)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt stamped on save")
	}
}

func TestSaveRejectsEmptyDomain(t *testing.T) {
	s := testStore(t)
	if err := s.Save(context.Background(), &Document{}); err == nil {
		t.Error("expected error for document without domain")
	}
	if err := s.Save(context.Background(), nil); err == nil {
		t.Error("expected error for nil document")
	}
}

// The snapshot of a previously missing manifest is nil so a rollback can
// restore the absence, not just the content.
func TestPatchReturnsNilSnapshotForNewManifest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	snapshot, err := s.Patch(ctx, "shop.example.com", testConfig())
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if snapshot != nil {
		t.Errorf("expected nil snapshot for new manifest, got %d bytes", len(snapshot))
	}

	doc, err := s.Load(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.Service.Name != "shop" {
		t.Errorf("expected patched service name, got %q", doc.Service.Name)
	}
	if len(doc.Service.StorageBindings) != 1 || doc.Service.StorageBindings[0].Instance != "shop-db" {
		t.Errorf("expected storage binding patched, got %v", doc.Service.StorageBindings)
	}
}

func TestPatchReturnsPrePatchContent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Patch(ctx, "shop.example.com", testConfig()); err != nil {
		t.Fatalf("first patch failed: %v", err)
	}
	before, err := s.Snapshot(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	cfg := testConfig()
	cfg.ServiceName = "shop-v2"
	snapshot, err := s.Patch(ctx, "shop.example.com", cfg)
	if err != nil {
		t.Fatalf("second patch failed: %v", err)
	}
	if string(snapshot) != string(before) {
		t.Error("expected snapshot to match the pre-patch bytes")
	}
}

func TestPatchRejectsNilConfig(t *testing.T) {
	s := testStore(t)
	if _, err := s.Patch(context.Background(), "shop.example.com", nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestRestoreWritesSnapshotBack(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Patch(ctx, "shop.example.com", testConfig()); err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	original, err := s.Snapshot(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	cfg := testConfig()
	cfg.ServiceName = "shop-v2"
	if _, err := s.Patch(ctx, "shop.example.com", cfg); err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	if err := s.Restore(ctx, "shop.example.com", original); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	doc, err := s.Load(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.Service.Name != "shop" {
		t.Errorf("expected original service name restored, got %q", doc.Service.Name)
	}
}

func TestRestoreNilSnapshotRemovesManifest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	snapshot, err := s.Patch(ctx, "shop.example.com", testConfig())
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	if err := s.Restore(ctx, "shop.example.com", snapshot); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "shop.example.com.yaml")); !os.IsNotExist(err) {
		t.Error("expected manifest file removed by nil-snapshot restore")
	}

	// Restoring absence twice is fine.
	if err := s.Restore(ctx, "shop.example.com", nil); err != nil {
		t.Errorf("restore of already-absent manifest failed: %v", err)
	}
}

func TestListManifests(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, domain := range []string{"a.example.com", "b.example.com"} {
		cfg := testConfig()
		cfg.Domain = domain
		if _, err := s.Patch(ctx, domain, cfg); err != nil {
			t.Fatalf("patch failed: %v", err)
		}
	}
	// Non-manifest files are ignored.
	if err := os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	domains, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("expected 2 manifests, got %v", domains)
	}
}
