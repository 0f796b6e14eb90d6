package platform

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

func testDistributor(t *testing.T) *FileSecretDistributor {
	t.Helper()
	d, err := NewFileSecretDistributor(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create distributor: %v", err)
	}
	return d
}

func TestGenerateSecretsDefaults(t *testing.T) {
	d := testDistributor(t)

	bundle, err := d.GenerateSecrets(context.Background(), "shop.example.com", nil, engine.SecretOptions{})
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	for _, name := range defaultSecretNames {
		v, ok := bundle.Secrets[name]
		if !ok {
			t.Errorf("expected default secret %s", name)
		}
		if len(v) != 64 {
			t.Errorf("expected 256-bit hex value for %s, got %d chars", name, len(v))
		}
	}
	if len(bundle.DistributionFiles) != 1 {
		t.Fatalf("expected one distribution file, got %v", bundle.DistributionFiles)
	}

	raw, err := os.ReadFile(bundle.DistributionFiles[0])
	if err != nil {
		t.Fatalf("failed to read distribution file: %v", err)
	}
	if !strings.Contains(string(raw), "API_TOKEN="+bundle.Secrets["API_TOKEN"]) {
		t.Error("expected secret value in distribution file")
	}

	info, err := os.Stat(bundle.DistributionFiles[0])
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
}

// Existing values are reused unless rotation is requested.
func TestGenerateSecretsReuseAndRotate(t *testing.T) {
	d := testDistributor(t)
	ctx := context.Background()

	first, err := d.GenerateSecrets(ctx, "shop.example.com", nil, engine.SecretOptions{})
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	second, err := d.GenerateSecrets(ctx, "shop.example.com", nil, engine.SecretOptions{})
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if second.Secrets["API_TOKEN"] != first.Secrets["API_TOKEN"] {
		t.Error("expected stable values without rotation")
	}

	rotated, err := d.GenerateSecrets(ctx, "shop.example.com", nil, engine.SecretOptions{Rotate: true})
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if rotated.Secrets["API_TOKEN"] == first.Secrets["API_TOKEN"] {
		t.Error("expected new values on rotation")
	}
}

func TestGenerateSecretsExplicitNames(t *testing.T) {
	d := testDistributor(t)

	bundle, err := d.GenerateSecrets(context.Background(), "shop.example.com", nil,
		engine.SecretOptions{Names: []string{"WEBHOOK_SECRET"}})
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if len(bundle.Secrets) != 1 {
		t.Errorf("expected only the requested secret, got %v", bundle.Secrets)
	}
	if _, ok := bundle.Secrets["WEBHOOK_SECRET"]; !ok {
		t.Error("expected requested secret generated")
	}
}

func TestRevokeRemovesDistributionFile(t *testing.T) {
	d := testDistributor(t)
	ctx := context.Background()

	bundle, err := d.GenerateSecrets(ctx, "shop.example.com", nil, engine.SecretOptions{})
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	if err := d.Revoke(ctx, "shop.example.com"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := os.Stat(bundle.DistributionFiles[0]); !os.IsNotExist(err) {
		t.Error("expected distribution file removed")
	}

	// Revoking twice is fine.
	if err := d.Revoke(ctx, "shop.example.com"); err != nil {
		t.Errorf("repeated revoke failed: %v", err)
	}

	// Revocation also drops the cached values; the next run gets new ones.
	fresh, err := d.GenerateSecrets(ctx, "shop.example.com", nil, engine.SecretOptions{})
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if fresh.Secrets["API_TOKEN"] == bundle.Secrets["API_TOKEN"] {
		t.Error("expected new values after revocation")
	}
}
