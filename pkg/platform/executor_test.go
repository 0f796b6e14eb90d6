package platform

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// stubCLI writes an executable shell script standing in for the platform CLI.
func stubCLI(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub CLI requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "wavedeploy-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}
	return path
}

func TestDeployParsesOutput(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	binary := stubCLI(t, `echo "$@" > `+argsFile+`
echo '{"url":"https://shop.example.com","worker_id":"worker-7"}'`)

	e := NewCLIExecutor(CLIConfig{Binary: binary}, zerolog.Nop())
	out, err := e.Deploy(context.Background(), "shop.example.com", &engine.ResolvedConfig{
		Environment: "production",
		ServiceName: "shop",
		Routes:      []string{"shop.example.com/*"},
		StorageBindings: []engine.StorageBinding{
			{Binding: "DB", Instance: "shop-db"},
		},
	})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if out.URL != "https://shop.example.com" || out.WorkerID != "worker-7" {
		t.Errorf("unexpected output: %+v", out)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("failed to read args: %v", err)
	}
	args := string(raw)
	for _, want := range []string{"--domain shop.example.com", "--service shop", "--route shop.example.com/*", "--bind DB=shop-db"} {
		if !strings.Contains(args, want) {
			t.Errorf("expected %q in CLI args, got %q", want, args)
		}
	}
}

// Structured CLI failures map to typed error codes; the repair path keys off
// the code, never the message.
func TestDeployMapsStructuredErrors(t *testing.T) {
	tests := []struct {
		name     string
		cliCode  string
		wantCode string
	}{
		{"binding mismatch", "storage_binding_mismatch", engine.ErrCodeStorageBindingMismatch},
		{"migration failure", "migration_failed", engine.ErrCodeMigration},
		{"unknown code", "quota_exceeded", engine.ErrCodeExecutorFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binary := stubCLI(t, `echo '{"code":"`+tt.cliCode+`","message":"platform rejected deploy"}' >&2
exit 1`)

			e := NewCLIExecutor(CLIConfig{Binary: binary}, zerolog.Nop())
			_, err := e.Deploy(context.Background(), "shop.example.com", &engine.ResolvedConfig{ServiceName: "shop"})
			if err == nil {
				t.Fatal("expected error")
			}
			if engine.CodeOf(err) != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, engine.CodeOf(err))
			}
			if tt.cliCode == "storage_binding_mismatch" && !engine.IsRepairable(err) {
				t.Error("expected binding mismatch to be repairable")
			}
		})
	}
}

func TestDeployUnstructuredStderr(t *testing.T) {
	binary := stubCLI(t, `echo "connection refused" >&2
echo "stack trace line" >&2
exit 1`)

	e := NewCLIExecutor(CLIConfig{Binary: binary}, zerolog.Nop())
	_, err := e.Deploy(context.Background(), "shop.example.com", &engine.ResolvedConfig{ServiceName: "shop"})
	if err == nil {
		t.Fatal("expected error")
	}
	if engine.CodeOf(err) != engine.ErrCodeExecutorFailed {
		t.Errorf("expected code %s, got %s", engine.ErrCodeExecutorFailed, engine.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected first stderr line in message, got %v", err)
	}
	if strings.Contains(err.Error(), "stack trace line") {
		t.Errorf("expected stderr trimmed to one line, got %v", err)
	}
}

func TestDeployTimeout(t *testing.T) {
	binary := stubCLI(t, "sleep 5")

	e := NewCLIExecutor(CLIConfig{Binary: binary, CommandTimeout: 50 * time.Millisecond}, zerolog.Nop())
	_, err := e.Deploy(context.Background(), "shop.example.com", &engine.ResolvedConfig{ServiceName: "shop"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if engine.CodeOf(err) != engine.ErrCodeTimeout {
		t.Errorf("expected code %s, got %s", engine.ErrCodeTimeout, engine.CodeOf(err))
	}
}

func TestRemoveInvokesCLI(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	binary := stubCLI(t, `echo "$@" > `+argsFile+`
echo '{}'`)

	e := NewCLIExecutor(CLIConfig{Binary: binary}, zerolog.Nop())
	if err := e.Remove(context.Background(), "shop.example.com", "dep-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	raw, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(raw), "--deployment-id dep-1") {
		t.Errorf("expected deployment id passed, got %q", raw)
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"one line", "one line"},
		{"first\nsecond", "first"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := firstLine(tt.in); got != tt.want {
			t.Errorf("firstLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
