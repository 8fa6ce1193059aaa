package commands

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
)

func TestInitCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("home override relies on HOME")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	out := captureOutput(t, func() {
		if err := runInit(nil, nil); err != nil {
			t.Fatalf("runInit: %v", err)
		}
	})
	if !strings.Contains(out, "Steward initialized!") {
		t.Fatalf("unexpected output: %s", out)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if len(cfg.Transport.Secret) != 64 || cfg.Gateway.Token == "" {
		t.Fatalf("expected generated secrets, got %q / %q", cfg.Transport.Secret, cfg.Gateway.Token)
	}
	if cfg.Policy.File != filepath.Join(config.ConfigDir(), "policy.yaml") {
		t.Fatalf("policy file = %q", cfg.Policy.File)
	}
	file, err := policy.LoadFile(cfg.Policy.File)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if file.WriteLock == nil || !*file.WriteLock || len(file.Deny) == 0 {
		t.Fatalf("unexpected policy file: %+v", file)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspacePath(), "state")); err != nil {
		t.Fatalf("state dir missing: %v", err)
	}

	out = captureOutput(t, func() {
		if err := runInit(nil, nil); err != nil {
			t.Fatalf("second runInit: %v", err)
		}
	})
	if !strings.Contains(out, "Config already exists") {
		t.Fatalf("expected idempotent init, got: %s", out)
	}
}
