package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		_ = r.Close()
		done <- buf.String()
	}()

	os.Stdout = w
	fn()
	_ = w.Close()
	os.Stdout = old

	return stripANSI(<-done)
}

// withHome points the config directory at a temp dir and writes a config
// adjusted by mutate.
func withHome(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("home override relies on HOME")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	cfg := config.DefaultConfig()
	cfg.Transport.Secret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("config.Save: %v", err)
	}
	return cfg
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		config, override string
		want             slog.Level
	}{
		{"", "", slog.LevelInfo},
		{"debug", "", slog.LevelDebug},
		{"info", "warning", slog.LevelWarn},
		{"warn", "error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.config, tc.override)
		if err != nil || got != tc.want {
			t.Fatalf("parseLogLevel(%q, %q) = %v, %v; want %v", tc.config, tc.override, got, err, tc.want)
		}
	}
	if _, err := parseLogLevel("verbose", ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigureLoggerWritesFile(t *testing.T) {
	t.Cleanup(func() {
		loggerMu.Lock()
		if activeLogFile != nil {
			_ = activeLogFile.Close()
			activeLogFile = nil
		}
		loggerMu.Unlock()
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})

	cfg := config.DefaultConfig()
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "steward.log")
	if err := configureLogger(cfg, "debug", "run"); err != nil {
		t.Fatalf("configureLogger: %v", err)
	}
	slog.Debug("hello from test")

	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("log file missing entry: %s", data)
	}
	if !strings.Contains(string(data), "component=run") || !strings.Contains(string(data), "pid="+strconv.Itoa(os.Getpid())) {
		t.Fatalf("log entry missing component or pid: %s", data)
	}
}

func TestConfigureLoggerJSONFormat(t *testing.T) {
	t.Cleanup(func() {
		loggerMu.Lock()
		if activeLogFile != nil {
			_ = activeLogFile.Close()
			activeLogFile = nil
		}
		loggerMu.Unlock()
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})

	cfg := config.DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.File = filepath.Join(t.TempDir(), "steward.log")
	if err := configureLogger(cfg, "", "executor"); err != nil {
		t.Fatalf("configureLogger: %v", err)
	}
	slog.Info("executor ready", "address", "127.0.0.1:1")

	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}
	if record["msg"] != "executor ready" || record["component"] != "executor" || record["address"] != "127.0.0.1:1" {
		t.Fatalf("unexpected record: %v", record)
	}

	cfg.Log.Format = "xml"
	if err := configureLogger(cfg, "", "executor"); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}

func TestExecutorSignerRequiresSecret(t *testing.T) {
	for _, secret := range []string{"", "   "} {
		if _, err := executorSigner(secret); err == nil {
			t.Fatalf("executorSigner(%q) accepted a missing secret", secret)
		}
	}
	signer, err := executorSigner("s3cret")
	if err != nil || signer == nil {
		t.Fatalf("executorSigner() = %v, %v", signer, err)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"init", "run", "executor", "session", "approval", "policy", "killswitch", "audit", "status", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("line one\nline two", 40); got != "line one line two" {
		t.Fatalf("truncate newline = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Fatalf("truncate = %q", got)
	}
}
