package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nuetzliches/accountdelete/internal/config"
)

const reloadBase = `
requester_id: Aqs
ignore_verifier_errors: false
queue:
  backend: memory
  names: [accountdelete-0]
partners:
  xbox_accounts: {base_url: "https://xbox.example.com"}
  msa_identity: {base_url: "https://msa.example.com"}
  verifier_validation: {base_url: "https://verifier.example.com"}
  command_feed: {base_url: "https://feed.example.com"}
`

type fakeIgnoreSetter struct {
	value atomic.Bool
	calls atomic.Int32
}

func (f *fakeIgnoreSetter) SetIgnoreVerifierErrors(v bool) {
	f.calls.Add(1)
	f.value.Store(v)
}

func writeReloadFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accountdelete.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newReloadFixture(t *testing.T, body string) (*reloader, *fakeIgnoreSetter, *slog.LevelVar, string) {
	t.Helper()
	path := writeReloadFile(t, body)
	running, err := config.Resolve(path, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	setter := &fakeIgnoreSetter{}
	lvl := new(slog.LevelVar)
	return &reloader{
		path:    path,
		running: running,
		apply:   runtimeControls{level: lvl, enricher: setter},
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, setter, lvl, path
}

func TestReload_AppliesRuntimeSubset(t *testing.T) {
	r, setter, lvl, path := newReloadFixture(t, reloadBase)

	updated := strings.Replace(reloadBase, "ignore_verifier_errors: false", "ignore_verifier_errors: true\nlog:\n  level: debug", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if !r.reload("test") {
		t.Fatal("expected reload to succeed")
	}
	if !setter.value.Load() {
		t.Fatalf("ignore verifier errors not applied")
	}
	if lvl.Level() != slog.LevelDebug {
		t.Fatalf("level=%v, want debug", lvl.Level())
	}
	if !r.running.IgnoreVerifierErrors {
		t.Fatalf("running config not replaced")
	}
}

func TestReload_RestartRequired(t *testing.T) {
	r, setter, _, path := newReloadFixture(t, reloadBase)

	updated := strings.Replace(reloadBase, "ignore_verifier_errors: false", "ignore_verifier_errors: true\nprocessor_count: 8", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if r.reload("test") {
		t.Fatal("expected reload to return false when restart is required")
	}
	if setter.calls.Load() != 0 {
		t.Fatalf("runtime settings applied despite restart")
	}
	if r.running.ProcessorCount != config.DefaultProcessorCount {
		t.Fatalf("running config changed")
	}
}

func TestReload_InvalidConfigKeepsRunning(t *testing.T) {
	r, setter, _, path := newReloadFixture(t, reloadBase)

	if err := os.WriteFile(path, []byte("requester_id: [not, a, string]\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if r.reload("test") {
		t.Fatal("expected reload to fail on parse error")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(reloadBase, "requester_id: Aqs", "requester_id: ''", 1)), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if r.reload("test") {
		t.Fatal("expected reload to fail validation")
	}
	if setter.calls.Load() != 0 || r.running.RequesterID != "Aqs" {
		t.Fatalf("running config changed")
	}
}

func TestReload_MissingFile(t *testing.T) {
	r, _, _, path := newReloadFixture(t, reloadBase)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r.reload("test") {
		t.Fatal("expected reload to fail on missing file")
	}
}

func TestRuntimeControls_InvalidLevel(t *testing.T) {
	setter := &fakeIgnoreSetter{}
	c := runtimeControls{level: new(slog.LevelVar), enricher: setter}
	if err := c.apply(config.Runtime{LogLevel: "loud", IgnoreVerifierErrors: true}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if setter.calls.Load() != 0 {
		t.Fatalf("partial apply on error")
	}
}

func TestClaimPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "accountdelete.pid")
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid=%d err=%v", pid, err)
	}
	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestClaimPIDFile_StalePIDIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accountdelete.pid")
	// Pids are bounded well below this on every supported platform.
	if err := os.WriteFile(path, []byte("2147483646\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer release()
	if pid, _ := readPIDFile(path); pid != os.Getpid() {
		t.Fatalf("pid=%d, want %d", pid, os.Getpid())
	}
}

func TestClaimPIDFile_Empty(t *testing.T) {
	release, err := claimPIDFile("  ")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	release()
}

func TestReadPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	for _, body := range []string{"", "abc", "-4"} {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := readPIDFile(path); err == nil {
			t.Fatalf("expected error for %q", body)
		}
	}
}

func TestLevelVar(t *testing.T) {
	lvl, err := newLevelVar("warn")
	if err != nil {
		t.Fatalf("level: %v", err)
	}
	if lvl.Level() != slog.LevelWarn {
		t.Fatalf("level=%v", lvl.Level())
	}
	if _, err := newLevelVar("verbose"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestOpenLogSink(t *testing.T) {
	if _, _, err := openLogSink("file", ""); err == nil {
		t.Fatalf("expected error for file without path")
	}
	if _, _, err := openLogSink("syslog", ""); err == nil {
		t.Fatalf("expected error for unknown output")
	}

	path := filepath.Join(t.TempDir(), "worker.log")
	lvl, _ := newLevelVar("info")
	logger, closer, err := newLoggerToSink(lvl, "file", path)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("processor_idle", slog.Int("processor", 0))
	lvl.Set(slog.LevelDebug)
	logger.Debug("shown")
	_ = closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") || !strings.Contains(out, "processor_idle") || !strings.Contains(out, "shown") {
		t.Fatalf("log=%s", out)
	}
}

func TestMain_UnknownCommand(t *testing.T) {
	if code := Main([]string{"accountdelete", "frobnicate"}); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
	if code := Main([]string{"accountdelete"}); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeReloadFile(t, "requester_id: Aqs\n")
	if code := run([]string{"--config", path}); code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if code := run([]string{"--no-such-flag"}); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
}
