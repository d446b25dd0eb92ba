package config

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const validYAML = `
requester_id: Aqs
ignore_verifier_errors: false
processor_count: 4
queue:
  backend: sqlite
  names: [accountdelete-0, accountdelete-1]
  sqlite_dir: /var/lib/accountdelete
  lease_time: 10m
  service_point:
    connection_limit: 16
    connection_lease_timeout: 5m
partners:
  service_point:
    connection_limit: 32
    use_nagle: false
  xbox_accounts:
    base_url: https://xbox.example.com
    auth_token_ref: env:XBOX_TOKEN
    headers:
      X-Xbl-Contract-Version: "2"
  msa_identity:
    base_url: https://msa.example.com
  verifier_validation:
    base_url: https://verifier.example.com
  command_feed:
    base_url: https://feed.example.com
    timeout: 30s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accountdelete.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParse_ValidFile(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RequesterID != "Aqs" || cfg.ProcessorCount != 4 || !cfg.HasIgnoreVerifierErrors() {
		t.Fatalf("cfg=%+v", cfg)
	}
	if got := cfg.Queue.Names; len(got) != 2 || got[1] != "accountdelete-1" {
		t.Fatalf("names=%v", got)
	}
	if cfg.Queue.LeaseTime != 10*time.Minute || cfg.Queue.PollTimeout != DefaultPollTimeout {
		t.Fatalf("lease=%v poll=%v", cfg.Queue.LeaseTime, cfg.Queue.PollTimeout)
	}
	if cfg.Queue.ServicePoint.ConnectionLimit != 16 || cfg.Queue.ServicePoint.ConnectionLeaseTimeout != 5*time.Minute {
		t.Fatalf("queue service point=%+v", cfg.Queue.ServicePoint)
	}
	if cfg.Partners.CommandFeed.Timeout != 30*time.Second || cfg.Partners.MsaIdentity.Timeout != DefaultPartnerTimeout {
		t.Fatalf("partner timeouts=%v %v", cfg.Partners.CommandFeed.Timeout, cfg.Partners.MsaIdentity.Timeout)
	}
	if cfg.Partners.XboxAccounts.Headers["X-Xbl-Contract-Version"] != "2" {
		t.Fatalf("headers=%v", cfg.Partners.XboxAccounts.Headers)
	}
	if res := Validate(cfg); !res.OK {
		t.Fatalf("validate: %v", res.Errors)
	}
}

func TestParse_UnknownKey(t *testing.T) {
	if _, err := Parse([]byte("requester_id: Aqs\nprocesor_count: 2\n")); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParse_EmptyIsDefault(t *testing.T) {
	cfg, err := Parse([]byte("\xef\xbb\xbf\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ProcessorCount != DefaultProcessorCount || cfg.Queue.Backend != BackendSQLite || cfg.HasIgnoreVerifierErrors() {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestValidate_RequiredSettings(t *testing.T) {
	res := Validate(Default())
	if res.OK {
		t.Fatalf("default config should not validate")
	}
	joined := strings.Join(res.Errors, "\n")
	for _, want := range []string{"requester_id is required", "ignore_verifier_errors must be set explicitly", "partners.command_feed.base_url is required"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing error %q in:\n%s", want, joined)
		}
	}
	if err := res.Err(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want %v", err, ErrInvalid)
	}
}

func TestValidate_Errors(t *testing.T) {
	base, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"processor count", func(c *Config) { c.ProcessorCount = 0 }, "processor_count must be positive"},
		{"backend", func(c *Config) { c.Queue.Backend = "azure" }, `queue.backend "azure" is invalid`},
		{"duplicate queue", func(c *Config) { c.Queue.Names = []string{"a", "a"} }, `queue name "a" is listed twice`},
		{"queue path", func(c *Config) { c.Queue.Names = []string{"../a"} }, "path separators"},
		{"postgres dsn", func(c *Config) { c.Queue.Backend = BackendPostgres }, "dsn or dsn_ref is required"},
		{"postgres both", func(c *Config) {
			c.Queue.Backend = BackendPostgres
			c.Queue.Postgres = PostgresConfig{DSN: "postgres://x", DSNRef: "env:PG"}
		}, "not both"},
		{"postgres ref", func(c *Config) {
			c.Queue.Backend = BackendPostgres
			c.Queue.Postgres = PostgresConfig{DSNRef: "vault:pg"}
		}, "queue.postgres.dsn_ref"},
		{"base url", func(c *Config) { c.Partners.MsaIdentity.BaseURL = "msa.example.com" }, "must be an absolute http(s) URL"},
		{"auth ref", func(c *Config) { c.Partners.XboxAccounts.AuthTokenRef = "XBOX_TOKEN" }, "auth_token_ref"},
		{"header", func(c *Config) { c.Partners.CommandFeed.Headers = map[string]string{"Bad Header": "x"} }, "invalid field name"},
		{"retry", func(c *Config) { c.Queue.Retry.MaxAttempts = 0 }, "max_attempts must be at least 1"},
		{"service point", func(c *Config) { c.Partners.ServicePoint.ConnectionLimit = -1 }, "partners.service_point.connection_limit"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"log file", func(c *Config) { c.Log.Output = "file" }, "log.path is required"},
		{"health", func(c *Config) { c.Health.Listen = "localhost" }, "health.listen"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Partners.XboxAccounts.Headers = nil
			tc.mutate(&cfg)
			res := Validate(cfg)
			if res.OK {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(strings.Join(res.Errors, "\n"), tc.want) {
				t.Fatalf("errors=%v, want %q", res.Errors, tc.want)
			}
		})
	}
}

func TestValidate_MemoryBackendWarns(t *testing.T) {
	cfg, _ := Parse([]byte(validYAML))
	cfg.Queue.Backend = BackendMemory
	res := Validate(cfg)
	if !res.OK || len(res.Warnings) == 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("ACCOUNTDELETE_REQUESTER_ID", "FromEnv")
	t.Setenv("ACCOUNTDELETE_QUEUE_NAMES", "q-a, q-b,q-c")
	t.Setenv("ACCOUNTDELETE_QUEUE_LEASE_TIME", "20m")
	t.Setenv("ACCOUNTDELETE_COMMAND_FEED_RETRY_COUNT", "5")
	t.Setenv("ACCOUNTDELETE_PARTNER_SERVICE_POINT_CONNECTION_LIMIT", "64")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequesterID != "FromEnv" {
		t.Fatalf("requester=%q", cfg.RequesterID)
	}
	if len(cfg.Queue.Names) != 3 || cfg.Queue.LeaseTime != 20*time.Minute {
		t.Fatalf("queue=%+v", cfg.Queue)
	}
	if cfg.Partners.CommandFeed.RetryCount != 5 || cfg.Partners.ServicePoint.ConnectionLimit != 64 {
		t.Fatalf("partners=%+v", cfg.Partners)
	}
	if cfg.ProcessorCount != 4 {
		t.Fatalf("file value lost: processor_count=%d", cfg.ProcessorCount)
	}
}

func TestLoad_IgnoreVerifierErrorsFromEnv(t *testing.T) {
	path := writeConfig(t, "requester_id: Aqs\n")
	t.Setenv("ACCOUNTDELETE_IGNORE_VERIFIER_ERRORS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IgnoreVerifierErrors || !cfg.HasIgnoreVerifierErrors() {
		t.Fatalf("ignore=%v set=%v", cfg.IgnoreVerifierErrors, cfg.HasIgnoreVerifierErrors())
	}
}

func TestResolve_FlagsWin(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("ACCOUNTDELETE_PROCESSOR_COUNT", "6")

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	flags := BindFlags(fs)
	if err := fs.Parse([]string{"--processors", "8", "--ignore-verifier-errors", "--queues", "x,y"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Resolve(path, flags)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ProcessorCount != 8 || !cfg.IgnoreVerifierErrors {
		t.Fatalf("processors=%d ignore=%v", cfg.ProcessorCount, cfg.IgnoreVerifierErrors)
	}
	if len(cfg.Queue.Names) != 2 || cfg.Queue.Names[0] != "x" {
		t.Fatalf("names=%v", cfg.Queue.Names)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unpassed flag applied: level=%q", cfg.Log.Level)
	}
	if _, ok := flags.LogLevelFlag(); ok {
		t.Fatalf("log level reported as passed")
	}
}

func TestResolve_Invalid(t *testing.T) {
	path := writeConfig(t, "requester_id: Aqs\n")
	if _, err := Resolve(path, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want %v", err, ErrInvalid)
	}
	if _, err := Resolve(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want read error", err)
	}
}

func TestRestartRequired(t *testing.T) {
	running, _ := Parse([]byte(validYAML))
	next := running
	next.IgnoreVerifierErrors = true
	next.Log.Level = "debug"
	if RestartRequired(running, next) {
		t.Fatalf("runtime-only change reported as restart")
	}
	if got := next.Runtime(); !got.IgnoreVerifierErrors || got.LogLevel != "debug" {
		t.Fatalf("runtime=%+v", got)
	}

	next.ProcessorCount = 9
	if !RestartRequired(running, next) {
		t.Fatalf("processor count change not reported")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, nil, func() { reloads.Add(1) })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no reload after write")
		}
		if err := os.WriteFile(path, []byte(validYAML+"\nstart_delay: 1s\n"), 0o600); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		time.Sleep(300 * time.Millisecond)
	}

	cancel()
	<-done
}
