package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/nuetzliches/accountdelete/internal/secrets"
)

var ErrInvalid = errors.New("invalid config")

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Err joins the validation errors under ErrInvalid, or returns nil.
func (r ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(r.Errors, "; "))
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func Validate(cfg Config) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(cfg.RequesterID) == "" {
		res.errorf("requester_id is required")
	}
	if !cfg.HasIgnoreVerifierErrors() {
		res.errorf("ignore_verifier_errors must be set explicitly")
	}
	if cfg.ProcessorCount <= 0 {
		res.errorf("processor_count must be positive, got %d", cfg.ProcessorCount)
	}
	if cfg.IdleDelay <= 0 {
		res.errorf("idle_delay must be positive")
	}
	if cfg.StartDelay < 0 {
		res.errorf("start_delay must not be negative")
	}

	validateQueue(cfg.Queue, &res)
	validateServicePoint("partners.service_point", cfg.Partners.ServicePoint, &res)
	validateEndpoint("partners.xbox_accounts", cfg.Partners.XboxAccounts, &res)
	validateEndpoint("partners.msa_identity", cfg.Partners.MsaIdentity, &res)
	validateEndpoint("partners.verifier_validation", cfg.Partners.VerifierValidation, &res)
	validateEndpoint("partners.command_feed", cfg.Partners.CommandFeed, &res)

	if _, err := ParseLogLevel(cfg.Log.Level); err != nil {
		res.errorf("log.level: %v", err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Output)) {
	case "", "stderr", "stdout":
	case "file":
		if strings.TrimSpace(cfg.Log.Path) == "" {
			res.errorf("log.path is required when log.output is file")
		}
	default:
		res.errorf("log.output %q is invalid (use: stdout|stderr|file)", cfg.Log.Output)
	}

	if cfg.Health.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Health.Listen); err != nil {
			res.errorf("health.listen %q: %v", cfg.Health.Listen, err)
		}
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Compression {
		case "", "gzip", "none":
		default:
			res.errorf("tracing.compression %q is invalid (use: gzip|none)", cfg.Tracing.Compression)
		}
		if err := validateHeaders(cfg.Tracing.Headers); err != nil {
			res.errorf("tracing.headers: %v", err)
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

// ValidateQueue checks only the queue section. Producer and inspection
// commands use it since they never call a partner.
func ValidateQueue(cfg Config) ValidationResult {
	var res ValidationResult
	validateQueue(cfg.Queue, &res)
	res.OK = len(res.Errors) == 0
	return res
}

func validateQueue(q QueueConfig, res *ValidationResult) {
	if len(q.Names) == 0 {
		res.errorf("queue.names must list at least one queue")
	}
	seen := make(map[string]bool, len(q.Names))
	for _, name := range q.Names {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
			res.errorf("queue.names contains an empty name")
		case strings.ContainsAny(name, `/\`):
			res.errorf("queue name %q must not contain path separators", name)
		case seen[name]:
			res.errorf("queue name %q is listed twice", name)
		}
		seen[name] = true
	}

	switch q.Backend {
	case BackendMemory:
		res.warnf("queue.backend memory loses messages on restart")
	case BackendSQLite:
		if strings.TrimSpace(q.SQLiteDir) == "" {
			res.errorf("queue.sqlite_dir is required for the sqlite backend")
		}
	case BackendPostgres:
		hasDSN := strings.TrimSpace(q.Postgres.DSN) != ""
		hasRef := strings.TrimSpace(q.Postgres.DSNRef) != ""
		switch {
		case hasDSN && hasRef:
			res.errorf("queue.postgres: set dsn or dsn_ref, not both")
		case !hasDSN && !hasRef:
			res.errorf("queue.postgres.dsn or dsn_ref is required for the postgres backend")
		case hasRef:
			if err := secrets.ValidateRef(q.Postgres.DSNRef); err != nil {
				res.errorf("queue.postgres.dsn_ref: %v", err)
			}
		}
	default:
		res.errorf("queue.backend %q is invalid (use: memory|sqlite|postgres)", q.Backend)
	}

	if q.LeaseTime <= 0 {
		res.errorf("queue.lease_time must be positive")
	}
	if q.PollTimeout <= 0 {
		res.errorf("queue.poll_timeout must be positive")
	}
	if q.MessageTTL < 0 {
		res.errorf("queue.message_ttl must not be negative")
	}
	if q.MonitorInterval <= 0 {
		res.errorf("queue.monitor_interval must be positive")
	}
	if q.Retry.MaxAttempts == 0 {
		res.errorf("queue.retry.max_attempts must be at least 1")
	}
	if q.Retry.InitialInterval < 0 || q.Retry.MaxInterval < 0 {
		res.errorf("queue.retry intervals must not be negative")
	}
	validateServicePoint("queue.service_point", q.ServicePoint, res)
}

func validateServicePoint(field string, sp ServicePointConfig, res *ValidationResult) {
	if sp.ConnectionLimit < 0 {
		res.errorf("%s.connection_limit must not be negative", field)
	}
	if sp.MaxIdleTime < 0 {
		res.errorf("%s.max_idle_time must not be negative", field)
	}
	if sp.ConnectionLeaseTimeout < 0 {
		res.errorf("%s.connection_lease_timeout must not be negative", field)
	}
}

func validateEndpoint(field string, ep EndpointConfig, res *ValidationResult) {
	if strings.TrimSpace(ep.BaseURL) == "" {
		res.errorf("%s.base_url is required", field)
	} else if u, err := url.Parse(ep.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.errorf("%s.base_url %q must be an absolute http(s) URL", field, ep.BaseURL)
	} else if u.Scheme == "http" {
		res.warnf("%s.base_url uses plain http", field)
	}
	if ep.Timeout < 0 {
		res.errorf("%s.timeout must not be negative", field)
	}
	if ep.RetryCount < 0 {
		res.errorf("%s.retry_count must not be negative", field)
	}
	if ep.AuthTokenRef != "" {
		if err := secrets.ValidateRef(ep.AuthTokenRef); err != nil {
			res.errorf("%s.auth_token_ref: %v", field, err)
		}
	}
	if err := validateHeaders(ep.Headers); err != nil {
		res.errorf("%s.headers: %v", field, err)
	}
}

func validateHeaders(headers map[string]string) error {
	for name, value := range headers {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("header %q has invalid field name", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("header %q has invalid field value", name)
		}
	}
	return nil
}
