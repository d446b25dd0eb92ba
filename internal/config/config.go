// Package config loads the account delete worker configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// ACCOUNTDELETE_* environment variables, then command line flags.
package config

import (
	"time"
)

// Queue backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	RequesterID string `yaml:"requester_id" env:"ACCOUNTDELETE_REQUESTER_ID"`
	// IgnoreVerifierErrors must be set explicitly; see HasIgnoreVerifierErrors.
	IgnoreVerifierErrors bool `yaml:"ignore_verifier_errors" env:"ACCOUNTDELETE_IGNORE_VERIFIER_ERRORS"`

	ProcessorCount int           `yaml:"processor_count" env:"ACCOUNTDELETE_PROCESSOR_COUNT"`
	IdleDelay      time.Duration `yaml:"idle_delay" env:"ACCOUNTDELETE_IDLE_DELAY"`
	StartDelay     time.Duration `yaml:"start_delay" env:"ACCOUNTDELETE_START_DELAY"`

	Queue    QueueConfig    `yaml:"queue" envPrefix:"ACCOUNTDELETE_QUEUE_"`
	Partners PartnersConfig `yaml:"partners" envPrefix:"ACCOUNTDELETE_"`
	Log      LogConfig      `yaml:"log" envPrefix:"ACCOUNTDELETE_LOG_"`
	Health   HealthConfig   `yaml:"health" envPrefix:"ACCOUNTDELETE_HEALTH_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"ACCOUNTDELETE_TRACING_"`

	ignoreVerifierErrorsSet bool
}

// HasIgnoreVerifierErrors reports whether ignore_verifier_errors came from
// the file, the environment or a flag rather than the zero value.
func (c *Config) HasIgnoreVerifierErrors() bool { return c.ignoreVerifierErrorsSet }

type QueueConfig struct {
	Backend string   `yaml:"backend" env:"BACKEND"`
	Names   []string `yaml:"names" env:"NAMES" envSeparator:","`

	SQLiteDir string         `yaml:"sqlite_dir" env:"SQLITE_DIR"`
	Postgres  PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`

	LeaseTime       time.Duration `yaml:"lease_time" env:"LEASE_TIME"`
	PollTimeout     time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	MessageTTL      time.Duration `yaml:"message_ttl" env:"MESSAGE_TTL"`
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`

	Retry        RetryConfig        `yaml:"retry" envPrefix:"RETRY_"`
	ServicePoint ServicePointConfig `yaml:"service_point" envPrefix:"SERVICE_POINT_"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
	// DSNRef is a secret reference (env:, file:, raw:) used instead of DSN.
	DSNRef string `yaml:"dsn_ref" env:"DSN_REF"`
}

type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

// ServicePointConfig bounds the connections to a remote endpoint. It is
// applied once at startup.
type ServicePointConfig struct {
	ConnectionLimit        int           `yaml:"connection_limit" env:"CONNECTION_LIMIT"`
	UseNagle               bool          `yaml:"use_nagle" env:"USE_NAGLE"`
	MaxIdleTime            time.Duration `yaml:"max_idle_time" env:"MAX_IDLE_TIME"`
	ConnectionLeaseTimeout time.Duration `yaml:"connection_lease_timeout" env:"CONNECTION_LEASE_TIMEOUT"`
}

type PartnersConfig struct {
	ServicePoint       ServicePointConfig `yaml:"service_point" envPrefix:"PARTNER_SERVICE_POINT_"`
	XboxAccounts       EndpointConfig     `yaml:"xbox_accounts" envPrefix:"XBOX_ACCOUNTS_"`
	MsaIdentity        EndpointConfig     `yaml:"msa_identity" envPrefix:"MSA_IDENTITY_"`
	VerifierValidation EndpointConfig     `yaml:"verifier_validation" envPrefix:"VERIFIER_VALIDATION_"`
	CommandFeed        EndpointConfig     `yaml:"command_feed" envPrefix:"COMMAND_FEED_"`
}

type EndpointConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryCount int           `yaml:"retry_count" env:"RETRY_COUNT"`
	// AuthTokenRef is a secret reference for the bearer token.
	AuthTokenRef string            `yaml:"auth_token_ref" env:"AUTH_TOKEN_REF"`
	Headers      map[string]string `yaml:"headers"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Output string `yaml:"output" env:"OUTPUT"`
	Path   string `yaml:"path" env:"PATH"`
}

type HealthConfig struct {
	// Listen is the gRPC health address; empty disables it.
	Listen string `yaml:"listen" env:"LISTEN"`
}

type TracingConfig struct {
	Enabled     bool              `yaml:"enabled" env:"ENABLED"`
	Collector   string            `yaml:"collector" env:"COLLECTOR"`
	URLPath     string            `yaml:"url_path" env:"URL_PATH"`
	Compression string            `yaml:"compression" env:"COMPRESSION"`
	Timeout     time.Duration     `yaml:"timeout" env:"TIMEOUT"`
	Insecure    bool              `yaml:"insecure" env:"INSECURE"`
	Headers     map[string]string `yaml:"headers"`
	TLS         TracingTLSConfig  `yaml:"tls" envPrefix:"TLS_"`
}

type TracingTLSConfig struct {
	CAFile             string `yaml:"ca_file" env:"CA_FILE"`
	CertFile           string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile            string `yaml:"key_file" env:"KEY_FILE"`
	ServerName         string `yaml:"server_name" env:"SERVER_NAME"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

const (
	DefaultProcessorCount  = 1
	DefaultIdleDelay       = 5 * time.Second
	DefaultLeaseTime       = 15 * time.Minute
	DefaultPollTimeout     = 2 * time.Minute
	DefaultMonitorInterval = time.Minute
	DefaultPartnerTimeout  = 10 * time.Second
)

// Default returns a configuration with every optional value filled.
func Default() Config {
	return Config{
		ProcessorCount: DefaultProcessorCount,
		IdleDelay:      DefaultIdleDelay,
		Queue: QueueConfig{
			Backend:         BackendSQLite,
			Names:           []string{"accountdelete"},
			SQLiteDir:       "data",
			LeaseTime:       DefaultLeaseTime,
			PollTimeout:     DefaultPollTimeout,
			MonitorInterval: DefaultMonitorInterval,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		Partners: PartnersConfig{
			XboxAccounts:       EndpointConfig{Timeout: DefaultPartnerTimeout, RetryCount: 2},
			MsaIdentity:        EndpointConfig{Timeout: DefaultPartnerTimeout, RetryCount: 2},
			VerifierValidation: EndpointConfig{Timeout: DefaultPartnerTimeout, RetryCount: 2},
			CommandFeed:        EndpointConfig{Timeout: DefaultPartnerTimeout, RetryCount: 2},
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stderr",
		},
	}
}
