package config

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

const envIgnoreVerifierErrors = "ACCOUNTDELETE_IGNORE_VERIFIER_ERRORS"

// Parse decodes a YAML document over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, ok := keys["ignore_verifier_errors"]; ok {
		cfg.ignoreVerifierErrorsSet = true
	}
	return cfg, nil
}

// ReadFile parses the file at path. An empty path yields the defaults.
func ReadFile(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// ApplyEnv overrides cfg with the ACCOUNTDELETE_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if _, ok := os.LookupEnv(envIgnoreVerifierErrors); ok {
		cfg.ignoreVerifierErrorsSet = true
	}
	return nil
}

// Load reads path and applies the environment without validating. Reloads
// call it directly; a run goes through Resolve.
func Load(path string) (Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Flags are the command line overrides for a run. Only flags that were
// passed on the command line take effect.
type Flags struct {
	fs *flag.FlagSet

	requesterID          *string
	ignoreVerifierErrors *bool
	processorCount       *int
	idleDelay            *time.Duration
	startDelay           *time.Duration
	queueBackend         *string
	queueNames           *string
	sqliteDir            *string
	logLevel             *string
	healthListen         *string
}

// BindFlags registers the override flags on fs.
func BindFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		fs:                   fs,
		requesterID:          fs.String("requester-id", "", "requester id sent with account close requests"),
		ignoreVerifierErrors: fs.Bool("ignore-verifier-errors", false, "treat verifier failures as warnings"),
		processorCount:       fs.Int("processors", DefaultProcessorCount, "number of concurrent queue processors"),
		idleDelay:            fs.Duration("idle-delay", DefaultIdleDelay, "sleep after a pass without work"),
		startDelay:           fs.Duration("start-delay", 0, "delay before the first pass"),
		queueBackend:         fs.String("queue-backend", BackendSQLite, "queue backend: memory|sqlite|postgres"),
		queueNames:           fs.String("queues", "", "comma separated backing queue names"),
		sqliteDir:            fs.String("sqlite-dir", "", "directory for sqlite queue files"),
		logLevel:             fs.String("log-level", "info", "log level: debug|info|warn|error"),
		healthListen:         fs.String("health-listen", "", "gRPC health listen address"),
	}
}

func (f *Flags) passed(name string) bool {
	found := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

// Apply copies every passed flag into cfg.
func (f *Flags) Apply(cfg *Config) {
	if f == nil || cfg == nil {
		return
	}
	if f.passed("requester-id") {
		cfg.RequesterID = *f.requesterID
	}
	if f.passed("ignore-verifier-errors") {
		cfg.IgnoreVerifierErrors = *f.ignoreVerifierErrors
		cfg.ignoreVerifierErrorsSet = true
	}
	if f.passed("processors") {
		cfg.ProcessorCount = *f.processorCount
	}
	if f.passed("idle-delay") {
		cfg.IdleDelay = *f.idleDelay
	}
	if f.passed("start-delay") {
		cfg.StartDelay = *f.startDelay
	}
	if f.passed("queue-backend") {
		cfg.Queue.Backend = *f.queueBackend
	}
	if f.passed("queues") {
		cfg.Queue.Names = splitList(*f.queueNames)
	}
	if f.passed("sqlite-dir") {
		cfg.Queue.SQLiteDir = *f.sqliteDir
	}
	if f.passed("log-level") {
		cfg.Log.Level = *f.logLevel
	}
	if f.passed("health-listen") {
		cfg.Health.Listen = *f.healthListen
	}
}

// LogLevelFlag reports the --log-level value when it was passed.
func (f *Flags) LogLevelFlag() (string, bool) {
	if f == nil || !f.passed("log-level") {
		return "", false
	}
	return *f.logLevel, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Resolve loads a config for a run: file, environment, flags, validation.
func Resolve(path string, flags *Flags) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	flags.Apply(&cfg)
	if res := Validate(cfg); !res.OK {
		return Config{}, res.Err()
	}
	return cfg, nil
}
