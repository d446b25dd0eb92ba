// Package secrets resolves credential references used in the worker
// configuration so tokens and DSNs stay out of the config file.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// Scheme is the source a reference points at.
type Scheme string

const (
	SchemeEnv  Scheme = "env"
	SchemeFile Scheme = "file"
	SchemeRaw  Scheme = "raw"
)

// Ref is a parsed secret reference.
type Ref struct {
	Scheme Scheme
	// Target is the env var name, file path or literal value.
	Target string
}

// ParseRef parses one of:
//
//	env:NAME
//	file:/path/to/secret
//	raw:literal-value (tests and local runs)
func ParseRef(ref string) (Ref, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, target, ok := strings.Cut(ref, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: missing scheme (use env:, file: or raw:)", ErrSecretRef)
	}

	switch Scheme(scheme) {
	case SchemeEnv, SchemeFile:
		target = strings.TrimSpace(target)
		if target == "" {
			return Ref{}, fmt.Errorf("%w: %s target is empty", ErrSecretRef, scheme)
		}
	case SchemeRaw:
		if target == "" {
			return Ref{}, fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	default:
		return Ref{}, fmt.Errorf("%w: unsupported scheme %q (use env:, file: or raw:)", ErrSecretRef, scheme)
	}
	return Ref{Scheme: Scheme(scheme), Target: target}, nil
}

// ValidateRef checks the reference format without reading the value.
func ValidateRef(ref string) error {
	_, err := ParseRef(ref)
	return err
}

// LoadRef reads the value a reference points at. Env and file values are
// trimmed and must not be empty.
func LoadRef(ref string) (string, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	switch r.Scheme {
	case SchemeEnv:
		val := strings.TrimSpace(os.Getenv(r.Target))
		if val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, r.Target)
		}
		return val, nil
	case SchemeFile:
		b, err := os.ReadFile(r.Target)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, r.Target)
		}
		return val, nil
	default:
		return r.Target, nil
	}
}
