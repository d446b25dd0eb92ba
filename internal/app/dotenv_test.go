package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv_SetsVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	data := []byte(`
# comment
ACCOUNTDELETE_REQUESTER_ID=Aqs
export ACCOUNTDELETE_XBOX_ACCOUNTS_AUTH_TOKEN_REF="env:XBOX_TOKEN"
SINGLE='a b'
ACCOUNTDELETE_LOG_LEVEL=debug # inline comment
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("ACCOUNTDELETE_REQUESTER_ID", "")
	t.Setenv("ACCOUNTDELETE_XBOX_ACCOUNTS_AUTH_TOKEN_REF", "")
	t.Setenv("SINGLE", "")
	t.Setenv("ACCOUNTDELETE_LOG_LEVEL", "")
	n, err := loadDotenv(path)
	if err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if n != 4 {
		t.Fatalf("applied=%d, want 4", n)
	}

	if got := os.Getenv("ACCOUNTDELETE_REQUESTER_ID"); got != "Aqs" {
		t.Fatalf("ACCOUNTDELETE_REQUESTER_ID=%q, want Aqs", got)
	}
	if got := os.Getenv("ACCOUNTDELETE_XBOX_ACCOUNTS_AUTH_TOKEN_REF"); got != "env:XBOX_TOKEN" {
		t.Fatalf("ACCOUNTDELETE_XBOX_ACCOUNTS_AUTH_TOKEN_REF=%q, want env:XBOX_TOKEN", got)
	}
	if got := os.Getenv("SINGLE"); got != "a b" {
		t.Fatalf("SINGLE=%q, want 'a b'", got)
	}
	if got := os.Getenv("ACCOUNTDELETE_LOG_LEVEL"); got != "debug" {
		t.Fatalf("ACCOUNTDELETE_LOG_LEVEL=%q, want debug", got)
	}
}

func TestLoadDotenv_DoesNotOverrideNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ACCOUNTDELETE_REQUESTER_ID=Aqs\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("ACCOUNTDELETE_REQUESTER_ID", "Prod")
	n, err := loadDotenv(path)
	if err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if n != 0 {
		t.Fatalf("applied=%d, want 0", n)
	}
	if got := os.Getenv("ACCOUNTDELETE_REQUESTER_ID"); got != "Prod" {
		t.Fatalf("ACCOUNTDELETE_REQUESTER_ID=%q, want Prod", got)
	}
}

func TestLoadDotenv_InvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NOEQUALS\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if _, err := loadDotenv(path); err == nil {
		t.Fatalf("expected error")
	}
}
