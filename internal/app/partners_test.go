package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
	"github.com/nuetzliches/accountdelete/internal/config"
)

func TestNewPartners_ResolvesAuthTokens(t *testing.T) {
	var gotAuth, gotRequester string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Requests []accountdelete.AccountCloseRequest `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Requests) > 0 {
			gotRequester = body.Requests[0].Requester
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("FEED_TOKEN", "feed-secret\n")
	cfg := config.Default()
	cfg.RequesterID = "Aqs"
	for _, ep := range []*config.EndpointConfig{
		&cfg.Partners.XboxAccounts, &cfg.Partners.MsaIdentity,
		&cfg.Partners.VerifierValidation, &cfg.Partners.CommandFeed,
	} {
		ep.BaseURL = srv.URL
	}
	cfg.Partners.CommandFeed.AuthTokenRef = "env:FEED_TOKEN"
	cfg.Partners.ServicePoint.ConnectionLimit = 4

	p, err := newPartners(cfg, false, newDiscardLogger())
	if err != nil {
		t.Fatalf("partners: %v", err)
	}
	defer p.stop()

	res := p.writer.WriteDeletes(context.Background(), []accountdelete.Info{{Puid: 1}}, "test")
	if !res.IsSuccess() {
		t.Fatalf("write: %v", res.Err)
	}
	if gotAuth != "Bearer feed-secret" {
		t.Fatalf("authorization=%q", gotAuth)
	}
	if gotRequester != "AccountClose_Aqs" {
		t.Fatalf("requester=%q", gotRequester)
	}
}

func TestNewPartners_MissingSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Partners.MsaIdentity.AuthTokenRef = "env:ACCOUNTDELETE_TEST_MISSING_TOKEN"
	_, err := newPartners(cfg, false, nil)
	if err == nil || !strings.Contains(err.Error(), "partners.msa_identity.auth_token_ref") {
		t.Fatalf("err=%v", err)
	}
}

func TestOpenQueueSet_Memory(t *testing.T) {
	qc := config.Default().Queue
	qc.Backend = config.BackendMemory
	qc.Names = []string{"a", "b", "c"}

	set, closeAll, err := openQueueSet(qc, newDiscardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = closeAll() }()
	if got := len(set.Queues()); got != 3 {
		t.Fatalf("queues=%d", got)
	}
	if set.Queues()[1].Name() != "b" {
		t.Fatalf("queue order lost")
	}
}

func TestOpenQueueSet_SQLiteFilePerQueue(t *testing.T) {
	qc := config.Default().Queue
	qc.SQLiteDir = t.TempDir()
	qc.Names = []string{"q1", "q2"}

	_, closeAll, err := openQueueSet(qc, newDiscardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := closeAll(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, name := range qc.Names {
		if _, err := os.Stat(filepath.Join(qc.SQLiteDir, name+".db")); err != nil {
			t.Fatalf("queue file %s: %v", name, err)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	qc := config.QueueConfig{Backend: config.BackendPostgres, Postgres: config.PostgresConfig{DSN: "postgres://inline"}}
	if dsn, err := postgresDSN(qc); err != nil || dsn != "postgres://inline" {
		t.Fatalf("dsn=%q err=%v", dsn, err)
	}

	t.Setenv("PG_DSN", "postgres://from-env")
	qc.Postgres = config.PostgresConfig{DSNRef: "env:PG_DSN"}
	if dsn, err := postgresDSN(qc); err != nil || dsn != "postgres://from-env" {
		t.Fatalf("dsn=%q err=%v", dsn, err)
	}

	qc.Postgres = config.PostgresConfig{DSNRef: "env:ACCOUNTDELETE_TEST_MISSING_DSN"}
	if _, err := postgresDSN(qc); err == nil {
		t.Fatalf("expected error for missing secret")
	}

	qc.Backend = config.BackendSQLite
	if dsn, err := postgresDSN(qc); err != nil || dsn != "" {
		t.Fatalf("sqlite dsn=%q err=%v", dsn, err)
	}
}
