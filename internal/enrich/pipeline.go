// Package enrich fills the data an account close request needs before it can
// be written to the command feed: the xuid of the account and a validated
// GDPR verifier token.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
	"github.com/nuetzliches/accountdelete/internal/adapters"
	"github.com/nuetzliches/accountdelete/internal/telemetry"
)

// Failure counter stages.
const (
	StageGetXuid     = "getxuid"
	StageGetVerifier = "getverifier"
	StageValidation  = "validation"
)

type Config struct {
	XboxAccounts adapters.XboxAccounts
	MsaIdentity  adapters.MsaIdentity
	Validator    adapters.VerifierValidator
	Counters     telemetry.Counters
	Logger       *slog.Logger

	RequesterID          string
	IgnoreVerifierErrors bool
}

// Pipeline runs the xuid stage and then the verifier stage over a batch.
// Both stages mutate the batch in place so a retried pass skips the work
// that already succeeded.
type Pipeline struct {
	xbox      adapters.XboxAccounts
	msa       adapters.MsaIdentity
	validator adapters.VerifierValidator
	counters  telemetry.Counters
	logger    *slog.Logger

	requesterID  string
	ignoreErrors atomic.Bool
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.XboxAccounts == nil || cfg.MsaIdentity == nil || cfg.Validator == nil {
		return nil, errors.New("enrich: partner adapters are required")
	}
	if strings.TrimSpace(cfg.RequesterID) == "" {
		return nil, errors.New("enrich: requester id is required")
	}
	p := &Pipeline{
		xbox:        cfg.XboxAccounts,
		msa:         cfg.MsaIdentity,
		validator:   cfg.Validator,
		counters:    cfg.Counters,
		logger:      cfg.Logger,
		requesterID: cfg.RequesterID,
	}
	if p.counters == nil {
		p.counters = telemetry.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.ignoreErrors.Store(cfg.IgnoreVerifierErrors)
	return p, nil
}

// SetIgnoreVerifierErrors switches verifier failures between errors and
// warnings. Safe to call while passes run.
func (p *Pipeline) SetIgnoreVerifierErrors(v bool) { p.ignoreErrors.Store(v) }

func (p *Pipeline) IgnoreVerifierErrors() bool { return p.ignoreErrors.Load() }

// Run enriches infos. A xuid failure stops before any verifier is fetched.
func (p *Pipeline) Run(ctx context.Context, infos []*accountdelete.Info) adapters.Response {
	if resp := p.AddXuids(ctx, infos); !resp.IsSuccess() {
		return resp
	}
	return p.AddVerifiers(ctx, infos)
}

// AddXuids resolves xuids for the requests that have not had a successful
// lookup yet, in one call. On failure nothing is marked.
func (p *Pipeline) AddXuids(ctx context.Context, infos []*accountdelete.Info) adapters.Response {
	pending := make([]*accountdelete.Info, 0, len(infos))
	puids := make([]int64, 0, len(infos))
	for _, info := range infos {
		if info.AddXuidAttemptSucceeded {
			continue
		}
		pending = append(pending, info)
		puids = append(puids, info.Puid)
	}
	if len(pending) == 0 {
		return adapters.Response{}
	}

	res := p.xbox.GetXuids(ctx, puids)
	if !res.IsSuccess() {
		p.counters.Failure(ctx, StageGetXuid)
		return res.Response()
	}

	xuids := res.Value
	for _, info := range pending {
		info.AddXuidAttemptSucceeded = true
		if xuid, ok := xuids[info.Puid]; ok {
			info.ApplyXuid(xuid)
		}
	}
	return adapters.Response{}
}

// AddVerifiers fetches and validates a verifier for every request without
// one. Requests are handled one at a time and a failure only skips that
// request; the combined outcome is reported at the end.
func (p *Pipeline) AddVerifiers(ctx context.Context, infos []*accountdelete.Info) adapters.Response {
	fetchErrors := 0
	validationErrors := 0

	for _, info := range infos {
		if info.HasVerifier() {
			continue
		}

		token := p.msa.GetGdprAccountCloseVerifier(ctx, info.CommandID, info.Puid, info.PreVerifierToken, info.Xuid)
		if !token.IsSuccess() && p.IgnoreVerifierErrors() {
			p.logger.Warn("verifier_error_ignored",
				slog.String("source", "msa_identity"),
				slog.String("command_id", info.CommandID.String()),
				slog.String("err", token.Err.Error()),
			)
			token.Err = nil
		}
		if !token.IsSuccess() {
			p.counters.Failure(ctx, StageGetVerifier)
			fetchErrors++
			continue
		}

		info.GdprVerifierToken = token.Value

		valid := p.validator.ValidateVerifier(ctx, info.ToAccountCloseRequest(p.requesterID), info.GdprVerifierToken)
		if !valid.IsSuccess() && p.IgnoreVerifierErrors() {
			p.logger.Warn("verifier_error_ignored",
				slog.String("source", "verifier_validation"),
				slog.String("command_id", info.CommandID.String()),
				slog.String("err", valid.Err.Error()),
			)
			valid.Err = nil
		}
		if !valid.IsSuccess() {
			p.counters.Failure(ctx, StageValidation)
			validationErrors++
			continue
		}

		p.counters.Success(ctx)
	}

	switch {
	case fetchErrors > 0:
		return adapters.Failure(adapters.ErrorCodeUnknown,
			fmt.Sprintf("Failed to acquire verifier tokens. Errors countered: %d", fetchErrors),
			http.StatusInternalServerError)
	case validationErrors > 0:
		return adapters.Failure(adapters.ErrorCodeUnknown,
			fmt.Sprintf("Verification failed on the tokens. Errors countered: %d", validationErrors),
			http.StatusInternalServerError)
	}
	return adapters.Response{}
}
