package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
)

// Endpoint is a partner base URL with its call budget.
type Endpoint struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	Headers   map[string]string
}

type partnerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type partnerClient struct {
	name   string
	rc     *resty.Client
	logger *slog.Logger
}

func newPartnerClient(name string, ep Endpoint, transport http.RoundTripper, logger *slog.Logger) *partnerClient {
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(ep.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(ep.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= http.StatusInternalServerError
		})
	if len(ep.Headers) > 0 {
		rc.SetHeaders(ep.Headers)
	}
	if ep.AuthToken != "" {
		rc.SetAuthToken(ep.AuthToken)
	}
	if ep.Timeout > 0 {
		rc.SetTimeout(ep.Timeout)
	}
	if transport != nil {
		rc.SetTransport(transport)
	}
	return &partnerClient{name: name, rc: rc, logger: logger}
}

// post sends body as JSON and decodes a 2xx reply into result when non-nil.
func (c *partnerClient) post(ctx context.Context, path string, body, result any) *Error {
	req := c.rc.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&partnerErrorBody{})
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Post(path)
	if err != nil {
		code := ErrorCodePartnerError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = ErrorCodeTimeout
		}
		c.logger.Warn("partner_call_failed",
			slog.String("partner", c.name),
			slog.String("path", path),
			slog.Any("err", err),
		)
		return NewError(code, fmt.Sprintf("%s: %v", c.name, err), 0)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(resp.String())
		if pe, ok := resp.Error().(*partnerErrorBody); ok && pe.Message != "" {
			msg = pe.Message
		}
		c.logger.Warn("partner_call_rejected",
			slog.String("partner", c.name),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode()),
			slog.String("message", msg),
		)
		return NewError(codeForStatus(resp.StatusCode()), fmt.Sprintf("%s: %s", c.name, msg), resp.StatusCode())
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// XboxAccountsClient calls the Xbox accounts service.
type XboxAccountsClient struct{ c *partnerClient }

var _ XboxAccounts = (*XboxAccountsClient)(nil)

func NewXboxAccountsClient(ep Endpoint, transport http.RoundTripper, logger *slog.Logger) *XboxAccountsClient {
	return &XboxAccountsClient{c: newPartnerClient("xbox_accounts", ep, transport, logger)}
}

type xuidLookupRequest struct {
	Puids []int64 `json:"puids"`
}

type xuidLookupResponse struct {
	Xuids map[int64]string `json:"xuids"`
}

func (x *XboxAccountsClient) GetXuids(ctx context.Context, puids []int64) Result[map[int64]string] {
	var out xuidLookupResponse
	if err := x.c.post(ctx, "/users/xuids", xuidLookupRequest{Puids: puids}, &out); err != nil {
		return Fail[map[int64]string](err)
	}
	if out.Xuids == nil {
		out.Xuids = map[int64]string{}
	}
	return OK(out.Xuids)
}

// MsaIdentityClient calls the MSA identity service.
type MsaIdentityClient struct{ c *partnerClient }

var _ MsaIdentity = (*MsaIdentityClient)(nil)

func NewMsaIdentityClient(ep Endpoint, transport http.RoundTripper, logger *slog.Logger) *MsaIdentityClient {
	return &MsaIdentityClient{c: newPartnerClient("msa_identity", ep, transport, logger)}
}

type verifierRequest struct {
	CommandID   uuid.UUID `json:"commandId"`
	Puid        int64     `json:"puid"`
	PreVerifier string    `json:"preVerifier"`
	Xuid        string    `json:"xuid"`
}

type verifierResponse struct {
	Verifier string `json:"verifier"`
}

func (m *MsaIdentityClient) GetGdprAccountCloseVerifier(ctx context.Context, commandID uuid.UUID, puid int64, preVerifier, xuid string) Result[string] {
	var out verifierResponse
	body := verifierRequest{CommandID: commandID, Puid: puid, PreVerifier: preVerifier, Xuid: xuid}
	if err := m.c.post(ctx, "/gdpr/accountclose/verifier", body, &out); err != nil {
		return Fail[string](err)
	}
	return OK(out.Verifier)
}

// VerifierValidationClient calls the verifier validation service.
type VerifierValidationClient struct{ c *partnerClient }

var _ VerifierValidator = (*VerifierValidationClient)(nil)

func NewVerifierValidationClient(ep Endpoint, transport http.RoundTripper, logger *slog.Logger) *VerifierValidationClient {
	return &VerifierValidationClient{c: newPartnerClient("verifier_validation", ep, transport, logger)}
}

type validateRequest struct {
	Request  accountdelete.AccountCloseRequest `json:"request"`
	Verifier string                            `json:"verifier"`
}

func (v *VerifierValidationClient) ValidateVerifier(ctx context.Context, req accountdelete.AccountCloseRequest, verifier string) Response {
	if strings.TrimSpace(verifier) == "" {
		return Failure(ErrorCodeInvalidInput, "verifier is empty", http.StatusBadRequest)
	}
	if err := v.c.post(ctx, "/verifiers/validate", validateRequest{Request: req, Verifier: verifier}, nil); err != nil {
		return Response{Err: err}
	}
	return Response{}
}

// CommandFeedWriter forwards account close requests to the command feed.
type CommandFeedWriter struct {
	c           *partnerClient
	requesterID string
}

var _ DeleteWriter = (*CommandFeedWriter)(nil)

func NewCommandFeedWriter(ep Endpoint, requesterID string, transport http.RoundTripper, logger *slog.Logger) *CommandFeedWriter {
	return &CommandFeedWriter{
		c:           newPartnerClient("command_feed", ep, transport, logger),
		requesterID: requesterID,
	}
}

type writeDeletesRequest struct {
	Context  string                              `json:"context,omitempty"`
	Requests []accountdelete.AccountCloseRequest `json:"requests"`
}

func (w *CommandFeedWriter) WriteDeletes(ctx context.Context, items []accountdelete.Info, writeContext string) Result[[]accountdelete.Info] {
	if len(items) == 0 {
		return OK(items)
	}
	body := writeDeletesRequest{
		Context:  writeContext,
		Requests: make([]accountdelete.AccountCloseRequest, 0, len(items)),
	}
	for i := range items {
		body.Requests = append(body.Requests, items[i].ToAccountCloseRequest(w.requesterID))
	}
	if err := w.c.post(ctx, "/commands/accountclose", body, nil); err != nil {
		return Fail[[]accountdelete.Info](err)
	}
	return OK(items)
}
