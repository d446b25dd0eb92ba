package app

import (
	"fmt"
	"log/slog"

	"github.com/nuetzliches/accountdelete/internal/adapters"
	"github.com/nuetzliches/accountdelete/internal/config"
	"github.com/nuetzliches/accountdelete/internal/secrets"
)

// partners are the four partner clients. They share one transport so the
// partner service point bounds all of them together.
type partners struct {
	xbox      *adapters.XboxAccountsClient
	msa       *adapters.MsaIdentityClient
	validator *adapters.VerifierValidationClient
	writer    *adapters.CommandFeedWriter

	stop func()
}

func newPartners(cfg config.Config, tracing bool, logger *slog.Logger) (*partners, error) {
	pc := cfg.Partners
	xboxEP, err := endpoint("xbox_accounts", pc.XboxAccounts)
	if err != nil {
		return nil, err
	}
	msaEP, err := endpoint("msa_identity", pc.MsaIdentity)
	if err != nil {
		return nil, err
	}
	validatorEP, err := endpoint("verifier_validation", pc.VerifierValidation)
	if err != nil {
		return nil, err
	}
	feedEP, err := endpoint("command_feed", pc.CommandFeed)
	if err != nil {
		return nil, err
	}

	transport, stop := adapters.NewTransport(adapters.ServicePoint{
		ConnectionLimit:        pc.ServicePoint.ConnectionLimit,
		UseNagle:               pc.ServicePoint.UseNagle,
		MaxIdleTime:            pc.ServicePoint.MaxIdleTime,
		ConnectionLeaseTimeout: pc.ServicePoint.ConnectionLeaseTimeout,
	}, tracing)

	return &partners{
		xbox:      adapters.NewXboxAccountsClient(xboxEP, transport, logger),
		msa:       adapters.NewMsaIdentityClient(msaEP, transport, logger),
		validator: adapters.NewVerifierValidationClient(validatorEP, transport, logger),
		writer:    adapters.NewCommandFeedWriter(feedEP, cfg.RequesterID, transport, logger),
		stop:      stop,
	}, nil
}

func endpoint(name string, ec config.EndpointConfig) (adapters.Endpoint, error) {
	ep := adapters.Endpoint{
		BaseURL:    ec.BaseURL,
		Timeout:    ec.Timeout,
		RetryCount: ec.RetryCount,
		Headers:    ec.Headers,
	}
	if ec.AuthTokenRef != "" {
		token, err := secrets.LoadRef(ec.AuthTokenRef)
		if err != nil {
			return adapters.Endpoint{}, fmt.Errorf("partners.%s.auth_token_ref: %w", name, err)
		}
		ep.AuthToken = token
	}
	return ep, nil
}
