// Package adapters holds the partner contracts the account delete worker
// consumes and HTTP implementations of them.
package adapters

import (
	"context"

	"github.com/google/uuid"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
)

// XboxAccounts resolves xuids for MSA puids in one batched call. Puids with
// no Xbox account may be missing from the map or mapped to "0".
type XboxAccounts interface {
	GetXuids(ctx context.Context, puids []int64) Result[map[int64]string]
}

// MsaIdentity issues GDPR account close verifiers.
type MsaIdentity interface {
	GetGdprAccountCloseVerifier(ctx context.Context, commandID uuid.UUID, puid int64, preVerifier, xuid string) Result[string]
}

// VerifierValidator checks a verifier token against the request it claims
// to authorize.
type VerifierValidator interface {
	ValidateVerifier(ctx context.Context, req accountdelete.AccountCloseRequest, verifier string) Response
}

// DeleteWriter forwards enriched deletes to the command feed. A failure
// applies to the whole batch.
type DeleteWriter interface {
	WriteDeletes(ctx context.Context, items []accountdelete.Info, writeContext string) Result[[]accountdelete.Info]
}
