package accountdelete

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// XuidNone is what the Xbox accounts service returns for an account that has
// no Xbox identity. It is never stored as a Xuid.
const XuidNone = "0"

const accountCloseRequesterPrefix = "AccountClose_"

// Info is a pending account delete request as stored on the queue. Enrichment
// mutates it in place and the queue persists it again when a pass is retried.
type Info struct {
	CommandID uuid.UUID `json:"CommandId"`
	Puid      int64     `json:"Puid"`
	Xuid      string    `json:"Xuid,omitempty"`

	// AddXuidAttemptSucceeded is set once a xuid lookup covering this request
	// succeeded, whether or not it found a xuid.
	AddXuidAttemptSucceeded bool `json:"AddXuidAttemptSucceeded"`

	PreVerifierToken  string    `json:"PreVerifierToken,omitempty"`
	GdprVerifierToken string    `json:"GdprVerifierToken,omitempty"`
	CorrelationVector string    `json:"CorrelationVector,omitempty"`
	TimeStamp         time.Time `json:"TimeStamp"`
}

func (i *Info) HasVerifier() bool {
	return strings.TrimSpace(i.GdprVerifierToken) != ""
}

// ApplyXuid stores xuid unless it is blank or the no-account sentinel. It
// reports whether the value was taken.
func (i *Info) ApplyXuid(xuid string) bool {
	if strings.TrimSpace(xuid) == "" || xuid == XuidNone {
		return false
	}
	i.Xuid = xuid
	return true
}

// Subject identifies the MSA account being closed.
type Subject struct {
	Puid int64  `json:"puid"`
	Xuid string `json:"xuid,omitempty"`
}

// AccountCloseRequest is the privacy request shape the verifier is checked
// against and the command feed receives.
type AccountCloseRequest struct {
	RequestID         uuid.UUID `json:"requestId"`
	CommandID         uuid.UUID `json:"commandId"`
	RequestType       string    `json:"requestType"`
	Requester         string    `json:"requester"`
	Subject           Subject   `json:"subject"`
	VerificationToken string    `json:"verificationToken"`
	CorrelationVector string    `json:"correlationVector,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

const RequestTypeAccountClose = "AccountClose"

// ToAccountCloseRequest builds the account close request for this delete.
// The command id doubles as the request id so retries stay idempotent
// downstream.
func (i *Info) ToAccountCloseRequest(requesterID string) AccountCloseRequest {
	return AccountCloseRequest{
		RequestID:         i.CommandID,
		CommandID:         i.CommandID,
		RequestType:       RequestTypeAccountClose,
		Requester:         accountCloseRequesterPrefix + requesterID,
		Subject:           Subject{Puid: i.Puid, Xuid: i.Xuid},
		VerificationToken: i.GdprVerifierToken,
		CorrelationVector: i.CorrelationVector,
		Timestamp:         i.TimeStamp,
	}
}

// Normalize fills a missing command id and timestamp on producer input.
func (i *Info) Normalize(now time.Time) {
	if i.CommandID == uuid.Nil {
		i.CommandID = uuid.New()
	}
	if i.TimeStamp.IsZero() {
		i.TimeStamp = now.UTC()
	}
}
