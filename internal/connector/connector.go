// Package connector operates the per-agency pollers that feed the pipeline.
// Every agency integration implements the Connector contract; a registry
// maps agency ids to factories so new agencies plug in without touching the
// runtime. The Poller owns scheduling, rate limiting, retries, the circuit
// breaker, durable cursors, and health heartbeats.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// Kind classifies a connector failure. Pollers branch on it: transient kinds
// are retried with backoff, rate limits sleep, auth failures refresh once,
// configuration errors abort startup.
type Kind string

const (
	KindNetwork       Kind = "NetworkError"
	KindTimeout       Kind = "Timeout"
	KindAuth          Kind = "AuthenticationFailed"
	KindRateLimit     Kind = "RateLimitExceeded"
	KindInvalid       Kind = "InvalidResponse"
	KindConfiguration Kind = "ConfigurationError"
	KindUnknown       Kind = "UnknownError"
)

// Error is a classified connector failure.
type Error struct {
	Kind       Kind
	Agency     string
	RetryAfter time.Duration // set for KindRateLimit when the agency suggested a wait
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Agency, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the agency it came from.
func NewError(kind Kind, agency string, err error) *Error {
	return &Error{Kind: kind, Agency: agency, Err: err}
}

// KindOf extracts the error kind, defaulting to UnknownError.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// RetryAfterOf returns the agency-suggested wait on a rate-limit error, or 0.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// transientKind reports whether a failure class is worth retrying in place.
func transientKind(k Kind) bool {
	return k == KindNetwork || k == KindTimeout || k == KindUnknown
}

// Transaction is one raw agency transaction: the stable external id plus the
// agency-shaped payload, untouched until normalization.
type Transaction struct {
	ExternalEventID string
	Payload         json.RawMessage
}

// Page is one page of a ListTransactions sequence. NextCursor is durable:
// persisting it and restarting resumes after this page.
type Page struct {
	Transactions []Transaction
	NextCursor   string
	HasMore      bool
}

// Health is a connector's self-assessment from its probe endpoint.
type Health struct {
	State          domain.HealthState
	ResponseTimeMS int64
}

// Connector is the capability set every agency integration provides.
// Implementations keep auth state internal and guard it for concurrent use.
type Connector interface {
	// AgencyID returns the stable agency identifier (e.g. "etoll").
	AgencyID() string
	// Initialize validates configuration and performs the first
	// authentication. Missing endpoints or credentials are ConfigurationError.
	Initialize(ctx context.Context) error
	// Authenticate obtains a fresh token/session from scratch.
	Authenticate(ctx context.Context) error
	// RefreshAuth renews credentials if they expire within the skew window.
	// A failed refresh surfaces AuthenticationFailed.
	RefreshAuth(ctx context.Context) error
	// ListTransactions fetches one page of transactions after cursor.
	ListTransactions(ctx context.Context, cursor string, pageSize int) (Page, error)
	// FetchEvidence returns an evidence URI for an event, or "" when the
	// agency keeps none.
	FetchEvidence(ctx context.Context, externalEventID string) (string, error)
	// HealthProbe checks the agency's health endpoint.
	HealthProbe(ctx context.Context) Health
}
