// Package transport defines the capability contract every messaging
// backend must satisfy. The orchestrator never branches on backend
// identity, only on this interface and its closed error taxonomy.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/gmoralespe/wagateway/internal/model"
)

// ErrorKind classifies a send failure. Adapters map their provider's
// error surface onto these kinds so that the pipeline never has to match
// on error text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindDisconnected means the underlying connection is gone. A bulk
	// run aborts on this kind instead of failing every remaining item.
	KindDisconnected
	// KindTimeout is a transient provider timeout.
	KindTimeout
	// KindRejected means the provider refused the message permanently.
	KindRejected
	// KindStale signals a stale connection (e.g. an evaluation or
	// internal-state error). The pipeline probes connection health and
	// backs off longer before its next attempt.
	KindStale
)

func (k ErrorKind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// SendError wraps a backend send failure with its classification.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError builds a classified send error.
func NewSendError(kind ErrorKind, err error) *SendError {
	return &SendError{Kind: kind, Err: err}
}

// KindOf extracts the classification from err, KindUnknown if it does
// not carry one.
func KindOf(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// ErrAlreadyInitializing is returned by Initialize when a previous
// initialization is still in progress.
var ErrAlreadyInitializing = errors.New("transport: initialization already in progress")

// EventType enumerates the closed set of backend notifications.
type EventType int

const (
	// EventPairingCode carries a fresh scannable pairing code.
	EventPairingCode EventType = iota
	// EventReady means the backend is authenticated and connected.
	EventReady
	// EventDisconnected means the connection dropped. Fatal disconnects
	// (explicit logout, session invalidation) must not be auto-retried.
	EventDisconnected
	// EventAuthFailure means the stored credentials were rejected and
	// are unusable until wiped.
	EventAuthFailure
)

// Event is one backend notification delivered over the event stream.
type Event struct {
	Type        EventType
	PairingCode string
	Reason      string
	Fatal       bool
}

// Transport is the capability contract. Implementations are not safe for
// concurrent structural operations; the owning session serializes them.
type Transport interface {
	// Initialize starts (or restarts, when forceNew is set) the backend
	// connection. Completion is signaled via the event stream, not the
	// return value.
	Initialize(ctx context.Context, forceNew bool) error

	// SendText delivers text to a canonical identifier. Failures are
	// *SendError values carrying an ErrorKind.
	SendText(ctx context.Context, identifier, text string) error

	// LookupIdentifier asks the provider for the canonical identifier of
	// a digit-only number. ok is false when the number is unknown.
	LookupIdentifier(ctx context.Context, number string) (identifier string, ok bool, err error)

	// IsRegistered reports whether a fully-formed identifier belongs to
	// a registered provider account.
	IsRegistered(ctx context.Context, identifier string) (bool, error)

	// HealthProbe is a lightweight connection check used between send
	// retries after a stale-connection error.
	HealthProbe(ctx context.Context) error

	// State reports the backend's view of the session state.
	State() model.SessionState

	// Events is the backend notification stream. It stays open across
	// Close/Initialize cycles; the owning session stops reading when it
	// is torn down.
	Events() <-chan Event

	// Close tears down the connection without discarding credentials, so
	// a later Initialize can resume without re-pairing.
	Close(ctx context.Context) error
}

// AutoTeardown is an optional capability: backends that want the
// connection closed shortly after a bulk run completes (a provider-ban
// mitigation) implement it and return true.
type AutoTeardown interface {
	AutoTeardown() bool
}
