package model

import "time"

// SessionState is the lifecycle state of one tenant's messaging session.
type SessionState string

const (
	StateUninitialized   SessionState = "uninitialized"
	StateAwaitingPairing SessionState = "awaiting_pairing"
	StateConnecting      SessionState = "connecting"
	StateReady           SessionState = "ready"
	StateDisconnected    SessionState = "disconnected"
	StateAuthFailed      SessionState = "auth_failed"
)

// Recipient is one entry of a bulk-send request. It only lives for the
// duration of a single run.
type Recipient struct {
	DisplayName string
	RawNumber   string
}

// SendOutcome records what happened to one recipient during a run.
type SendOutcome struct {
	DisplayName string
	RawNumber   string
	Succeeded   bool
	ResolvedID  string
	SentMessage string
	ErrorReason string
	Timestamp   time.Time
}

// SessionStatus is a point-in-time snapshot of a session, safe to hand to
// the API layer.
type SessionStatus struct {
	TenantID         string
	State            SessionState
	PairingCode      string
	SendLocked       bool
	CreatedAt        time.Time
	LastTransitionAt time.Time
}
