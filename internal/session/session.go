// Package session owns the per-tenant connection lifecycle: it drives a
// transport backend through pairing, readiness and disconnection, and
// applies the reconnection policy. One Session exists per live tenant
// and exclusively owns its backend instance.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gmoralespe/wagateway/internal/credstore"
	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/transport"
)

var (
	// ErrNotReady is returned when an operation needs a Ready session.
	ErrNotReady = errors.New("session: not ready")
	// ErrSendInProgress is returned when a structural operation collides
	// with an active bulk run.
	ErrSendInProgress = errors.New("session: bulk send in progress")
	// ErrClosed is returned after the session has been torn down.
	ErrClosed = errors.New("session: closed")
)

var (
	reconnectDelay   = 5 * time.Second
	reconnectTimeout = 60 * time.Second
)

type Session struct {
	tenantID string
	tr       transport.Transport
	creds    *credstore.Store
	log      *slog.Logger

	// opMu serializes structural operations (initialize, disconnect,
	// force-new, run start). The backend is not safe for concurrent
	// structural use.
	opMu sync.Mutex

	mu               sync.Mutex
	state            model.SessionState
	pairingCode      string
	sendLocked       bool
	pendingReconnect bool
	closed           bool
	createdAt        time.Time
	lastTransitionAt time.Time
	runCancel        context.CancelFunc

	quit     chan struct{}
	loopDone chan struct{}
}

func newSession(tenantID string, tr transport.Transport, creds *credstore.Store, log *slog.Logger) *Session {
	now := time.Now().UTC()
	s := &Session{
		tenantID:         tenantID,
		tr:               tr,
		creds:            creds,
		log:              log.With("tenant", tenantID),
		state:            model.StateUninitialized,
		createdAt:        now,
		lastTransitionAt: now,
		quit:             make(chan struct{}),
		loopDone:         make(chan struct{}),
	}
	go s.eventLoop()
	return s
}

func (s *Session) TenantID() string { return s.tenantID }

// Transport exposes the backend for send and resolution calls. Structural
// operations must go through the Session methods instead.
func (s *Session) Transport() transport.Transport { return s.tr }

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionStatus{
		TenantID:         s.tenantID,
		State:            s.state,
		PairingCode:      s.pairingCode,
		SendLocked:       s.sendLocked,
		CreatedAt:        s.createdAt,
		LastTransitionAt: s.lastTransitionAt,
	}
}

// Initialize begins pairing or reconnection. With forceNew the stored
// credential material is wiped first, so the backend must issue a fresh
// pairing code. Completion is observed via state, not the return value.
func (s *Session) Initialize(ctx context.Context, forceNew bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sendLocked {
		s.mu.Unlock()
		return ErrSendInProgress
	}
	if s.state == model.StateReady && !forceNew {
		// Already connected. Backends no-op on a redundant Initialize
		// without emitting events, so entering Connecting here would
		// leave the session stuck there.
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if forceNew {
		if err := s.creds.Wipe(s.tenantID); err != nil {
			return err
		}
	}

	s.setState(model.StateConnecting)
	if err := s.tr.Initialize(ctx, forceNew); err != nil {
		s.setState(model.StateDisconnected)
		return err
	}
	return nil
}

// Disconnect tears down the live connection. Credentials are preserved,
// so a later Initialize resumes without re-pairing.
func (s *Session) Disconnect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.disconnectLocked(ctx)
}

func (s *Session) disconnectLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.sendLocked = false
	s.pendingReconnect = false
	s.mu.Unlock()

	err := s.tr.Close(ctx)
	s.setState(model.StateDisconnected)
	return err
}

// ForceNew wipes stored credentials and restarts pairing from scratch.
func (s *Session) ForceNew(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.sendLocked = false
	s.mu.Unlock()

	if err := s.tr.Close(ctx); err != nil {
		s.log.Warn("close before force-new failed", "error", err)
	}
	if err := s.creds.Wipe(s.tenantID); err != nil {
		return err
	}

	s.setState(model.StateConnecting)
	if err := s.tr.Initialize(ctx, true); err != nil {
		s.setState(model.StateDisconnected)
		return err
	}
	return nil
}

// AcquireSendLock claims the session for one bulk run. While held,
// automatic reconnection is suppressed and structural operations fail
// with ErrSendInProgress. The returned context is canceled on teardown.
func (s *Session) AcquireSendLock(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.state != model.StateReady {
		return nil, ErrNotReady
	}
	if s.sendLocked {
		return nil, ErrSendInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.sendLocked = true
	s.runCancel = cancel
	return runCtx, nil
}

// ReleaseSendLock ends the bulk run's ownership. A reconnection that was
// suppressed while the lock was held is attempted now.
func (s *Session) ReleaseSendLock() {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.sendLocked = false
	resume := s.pendingReconnect && s.state == model.StateDisconnected && !s.closed
	s.pendingReconnect = false
	s.mu.Unlock()

	if resume {
		s.scheduleReconnect()
	}
}

// ScheduleTeardown closes the transport connection after the delay. The
// tenant's authenticated state survives; only the provider connection is
// dropped. Used for the post-run security teardown.
func (s *Session) ScheduleTeardown(d time.Duration) {
	time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()
		if err := s.Disconnect(ctx); err != nil {
			s.log.Warn("scheduled teardown failed", "error", err)
		} else {
			s.log.Info("connection closed after bulk run")
		}
	})
}

// close tears the session down for good: cancels any run, closes the
// transport and stops the event loop. Called by the registry on Remove.
func (s *Session) close(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.runCancel != nil {
		s.runCancel()
	}
	s.sendLocked = false
	s.mu.Unlock()

	close(s.quit)
	if err := s.tr.Close(ctx); err != nil {
		s.log.Warn("transport close failed", "error", err)
	}
	s.setState(model.StateDisconnected)
	<-s.loopDone
}

func (s *Session) eventLoop() {
	defer close(s.loopDone)

	for {
		var ev transport.Event
		select {
		case <-s.quit:
			return
		case e, ok := <-s.tr.Events():
			if !ok {
				return
			}
			ev = e
		}

		switch ev.Type {
		case transport.EventPairingCode:
			s.mu.Lock()
			s.pairingCode = ev.PairingCode
			s.mu.Unlock()
			s.setState(model.StateAwaitingPairing)
			s.log.Info("pairing code issued")

		case transport.EventReady:
			s.mu.Lock()
			s.pairingCode = ""
			s.mu.Unlock()
			s.setState(model.StateReady)
			s.log.Info("session ready")

		case transport.EventDisconnected:
			s.setState(model.StateDisconnected)
			s.log.Info("session disconnected", "reason", ev.Reason, "fatal", ev.Fatal)
			s.handleDisconnect(ev)

		case transport.EventAuthFailure:
			s.log.Warn("authentication failed, wiping credentials", "reason", ev.Reason)
			if err := s.creds.Wipe(s.tenantID); err != nil {
				s.log.Error("credential wipe failed", "error", err)
			}
			s.setState(model.StateAuthFailed)
		}
	}
}

// handleDisconnect applies the reconnection policy: transient, non-fatal
// disconnects reconnect automatically unless a bulk run holds the send
// lock, in which case the attempt is deferred until the lock is released.
func (s *Session) handleDisconnect(ev transport.Event) {
	if ev.Fatal {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.sendLocked {
		s.pendingReconnect = true
		s.mu.Unlock()
		s.log.Info("reconnect suppressed during bulk send")
		return
	}
	s.mu.Unlock()

	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	time.AfterFunc(reconnectDelay, func() {
		s.mu.Lock()
		skip := s.closed || s.sendLocked || s.state != model.StateDisconnected
		s.mu.Unlock()
		if skip {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()

		s.log.Info("attempting automatic reconnect")
		if err := s.Initialize(ctx, false); err != nil {
			s.log.Warn("automatic reconnect failed", "error", err)
		}
	})
}

func (s *Session) setState(st model.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.state = st
	s.lastTransitionAt = time.Now().UTC()
	if st != model.StateAwaitingPairing {
		s.pairingCode = ""
	}
}
