package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gmoralespe/wagateway/internal/credstore"
	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/transport"
)

// TransportFactory builds a backend instance for one tenant. It must be
// cheap: connecting happens later, on Initialize.
type TransportFactory func(tenantID string) (transport.Transport, error)

// Registry is the process-wide mapping from tenant identifier to its
// live Session. It guarantees at most one live Session (and therefore
// one backend instance and one credential-directory owner) per tenant.
type Registry struct {
	newTransport TransportFactory
	creds        *credstore.Store
	log          *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(factory TransportFactory, creds *credstore.Store, log *slog.Logger) *Registry {
	return &Registry{
		newTransport: factory,
		creds:        creds,
		log:          log,
		sessions:     make(map[string]*Session),
	}
}

// GetOrCreate returns the tenant's session, creating it on first access.
// Creation is serialized: concurrent calls for the same tenant observe
// exactly one backend instance.
func (r *Registry) GetOrCreate(tenantID string) (*Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("registry: tenant id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[tenantID]; ok {
		return s, nil
	}

	tr, err := r.newTransport(tenantID)
	if err != nil {
		return nil, fmt.Errorf("registry: create backend for tenant %s: %w", tenantID, err)
	}

	s := newSession(tenantID, tr, r.creds, r.log)
	r.sessions[tenantID] = s
	r.log.Info("session created", "tenant", tenantID)
	return s, nil
}

func (r *Registry) Get(tenantID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// Remove tears down the tenant's session and drops it from the registry.
// Credential material is left on disk; use Session.ForceNew or the
// credential store directly to wipe it.
func (r *Registry) Remove(ctx context.Context, tenantID string) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	delete(r.sessions, tenantID)
	r.mu.Unlock()

	if ok {
		s.close(ctx)
		r.log.Info("session removed", "tenant", tenantID)
	}
}

// Shutdown closes every live session. The registry is empty afterwards
// but remains usable.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close(ctx)
	}
}

// Snapshot returns a diagnostic view of every live session.
func (r *Registry) Snapshot() []model.SessionStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]model.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// ReapIdle disconnects sessions that have sat in a connected state
// without a transition for longer than ttl. Send-locked sessions are
// never reaped.
func (r *Registry) ReapIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)

	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	reaped := 0
	for _, s := range candidates {
		st := s.Status()
		if st.SendLocked || st.State != model.StateReady || !st.LastTransitionAt.Before(cutoff) {
			continue
		}
		if err := s.Disconnect(ctx); err != nil {
			r.log.Warn("idle reap failed", "tenant", st.TenantID, "error", err)
			continue
		}
		r.log.Info("idle session disconnected", "tenant", st.TenantID, "idle_since", st.LastTransitionAt)
		reaped++
	}
	return reaped
}
