// Package pipeline executes one bulk-send run against a tenant's ready
// session: identifier resolution, personalization, per-message retry and
// adaptive inter-message pacing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/personalize"
	"github.com/gmoralespe/wagateway/internal/resolver"
	"github.com/gmoralespe/wagateway/internal/session"
	"github.com/gmoralespe/wagateway/internal/transport"
)

// ErrNotReady is returned when the tenant's session is not Ready.
var ErrNotReady = errors.New("pipeline: session not ready")

const (
	maxAttempts       = 3
	staleCooldown     = 10 * time.Second
	transientCooldown = 5 * time.Second
	baseDelayMin      = 8 * time.Second
	baseDelayJitter   = 7 * time.Second
	teardownDelay     = 5 * time.Second
)

// Pacing escalation tiers; when several apply the longest wins.
var pacingTiers = []struct {
	every int
	delay time.Duration
}{
	{50, 5 * time.Minute},
	{25, 2 * time.Minute},
	{10, time.Minute},
}

// Clock abstracts time for the pacing and cooldown waits so tests run
// without real sleeps. Sleep must return early with the context error
// when the run is canceled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the outcome of one run. Outcomes are ordered exactly like
// the input recipients; Aborted runs carry the outcomes accumulated up
// to the abort point.
type Result struct {
	RunID       string
	Outcomes    []model.SendOutcome
	Aborted     bool
	AbortReason string
}

func (r *Result) SentCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded {
			n++
		}
	}
	return n
}

type Pipeline struct {
	res   *resolver.Resolver
	pers  *personalize.Personalizer
	clock Clock
	log   *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option tweaks pipeline construction; used by tests to inject a fake
// clock and a seeded random source.
type Option func(*Pipeline)

func WithClock(c Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithRand(r *rand.Rand) Option { return func(p *Pipeline) { p.rnd = r } }

func New(res *resolver.Resolver, pers *personalize.Personalizer, log *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		res:   res,
		pers:  pers,
		clock: realClock{},
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		log:   log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes one bulk send. It claims the session's send lock for the
// whole run and releases it on every exit path. Per-recipient failures
// are recorded and skipped; a closed connection aborts the remainder of
// the run with partial outcomes.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session, recipients []model.Recipient, template string) (*Result, error) {
	runCtx, err := sess.AcquireSendLock(ctx)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotReady):
			return nil, ErrNotReady
		default:
			return nil, err
		}
	}
	defer sess.ReleaseSendLock()

	res := &Result{RunID: uuid.NewString()}
	log := p.log.With("tenant", sess.TenantID(), "run", res.RunID, "recipients", len(recipients))
	log.Info("bulk run started")

	tr := sess.Transport()
	defer p.maybeScheduleTeardown(sess, tr)

	for i, rcpt := range recipients {
		if sess.State() != model.StateReady {
			res.Aborted = true
			res.AbortReason = "session left ready state"
			break
		}
		if runCtx.Err() != nil {
			res.Aborted = true
			res.AbortReason = "run canceled"
			break
		}

		outcome, abort := p.processOne(runCtx, tr, rcpt, template, log)
		res.Outcomes = append(res.Outcomes, outcome)
		if abort {
			res.Aborted = true
			res.AbortReason = outcome.ErrorReason
			log.Warn("bulk run aborted", "reason", res.AbortReason, "processed", len(res.Outcomes))
			break
		}
		if runCtx.Err() != nil {
			// Cancellation observed mid-item: the outcome above is
			// recorded, the rest of the list is not processed.
			res.Aborted = true
			res.AbortReason = "run canceled"
			break
		}

		if i < len(recipients)-1 {
			if err := p.clock.Sleep(runCtx, p.pacingDelay(i+1)); err != nil {
				res.Aborted = true
				res.AbortReason = "run canceled"
				break
			}
		}
	}

	log.Info("bulk run finished", "sent", res.SentCount(), "failed", len(res.Outcomes)-res.SentCount(), "aborted", res.Aborted)
	return res, nil
}

// processOne handles a single recipient: resolve, personalize, send with
// retries. abort is true when the failure means the connection is gone
// and the run must stop.
func (p *Pipeline) processOne(ctx context.Context, tr transport.Transport, rcpt model.Recipient, template string, log *slog.Logger) (model.SendOutcome, bool) {
	outcome := model.SendOutcome{
		DisplayName: rcpt.DisplayName,
		RawNumber:   rcpt.RawNumber,
		Timestamp:   p.clock.Now(),
	}

	id, err := p.res.Resolve(ctx, tr, rcpt.RawNumber)
	if err != nil {
		outcome.ErrorReason = err.Error()
		log.Info("recipient skipped", "number", rcpt.RawNumber, "reason", outcome.ErrorReason)
		return outcome, false
	}
	outcome.ResolvedID = id

	text := p.pers.Message(template, rcpt.DisplayName)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = tr.SendText(ctx, id, text)
		if lastErr == nil {
			outcome.Succeeded = true
			outcome.SentMessage = text
			outcome.Timestamp = p.clock.Now()
			return outcome, false
		}

		kind := transport.KindOf(lastErr)
		log.Warn("send attempt failed", "number", rcpt.RawNumber, "attempt", attempt, "kind", kind.String(), "error", lastErr)

		if kind == transport.KindDisconnected {
			outcome.ErrorReason = lastErr.Error()
			return outcome, true
		}
		if attempt == maxAttempts {
			break
		}

		cooldown := transientCooldown
		if kind == transport.KindStale {
			// A stale connection often recovers after a probe; give the
			// backend longer before the next attempt.
			if probeErr := tr.HealthProbe(ctx); probeErr != nil {
				log.Warn("health probe failed", "error", probeErr)
			}
			cooldown = staleCooldown
		}
		if err := p.clock.Sleep(ctx, cooldown); err != nil {
			break
		}
	}

	outcome.ErrorReason = fmt.Sprintf("exhausted %d send attempts: %v", maxAttempts, lastErr)
	return outcome, false
}

// pacingDelay returns the wait after the position-th message (1-based).
// Escalation tiers beat the randomized base delay; the longest
// applicable tier wins.
func (p *Pipeline) pacingDelay(position int) time.Duration {
	for _, tier := range pacingTiers {
		if position%tier.every == 0 {
			return tier.delay
		}
	}
	p.mu.Lock()
	jitter := time.Duration(p.rnd.Int63n(int64(baseDelayJitter) + 1))
	p.mu.Unlock()
	return baseDelayMin + jitter
}

// maybeScheduleTeardown closes the provider connection a few seconds
// after the run when the backend asks for it. Only the transport
// connection goes away; the tenant's authenticated session survives.
func (p *Pipeline) maybeScheduleTeardown(sess *session.Session, tr transport.Transport) {
	if at, ok := tr.(transport.AutoTeardown); ok && at.AutoTeardown() {
		sess.ScheduleTeardown(teardownDelay)
	}
}
