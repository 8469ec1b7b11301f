package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gmoralespe/wagateway/internal/credstore"
	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/personalize"
	"github.com/gmoralespe/wagateway/internal/pipeline"
	"github.com/gmoralespe/wagateway/internal/resolver"
	"github.com/gmoralespe/wagateway/internal/session"
	"github.com/gmoralespe/wagateway/internal/transport"
)

// scriptedTransport is a controllable backend: sendFn decides per call,
// lookups accept everything by default.
type scriptedTransport struct {
	mu         sync.Mutex
	events     chan transport.Event
	sendFn     func(call int, identifier, text string) error
	sendCalls  int
	probeCalls int
	sent       []string
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{events: make(chan transport.Event, 16)}
}

func (s *scriptedTransport) Initialize(ctx context.Context, forceNew bool) error { return nil }

func (s *scriptedTransport) SendText(ctx context.Context, identifier, text string) error {
	s.mu.Lock()
	s.sendCalls++
	call := s.sendCalls
	fn := s.sendFn
	s.mu.Unlock()

	if fn != nil {
		if err := fn(call, identifier, text); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) LookupIdentifier(ctx context.Context, number string) (string, bool, error) {
	return number + "@c.us", true, nil
}

func (s *scriptedTransport) IsRegistered(ctx context.Context, identifier string) (bool, error) {
	return true, nil
}

func (s *scriptedTransport) HealthProbe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeCalls++
	return nil
}

func (s *scriptedTransport) State() model.SessionState { return model.StateReady }

func (s *scriptedTransport) Events() <-chan transport.Event { return s.events }

func (s *scriptedTransport) Close(ctx context.Context) error { return nil }

// fakeClock records every sleep and never actually waits.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// readySession builds a registry-backed session wired to tr and drives
// it to the Ready state.
func readySession(t *testing.T, tr *scriptedTransport) *session.Session {
	t.Helper()

	creds, err := credstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(func(string) (transport.Transport, error) {
		return tr, nil
	}, creds, testLogger())

	s, err := reg.GetOrCreate("tenant")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	tr.events <- transport.Event{Type: transport.EventReady}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == model.StateReady {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never became ready")
	return nil
}

func newPipeline(clock pipeline.Clock) *pipeline.Pipeline {
	return pipeline.New(
		resolver.New(nil, "@c.us"),
		personalize.New(rand.New(rand.NewSource(1))),
		testLogger(),
		pipeline.WithClock(clock),
		pipeline.WithRand(rand.New(rand.NewSource(1))),
	)
}

func TestRun_SingleRecipientHappyPath(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	sess := readySession(t, tr)
	p := newPipeline(newFakeClock())

	res, err := p.Run(context.Background(), sess, []model.Recipient{
		{DisplayName: "Ana", RawNumber: "987654321"},
	}, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(res.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(res.Outcomes))
	}
	o := res.Outcomes[0]
	if !o.Succeeded {
		t.Fatalf("outcome failed: %s", o.ErrorReason)
	}
	if !strings.HasPrefix(o.ResolvedID, "51987654321") {
		t.Fatalf("resolved id %q does not carry the inferred prefix", o.ResolvedID)
	}
	if !strings.Contains(o.SentMessage, "Hola") {
		t.Fatalf("sent message %q lost the template", o.SentMessage)
	}

	emojiCount := 0
	for _, e := range personalize.Emojis() {
		emojiCount += strings.Count(o.SentMessage, e)
	}
	if emojiCount != 1 {
		t.Fatalf("sent message %q carries %d decorations, want exactly 1", o.SentMessage, emojiCount)
	}
	if res.Aborted {
		t.Fatal("single successful send must not abort the run")
	}
}

func TestRun_NotReady(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	creds, err := credstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(func(string) (transport.Transport, error) {
		return tr, nil
	}, creds, testLogger())
	sess, err := reg.GetOrCreate("tenant")
	if err != nil {
		t.Fatal(err)
	}

	p := newPipeline(newFakeClock())
	_, err = p.Run(context.Background(), sess, []model.Recipient{{RawNumber: "987654321"}}, "Hola")
	if !errors.Is(err, pipeline.ErrNotReady) {
		t.Fatalf("Run() error = %v, want ErrNotReady", err)
	}
}

func TestRun_ExhaustedRetriesContinuesToNextRecipient(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.sendFn = func(call int, identifier, text string) error {
		// First recipient: all three attempts fail transiently.
		if call <= 3 {
			return transport.NewSendError(transport.KindTimeout, errors.New("provider timeout"))
		}
		return nil
	}
	sess := readySession(t, tr)
	clock := newFakeClock()
	p := newPipeline(clock)

	res, err := p.Run(context.Background(), sess, []model.Recipient{
		{DisplayName: "Ana", RawNumber: "987654321"},
		{DisplayName: "Luis", RawNumber: "912345678"},
	}, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	if res.Outcomes[0].Succeeded {
		t.Fatal("first outcome should have failed")
	}
	if !strings.Contains(res.Outcomes[0].ErrorReason, "exhausted 3 send attempts") {
		t.Fatalf("error reason %q does not describe exhausted retries", res.Outcomes[0].ErrorReason)
	}
	if !res.Outcomes[1].Succeeded {
		t.Fatalf("second recipient should have succeeded: %s", res.Outcomes[1].ErrorReason)
	}
	if res.Aborted {
		t.Fatal("exhausted retries are a per-item failure, not a run abort")
	}

	// Two transient cooldowns between the three attempts.
	cooldowns := 0
	for _, d := range clock.recorded() {
		if d == 5*time.Second {
			cooldowns++
		}
	}
	if cooldowns != 2 {
		t.Fatalf("transient cooldowns = %d, want 2", cooldowns)
	}
}

func TestRun_StaleConnectionProbesAndBacksOffLonger(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.sendFn = func(call int, identifier, text string) error {
		if call == 1 {
			return transport.NewSendError(transport.KindStale, errors.New("evaluation failed"))
		}
		return nil
	}
	sess := readySession(t, tr)
	clock := newFakeClock()
	p := newPipeline(clock)

	res, err := p.Run(context.Background(), sess, []model.Recipient{
		{DisplayName: "Ana", RawNumber: "987654321"},
	}, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Outcomes[0].Succeeded {
		t.Fatalf("expected recovery after stale error, got %s", res.Outcomes[0].ErrorReason)
	}

	tr.mu.Lock()
	probes := tr.probeCalls
	tr.mu.Unlock()
	if probes != 1 {
		t.Fatalf("health probes = %d, want 1", probes)
	}

	sleeps := clock.recorded()
	if len(sleeps) != 1 || sleeps[0] != 10*time.Second {
		t.Fatalf("stale cooldown sleeps = %v, want one 10s wait", sleeps)
	}
}

func TestRun_ConnectionClosedAbortsRun(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.sendFn = func(call int, identifier, text string) error {
		if call == 2 {
			return transport.NewSendError(transport.KindDisconnected, errors.New("connection closed"))
		}
		return nil
	}
	sess := readySession(t, tr)
	p := newPipeline(newFakeClock())

	recipients := make([]model.Recipient, 5)
	for i := range recipients {
		recipients[i] = model.Recipient{RawNumber: "987654321"}
	}

	res, err := p.Run(context.Background(), sess, recipients, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want exactly 2 (processed before abort)", len(res.Outcomes))
	}
	if !res.Aborted {
		t.Fatal("expected run abort on closed connection")
	}
	if res.Outcomes[1].Succeeded {
		t.Fatal("aborting outcome should be recorded as failed")
	}
}

func TestRun_UnresolvableRecipientIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	sess := readySession(t, tr)
	p := newPipeline(newFakeClock())

	res, err := p.Run(context.Background(), sess, []model.Recipient{
		{DisplayName: "corto", RawNumber: "123"},
		{DisplayName: "Ana", RawNumber: "987654321"},
	}, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	if res.Outcomes[0].Succeeded {
		t.Fatal("invalid number should fail its outcome")
	}
	if !res.Outcomes[1].Succeeded {
		t.Fatal("run should continue past an unresolvable recipient")
	}
	if res.Aborted {
		t.Fatal("unresolvable recipient must not abort the run")
	}
}

func TestRun_PacingTiers(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	sess := readySession(t, tr)
	clock := newFakeClock()
	p := newPipeline(clock)

	recipients := make([]model.Recipient, 51)
	for i := range recipients {
		recipients[i] = model.Recipient{RawNumber: "987654321"}
	}

	res, err := p.Run(context.Background(), sess, recipients, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Outcomes) != 51 {
		t.Fatalf("outcomes = %d, want 51", len(res.Outcomes))
	}

	sleeps := clock.recorded()
	if len(sleeps) != 50 {
		t.Fatalf("inter-message delays = %d, want 50 (none after the last)", len(sleeps))
	}

	for i, d := range sleeps {
		position := i + 1
		switch {
		case position%50 == 0:
			if d != 5*time.Minute {
				t.Errorf("delay after message %d = %v, want 5m", position, d)
			}
		case position%25 == 0:
			if d != 2*time.Minute {
				t.Errorf("delay after message %d = %v, want 2m", position, d)
			}
		case position%10 == 0:
			if d != time.Minute {
				t.Errorf("delay after message %d = %v, want 1m", position, d)
			}
		default:
			if d < 8*time.Second || d > 15*time.Second {
				t.Errorf("delay after message %d = %v, want within [8s,15s]", position, d)
			}
		}
	}
}

func TestRun_ReleasesSendLock(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	sess := readySession(t, tr)
	p := newPipeline(newFakeClock())

	for i := 0; i < 2; i++ {
		res, err := p.Run(context.Background(), sess, []model.Recipient{
			{RawNumber: "987654321"},
		}, "Hola")
		if err != nil {
			t.Fatalf("run %d error: %v", i+1, err)
		}
		if !res.Outcomes[0].Succeeded {
			t.Fatalf("run %d failed: %s", i+1, res.Outcomes[0].ErrorReason)
		}
	}
}

func TestRun_CancellationStopsBeforeNextPacingDelay(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	sess := readySession(t, tr)
	clock := newFakeClock()
	p := newPipeline(clock)

	ctx, cancel := context.WithCancel(context.Background())
	tr.sendFn = func(call int, identifier, text string) error {
		if call == 2 {
			// Cancel while the second item is mid-send: its outcome must
			// still be recorded.
			cancel()
		}
		return nil
	}

	recipients := make([]model.Recipient, 4)
	for i := range recipients {
		recipients[i] = model.Recipient{RawNumber: "987654321"}
	}

	res, err := p.Run(ctx, sess, recipients, "Hola")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2 (current item finishes, then stop)", len(res.Outcomes))
	}
	if !res.Outcomes[1].Succeeded {
		t.Fatal("mid-cancel item should finish recording its success")
	}
	if !res.Aborted {
		t.Fatal("canceled run must be flagged aborted")
	}
}
