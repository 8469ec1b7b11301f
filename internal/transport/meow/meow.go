// Package meow is a transport backend speaking the provider protocol
// directly through whatsmeow. Pairing material lives in a per-tenant
// sqlite container owned by the credential store.
package meow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/gmoralespe/wagateway/internal/credstore"
	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/transport"
)

type Backend struct {
	tenantID string
	creds    *credstore.Store
	log      *slog.Logger

	mu           sync.Mutex
	cli          *whatsmeow.Client
	db           *sql.DB
	state        model.SessionState
	initializing bool
	qrCancel     context.CancelFunc

	events chan transport.Event
}

func New(tenantID string, creds *credstore.Store, log *slog.Logger) *Backend {
	return &Backend{
		tenantID: tenantID,
		creds:    creds,
		log:      log.With("backend", "meow", "tenant", tenantID),
		state:    model.StateUninitialized,
		events:   make(chan transport.Event, 16),
	}
}

func (b *Backend) Initialize(ctx context.Context, forceNew bool) error {
	b.mu.Lock()
	if b.initializing {
		b.mu.Unlock()
		return transport.ErrAlreadyInitializing
	}
	if b.cli != nil && !forceNew && b.cli.IsConnected() {
		b.mu.Unlock()
		return nil
	}
	b.initializing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.initializing = false
		b.mu.Unlock()
	}()

	b.teardownClient()

	dir, err := b.creds.Ensure(b.tenantID)
	if err != nil {
		return err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", filepath.Join(dir, "whatsmeow.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open credential container: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate credential container: %w", err)
	}

	device, err := container.GetFirstDevice()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Noop)
	cli.AddEventHandler(b.handleEvent)

	b.mu.Lock()
	b.cli = cli
	b.db = db
	b.state = model.StateConnecting
	b.mu.Unlock()

	if cli.Store.ID == nil {
		// No stored identity: a pairing code must be scanned.
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("open pairing channel: %w", err)
		}
		b.mu.Lock()
		b.qrCancel = cancel
		b.mu.Unlock()
		go b.watchQR(qrCtx, qrChan)
	}

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (b *Backend) watchQR(ctx context.Context, ch <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				b.setState(model.StateAwaitingPairing)
				b.emit(transport.Event{Type: transport.EventPairingCode, PairingCode: item.Code})
			case "timeout":
				b.setState(model.StateDisconnected)
				b.emit(transport.Event{Type: transport.EventDisconnected, Reason: "pairing code expired"})
			}
		}
	}
}

func (b *Backend) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		b.setState(model.StateReady)
		b.emit(transport.Event{Type: transport.EventReady})

	case *events.Disconnected:
		b.setState(model.StateDisconnected)
		b.emit(transport.Event{Type: transport.EventDisconnected, Reason: "connection dropped"})

	case *events.StreamReplaced:
		// Another client took over this session; reconnecting would
		// steal it back and loop forever.
		b.setState(model.StateDisconnected)
		b.emit(transport.Event{Type: transport.EventDisconnected, Reason: "stream replaced by another client", Fatal: true})

	case *events.LoggedOut:
		b.setState(model.StateAuthFailed)
		b.emit(transport.Event{Type: transport.EventAuthFailure, Reason: fmt.Sprintf("logged out by provider (reason %d)", int(e.Reason))})
	}
}

func (b *Backend) SendText(ctx context.Context, identifier, text string) error {
	cli := b.client()
	if cli == nil || !cli.IsConnected() {
		return transport.NewSendError(transport.KindDisconnected, fmt.Errorf("not connected"))
	}

	jid, err := types.ParseJID(identifier)
	if err != nil {
		return transport.NewSendError(transport.KindRejected, fmt.Errorf("bad identifier %q: %w", identifier, err))
	}

	_, err = cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return transport.NewSendError(classify(err), err)
	}
	return nil
}

// classify maps whatsmeow's error surface onto the transport kinds.
func classify(err error) transport.ErrorKind {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected):
		return transport.KindDisconnected
	case strings.Contains(err.Error(), "timed out"):
		return transport.KindTimeout
	case strings.Contains(err.Error(), "server returned error"):
		return transport.KindRejected
	default:
		return transport.KindUnknown
	}
}

func (b *Backend) LookupIdentifier(ctx context.Context, number string) (string, bool, error) {
	resp, err := b.queryNumber(number)
	if err != nil || resp == nil {
		return "", false, err
	}
	if !resp.IsIn {
		return "", false, nil
	}
	return resp.JID.String(), true, nil
}

func (b *Backend) IsRegistered(ctx context.Context, identifier string) (bool, error) {
	number := identifier
	if at := strings.IndexByte(identifier, '@'); at >= 0 {
		number = identifier[:at]
	}
	resp, err := b.queryNumber(number)
	if err != nil || resp == nil {
		return false, err
	}
	return resp.IsIn, nil
}

func (b *Backend) queryNumber(number string) (*types.IsOnWhatsAppResponse, error) {
	cli := b.client()
	if cli == nil || !cli.IsConnected() {
		return nil, fmt.Errorf("not connected")
	}
	resps, err := cli.IsOnWhatsApp([]string{"+" + number})
	if err != nil {
		return nil, err
	}
	if len(resps) == 0 {
		return nil, nil
	}
	return &resps[0], nil
}

func (b *Backend) HealthProbe(ctx context.Context) error {
	cli := b.client()
	if cli == nil || !cli.IsConnected() {
		return fmt.Errorf("meow: not connected")
	}
	if !cli.IsLoggedIn() {
		return fmt.Errorf("meow: connected but not logged in")
	}
	return nil
}

func (b *Backend) State() model.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) Events() <-chan transport.Event { return b.events }

// Close drops the connection but keeps the credential container, so the
// next Initialize resumes the pairing-free login.
func (b *Backend) Close(ctx context.Context) error {
	b.teardownClient()
	b.setState(model.StateDisconnected)
	b.emit(transport.Event{Type: transport.EventDisconnected, Reason: "manually disconnected", Fatal: true})
	return nil
}

// AutoTeardown asks the pipeline to drop the connection shortly after a
// bulk run finishes.
func (b *Backend) AutoTeardown() bool { return true }

func (b *Backend) client() *whatsmeow.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cli
}

func (b *Backend) teardownClient() {
	b.mu.Lock()
	cli := b.cli
	db := b.db
	qrCancel := b.qrCancel
	b.cli = nil
	b.db = nil
	b.qrCancel = nil
	b.mu.Unlock()

	if qrCancel != nil {
		qrCancel()
	}
	if cli != nil {
		cli.Disconnect()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			b.log.Warn("credential container close failed", "error", err)
		}
	}
}

func (b *Backend) setState(st model.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = st
}

func (b *Backend) emit(ev transport.Event) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn("event dropped, consumer too slow", "type", int(ev.Type))
	}
}
