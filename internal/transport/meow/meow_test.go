package meow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"go.mau.fi/whatsmeow"

	"github.com/gmoralespe/wagateway/internal/credstore"
	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/transport"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	creds, err := credstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("tenant-1", creds, log)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want transport.ErrorKind
	}{
		{"not connected", whatsmeow.ErrNotConnected, transport.KindDisconnected},
		{"wrapped not connected", fmt.Errorf("send: %w", whatsmeow.ErrNotConnected), transport.KindDisconnected},
		{"timeout", fmt.Errorf("info query timed out"), transport.KindTimeout},
		{"server rejection", fmt.Errorf("server returned error 403"), transport.KindRejected},
		{"anything else", fmt.Errorf("boom"), transport.KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackend_StartsUninitialized(t *testing.T) {
	b := newTestBackend(t)

	if got := b.State(); got != model.StateUninitialized {
		t.Fatalf("fresh backend state = %s, want uninitialized", got)
	}
	if !b.AutoTeardown() {
		t.Fatal("expected AutoTeardown to be enabled")
	}
}

func TestBackend_GuardsWhenDisconnected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	err := b.SendText(ctx, "51987654321@s.whatsapp.net", "hola")
	if err == nil {
		t.Fatal("expected error from SendText without a connection")
	}
	if kind := transport.KindOf(err); kind != transport.KindDisconnected {
		t.Fatalf("SendText kind = %s, want disconnected", kind)
	}

	if err := b.HealthProbe(ctx); err == nil {
		t.Fatal("expected health probe failure without a connection")
	}
	if _, _, err := b.LookupIdentifier(ctx, "51987654321"); err == nil {
		t.Fatal("expected lookup failure without a connection")
	}
	if _, err := b.IsRegistered(ctx, "51987654321@s.whatsapp.net"); err == nil {
		t.Fatal("expected registration check failure without a connection")
	}
}
