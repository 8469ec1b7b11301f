// Package gatewayhttp is a transport backend that bridges to a hosted
// browser-automation provider over its REST API. Session credentials
// live on the provider side; this adapter only holds the connection
// state it learns from status polling.
package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gmoralespe/wagateway/internal/model"
	"github.com/gmoralespe/wagateway/internal/transport"
)

var pollInterval = 2 * time.Second

type Backend struct {
	baseURL  string
	tenantID string
	client   *http.Client
	log      *slog.Logger

	mu           sync.Mutex
	state        model.SessionState
	pairingCode  string
	initializing bool
	pollCancel   context.CancelFunc

	events chan transport.Event
}

func New(baseURL, tenantID string, log *slog.Logger) *Backend {
	return &Backend{
		baseURL:  baseURL,
		tenantID: tenantID,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:    log.With("backend", "gateway", "tenant", tenantID),
		state:  model.StateUninitialized,
		events: make(chan transport.Event, 16),
	}
}

type statusResponse struct {
	State       string `json:"state"`
	PairingCode string `json:"pairingCode"`
	Reason      string `json:"reason"`
	Fatal       bool   `json:"fatal"`
}

type sendRequest struct {
	Identifier string `json:"identifier"`
	Text       string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

type lookupResponse struct {
	Identifier string `json:"identifier"`
	Registered bool   `json:"registered"`
}

func (b *Backend) Initialize(ctx context.Context, forceNew bool) error {
	b.mu.Lock()
	if b.initializing {
		b.mu.Unlock()
		return transport.ErrAlreadyInitializing
	}
	b.initializing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.initializing = false
		b.mu.Unlock()
	}()

	body, err := json.Marshal(map[string]any{"forceNew": forceNew})
	if err != nil {
		return err
	}

	resp, err := b.do(ctx, http.MethodPost, b.sessionURL("/connect"), body)
	if err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway connect: unexpected status code: %d body=%q", resp.StatusCode, string(raw))
	}

	b.setState(model.StateConnecting)
	b.startPolling()
	return nil
}

func (b *Backend) SendText(ctx context.Context, identifier, text string) error {
	body, err := json.Marshal(sendRequest{Identifier: identifier, Text: text})
	if err != nil {
		return err
	}

	resp, err := b.do(ctx, http.MethodPost, b.sessionURL("/messages"), body)
	if err != nil {
		return transport.NewSendError(classifyTransportErr(err), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusAccepted:
	case http.StatusServiceUnavailable:
		return transport.NewSendError(transport.KindDisconnected, fmt.Errorf("gateway reports connection closed: %s", string(raw)))
	case http.StatusGatewayTimeout:
		return transport.NewSendError(transport.KindTimeout, fmt.Errorf("gateway send timed out: %s", string(raw)))
	case http.StatusConflict:
		return transport.NewSendError(transport.KindStale, fmt.Errorf("gateway session is stale: %s", string(raw)))
	case http.StatusUnprocessableEntity:
		return transport.NewSendError(transport.KindRejected, fmt.Errorf("provider rejected the message: %s", string(raw)))
	default:
		return transport.NewSendError(transport.KindUnknown, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(raw)))
	}

	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return transport.NewSendError(transport.KindUnknown, fmt.Errorf("failed to decode json: %w body=%q", err, string(raw)))
	}
	if sr.MessageID == "" {
		return transport.NewSendError(transport.KindUnknown, fmt.Errorf("missing messageId in response body=%q", string(raw)))
	}
	return nil
}

// classifyTransportErr maps failures of the HTTP call itself. A gateway
// that cannot be reached at all counts as a closed connection, so the
// run aborts instead of retrying every remaining recipient.
func classifyTransportErr(err error) transport.ErrorKind {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return transport.KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.KindTimeout
	}
	return transport.KindDisconnected
}

func (b *Backend) LookupIdentifier(ctx context.Context, number string) (string, bool, error) {
	lr, err := b.lookup(ctx, number)
	if err != nil {
		return "", false, err
	}
	if lr == nil || lr.Identifier == "" {
		return "", false, nil
	}
	return lr.Identifier, true, nil
}

func (b *Backend) IsRegistered(ctx context.Context, identifier string) (bool, error) {
	lr, err := b.lookup(ctx, identifier)
	if err != nil {
		return false, err
	}
	return lr != nil && lr.Registered, nil
}

func (b *Backend) lookup(ctx context.Context, number string) (*lookupResponse, error) {
	resp, err := b.do(ctx, http.MethodGet, b.sessionURL("/numbers/"+url.PathEscape(number)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(raw))
	}

	var lr lookupResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w body=%q", err, string(raw))
	}
	return &lr, nil
}

func (b *Backend) HealthProbe(ctx context.Context) error {
	st, err := b.fetchStatus(ctx)
	if err != nil {
		return err
	}
	if st.State != string(model.StateReady) {
		return fmt.Errorf("gateway session not connected: %s", st.State)
	}
	return nil
}

func (b *Backend) State() model.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) Events() <-chan transport.Event { return b.events }

func (b *Backend) Close(ctx context.Context) error {
	b.stopPolling()

	resp, err := b.do(ctx, http.MethodDelete, b.sessionURL("/connection"), nil)
	if err != nil {
		b.setState(model.StateDisconnected)
		return fmt.Errorf("gateway disconnect: %w", err)
	}
	defer resp.Body.Close()

	b.setState(model.StateDisconnected)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("gateway disconnect: unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// startPolling watches the provider-side session status and converts
// transitions into transport events.
func (b *Backend) startPolling() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.pollCancel = cancel
	go b.pollLoop(ctx)
}

func (b *Backend) stopPolling() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollCancel != nil {
		b.pollCancel()
		b.pollCancel = nil
	}
}

func (b *Backend) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := b.fetchStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("status poll failed", "error", err)
			continue
		}
		b.apply(ctx, st)
	}
}

func (b *Backend) apply(ctx context.Context, st *statusResponse) {
	next := model.SessionState(st.State)

	b.mu.Lock()
	prev := b.state
	prevCode := b.pairingCode
	b.state = next
	b.pairingCode = st.PairingCode
	b.mu.Unlock()

	switch {
	case next == model.StateAwaitingPairing && st.PairingCode != "" && st.PairingCode != prevCode:
		b.emit(ctx, transport.Event{Type: transport.EventPairingCode, PairingCode: st.PairingCode})
	case next == model.StateReady && prev != model.StateReady:
		b.emit(ctx, transport.Event{Type: transport.EventReady})
	case next == model.StateDisconnected && prev != model.StateDisconnected:
		b.emit(ctx, transport.Event{Type: transport.EventDisconnected, Reason: st.Reason, Fatal: st.Fatal})
	case next == model.StateAuthFailed && prev != model.StateAuthFailed:
		b.emit(ctx, transport.Event{Type: transport.EventAuthFailure, Reason: st.Reason})
	}
}

func (b *Backend) emit(ctx context.Context, ev transport.Event) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}

func (b *Backend) fetchStatus(ctx context.Context) (*statusResponse, error) {
	resp, err := b.do(ctx, http.MethodGet, b.sessionURL(""), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(raw))
	}

	var st statusResponse
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w body=%q", err, string(raw))
	}
	return &st, nil
}

func (b *Backend) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.client.Do(req)
}

func (b *Backend) sessionURL(suffix string) string {
	return fmt.Sprintf("%s/v1/sessions/%s%s", b.baseURL, url.PathEscape(b.tenantID), suffix)
}

func (b *Backend) setState(st model.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = st
}
