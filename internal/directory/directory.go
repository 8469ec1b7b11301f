// Package directory verifies operator identity against the central user
// API. The central API's listing endpoint is unreliable in the field, so
// verification degrades from a full-list scan to bounded per-id probing.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// probeCap bounds the per-id fallback scan.
	probeCap = 50
	// probeParallelism bounds concurrent probe requests.
	probeParallelism = 8
)

// User is the central API's view of a person.
type User struct {
	ID        int    `json:"id"`
	DNI       string `json:"dni"`
	FirstName string `json:"nombre"`
	LastName  string `json:"apellido"`
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, token string, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

// VerifyDNI looks a person up by DNI. Strategy 1 scans the full user
// list; when the list endpoint fails, strategy 2 probes individual ids
// up to probeCap. Individual probe failures are tolerated: only a DNI
// that no strategy can find reports found=false.
func (c *Client) VerifyDNI(ctx context.Context, dni string) (*User, bool, error) {
	if dni == "" {
		return nil, false, fmt.Errorf("directory: dni must not be empty")
	}

	u, found, err := c.scanList(ctx, dni)
	if err != nil {
		c.log.Warn("user list scan failed, probing by id", "error", err)
	} else if found {
		return u, true, nil
	}

	u, found = c.probeByID(ctx, dni)
	return u, found, nil
}

func (c *Client) scanList(ctx context.Context, dni string) (*User, bool, error) {
	var users []User
	if err := c.getJSON(ctx, c.baseURL+"/usuarios", &users); err != nil {
		return nil, false, err
	}
	for i := range users {
		if users[i].DNI == dni {
			return &users[i], true, nil
		}
	}
	return nil, false, nil
}

func (c *Client) probeByID(ctx context.Context, dni string) (*User, bool) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		match *User
	)

	g, probeCtx := errgroup.WithContext(probeCtx)
	g.SetLimit(probeParallelism)

	for id := 1; id <= probeCap; id++ {
		g.Go(func() error {
			if probeCtx.Err() != nil {
				return nil
			}
			var u User
			url := fmt.Sprintf("%s/usuarios/%d", c.baseURL, id)
			if err := c.getJSON(probeCtx, url, &u); err != nil {
				// A missing or failing id is not a verification failure.
				return nil
			}
			if u.DNI == dni {
				mu.Lock()
				if match == nil {
					match = &u
				}
				mu.Unlock()
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return match, match != nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return nil
}
