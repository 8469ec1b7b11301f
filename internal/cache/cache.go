package cache

import (
	"context"
	"time"
)

// RunSummary is the cached digest of a tenant's most recent bulk run.
type RunSummary struct {
	RunID      string    `json:"runId"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
	FinishedAt time.Time `json:"finishedAt"`
}

type RunCache interface {
	StoreLastRun(ctx context.Context, tenantID string, s RunSummary) error
	LastRun(ctx context.Context, tenantID string) (*RunSummary, bool, error)
}
