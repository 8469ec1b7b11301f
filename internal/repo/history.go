package repo

import (
	"context"

	"github.com/gmoralespe/wagateway/internal/model"
)

// HistoryRepository records bulk-send runs and keeps per-day quota
// bookkeeping for each operator.
type HistoryRepository interface {
	// RecordSend logs one completed run and adds its recipient count to
	// the operator's daily tally.
	RecordSend(ctx context.Context, userID int64, recipientCount int, message string, succeeded bool) error

	// RemainingQuota reports how many messages the operator may still
	// send today. The current day is determined by the store, so the
	// read and the RecordSend tally always agree on day boundaries.
	RemainingQuota(ctx context.Context, userID int64) (int, error)

	// ListHistory returns recorded runs, newest first.
	ListHistory(ctx context.Context, userID int64, limit, offset int) ([]model.HistoryEntry, error)
}
