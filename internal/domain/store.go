package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market records and their resolutions. The settlement
// engine only relies on the phase queries and the two mutators; the rest
// serves the API.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)

	GetExpiredActiveMarkets(ctx context.Context, now time.Time) ([]Market, error)
	GetMarketsAwaitingResolution(ctx context.Context) ([]Market, error)
	GetResolvedUnsettledMarkets(ctx context.Context) ([]Market, error)
	UpdateMarketStatus(ctx context.Context, id string, status MarketStatus) error

	// RecordResolution stores res and moves the market to resolved with its
	// winner set. A second call for the same market is a no-op and must not
	// change the winner.
	RecordResolution(ctx context.Context, id string, res OracleResolution) error
	GetResolution(ctx context.Context, id string) (OracleResolution, error)
}

// MetricSource supplies the ground-truth value used to resolve a market. It
// returns ErrMetricUnavailable when the entity or metric cannot be resolved.
type MetricSource interface {
	GetMetricValue(ctx context.Context, entity, metric string) (float64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
