package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/streambet/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, title, entity, metric, target, asset, app_session_id,
	pool_a, pool_b, authority, status, winner, ends_at, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m              domain.Market
		status, winner string
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Entity, &m.Metric, &m.Target, &m.Asset, &m.AppSessionID,
		&m.PoolA, &m.PoolB, &m.Authority, &status, &winner,
		&m.EndsAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Winner = domain.Side(winner)
	return m, nil
}

func collectMarkets(rows pgx.Rows, op string) ([]domain.Market, error) {
	defer rows.Close()
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, title, entity, metric, target, asset, app_session_id,
			pool_a, pool_b, authority, status, winner, ends_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())`

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := m.Status
	if status == "" {
		status = domain.MarketStatusActive
	}

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Title, m.Entity, m.Metric, m.Target, m.Asset, m.AppSessionID,
		m.PoolA, m.PoolB, m.Authority, string(status), string(m.Winner), m.EndsAt, createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListActive returns markets still open for betting, soonest ending first.
func (s *MarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := paginate(
		`SELECT `+marketCols+` FROM markets WHERE status = $1`,
		[]any{string(domain.MarketStatusActive)},
		"ends_at", opts,
	)
	query += " ORDER BY ends_at ASC"
	query, args = limitOffset(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	return collectMarkets(rows, "list active markets")
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// GetExpiredActiveMarkets returns active markets whose end time is at or
// before now.
func (s *MarketStore) GetExpiredActiveMarkets(ctx context.Context, now time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets WHERE status = $1 AND ends_at <= $2 ORDER BY ends_at`,
		string(domain.MarketStatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("postgres: expired markets: %w", err)
	}
	return collectMarkets(rows, "expired markets")
}

// GetMarketsAwaitingResolution returns markets closed for betting.
func (s *MarketStore) GetMarketsAwaitingResolution(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets WHERE status = $1 ORDER BY ends_at`,
		string(domain.MarketStatusClosedForBetting))
	if err != nil {
		return nil, fmt.Errorf("postgres: markets awaiting resolution: %w", err)
	}
	return collectMarkets(rows, "markets awaiting resolution")
}

// GetResolvedUnsettledMarkets returns resolved markets whose session has not
// been closed yet.
func (s *MarketStore) GetResolvedUnsettledMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets WHERE status = $1 ORDER BY ends_at`,
		string(domain.MarketStatusResolved))
	if err != nil {
		return nil, fmt.Errorf("postgres: resolved unsettled markets: %w", err)
	}
	return collectMarkets(rows, "resolved unsettled markets")
}

// UpdateMarketStatus sets a market's status.
func (s *MarketStore) UpdateMarketStatus(ctx context.Context, id string, status domain.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update market %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordResolution inserts the resolution and marks the market resolved in
// one transaction. An existing resolution is left untouched.
func (s *MarketStore) RecordResolution(ctx context.Context, id string, res domain.OracleResolution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: record resolution %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO oracle_resolutions (market_id, metric, target, observed, winner, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id) DO NOTHING`,
		id, res.Metric, res.Target, res.Observed, string(res.Winner), res.ResolvedAt)
	if err != nil {
		return fmt.Errorf("postgres: record resolution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE markets SET winner = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		id, string(res.Winner), string(domain.MarketStatusResolved))
	if err != nil {
		return fmt.Errorf("postgres: record resolution %s: update market: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: record resolution %s: commit: %w", id, err)
	}
	return nil
}

// GetResolution returns the stored resolution for a market.
func (s *MarketStore) GetResolution(ctx context.Context, id string) (domain.OracleResolution, error) {
	var (
		res    domain.OracleResolution
		winner string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT market_id, metric, target, observed, winner, resolved_at
		FROM oracle_resolutions WHERE market_id = $1`, id,
	).Scan(&res.MarketID, &res.Metric, &res.Target, &res.Observed, &winner, &res.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OracleResolution{}, domain.ErrNotFound
		}
		return domain.OracleResolution{}, fmt.Errorf("postgres: get resolution %s: %w", id, err)
	}
	res.Winner = domain.Side(winner)
	return res, nil
}

// paginate appends Since/Until filters on column to a query that already has
// a WHERE clause.
func paginate(query string, args []any, column string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", column, len(args))
	}
	return query, args
}

func limitOffset(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
