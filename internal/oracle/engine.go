// Package oracle settles expired markets. A cycle runs three ordered phases:
// expire closes markets for betting once their end time passes, resolve asks
// the metric source for the observed value and records a winner, and
// distribute closes the market's app session with the whole pot routed to the
// winning pool.
//
// Every phase handles each market independently. A market that fails is
// logged and retried on the next cycle; it never blocks the others.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
)

// Phase names, used in logs, metrics and reports.
const (
	PhaseExpire     = "expire"
	PhaseResolve    = "resolve"
	PhaseDistribute = "distribute"
)

// Notification event types.
const (
	EventMarketResolved = "market_resolved"
	EventMarketSettled  = "market_settled"
	EventCycleErrors    = "oracle_errors"
)

// DefaultLockKey is the distributed lock held for the duration of a cycle.
const DefaultLockKey = "oracle:cycle"

// DecideWinner applies the settlement rule: side A wins when observed reaches
// the target.
func DecideWinner(observed, target float64) domain.Side {
	if observed >= target {
		return domain.SideA
	}
	return domain.SideB
}

// Sessions is the part of the session manager the engine drives.
type Sessions interface {
	FetchDefinition(ctx context.Context, id string) (domain.AppSession, error)
	CloseSession(ctx context.Context, id string, finals []domain.Allocation) (domain.AppSession, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Recorder receives per-market phase outcomes ("ok", "skipped", "error") and
// cycle durations.
type Recorder interface {
	ObservePhase(phase, outcome string)
	ObserveCycle(elapsed time.Duration, failed bool)
}

// Options carries the engine's optional collaborators. Every field may be
// left zero.
type Options struct {
	Lock     domain.LockManager
	LockKey  string
	LockTTL  time.Duration
	Archive  domain.ResolutionArchive
	Cache    domain.MarketCache
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Notifier Notifier
	Recorder Recorder
	Now      func() time.Time
}

// Report summarizes one cycle.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Expired   int           `json:"expired"`
	Resolved  int           `json:"resolved"`
	Settled   int           `json:"settled"`
	Skipped   int           `json:"skipped"`
	Failures  []Failure     `json:"failures,omitempty"`
}

// Failure is one market that could not advance in a phase.
type Failure struct {
	Phase    string `json:"phase"`
	MarketID string `json:"market_id,omitempty"`
	Error    string `json:"error"`
}

// Signal is the payload published on domain.ChannelOracle.
type Signal struct {
	Event     string      `json:"event"`
	MarketID  string      `json:"market_id"`
	SessionID string      `json:"session_id,omitempty"`
	Winner    domain.Side `json:"winner,omitempty"`
	Observed  float64     `json:"observed,omitempty"`
	At        time.Time   `json:"at"`
}

// Engine runs settlement cycles.
type Engine struct {
	markets  domain.MarketStore
	source   domain.MetricSource
	sessions Sessions
	opts     Options
	logger   *slog.Logger

	// running guards against overlapping cycles inside one process; the
	// distributed lock covers other replicas.
	running sync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(markets domain.MarketStore, source domain.MetricSource, sessions Sessions, opts Options, logger *slog.Logger) *Engine {
	if opts.LockKey == "" {
		opts.LockKey = DefaultLockKey
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		markets:  markets,
		source:   source,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With(slog.String("component", "oracle")),
	}
}

// RunCycle runs expire, resolve and distribute in order. Per-market failures
// are collected in the report. The returned error is non-nil only when the
// cycle could not start at all, e.g. because another replica holds the lock.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	if !e.running.TryLock() {
		return Report{}, fmt.Errorf("oracle: cycle already running: %w", domain.ErrLockHeld)
	}
	defer e.running.Unlock()

	if e.opts.Lock != nil {
		unlock, err := e.opts.Lock.Acquire(ctx, e.opts.LockKey, e.opts.LockTTL)
		if err != nil {
			return Report{}, fmt.Errorf("oracle: acquire %s: %w", e.opts.LockKey, err)
		}
		defer unlock()
	}

	r := Report{StartedAt: e.opts.Now()}
	start := time.Now()

	e.expire(ctx, &r)
	e.resolve(ctx, &r)
	e.distribute(ctx, &r)

	r.Elapsed = time.Since(start)
	if e.opts.Recorder != nil {
		e.opts.Recorder.ObserveCycle(r.Elapsed, len(r.Failures) > 0)
	}

	attrs := []any{
		slog.Int("expired", r.Expired),
		slog.Int("resolved", r.Resolved),
		slog.Int("settled", r.Settled),
		slog.Int("skipped", r.Skipped),
		slog.Int("failures", len(r.Failures)),
		slog.Duration("elapsed", r.Elapsed),
	}
	if len(r.Failures) > 0 {
		e.logger.WarnContext(ctx, "oracle cycle finished with failures", attrs...)
		e.notify(ctx, EventCycleErrors, "Oracle cycle errors",
			fmt.Sprintf("%d market(s) failed; first: %s %s: %s",
				len(r.Failures), r.Failures[0].Phase, r.Failures[0].MarketID, r.Failures[0].Error))
	} else {
		e.logger.InfoContext(ctx, "oracle cycle finished", attrs...)
	}
	return r, nil
}

// Expire marks every active market past its end time as closed for betting.
func (e *Engine) Expire(ctx context.Context) Report {
	var r Report
	e.expire(ctx, &r)
	return r
}

// Resolve records a winner for every market closed for betting.
func (e *Engine) Resolve(ctx context.Context) Report {
	var r Report
	e.resolve(ctx, &r)
	return r
}

// Distribute closes the session of every resolved market.
func (e *Engine) Distribute(ctx context.Context) Report {
	var r Report
	e.distribute(ctx, &r)
	return r
}

// --------------------------------------------------------------------------
// Phases
// --------------------------------------------------------------------------

func (e *Engine) expire(ctx context.Context, r *Report) {
	markets, err := e.markets.GetExpiredActiveMarkets(ctx, e.opts.Now())
	if err != nil {
		e.fail(ctx, r, PhaseExpire, "", err)
		return
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return
		}
		if err := e.markets.UpdateMarketStatus(ctx, m.ID, domain.MarketStatusClosedForBetting); err != nil {
			e.fail(ctx, r, PhaseExpire, m.ID, err)
			continue
		}
		e.invalidate(ctx, m.ID)
		r.Expired++
		e.observe(PhaseExpire, "ok")
		e.logger.InfoContext(ctx, "market closed for betting",
			slog.String("market_id", m.ID),
			slog.Time("ends_at", m.EndsAt),
		)
	}
}

func (e *Engine) resolve(ctx context.Context, r *Report) {
	markets, err := e.markets.GetMarketsAwaitingResolution(ctx)
	if err != nil {
		e.fail(ctx, r, PhaseResolve, "", err)
		return
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return
		}
		res, err := e.resolveOne(ctx, m)
		switch {
		case errors.Is(err, domain.ErrMetricUnavailable):
			r.Skipped++
			e.observe(PhaseResolve, "skipped")
			e.logger.WarnContext(ctx, "metric unavailable, retrying next cycle",
				slog.String("market_id", m.ID),
				slog.String("entity", m.Entity),
				slog.String("metric", m.Metric),
			)
		case err != nil:
			e.fail(ctx, r, PhaseResolve, m.ID, err)
		case res != nil:
			r.Resolved++
			e.observe(PhaseResolve, "ok")
			e.announceResolution(ctx, m, *res)
		}
	}
}

// resolveOne returns nil, nil when the market already has a resolution.
func (e *Engine) resolveOne(ctx context.Context, m domain.Market) (*domain.OracleResolution, error) {
	if _, err := e.markets.GetResolution(ctx, m.ID); err == nil {
		// Only the status update failed last time.
		if err := e.markets.UpdateMarketStatus(ctx, m.ID, domain.MarketStatusResolved); err != nil {
			return nil, err
		}
		e.invalidate(ctx, m.ID)
		return nil, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	observed, err := e.source.GetMetricValue(ctx, m.Entity, m.Metric)
	if err != nil {
		return nil, err
	}

	res := domain.OracleResolution{
		MarketID:   m.ID,
		Metric:     m.Metric,
		Target:     m.Target,
		Observed:   observed,
		Winner:     DecideWinner(observed, m.Target),
		ResolvedAt: e.opts.Now().UTC(),
	}
	if err := e.markets.RecordResolution(ctx, m.ID, res); err != nil {
		return nil, err
	}
	e.invalidate(ctx, m.ID)
	// A concurrent writer may have won; report what is stored.
	if stored, err := e.markets.GetResolution(ctx, m.ID); err == nil {
		res = stored
	}
	return &res, nil
}

func (e *Engine) distribute(ctx context.Context, r *Report) {
	markets, err := e.markets.GetResolvedUnsettledMarkets(ctx)
	if err != nil {
		e.fail(ctx, r, PhaseDistribute, "", err)
		return
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return
		}
		if m.AppSessionID == "" {
			r.Skipped++
			e.observe(PhaseDistribute, "skipped")
			continue
		}
		if err := e.settleOne(ctx, m); err != nil {
			e.fail(ctx, r, PhaseDistribute, m.ID, err)
			continue
		}
		r.Settled++
		e.observe(PhaseDistribute, "ok")
	}
}

func (e *Engine) settleOne(ctx context.Context, m domain.Market) error {
	if !m.Winner.Valid() {
		return fmt.Errorf("oracle: market %s has no winner", m.ID)
	}

	sess, err := e.sessions.FetchDefinition(ctx, m.AppSessionID)
	if err != nil {
		return err
	}

	closed := sess
	if sess.Closed() {
		e.logger.InfoContext(ctx, "session already closed, marking settled",
			slog.String("market_id", m.ID),
			slog.String("session_id", m.AppSessionID),
		)
	} else {
		finals := Payout(sess.Allocations, m)
		closed, err = e.sessions.CloseSession(ctx, m.AppSessionID, finals)
		if errors.Is(err, domain.ErrSessionClosed) {
			// Closed between fetch and close.
			err = nil
		}
		if err != nil {
			return err
		}
	}

	if err := e.markets.UpdateMarketStatus(ctx, m.ID, domain.MarketStatusSettled); err != nil {
		return err
	}
	e.invalidate(ctx, m.ID)

	e.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", m.ID),
		slog.String("session_id", m.AppSessionID),
		slog.String("winner", string(m.Winner)),
		slog.Uint64("version", closed.Version),
	)
	e.announceSettlement(ctx, m, closed)
	return nil
}

// Payout computes the final allocation set for m's session: per asset, the
// balances of both pools and the authority go to the winning pool, and every
// other participant keeps its entry unchanged.
func Payout(current []domain.Allocation, m domain.Market) []domain.Allocation {
	winner := m.Pool(m.Winner)
	pot := make(map[string]*big.Int)
	var order []string

	finals := make([]domain.Allocation, 0, len(current))
	for _, a := range current {
		c := a.Clone()
		if isHouse(m, a.Participant) {
			if pot[a.Asset] == nil {
				pot[a.Asset] = new(big.Int)
				order = append(order, a.Asset)
			}
			pot[a.Asset].Add(pot[a.Asset], c.Amount)
			c.Amount = new(big.Int)
		}
		finals = append(finals, c)
	}

	for _, asset := range order {
		placed := false
		for i := range finals {
			if finals[i].Asset == asset && domain.SameAddress(finals[i].Participant, winner) {
				finals[i].Amount = new(big.Int).Set(pot[asset])
				placed = true
				break
			}
		}
		if !placed {
			finals = append(finals, domain.Allocation{Participant: winner, Asset: asset, Amount: new(big.Int).Set(pot[asset])})
		}
	}
	return finals
}

func isHouse(m domain.Market, participant string) bool {
	return domain.SameAddress(participant, m.PoolA) ||
		domain.SameAddress(participant, m.PoolB) ||
		domain.SameAddress(participant, m.Authority)
}

// --------------------------------------------------------------------------
// Side effects
// --------------------------------------------------------------------------

func (e *Engine) announceResolution(ctx context.Context, m domain.Market, res domain.OracleResolution) {
	e.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", m.ID),
		slog.String("metric", res.Metric),
		slog.Float64("target", res.Target),
		slog.Float64("observed", res.Observed),
		slog.String("winner", string(res.Winner)),
	)

	if e.opts.Archive != nil {
		if err := e.opts.Archive.Archive(ctx, res); err != nil {
			e.logger.WarnContext(ctx, "resolution archive failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.audit(ctx, EventMarketResolved, map[string]any{
		"market_id": m.ID,
		"metric":    res.Metric,
		"target":    res.Target,
		"observed":  res.Observed,
		"winner":    string(res.Winner),
	})
	e.signal(ctx, Signal{Event: EventMarketResolved, MarketID: m.ID, Winner: res.Winner, Observed: res.Observed, At: res.ResolvedAt})
	e.notify(ctx, EventMarketResolved, "Market resolved",
		fmt.Sprintf("%s: %s observed %.2f vs target %.2f, side %s wins", m.Title, res.Metric, res.Observed, res.Target, res.Winner))
}

func (e *Engine) announceSettlement(ctx context.Context, m domain.Market, sess domain.AppSession) {
	e.audit(ctx, EventMarketSettled, map[string]any{
		"market_id":  m.ID,
		"session_id": m.AppSessionID,
		"winner":     string(m.Winner),
		"version":    sess.Version,
	})
	e.signal(ctx, Signal{Event: EventMarketSettled, MarketID: m.ID, SessionID: m.AppSessionID, Winner: m.Winner, At: e.opts.Now().UTC()})
	e.notify(ctx, EventMarketSettled, "Market settled",
		fmt.Sprintf("%s: pot paid to side %s (session %s)", m.Title, m.Winner, m.AppSessionID))
}

func (e *Engine) audit(ctx context.Context, event string, detail map[string]any) {
	if e.opts.Audit == nil {
		return
	}
	if err := e.opts.Audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (e *Engine) signal(ctx context.Context, s Signal) {
	if e.opts.Bus == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := e.opts.Bus.Publish(ctx, domain.ChannelOracle, payload); err != nil {
		e.logger.WarnContext(ctx, "signal publish failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.opts.Notifier == nil {
		return
	}
	if err := e.opts.Notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (e *Engine) fail(ctx context.Context, r *Report, phase, marketID string, err error) {
	r.Failures = append(r.Failures, Failure{Phase: phase, MarketID: marketID, Error: err.Error()})
	e.observe(phase, "error")
	e.logger.ErrorContext(ctx, "oracle phase failed",
		slog.String("phase", phase),
		slog.String("market_id", marketID),
		slog.String("error", err.Error()),
	)
}

// invalidate drops the API's cached copy of a market whose status changed.
func (e *Engine) invalidate(ctx context.Context, id string) {
	if e.opts.Cache == nil {
		return
	}
	if err := e.opts.Cache.Invalidate(ctx, id); err != nil {
		e.logger.WarnContext(ctx, "market cache invalidation failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) observe(phase, outcome string) {
	if e.opts.Recorder != nil {
		e.opts.Recorder.ObservePhase(phase, outcome)
	}
}
