package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/session"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SessionProtocol tags every market session this service creates.
const SessionProtocol = "streambet/v1"

// Pool and authority weights. The authority alone meets the quorum.
var (
	marketWeights = []int64{0, 0, 100}
	marketQuorum  = int64(100)
)

// Sessions is the session manager surface the service needs.
type Sessions interface {
	CreateSession(ctx context.Context, def domain.SessionDefinition, initial []domain.Allocation) (string, error)
	FetchDefinition(ctx context.Context, id string) (domain.AppSession, error)
	PlaceBet(ctx context.Context, id, from, toPool, asset string, amount *big.Int) (domain.AppSession, error)
}

// Identity exposes the authenticated settlement authority.
type Identity interface {
	Context() (clearnode.AuthContext, error)
}

// BetRecorder counts bet outcomes.
type BetRecorder interface {
	RecordBet(outcome string)
}

// BetLimit bounds bets per bettor.
type BetLimit struct {
	Max    int
	Window time.Duration
}

// MarketDeps bundles the service's collaborators. Cache, Bus, Limiter and
// Recorder may be nil.
type MarketDeps struct {
	Markets  domain.MarketStore
	Sessions Sessions
	Identity Identity
	Cache    domain.MarketCache
	Bus      domain.SignalBus
	Limiter  domain.RateLimiter
	Recorder BetRecorder
}

// CreateMarketRequest describes a new market.
type CreateMarketRequest struct {
	Title  string    `json:"title"`
	Entity string    `json:"entity"`
	Metric string    `json:"metric"`
	Target float64   `json:"target"`
	Asset  string    `json:"asset"`
	EndsAt time.Time `json:"ends_at"`
}

// MarketView is a market with its live session state.
type MarketView struct {
	Market        domain.Market        `json:"market"`
	Odds          session.Odds         `json:"odds"`
	PoolA         string               `json:"pool_a_stake"`
	PoolB         string               `json:"pool_b_stake"`
	Version       uint64               `json:"version"`
	SessionStatus domain.SessionStatus `json:"session_status"`
}

// BetReceipt confirms an accepted bet.
type BetReceipt struct {
	MarketID  string       `json:"market_id"`
	SessionID string       `json:"session_id"`
	Bettor    string       `json:"bettor"`
	Side      domain.Side  `json:"side"`
	Amount    string       `json:"amount"`
	Version   uint64       `json:"version"`
	Odds      session.Odds `json:"odds"`
	PlacedAt  time.Time    `json:"placed_at"`
}

// MarketService creates markets, takes bets and serves market views.
type MarketService struct {
	deps   MarketDeps
	limit  BetLimit
	now    func() time.Time
	logger *slog.Logger
}

// NewMarketService creates a MarketService. A zero limit disables rate
// limiting.
func NewMarketService(deps MarketDeps, limit BetLimit, logger *slog.Logger) *MarketService {
	return &MarketService{
		deps:   deps,
		limit:  limit,
		now:    time.Now,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarket opens an app session with two fresh pool accounts and the
// authenticated identity as settlement authority, then persists the market.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	if err := s.validateCreate(req); err != nil {
		return domain.Market{}, err
	}
	ac, err := s.deps.Identity.Context()
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	poolA, err := newPoolAddress()
	if err != nil {
		return domain.Market{}, err
	}
	poolB, err := newPoolAddress()
	if err != nil {
		return domain.Market{}, err
	}
	authority := ac.Identity.Hex()
	now := s.now().UTC()

	sessionID, err := s.deps.Sessions.CreateSession(ctx, domain.SessionDefinition{
		Protocol:     SessionProtocol,
		Participants: []string{poolA, poolB, authority},
		Weights:      marketWeights,
		Quorum:       marketQuorum,
		Nonce:        uint64(now.UnixMilli()),
	}, []domain.Allocation{
		{Participant: poolA, Asset: req.Asset, Amount: new(big.Int)},
		{Participant: poolB, Asset: req.Asset, Amount: new(big.Int)},
		{Participant: authority, Asset: req.Asset, Amount: new(big.Int)},
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create session: %w", err)
	}

	m := domain.Market{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(req.Title),
		Entity:       strings.TrimSpace(req.Entity),
		Metric:       strings.TrimSpace(req.Metric),
		Target:       req.Target,
		Asset:        req.Asset,
		AppSessionID: sessionID,
		PoolA:        poolA,
		PoolB:        poolB,
		Authority:    authority,
		Status:       domain.MarketStatusActive,
		EndsAt:       req.EndsAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deps.Markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: persist %s: %w", m.ID, err)
	}
	s.cacheSet(ctx, m)
	s.publish(ctx, map[string]any{"event": "market_created", "market_id": m.ID, "session_id": sessionID})

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("session_id", sessionID),
		slog.String("entity", m.Entity),
		slog.String("metric", m.Metric),
		slog.Float64("target", m.Target),
		slog.Time("ends_at", m.EndsAt),
	)
	return m, nil
}

// GetMarket reads through the cache.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	if s.deps.Cache != nil {
		if m, err := s.deps.Cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	m, err := s.deps.Markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	s.cacheSet(ctx, m)
	return m, nil
}

// ListActive returns markets still taking bets.
func (s *MarketService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.deps.Markets.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list active: %w", err)
	}
	return markets, nil
}

// Count returns the number of stored markets.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	n, err := s.deps.Markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return n, nil
}

// View returns the market with its session's stakes and implied odds.
func (s *MarketService) View(ctx context.Context, id string) (MarketView, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return MarketView{}, err
	}
	if m.AppSessionID == "" {
		return MarketView{Market: m, Odds: session.ImpliedOdds(nil, m.PoolA, m.PoolB, m.Asset), PoolA: "0", PoolB: "0"}, nil
	}
	sess, err := s.deps.Sessions.FetchDefinition(ctx, m.AppSessionID)
	if err != nil {
		return MarketView{}, fmt.Errorf("market_service: view %s: %w", id, err)
	}
	return viewOf(m, sess), nil
}

// PlaceBet stakes amount on side for bettor. A version conflict is retried
// once against the refreshed session.
func (s *MarketService) PlaceBet(ctx context.Context, marketID, bettor string, side domain.Side, amount *big.Int) (BetReceipt, error) {
	receipt, err := s.placeBet(ctx, marketID, bettor, side, amount)
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordBet(betOutcome(err))
	}
	return receipt, err
}

func (s *MarketService) placeBet(ctx context.Context, marketID, bettor string, side domain.Side, amount *big.Int) (BetReceipt, error) {
	if !side.Valid() {
		return BetReceipt{}, fmt.Errorf("market_service: side %q: %w", side, domain.ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return BetReceipt{}, fmt.Errorf("market_service: amount must be positive: %w", domain.ErrInvalidInput)
	}
	if !common.IsHexAddress(bettor) {
		return BetReceipt{}, fmt.Errorf("market_service: bettor %q is not an address: %w", bettor, domain.ErrInvalidInput)
	}
	bettor = common.HexToAddress(bettor).Hex()

	if s.deps.Limiter != nil && s.limit.Max > 0 {
		ok, err := s.deps.Limiter.Allow(ctx, "bet:"+bettor, s.limit.Max, s.limit.Window)
		if err != nil {
			s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return BetReceipt{}, fmt.Errorf("market_service: bettor %s: %w", bettor, domain.ErrRateLimited)
		}
	}

	m, err := s.GetMarket(ctx, marketID)
	if err != nil {
		return BetReceipt{}, err
	}
	if !m.OpenForBetting(s.now()) || m.AppSessionID == "" {
		return BetReceipt{}, fmt.Errorf("market_service: market %s: %w", marketID, domain.ErrMarketNotOpen)
	}

	var sess domain.AppSession
	err = session.RetryOnConflict(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.deps.Sessions.PlaceBet(ctx, m.AppSessionID, bettor, m.Pool(side), m.Asset, amount)
		return err
	})
	if err != nil {
		return BetReceipt{}, fmt.Errorf("market_service: bet on %s: %w", marketID, err)
	}

	receipt := BetReceipt{
		MarketID:  m.ID,
		SessionID: m.AppSessionID,
		Bettor:    bettor,
		Side:      side,
		Amount:    amount.String(),
		Version:   sess.Version,
		Odds:      session.ImpliedOdds(sess.Allocations, m.PoolA, m.PoolB, m.Asset),
		PlacedAt:  s.now().UTC(),
	}
	s.publish(ctx, map[string]any{"event": "bet_placed", "receipt": receipt})
	s.logger.InfoContext(ctx, "bet placed",
		slog.String("market_id", m.ID),
		slog.String("bettor", bettor),
		slog.String("side", string(side)),
		slog.String("amount", receipt.Amount),
		slog.Uint64("version", sess.Version),
	)
	return receipt, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (s *MarketService) validateCreate(req CreateMarketRequest) error {
	var problems []string
	if strings.TrimSpace(req.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(req.Entity) == "" {
		problems = append(problems, "entity is required")
	}
	if strings.TrimSpace(req.Metric) == "" {
		problems = append(problems, "metric is required")
	}
	if req.Asset == "" {
		problems = append(problems, "asset is required")
	}
	if !req.EndsAt.After(s.now()) {
		problems = append(problems, "ends_at must be in the future")
	}
	if len(problems) > 0 {
		return fmt.Errorf("market_service: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidInput)
	}
	return nil
}

// newPoolAddress returns a fresh address for a pool participant. Pools hold
// zero weight; their funds move only through the authority, so the key is
// not kept.
func newPoolAddress() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("market_service: generate pool key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}

func viewOf(m domain.Market, sess domain.AppSession) MarketView {
	a, _ := session.BalanceOf(sess.Allocations, m.PoolA, m.Asset)
	b, _ := session.BalanceOf(sess.Allocations, m.PoolB, m.Asset)
	return MarketView{
		Market:        m,
		Odds:          session.ImpliedOdds(sess.Allocations, m.PoolA, m.PoolB, m.Asset),
		PoolA:         a.String(),
		PoolB:         b.String(),
		Version:       sess.Version,
		SessionStatus: sess.Status,
	}
}

func (s *MarketService) cacheSet(ctx context.Context, m domain.Market) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "market cache set failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) publish(ctx context.Context, payload any) {
	if s.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.deps.Bus.Publish(ctx, domain.ChannelBets, data); err != nil {
		s.logger.WarnContext(ctx, "bet signal publish failed", slog.String("error", err.Error()))
	}
}

func betOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrMarketNotOpen),
		errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrNotFound):
		return "rejected"
	case errors.Is(err, domain.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}
