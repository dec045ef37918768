// Package session manages app sessions on the coordinator: creation,
// deposits, bets and the final close, enforcing the allocation rules locally
// before anything is submitted.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/domain"
)

// Coordinator is the authenticated RPC surface the manager needs.
// *clearnode.Client implements it.
type Coordinator interface {
	Context() (clearnode.AuthContext, error)
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Manager issues session mutations. Mutations on one session are serialized
// within a Manager; races with other clients surface as
// domain.ErrVersionConflict.
type Manager struct {
	rpc    Coordinator
	events *clearnode.Broadcaster
	logger *slog.Logger
	locks  keyedMutex
}

// NewManager creates a Manager. events may be nil.
func NewManager(rpc Coordinator, events *clearnode.Broadcaster, logger *slog.Logger) *Manager {
	return &Manager{
		rpc:    rpc,
		events: events,
		logger: logger.With(slog.String("component", "session_manager")),
		locks:  keyedMutex{locks: make(map[string]*refLock)},
	}
}

// CreateSession opens a new session at version 1 and returns its id.
func (m *Manager) CreateSession(ctx context.Context, def domain.SessionDefinition, initial []domain.Allocation) (string, error) {
	if _, err := m.rpc.Context(); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	if err := ValidateDefinition(def); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	if err := checkNonNegative(initial); err != nil {
		return "", err
	}
	if def.Nonce == 0 {
		def.Nonce = uint64(time.Now().UnixNano())
	}

	raw, err := m.rpc.Call(ctx, clearnode.MethodCreateAppSession, clearnode.CreateAppSessionParams{
		Definition: clearnode.WireDefinition{
			Protocol:     def.Protocol,
			Participants: def.Participants,
			Weights:      def.Weights,
			Quorum:       def.Quorum,
			Challenge:    def.Challenge,
			Nonce:        def.Nonce,
		},
		Allocations: toWire(initial),
	})
	if err != nil {
		return "", fmt.Errorf("session: create: %w", classify(err))
	}

	var res clearnode.AppSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("session: create: decode result: %w", err)
	}
	if res.AppSessionID == "" {
		return "", fmt.Errorf("session: create: %w", &domain.RemoteError{Method: clearnode.MethodCreateAppSession, Message: "no session id returned"})
	}

	m.publish(res)
	m.logger.InfoContext(ctx, "app session created",
		slog.String("session_id", res.AppSessionID),
		slog.Int("participants", len(def.Participants)),
		slog.Int64("quorum", def.Quorum),
	)
	return res.AppSessionID, nil
}

// FetchDefinition returns the coordinator's current view of the session.
func (m *Manager) FetchDefinition(ctx context.Context, id string) (domain.AppSession, error) {
	if _, err := m.rpc.Context(); err != nil {
		return domain.AppSession{}, fmt.Errorf("session: fetch %s: %w", id, err)
	}
	return m.fetch(ctx, id)
}

// Deposit adds amount of asset to participant's allocation. Participants of
// the definition without an entry are added at zero.
func (m *Manager) Deposit(ctx context.Context, id, participant, asset string, amount *big.Int) (domain.AppSession, error) {
	if err := positive(amount); err != nil {
		return domain.AppSession{}, err
	}
	if _, err := m.rpc.Context(); err != nil {
		return domain.AppSession{}, fmt.Errorf("session: deposit: %w", err)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.fetchOpen(ctx, id)
	if err != nil {
		return domain.AppSession{}, err
	}

	next := complete(sess.Allocations, sess.Definition.Participants, asset)
	next = credit(next, participant, asset, amount)
	if err := CheckDeposit(sess.Allocations, next); err != nil {
		return domain.AppSession{}, err
	}
	return m.submit(ctx, sess, domain.IntentDeposit, next)
}

// PlaceBet moves amount of asset from a bettor to a pool. A bettor with no
// allocation joins by funding the bet directly: the stake is deposited
// straight into the pool and the bettor is registered at zero, all in one
// version.
func (m *Manager) PlaceBet(ctx context.Context, id, from, toPool, asset string, amount *big.Int) (domain.AppSession, error) {
	if err := positive(amount); err != nil {
		return domain.AppSession{}, err
	}
	if _, err := m.rpc.Context(); err != nil {
		return domain.AppSession{}, fmt.Errorf("session: bet: %w", err)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.fetchOpen(ctx, id)
	if err != nil {
		return domain.AppSession{}, err
	}
	return m.placeBet(ctx, sess, from, toPool, asset, amount)
}

func (m *Manager) placeBet(ctx context.Context, sess domain.AppSession, from, toPool, asset string, amount *big.Int) (domain.AppSession, error) {
	if !hasParticipant(sess.Definition, toPool) {
		return domain.AppSession{}, fmt.Errorf("session: bet: %s is not a pool of %s: %w", toPool, sess.ID, domain.ErrInvalidInput)
	}

	balance, joined := BalanceOf(sess.Allocations, from, asset)
	if !joined {
		next := complete(sess.Allocations, sess.Definition.Participants, asset)
		next = credit(next, toPool, asset, amount)
		next = credit(next, from, asset, new(big.Int))
		if err := CheckDeposit(sess.Allocations, next); err != nil {
			return domain.AppSession{}, err
		}
		return m.submit(ctx, sess, domain.IntentDeposit, next)
	}

	if balance.Cmp(amount) < 0 {
		return domain.AppSession{}, fmt.Errorf("session: bet: %s holds %s, needs %s: %w", from, balance, amount, domain.ErrInsufficientBalance)
	}

	next := cloneAll(sess.Allocations)
	next = credit(next, from, asset, new(big.Int).Neg(amount))
	next = credit(next, toPool, asset, amount)
	if err := CheckOperate(sess.Allocations, next); err != nil {
		return domain.AppSession{}, err
	}
	return m.submit(ctx, sess, domain.IntentOperate, next)
}

// CloseSession finalizes the session with finals. Only an identity whose
// weight meets the quorum may close. A session holding no funds closes with
// its zero set mirrored; finals must then be empty or all zero.
func (m *Manager) CloseSession(ctx context.Context, id string, finals []domain.Allocation) (domain.AppSession, error) {
	ac, err := m.rpc.Context()
	if err != nil {
		return domain.AppSession{}, fmt.Errorf("session: close: %w", err)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.fetchOpen(ctx, id)
	if err != nil {
		return domain.AppSession{}, err
	}
	if sess.Definition.Weight(ac.Identity.Hex()) < sess.Definition.Quorum {
		return domain.AppSession{}, fmt.Errorf("session: close %s as %s: %w", id, ac.Identity.Hex(), domain.ErrNotAuthority)
	}
	if err := checkNonNegative(finals); err != nil {
		return domain.AppSession{}, err
	}

	if isZero(sess.Allocations) {
		if !isZero(finals) {
			return domain.AppSession{}, fmt.Errorf("session: close %s: session holds no funds: %w", id, domain.ErrAllocationMismatch)
		}
		finals = mirrorZero(sess.Allocations)
	} else if err := CheckClose(sess.Allocations, finals); err != nil {
		return domain.AppSession{}, err
	}

	raw, err := m.rpc.Call(ctx, clearnode.MethodCloseAppSession, clearnode.CloseAppSessionParams{
		AppSessionID: id,
		Version:      sess.Version + 1,
		Allocations:  toWire(finals),
	})
	if err != nil {
		return domain.AppSession{}, fmt.Errorf("session: close %s: %w", id, classify(err))
	}
	res, err := decodeResult(raw)
	if err != nil {
		return domain.AppSession{}, err
	}

	m.publish(res)
	m.logger.InfoContext(ctx, "app session closed",
		slog.String("session_id", id),
		slog.Uint64("version", res.Version),
	)

	sess.Version = res.Version
	sess.Status = domain.SessionClosed
	sess.Allocations = cloneAll(finals)
	return sess, nil
}

// RetryOnConflict runs fn and, if it fails with a version conflict, runs it
// once more. fn must refetch the session itself.
func RetryOnConflict(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if !errors.Is(err, domain.ErrVersionConflict) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn(ctx)
}

// ValidateDefinition checks the structural rules of a definition.
func ValidateDefinition(def domain.SessionDefinition) error {
	if len(def.Participants) == 0 {
		return fmt.Errorf("no participants: %w", domain.ErrInvalidDefinition)
	}
	if len(def.Weights) != len(def.Participants) {
		return fmt.Errorf("%d weights for %d participants: %w", len(def.Weights), len(def.Participants), domain.ErrInvalidDefinition)
	}
	var sum int64
	for _, w := range def.Weights {
		if w < 0 {
			return fmt.Errorf("negative weight: %w", domain.ErrInvalidDefinition)
		}
		sum += w
	}
	if def.Quorum <= 0 || def.Quorum > sum {
		return fmt.Errorf("quorum %d outside (0, %d]: %w", def.Quorum, sum, domain.ErrInvalidDefinition)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (m *Manager) fetch(ctx context.Context, id string) (domain.AppSession, error) {
	raw, err := m.rpc.Call(ctx, clearnode.MethodGetAppSession, clearnode.AppSessionRef{AppSessionID: id})
	if err != nil {
		return domain.AppSession{}, fmt.Errorf("session: fetch %s: %w", id, classify(err))
	}
	var info clearnode.AppSessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return domain.AppSession{}, fmt.Errorf("session: fetch %s: decode: %w", id, err)
	}
	return sessionFromWire(info)
}

func (m *Manager) fetchOpen(ctx context.Context, id string) (domain.AppSession, error) {
	sess, err := m.fetch(ctx, id)
	if err != nil {
		return domain.AppSession{}, err
	}
	if sess.Closed() {
		return domain.AppSession{}, fmt.Errorf("session: %s: %w", id, domain.ErrSessionClosed)
	}
	return sess, nil
}

func (m *Manager) submit(ctx context.Context, sess domain.AppSession, intent domain.Intent, next []domain.Allocation) (domain.AppSession, error) {
	raw, err := m.rpc.Call(ctx, clearnode.MethodSubmitAppState, clearnode.SubmitAppStateParams{
		AppSessionID: sess.ID,
		Intent:       string(intent),
		Version:      sess.Version + 1,
		Allocations:  toWire(next),
	})
	if err != nil {
		return domain.AppSession{}, fmt.Errorf("session: %s %s at v%d: %w", intent, sess.ID, sess.Version+1, classify(err))
	}
	res, err := decodeResult(raw)
	if err != nil {
		return domain.AppSession{}, err
	}
	if res.Version != sess.Version+1 {
		m.logger.WarnContext(ctx, "coordinator skipped a version",
			slog.String("session_id", sess.ID),
			slog.Uint64("submitted", sess.Version+1),
			slog.Uint64("accepted", res.Version),
		)
	}

	m.publish(res)
	m.logger.DebugContext(ctx, "app state submitted",
		slog.String("session_id", sess.ID),
		slog.String("intent", string(intent)),
		slog.Uint64("version", res.Version),
	)

	sess.Version = res.Version
	sess.Status = domain.SessionStatus(res.Status)
	sess.Allocations = next
	return sess, nil
}

func (m *Manager) publish(res clearnode.AppSessionResult) {
	if m.events == nil {
		return
	}
	m.events.Publish(clearnode.Event{
		Kind:          clearnode.EventSession,
		SessionID:     res.AppSessionID,
		Version:       res.Version,
		SessionStatus: res.Status,
	})
}

func decodeResult(raw json.RawMessage) (clearnode.AppSessionResult, error) {
	var res clearnode.AppSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("session: decode result: %w", err)
	}
	return res, nil
}

// classify tags a coordinator rejection with the matching domain sentinel
// while keeping the RemoteError reachable through errors.As.
func classify(err error) error {
	var re *domain.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	msg := strings.ToLower(re.Message)
	switch {
	// Closed is terminal and outranks any version mention.
	case strings.Contains(msg, "closed"):
		return fmt.Errorf("%w: %w", domain.ErrSessionClosed, err)
	case strings.Contains(msg, "version"):
		return fmt.Errorf("%w: %w", domain.ErrVersionConflict, err)
	case strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case strings.Contains(msg, "quorum"):
		return fmt.Errorf("%w: %w", domain.ErrNotAuthority, err)
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "negative"):
		return fmt.Errorf("%w: %w", domain.ErrInsufficientBalance, err)
	case strings.Contains(msg, "mismatch"):
		return fmt.Errorf("%w: %w", domain.ErrAllocationMismatch, err)
	case strings.Contains(msg, "definition"):
		return fmt.Errorf("%w: %w", domain.ErrInvalidDefinition, err)
	}
	return err
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("session: amount must be positive: %w", domain.ErrInvalidInput)
	}
	return nil
}

func hasParticipant(def domain.SessionDefinition, addr string) bool {
	for _, p := range def.Participants {
		if domain.SameAddress(p, addr) {
			return true
		}
	}
	return false
}

// keyedMutex hands out one mutex per session id and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
