package session

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/clearnode/clearnodetest"
	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdc = "usdc"

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)))
	require.NoError(t, err)
	return s
}

func randomAddress(t *testing.T) string {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return ethcrypto.PubkeyToAddress(pk.PublicKey).Hex()
}

// connect returns a Manager authenticated as signer against srv.
func connect(t *testing.T, srv *clearnodetest.Server, signer *crypto.Signer) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := clearnode.NewClient(clearnode.Config{
		Transport:      clearnode.TransportConfig{URL: srv.URL()},
		Auth:           clearnode.AuthConfig{Application: "streambet", Scope: "app.bet", SessionTTL: time.Hour},
		RequestTimeout: 2 * time.Second,
	}, logger)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, c.Start(ctx, signer))
	return NewManager(c, c.Events, logger)
}

type market struct {
	id        string
	poolA     string
	poolB     string
	authority string
	authMgr   *Manager
}

// newMarket creates [PoolA, PoolB, Authority] with weights [0,0,100].
func newMarket(t *testing.T, srv *clearnodetest.Server) market {
	t.Helper()
	signer := newSigner(t)
	m := connect(t, srv, signer)

	mk := market{
		poolA:     randomAddress(t),
		poolB:     randomAddress(t),
		authority: signer.Address().Hex(),
		authMgr:   m,
	}
	id, err := m.CreateSession(context.Background(), domain.SessionDefinition{
		Protocol:     "streambet/v1",
		Participants: []string{mk.poolA, mk.poolB, mk.authority},
		Weights:      []int64{0, 0, 100},
		Quorum:       100,
	}, []domain.Allocation{
		{Participant: mk.poolA, Asset: usdc, Amount: big.NewInt(0)},
		{Participant: mk.poolB, Asset: usdc, Amount: big.NewInt(0)},
		{Participant: mk.authority, Asset: usdc, Amount: big.NewInt(0)},
	})
	require.NoError(t, err)
	mk.id = id
	return mk
}

func balance(t *testing.T, s domain.AppSession, who string) int64 {
	t.Helper()
	v, _ := BalanceOf(s.Allocations, who, usdc)
	return v.Int64()
}

func TestScenarioFirstBetJoinsAndFundsPool(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()
	user := randomAddress(t)

	_, err := mk.authMgr.PlaceBet(ctx, mk.id, user, mk.poolA, usdc, big.NewInt(10))
	require.NoError(t, err)

	s, err := mk.authMgr.FetchDefinition(ctx, mk.id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version)
	assert.Equal(t, int64(10), balance(t, s, mk.poolA))
	assert.Equal(t, int64(0), balance(t, s, mk.poolB))
	_, joined := BalanceOf(s.Allocations, user, usdc)
	assert.True(t, joined)

	odds := ImpliedOdds(s.Allocations, mk.poolA, mk.poolB, usdc)
	assert.Equal(t, "100", odds.A.String())
	assert.Equal(t, "0", odds.B.String())
}

func TestScenarioTwoBettorsOdds(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()

	_, err := mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), mk.poolA, usdc, big.NewInt(10))
	require.NoError(t, err)
	s, err := mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), mk.poolB, usdc, big.NewInt(30))
	require.NoError(t, err)

	assert.Equal(t, uint64(3), s.Version)
	assert.Equal(t, "40", Totals(s.Allocations)[usdc].String())

	odds := ImpliedOdds(s.Allocations, mk.poolA, mk.poolB, usdc)
	assert.Equal(t, "25", odds.A.String())
	assert.Equal(t, "75", odds.B.String())
}

func TestDepositThenBetMovesFunds(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()
	user := randomAddress(t)

	s, err := mk.authMgr.Deposit(ctx, mk.id, user, usdc, big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version)
	assert.Len(t, s.Allocations, 4)

	s, err = mk.authMgr.PlaceBet(ctx, mk.id, user, mk.poolB, usdc, big.NewInt(20))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Version)
	assert.Equal(t, int64(30), balance(t, s, user))
	assert.Equal(t, int64(20), balance(t, s, mk.poolB))

	_, err = mk.authMgr.PlaceBet(ctx, mk.id, user, mk.poolB, usdc, big.NewInt(31))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	remote, ok := srv.Session(mk.id)
	require.True(t, ok)
	assert.Equal(t, uint64(3), remote.Version)
}

func TestBetRejectsUnknownPoolAndBadAmount(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()

	_, err := mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), randomAddress(t), usdc, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), mk.poolA, usdc, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = mk.authMgr.Deposit(ctx, mk.id, randomAddress(t), usdc, big.NewInt(-5))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestScenarioConcurrentBetsConflictOnVersion(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()
	u1, u2 := randomAddress(t), randomAddress(t)

	_, err := mk.authMgr.Deposit(ctx, mk.id, u1, usdc, big.NewInt(50))
	require.NoError(t, err)
	_, err = mk.authMgr.Deposit(ctx, mk.id, u2, usdc, big.NewInt(50))
	require.NoError(t, err)

	other := connect(t, srv, newSigner(t))

	s1, err := mk.authMgr.FetchDefinition(ctx, mk.id)
	require.NoError(t, err)
	s2, err := other.FetchDefinition(ctx, mk.id)
	require.NoError(t, err)
	require.Equal(t, uint64(3), s1.Version)
	require.Equal(t, uint64(3), s2.Version)

	won, err := mk.authMgr.placeBet(ctx, s1, u1, mk.poolA, usdc, big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), won.Version)

	_, err = other.placeBet(ctx, s2, u2, mk.poolB, usdc, big.NewInt(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.ErrorIs(t, err, domain.ErrRemote)

	remote, _ := srv.Session(mk.id)
	assert.Equal(t, uint64(4), remote.Version)

	// The loser refetches and succeeds.
	calls := 0
	err = RetryOnConflict(ctx, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			_, err := other.placeBet(ctx, s2, u2, mk.poolB, usdc, big.NewInt(10))
			return err
		}
		_, err := other.PlaceBet(ctx, mk.id, u2, mk.poolB, usdc, big.NewInt(10))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	remote, _ = srv.Session(mk.id)
	assert.Equal(t, uint64(5), remote.Version)
}

func TestSameManagerSerializesMutations(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()

	bettors := make([]string, 8)
	for i := range bettors {
		bettors[i] = randomAddress(t)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(bettors))
	for _, bettor := range bettors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mk.authMgr.PlaceBet(ctx, mk.id, bettor, mk.poolA, usdc, big.NewInt(1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	s, err := mk.authMgr.FetchDefinition(ctx, mk.id)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), s.Version)
	assert.Equal(t, int64(8), balance(t, s, mk.poolA))
}

func TestCloseRedistributesAndIsTerminal(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()

	_, err := mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), mk.poolA, usdc, big.NewInt(10))
	require.NoError(t, err)
	_, err = mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), mk.poolB, usdc, big.NewInt(30))
	require.NoError(t, err)

	short := []domain.Allocation{
		{Participant: mk.poolA, Asset: usdc, Amount: big.NewInt(39)},
		{Participant: mk.poolB, Asset: usdc, Amount: big.NewInt(0)},
		{Participant: mk.authority, Asset: usdc, Amount: big.NewInt(0)},
	}
	_, err = mk.authMgr.CloseSession(ctx, mk.id, short)
	assert.ErrorIs(t, err, domain.ErrAllocationMismatch)
	assert.Zero(t, srv.Calls(clearnode.MethodCloseAppSession))

	finals := []domain.Allocation{
		{Participant: mk.poolA, Asset: usdc, Amount: big.NewInt(40)},
		{Participant: mk.poolB, Asset: usdc, Amount: big.NewInt(0)},
		{Participant: mk.authority, Asset: usdc, Amount: big.NewInt(0)},
	}
	closed, err := mk.authMgr.CloseSession(ctx, mk.id, finals)
	require.NoError(t, err)
	assert.True(t, closed.Closed())
	assert.Equal(t, uint64(4), closed.Version)

	remote, _ := srv.Session(mk.id)
	assert.Equal(t, string(domain.SessionClosed), remote.Status)

	_, err = mk.authMgr.CloseSession(ctx, mk.id, finals)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	_, err = mk.authMgr.PlaceBet(ctx, mk.id, randomAddress(t), mk.poolA, usdc, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	_, err = mk.authMgr.Deposit(ctx, mk.id, randomAddress(t), usdc, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestCloseEmptySessionMirrorsZeroState(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()

	_, err := mk.authMgr.CloseSession(ctx, mk.id, []domain.Allocation{
		{Participant: mk.poolA, Asset: usdc, Amount: big.NewInt(5)},
	})
	assert.ErrorIs(t, err, domain.ErrAllocationMismatch)

	closed, err := mk.authMgr.CloseSession(ctx, mk.id, nil)
	require.NoError(t, err)
	assert.True(t, closed.Closed())
	require.Len(t, closed.Allocations, 3)
	assert.True(t, isZero(closed.Allocations))
}

func TestCloseRequiresAuthority(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	outsider := connect(t, srv, newSigner(t))

	_, err := outsider.CloseSession(context.Background(), mk.id, nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthority)
}

func TestOperationsRequireAuthentication(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := clearnode.NewClient(clearnode.Config{Transport: clearnode.TransportConfig{URL: srv.URL()}}, logger)
	t.Cleanup(func() { c.Close() })
	m := NewManager(c, nil, logger)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, domain.SessionDefinition{Participants: []string{"0x1"}, Weights: []int64{1}, Quorum: 1}, nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	_, err = m.FetchDefinition(ctx, "0x1")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	_, err = m.Deposit(ctx, "0x1", "0x2", usdc, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	_, err = m.PlaceBet(ctx, "0x1", "0x2", "0x3", usdc, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	_, err = m.CloseSession(ctx, "0x1", nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestCreateSessionValidatesDefinition(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	m := connect(t, srv, newSigner(t))
	ctx := context.Background()

	cases := map[string]domain.SessionDefinition{
		"no participants":  {Quorum: 1},
		"weights mismatch": {Participants: []string{"0x1", "0x2"}, Weights: []int64{1}, Quorum: 1},
		"negative weight":  {Participants: []string{"0x1", "0x2"}, Weights: []int64{-1, 2}, Quorum: 1},
		"quorum too high":  {Participants: []string{"0x1"}, Weights: []int64{10}, Quorum: 11},
		"zero quorum":      {Participants: []string{"0x1"}, Weights: []int64{10}, Quorum: 0},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.CreateSession(ctx, def, nil)
			assert.ErrorIs(t, err, domain.ErrInvalidDefinition)
		})
	}
	assert.Zero(t, srv.Calls(clearnode.MethodCreateAppSession))
}

func TestFetchUnknownSession(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	m := connect(t, srv, newSigner(t))

	_, err := m.FetchDefinition(context.Background(), common.Hash{}.Hex())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrRemote)
}

func TestSessionEventsArePublished(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	signer := newSigner(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := clearnode.NewClient(clearnode.Config{Transport: clearnode.TransportConfig{URL: srv.URL()}}, logger)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Start(context.Background(), signer))
	m := NewManager(c, c.Events, logger)

	events, cancel := c.Events.Subscribe(8)
	defer cancel()

	id, err := m.CreateSession(context.Background(), domain.SessionDefinition{
		Participants: []string{signer.Address().Hex()},
		Weights:      []int64{1},
		Quorum:       1,
	}, nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, clearnode.EventSession, ev.Kind)
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, uint64(1), ev.Version)
		assert.Equal(t, "open", ev.SessionStatus)
	case <-time.After(time.Second):
		t.Fatal("no session event")
	}
}

// TestRandomMutationsPreserveInvariants drives a random mix of deposits and
// bets and checks the coordinator's view after every accepted mutation.
func TestRandomMutationsPreserveInvariants(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mk := newMarket(t, srv)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	users := []string{randomAddress(t), randomAddress(t), randomAddress(t)}
	pools := []string{mk.poolA, mk.poolB}

	prev, err := mk.authMgr.FetchDefinition(ctx, mk.id)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		user := users[rng.Intn(len(users))]
		amount := big.NewInt(int64(rng.Intn(20) + 1))

		var opErr error
		deposit := rng.Intn(3) == 0
		if deposit {
			_, opErr = mk.authMgr.Deposit(ctx, mk.id, user, usdc, amount)
		} else {
			_, opErr = mk.authMgr.PlaceBet(ctx, mk.id, user, pools[rng.Intn(2)], usdc, amount)
		}

		next, err := mk.authMgr.FetchDefinition(ctx, mk.id)
		require.NoError(t, err)

		if opErr != nil {
			require.ErrorIs(t, opErr, domain.ErrInsufficientBalance)
			assert.Equal(t, prev.Version, next.Version)
			continue
		}

		require.Equal(t, prev.Version+1, next.Version)
		before, after := Totals(prev.Allocations)[usdc], Totals(next.Allocations)[usdc]
		if _, joined := BalanceOf(prev.Allocations, user, usdc); deposit || !joined {
			assert.Equal(t, new(big.Int).Add(before, amount).String(), after.String())
			require.NoError(t, CheckDeposit(prev.Allocations, next.Allocations))
		} else {
			assert.Equal(t, before.String(), after.String())
			require.NoError(t, CheckOperate(prev.Allocations, next.Allocations))
		}
		for _, a := range next.Allocations {
			assert.GreaterOrEqual(t, a.Amount.Sign(), 0)
		}
		prev = next
	}
}
