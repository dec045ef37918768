package oracle

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/clearnode/clearnodetest"
	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/session"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAddress(t *testing.T) string {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return ethcrypto.PubkeyToAddress(pk.PublicKey).Hex()
}

func authorityManager(t *testing.T, srv *clearnodetest.Server) (*session.Manager, string) {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)))
	require.NoError(t, err)

	c := clearnode.NewClient(clearnode.Config{
		Transport:      clearnode.TransportConfig{URL: srv.URL()},
		Auth:           clearnode.AuthConfig{Application: "streambet", Scope: "app.bet", SessionTTL: time.Hour},
		RequestTimeout: 2 * time.Second,
	}, quietLogger())
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, c.Start(ctx, signer))
	return session.NewManager(c, c.Events, quietLogger()), signer.Address().Hex()
}

// Two bettors stake 10 on A and 30 on B; the metric beats the target, so
// pool A receives the whole 40 and the session becomes terminal.
func TestSettlementEndToEnd(t *testing.T) {
	srv := clearnodetest.NewServer(t, clearnodetest.Options{})
	mgr, auth := authorityManager(t, srv)
	ctx := context.Background()

	a, b := newAddress(t), newAddress(t)
	id, err := mgr.CreateSession(ctx, domain.SessionDefinition{
		Protocol:     "streambet/v1",
		Participants: []string{a, b, auth},
		Weights:      []int64{0, 0, 100},
		Quorum:       100,
	}, []domain.Allocation{alloc(a, 0), alloc(b, 0), alloc(auth, 0)})
	require.NoError(t, err)

	_, err = mgr.PlaceBet(ctx, id, newAddress(t), a, usdc, big.NewInt(10))
	require.NoError(t, err)
	_, err = mgr.PlaceBet(ctx, id, newAddress(t), b, usdc, big.NewInt(30))
	require.NoError(t, err)

	m := domain.Market{
		ID:           "m-end-to-end",
		Title:        "viewers reach 10k",
		Entity:       "somechannel",
		Metric:       "viewers",
		Target:       10000,
		Asset:        usdc,
		AppSessionID: id,
		PoolA:        a,
		PoolB:        b,
		Authority:    auth,
		Status:       domain.MarketStatusActive,
		EndsAt:       now.Add(-time.Second),
	}
	store := newMemStore(m)
	src := &fakeSource{values: map[string]float64{"somechannel": 12000}}
	e := newEngine(store, src, mgr, Options{})

	r, err := e.RunCycle(ctx)
	require.NoError(t, err)
	require.Empty(t, r.Failures)
	assert.Equal(t, 1, r.Expired)
	assert.Equal(t, 1, r.Resolved)
	assert.Equal(t, 1, r.Settled)

	got := store.market(t, m.ID)
	assert.Equal(t, domain.SideA, got.Winner)
	assert.Equal(t, domain.MarketStatusSettled, got.Status)

	sess, err := mgr.FetchDefinition(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Closed())
	assert.Equal(t, uint64(4), sess.Version)
	assert.Equal(t, int64(40), amountFor(t, sess.Allocations, a))
	assert.Equal(t, int64(0), amountFor(t, sess.Allocations, b))
	assert.Equal(t, int64(0), amountFor(t, sess.Allocations, auth))

	_, err = mgr.CloseSession(ctx, id, sess.Allocations)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	// Nothing left to do on the next cycle.
	r, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Expired+r.Resolved+r.Settled)
	assert.Equal(t, 1, srv.Calls(clearnode.MethodCloseAppSession))
}
