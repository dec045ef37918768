package session

import (
	"math/big"
	"testing"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/stretchr/testify/assert"
)

func alloc(p string, amt int64) domain.Allocation {
	return domain.Allocation{Participant: p, Asset: "usdc", Amount: big.NewInt(amt)}
}

func TestCheckOperate(t *testing.T) {
	before := []domain.Allocation{alloc("0xa", 10), alloc("0xb", 5)}

	assert.NoError(t, CheckOperate(before, []domain.Allocation{alloc("0xa", 3), alloc("0xb", 12)}))
	assert.ErrorIs(t, CheckOperate(before, []domain.Allocation{alloc("0xa", 10), alloc("0xb", 6)}), domain.ErrAllocationMismatch)
	assert.ErrorIs(t, CheckOperate(before, []domain.Allocation{alloc("0xa", 16), alloc("0xb", -1)}), domain.ErrNegativeAllocation)
}

func TestCheckDeposit(t *testing.T) {
	before := []domain.Allocation{alloc("0xa", 10), alloc("0xb", 5)}

	assert.NoError(t, CheckDeposit(before, []domain.Allocation{alloc("0xa", 10), alloc("0xb", 5), alloc("0xc", 7)}))
	assert.NoError(t, CheckDeposit(before, []domain.Allocation{alloc("0xA", 11), alloc("0xB", 5)}))
	assert.ErrorIs(t, CheckDeposit(before, []domain.Allocation{alloc("0xa", 9), alloc("0xb", 20)}), domain.ErrAllocationMismatch)
	assert.ErrorIs(t, CheckDeposit(before, []domain.Allocation{alloc("0xa", 10)}), domain.ErrAllocationMismatch)
}

func TestCheckClose(t *testing.T) {
	before := []domain.Allocation{alloc("0xa", 10), alloc("0xb", 30), alloc("0xc", 0)}

	assert.NoError(t, CheckClose(before, []domain.Allocation{alloc("0xa", 40), alloc("0xb", 0), alloc("0xc", 0)}))
	assert.ErrorIs(t, CheckClose(before, []domain.Allocation{alloc("0xa", 41)}), domain.ErrAllocationMismatch)
	assert.ErrorIs(t, CheckClose(before, []domain.Allocation{alloc("0xa", 39)}), domain.ErrAllocationMismatch)
	assert.ErrorIs(t, CheckClose(before, nil), domain.ErrAllocationMismatch)
}

func TestCompleteAndCredit(t *testing.T) {
	base := []domain.Allocation{alloc("0xa", 1)}
	got := complete(base, []string{"0xA", "0xb"}, "usdc")
	assert.Len(t, got, 2)
	assert.Len(t, base, 1, "input must not be modified")

	got = credit(got, "0xB", "usdc", big.NewInt(4))
	v, ok := BalanceOf(got, "0xb", "usdc")
	assert.True(t, ok)
	assert.Equal(t, int64(4), v.Int64())

	got = credit(got, "0xd", "usdc", big.NewInt(2))
	assert.Len(t, got, 3)
}

func TestWireRoundTripKeepsPrecision(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	in := []domain.Allocation{{Participant: "0xa", Asset: "usdc", Amount: huge}}

	out, err := fromWire(toWire(in))
	assert.NoError(t, err)
	assert.Equal(t, 0, huge.Cmp(out[0].Amount))

	_, err = fromWire([]clearnode.WireAllocation{{Participant: "0xa", Asset: "usdc", Amount: "1.5"}})
	assert.Error(t, err)
}
