package session

import (
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Odds are each side's share of the total stake, in percent with two
// decimals. A + B is always exactly 100.
type Odds struct {
	A decimal.Decimal `json:"a"`
	B decimal.Decimal `json:"b"`
}

// ImpliedOdds computes the ratio-of-stakes odds from the pool balances of
// asset. With no stake on either side it returns 50/50.
func ImpliedOdds(allocs []domain.Allocation, poolA, poolB, asset string) Odds {
	a, _ := BalanceOf(allocs, poolA, asset)
	b, _ := BalanceOf(allocs, poolB, asset)

	stakeA := decimal.NewFromBigInt(a, 0)
	stakeB := decimal.NewFromBigInt(b, 0)
	sum := stakeA.Add(stakeB)
	if sum.IsZero() {
		half := decimal.NewFromInt(50)
		return Odds{A: half, B: half}
	}

	pctA := stakeA.Mul(hundred).Div(sum).Round(2)
	return Odds{A: pctA, B: hundred.Sub(pctA)}
}
