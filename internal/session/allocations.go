package session

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/domain"
)

// Totals returns the per-asset sum of allocs.
func Totals(allocs []domain.Allocation) map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, a := range allocs {
		if out[a.Asset] == nil {
			out[a.Asset] = new(big.Int)
		}
		if a.Amount != nil {
			out[a.Asset].Add(out[a.Asset], a.Amount)
		}
	}
	return out
}

// BalanceOf returns participant's amount of asset and whether an entry
// exists at all.
func BalanceOf(allocs []domain.Allocation, participant, asset string) (*big.Int, bool) {
	for _, a := range allocs {
		if a.Asset == asset && domain.SameAddress(a.Participant, participant) {
			return new(big.Int).Set(amountOf(a)), true
		}
	}
	return new(big.Int), false
}

// CheckDeposit verifies that no existing allocation decreases and that no
// per-asset total shrinks.
func CheckDeposit(before, after []domain.Allocation) error {
	if err := checkNonNegative(after); err != nil {
		return err
	}
	for _, b := range before {
		got, ok := BalanceOf(after, b.Participant, b.Asset)
		if !ok || got.Cmp(amountOf(b)) < 0 {
			return fmt.Errorf("session: deposit lowers %s/%s: %w", b.Participant, b.Asset, domain.ErrAllocationMismatch)
		}
	}
	prev, next := Totals(before), Totals(after)
	for asset, sum := range prev {
		if total(next, asset).Cmp(sum) < 0 {
			return fmt.Errorf("session: deposit lowers total of %s: %w", asset, domain.ErrAllocationMismatch)
		}
	}
	return nil
}

// CheckOperate verifies that every per-asset total is unchanged.
func CheckOperate(before, after []domain.Allocation) error {
	if err := checkNonNegative(after); err != nil {
		return err
	}
	return sameTotals(before, after)
}

// CheckClose verifies the final set redistributes the current total exactly.
func CheckClose(before, finals []domain.Allocation) error {
	if err := checkNonNegative(finals); err != nil {
		return err
	}
	return sameTotals(before, finals)
}

func sameTotals(before, after []domain.Allocation) error {
	prev, next := Totals(before), Totals(after)
	for asset := range union(prev, next) {
		if p, n := total(prev, asset), total(next, asset); p.Cmp(n) != 0 {
			return fmt.Errorf("session: %s total %s != %s: %w", asset, n, p, domain.ErrAllocationMismatch)
		}
	}
	return nil
}

func checkNonNegative(allocs []domain.Allocation) error {
	for _, a := range allocs {
		if amountOf(a).Sign() < 0 {
			return fmt.Errorf("session: %s/%s: %w", a.Participant, a.Asset, domain.ErrNegativeAllocation)
		}
	}
	return nil
}

// isZero reports whether every allocation is zero.
func isZero(allocs []domain.Allocation) bool {
	for _, a := range allocs {
		if amountOf(a).Sign() != 0 {
			return false
		}
	}
	return true
}

// complete returns a copy of allocs with a zero entry of asset for every
// participant that has none.
func complete(allocs []domain.Allocation, participants []string, asset string) []domain.Allocation {
	out := cloneAll(allocs)
	for _, p := range participants {
		if _, ok := BalanceOf(out, p, asset); !ok {
			out = append(out, domain.Allocation{Participant: p, Asset: asset, Amount: new(big.Int)})
		}
	}
	return out
}

// credit adds amount to participant's entry, appending one if absent.
func credit(allocs []domain.Allocation, participant, asset string, amount *big.Int) []domain.Allocation {
	for i := range allocs {
		if allocs[i].Asset == asset && domain.SameAddress(allocs[i].Participant, participant) {
			allocs[i].Amount = new(big.Int).Add(amountOf(allocs[i]), amount)
			return allocs
		}
	}
	return append(allocs, domain.Allocation{Participant: participant, Asset: asset, Amount: new(big.Int).Set(amount)})
}

// mirrorZero returns allocs with every amount set to zero.
func mirrorZero(allocs []domain.Allocation) []domain.Allocation {
	out := make([]domain.Allocation, len(allocs))
	for i, a := range allocs {
		out[i] = domain.Allocation{Participant: a.Participant, Asset: a.Asset, Amount: new(big.Int)}
	}
	return out
}

func cloneAll(allocs []domain.Allocation) []domain.Allocation {
	out := make([]domain.Allocation, len(allocs))
	for i, a := range allocs {
		out[i] = a.Clone()
	}
	return out
}

func amountOf(a domain.Allocation) *big.Int {
	if a.Amount == nil {
		return new(big.Int)
	}
	return a.Amount
}

func total(m map[string]*big.Int, asset string) *big.Int {
	if v, ok := m[asset]; ok {
		return v
	}
	return new(big.Int)
}

func union(a, b map[string]*big.Int) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

// --------------------------------------------------------------------------
// Wire conversion
// --------------------------------------------------------------------------

func toWire(allocs []domain.Allocation) []clearnode.WireAllocation {
	out := make([]clearnode.WireAllocation, len(allocs))
	for i, a := range allocs {
		out[i] = clearnode.WireAllocation{
			Participant: a.Participant,
			Asset:       a.Asset,
			Amount:      amountOf(a).String(),
		}
	}
	return out
}

func fromWire(allocs []clearnode.WireAllocation) ([]domain.Allocation, error) {
	out := make([]domain.Allocation, len(allocs))
	for i, a := range allocs {
		amt, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("session: bad amount %q for %s", a.Amount, a.Participant)
		}
		out[i] = domain.Allocation{Participant: a.Participant, Asset: a.Asset, Amount: amt}
	}
	return out, nil
}

func sessionFromWire(info clearnode.AppSessionInfo) (domain.AppSession, error) {
	allocs, err := fromWire(info.Allocations)
	if err != nil {
		return domain.AppSession{}, err
	}
	return domain.AppSession{
		ID: info.AppSessionID,
		Definition: domain.SessionDefinition{
			Protocol:     info.Protocol,
			Participants: info.Participants,
			Weights:      info.Weights,
			Quorum:       info.Quorum,
			Challenge:    info.Challenge,
			Nonce:        info.Nonce,
		},
		Version:     info.Version,
		Status:      domain.SessionStatus(info.Status),
		Allocations: allocs,
	}, nil
}
