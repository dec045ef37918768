package domain

import "math/big"

// Intent tags a session mutation with the conservation rule it must satisfy.
type Intent string

const (
	// IntentDeposit may only add funds; no existing allocation decreases.
	IntentDeposit Intent = "deposit"
	// IntentOperate keeps the per-asset total constant.
	IntentOperate Intent = "operate"
	// IntentClose is terminal and must redistribute the total exactly.
	IntentClose Intent = "close"
)

// SessionStatus is the on-protocol status of an app session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// Allocation is the amount of one asset attributed to one participant.
// Amount is in the asset's smallest unit.
type Allocation struct {
	Participant string
	Asset       string
	Amount      *big.Int
}

// Clone returns a deep copy of the allocation.
func (a Allocation) Clone() Allocation {
	amt := new(big.Int)
	if a.Amount != nil {
		amt.Set(a.Amount)
	}
	return Allocation{Participant: a.Participant, Asset: a.Asset, Amount: amt}
}

// SessionDefinition is the immutable part of an app session: who takes part,
// with what control weight, and the quorum required to sign a state.
type SessionDefinition struct {
	Protocol     string
	Participants []string
	Weights      []int64
	Quorum       int64
	Challenge    uint64
	Nonce        uint64
}

// AppSession is a snapshot of one betting market's off-chain ledger.
type AppSession struct {
	ID          string
	Definition  SessionDefinition
	Version     uint64
	Status      SessionStatus
	Allocations []Allocation
}

// Closed reports whether the session reached its terminal state.
func (s AppSession) Closed() bool { return s.Status == SessionClosed }

// Weight returns the control weight of participant, or 0 when absent.
func (d SessionDefinition) Weight(participant string) int64 {
	for i, p := range d.Participants {
		if SameAddress(p, participant) && i < len(d.Weights) {
			return d.Weights[i]
		}
	}
	return 0
}
