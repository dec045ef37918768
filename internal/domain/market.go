package domain

import "time"

// MarketStatus is the bookkeeping lifecycle of a market record. It is distinct
// from the on-protocol status of the market's app session.
type MarketStatus string

const (
	MarketStatusActive           MarketStatus = "active"
	MarketStatusClosedForBetting MarketStatus = "closed_for_betting"
	MarketStatusResolved         MarketStatus = "resolved"
	MarketStatusSettled          MarketStatus = "settled"
)

// Side identifies one of the two outcomes of a market.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool { return s == SideA || s == SideB }

// Market is a binary bet on whether a metric of a subject entity reaches a
// target value before EndsAt. Side A is "reaches the target".
type Market struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Entity       string       `json:"entity"` // subject entity, e.g. a channel login
	Metric       string       `json:"metric"` // metric name, e.g. "viewers"
	Target       float64      `json:"target"`
	Asset        string       `json:"asset"`
	AppSessionID string       `json:"app_session_id,omitempty"`
	PoolA        string       `json:"pool_a"`
	PoolB        string       `json:"pool_b"`
	Authority    string       `json:"authority"`
	Status       MarketStatus `json:"status"`
	Winner       Side         `json:"winner,omitempty"` // empty until resolved
	EndsAt       time.Time    `json:"ends_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Pool returns the pool address backing the given side.
func (m Market) Pool(side Side) string {
	if side == SideB {
		return m.PoolB
	}
	return m.PoolA
}

// OpenForBetting reports whether bets may still be placed at now.
func (m Market) OpenForBetting(now time.Time) bool {
	return m.Status == MarketStatusActive && now.Before(m.EndsAt)
}
