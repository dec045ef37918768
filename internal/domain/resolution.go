package domain

import "time"

// OracleResolution records how a market was decided. It is created once per
// market and never modified.
type OracleResolution struct {
	MarketID   string    `json:"market_id"`
	Metric     string    `json:"metric"`
	Target     float64   `json:"target"`
	Observed   float64   `json:"observed"`
	Winner     Side      `json:"winner"`
	ResolvedAt time.Time `json:"resolved_at"`
}
