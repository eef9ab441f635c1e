// Package usage aggregates a user's pinned bytes and converts them to cost
// figures for the billing state machine.
package usage

import (
	"context"

	"pinvault/internal/config"
	"pinvault/internal/store"
)

// BytesPerGB is the unit the free tier and rate are quoted in.
const BytesPerGB = int64(1) << 30

// Figures is the cost snapshot attached to access and billing responses.
type Figures struct {
	PinnedBytes   int64   `json:"pinned_bytes"`
	FreeTierBytes int64   `json:"free_tier_bytes"`
	CostCents     int64   `json:"cost_cents"`
	Currency      string  `json:"currency"`
	Settlement    float64 `json:"settlement"`
}

// Meter computes usage and cost for one owner.
type Meter struct {
	records store.RecordStore
	cfg     config.BillingConfig
}

// NewMeter creates a usage meter.
func NewMeter(records store.RecordStore, cfg config.BillingConfig) *Meter {
	return &Meter{records: records, cfg: cfg}
}

// FreeTierBytes returns the free allowance in bytes.
func (m *Meter) FreeTierBytes() int64 {
	return m.cfg.FreeTierGB * BytesPerGB
}

// PinnedBytes sums the owner's pinned record sizes. Each owner is billed for
// their own pinned copies even when the underlying bytes are shared, and
// trashed records keep counting until permanently removed.
func (m *Meter) PinnedBytes(ctx context.Context, ownerID string) (int64, error) {
	return m.records.PinnedBytes(ctx, ownerID)
}

// MonthlyCostCents prices the bytes above the free tier. Usage exactly at the
// boundary costs nothing; a single byte above it rounds up to one cent.
func (m *Meter) MonthlyCostCents(pinnedBytes int64) int64 {
	over := pinnedBytes - m.FreeTierBytes()
	if over <= 0 {
		return 0
	}
	return (over*m.cfg.RateCentsPerGB + BytesPerGB - 1) / BytesPerGB
}

// Settlement converts a cost to the settlement currency at the fixed
// configured rate. Deterministic given the same cost and rate.
func (m *Meter) Settlement(costCents int64) float64 {
	return float64(costCents) / 100 * m.cfg.SettlementRate
}

// Figures computes the full cost snapshot for an owner.
func (m *Meter) Figures(ctx context.Context, ownerID string) (*Figures, error) {
	pinned, err := m.PinnedBytes(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	cost := m.MonthlyCostCents(pinned)
	return &Figures{
		PinnedBytes:   pinned,
		FreeTierBytes: m.FreeTierBytes(),
		CostCents:     cost,
		Currency:      m.cfg.Currency,
		Settlement:    m.Settlement(cost),
	}, nil
}
