// Package market defines the statically configured per-market parameters the
// matching engine and ledger consult: asset ids, tick/lot size, and the fee
// tier schedule.
package market

import "fmt"

// FeeTier is a (maker_bps, taker_bps) pair selected by 30-day volume.
type FeeTier struct {
	MinVolume int64
	MakerBps  int64
	TakerBps  int64
}

// Market is the static configuration for one tradeable symbol.
type Market struct {
	Code         string
	BaseAssetID  int64
	QuoteAssetID int64
	FeeAccountID int64
	TickSize     int64
	LotSize      int64
	// FeeTiers is ordered by MinVolume descending.
	FeeTiers []FeeTier
}

// Validate checks the market is internally consistent.
func (m *Market) Validate() error {
	if m.Code == "" {
		return fmt.Errorf("market: code is required")
	}
	if m.BaseAssetID == m.QuoteAssetID {
		return fmt.Errorf("market %s: base and quote asset must differ", m.Code)
	}
	if m.TickSize <= 0 || m.LotSize <= 0 {
		return fmt.Errorf("market %s: tick size and lot size must be positive", m.Code)
	}
	if len(m.FeeTiers) == 0 {
		return fmt.Errorf("market %s: at least one fee tier is required", m.Code)
	}
	for i := 1; i < len(m.FeeTiers); i++ {
		if m.FeeTiers[i].MinVolume > m.FeeTiers[i-1].MinVolume {
			return fmt.Errorf("market %s: fee tiers must be sorted by min_volume descending", m.Code)
		}
	}
	return nil
}

// FeeBps selects the (maker_bps, taker_bps) pair for a given 30-day volume:
// the first tier (in descending min-volume order) whose MinVolume is less
// than volume, else the smallest-volume tier.
func (m *Market) FeeBps(volume30d int64) (makerBps, takerBps int64) {
	for _, tier := range m.FeeTiers {
		if tier.MinVolume < volume30d {
			return tier.MakerBps, tier.TakerBps
		}
	}
	last := m.FeeTiers[len(m.FeeTiers)-1]
	return last.MakerBps, last.TakerBps
}

// ValidateOrderSize checks qty against the market's lot size.
func (m *Market) ValidateOrderSize(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("market %s: qty must be positive", m.Code)
	}
	if qty%m.LotSize != 0 {
		return fmt.Errorf("market %s: qty %d is not a multiple of lot size %d", m.Code, qty, m.LotSize)
	}
	return nil
}

// ValidatePrice checks a limit price against the market's tick size.
func (m *Market) ValidatePrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("market %s: price must be positive", m.Code)
	}
	if price%m.TickSize != 0 {
		return fmt.Errorf("market %s: price %d is not a multiple of tick size %d", m.Code, price, m.TickSize)
	}
	return nil
}
