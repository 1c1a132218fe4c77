package util

import (
	"sort"
	"time"

	"backtester/internal/domain"
)

// TradingCalendar knows how many sessions a market trades per year and how
// long each session lasts. It converts a bar interval into the number of
// bars per year used to annualize returns.
type TradingCalendar struct {
	market        domain.Market
	tradingDays   float64
	sessionLength time.Duration
}

// NewTradingCalendar creates a TradingCalendar for the given market. Unknown
// markets use the US calendar.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	switch market {
	case domain.MarketCN:
		// SSE: 9:30-11:30 and 13:00-15:00 CST.
		return &TradingCalendar{market: market, tradingDays: 244, sessionLength: 4 * time.Hour}
	default:
		// NYSE: 9:30-16:00 ET.
		return &TradingCalendar{market: domain.MarketUS, tradingDays: 252, sessionLength: 6*time.Hour + 30*time.Minute}
	}
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// PeriodsPerYear returns how many bars of the given interval fit in a
// trading year. Intervals shorter than a session are counted within session
// hours; daily-or-longer intervals are counted in calendar days, so gaps
// over weekends still read as daily bars.
func (tc *TradingCalendar) PeriodsPerYear(interval time.Duration) float64 {
	const day = 24 * time.Hour
	switch {
	case interval <= 0:
		return tc.tradingDays
	case interval < tc.sessionLength:
		return tc.tradingDays * float64(tc.sessionLength) / float64(interval)
	case interval < 5*day:
		return tc.tradingDays
	case interval < 25*day:
		return 52
	case interval < 80*day:
		return 12
	case interval < 300*day:
		return 4
	default:
		return 1
	}
}

// InferInterval returns the median gap between consecutive timestamps, or
// zero when there are fewer than two.
func InferInterval(ts []time.Time) time.Duration {
	if len(ts) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		gaps = append(gaps, ts[i].Sub(ts[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}
