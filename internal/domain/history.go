package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// History is a read-only view of a bar series up to and including the
// current bar. It cannot reach later bars, and every accessor returns
// copies, so a strategy can neither look ahead nor mutate the input.
type History struct {
	bars []Bar
}

// NewHistory returns the view of bars[0..end]. It panics if end is out of
// range.
func NewHistory(bars []Bar, end int) History {
	if end < 0 || end >= len(bars) {
		panic(fmt.Sprintf("domain: history end %d out of range [0,%d)", end, len(bars)))
	}
	// Full slice expression caps capacity at the current bar.
	return History{bars: bars[: end+1 : end+1]}
}

// Len returns the number of bars visible.
func (h History) Len() int { return len(h.bars) }

// At returns the i-th bar, oldest first.
func (h History) At(i int) Bar { return h.bars[i] }

// Last returns the current bar. It panics on an empty history.
func (h History) Last() Bar { return h.bars[len(h.bars)-1] }

// Closes returns a copy of the last n close prices, oldest first. If fewer
// than n bars are visible, all closes are returned.
func (h History) Closes(n int) []decimal.Decimal {
	if n > len(h.bars) {
		n = len(h.bars)
	}
	if n <= 0 {
		return nil
	}
	out := make([]decimal.Decimal, n)
	start := len(h.bars) - n
	for i := range out {
		out[i] = h.bars[start+i].Close
	}
	return out
}
