// Package gather defines the contract for market-data downloaders that feed
// the bar store.
package gather

import (
	"context"
	"fmt"
	"time"
)

// Gatherer downloads bars for a fixed universe and persists them.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches the configured range once and returns when every batch has
	// been attempted or ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange is an inclusive time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Validate rejects unset or inverted ranges.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range requires both start and end")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range end %s is before start %s",
			r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}
