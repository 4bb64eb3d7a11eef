package events

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HistoryFilter restricts the events returned by Bus.History. All set
// dimensions are ANDed together; Limit is applied last, after every other
// dimension, keeping the most-recent-first ordering.
type HistoryFilter struct {
	// Types restricts to the listed event types; empty means any
	Types []EventType

	// Sources restricts to the listed sources; empty means any
	Sources []Source

	// Since and Until bound the emission time (inclusive). Both must be
	// set together; a half-open range is rejected by Validate.
	Since time.Time
	Until time.Time

	// User restricts to events correlated with a single address
	User common.Address

	// Limit caps the result count; 0 means no cap
	Limit int
}

// Validate checks the filter configuration.
func (f *HistoryFilter) Validate() error {
	if f.Since.IsZero() != f.Until.IsZero() {
		return fmt.Errorf("time range requires both since and until")
	}
	if !f.Since.IsZero() && f.Since.After(f.Until) {
		return fmt.Errorf("since (%s) cannot be after until (%s)", f.Since, f.Until)
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	return nil
}

// match reports whether the event passes every set dimension except Limit.
func (f *HistoryFilter) match(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if event.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !f.Since.IsZero() {
		if event.Timestamp.Before(f.Since) || event.Timestamp.After(f.Until) {
			return false
		}
	}

	if f.User != (common.Address{}) && event.User != f.User {
		return false
	}

	return true
}
