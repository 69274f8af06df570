package pipeline

import (
	"fmt"
	"time"
)

// BusinessHours decides whether a human team is reachable at a given
// instant, in the office's local time. Weekdays run open to close,
// Saturday is a half day, Sunday is closed.
type BusinessHours struct {
	loc       *time.Location
	openHour  int
	closeHour int
}

func NewBusinessHours(timezone string, openHour, closeHour int) (*BusinessHours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load business timezone %q: %w", timezone, err)
	}
	return &BusinessHours{loc: loc, openHour: openHour, closeHour: closeHour}, nil
}

func (b *BusinessHours) Open(t time.Time) bool {
	local := t.In(b.loc)
	hour := local.Hour()

	switch local.Weekday() {
	case time.Sunday:
		return false
	case time.Saturday:
		return hour >= b.openHour && hour < 13
	default:
		return hour >= b.openHour && hour < b.closeHour
	}
}
