package poller

import (
	"time"

	"github.com/lysyi3m/rss-warden/app/database"
)

// Outcome is what the parse step concluded
type Outcome int

const (
	// OutcomeNone means nothing was parsed; the fetch already adjusted the interval
	OutcomeNone Outcome = iota
	OutcomeUnchanged
	OutcomeChanged
	OutcomeFailed
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	case OutcomeFailed:
		return "failed"
	case OutcomeExpired:
		return "expired"
	}
	return "none"
}

const (
	penaltyUnchanged  = 20
	penaltyParseError = 120
)

// ApplyOutcome adjusts the interval for the parse outcome, clamps it and
// schedules the next poll from now
func ApplyOutcome(src *database.Source, outcome Outcome, now time.Time) {
	switch outcome {
	case OutcomeChanged:
		src.Interval /= 2
		src.LastResult = " OK (updated)"
		src.LastChange = &now
	case OutcomeUnchanged:
		src.Interval += penaltyUnchanged
		src.LastResult = " OK"
	case OutcomeFailed:
		src.Interval += penaltyParseError
	case OutcomeExpired:
		src.Interval = database.MaxInterval
	}

	src.Interval = ClampInterval(src.Interval)
	src.DuePoll = now.Add(time.Duration(src.Interval) * time.Minute)
}

func ClampInterval(minutes int) int {
	return min(max(minutes, database.MinInterval), database.MaxInterval)
}
