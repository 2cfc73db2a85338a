package availability

import "time"

// Policy holds the limits and scheduling rules applied to every search.
type Policy struct {
	MaxParticipants  int
	MaxRangeDays     int
	MinDuration      time.Duration
	MaxDuration      time.Duration
	SlotGranularity  time.Duration  // Slot starts are aligned to and advance by this step
	ExcludedWeekdays []time.Weekday // Days that never produce slots
	FetchTimeout     time.Duration  // Per-source bound on busy-time retrieval; zero disables it
}

// DefaultPolicy returns the policy used by the hosted service.
func DefaultPolicy() Policy {
	return Policy{
		MaxParticipants:  20,
		MaxRangeDays:     90,
		MinDuration:      15 * time.Minute,
		MaxDuration:      8 * time.Hour,
		SlotGranularity:  30 * time.Minute,
		ExcludedWeekdays: []time.Weekday{time.Saturday, time.Sunday},
		FetchTimeout:     10 * time.Second,
	}
}

func (p Policy) excludes(day time.Weekday) bool {
	for _, wd := range p.ExcludedWeekdays {
		if wd == day {
			return true
		}
	}
	return false
}
