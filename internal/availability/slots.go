package availability

import (
	"slices"
	"time"
)

// MeetingSlot is a candidate meeting time on which every participant is free.
type MeetingSlot struct {
	Date      string    `json:"date"`
	DateLabel string    `json:"date_str"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Start     time.Time `json:"start_datetime"`
	End       time.Time `json:"end_datetime"`
}

// RoundUp moves t forward to the next multiple of step, counted in UTC.
// Instants already on a boundary are returned unchanged.
func RoundUp(t time.Time, step time.Duration) time.Time {
	r := t.Truncate(step)
	if r.Equal(t) {
		return t
	}
	return r.Add(step)
}

// FindDailySlots walks the gaps between the merged busy periods inside
// [dayStart, dayEnd) and returns every slot of the given duration that starts
// on a step boundary and fits in a gap. Consecutive slots in a gap are one
// step apart, so they may overlap each other when duration > step.
func FindDailySlots(merged []Period, dayStart, dayEnd time.Time, duration, step time.Duration) []Period {
	if duration <= 0 || step <= 0 {
		return nil
	}

	busy := slices.Clone(merged)
	slices.SortFunc(busy, func(a, b Period) int {
		return a.Start.Compare(b.Start)
	})

	var slots []Period
	cursor := dayStart
	fill := func(limit time.Time) {
		if cursor.Add(duration).After(limit) {
			return
		}
		for t := RoundUp(cursor, step); !t.Add(duration).After(limit); t = t.Add(step) {
			slots = append(slots, Period{Start: t, End: t.Add(duration)})
		}
	}

	for _, p := range busy {
		fill(p.Start)
		if p.End.After(cursor) {
			cursor = p.End
		}
	}
	fill(dayEnd)

	return slots
}
