package availability

import (
	"slices"
	"time"
)

// BusyInterval is a half-open range [Start, End) during which a participant
// is unavailable. Start and End are always in UTC.
type BusyInterval struct {
	Participant string
	Start       time.Time
	End         time.Time
	Title       string
	AllDay      bool
}

// Period is a time range with no participant attribution: a clipped busy
// interval, a merged busy period or a candidate slot.
type Period struct {
	Start time.Time
	End   time.Time
}

// ClipToWindow returns the parts of the intervals that fall inside
// [windowStart, windowEnd). Intervals that do not overlap the window are dropped.
func ClipToWindow(intervals []BusyInterval, windowStart, windowEnd time.Time) []Period {
	var clipped []Period
	for _, iv := range intervals {
		if iv.AllDay {
			continue
		}
		start, end := iv.Start, iv.End
		if start.Before(windowStart) {
			start = windowStart
		}
		if end.After(windowEnd) {
			end = windowEnd
		}
		if start.Before(end) {
			clipped = append(clipped, Period{Start: start, End: end})
		}
	}
	return clipped
}

// Merge collapses overlapping periods into the minimal covering set, sorted
// by start. Periods that touch (next.Start == current.End) are merged too.
// The input slice is left untouched.
func Merge(periods []Period) []Period {
	if len(periods) == 0 {
		return nil
	}

	sorted := slices.Clone(periods)
	slices.SortFunc(sorted, func(a, b Period) int {
		return a.Start.Compare(b.Start)
	})

	merged := []Period{sorted[0]}
	for _, next := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !next.Start.After(last.End) {
			if next.End.After(last.End) {
				last.End = next.End
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}
