package availability

import (
	"slices"
	"time"
)

// ScheduleEntry is a busy interval prepared for display.
type ScheduleEntry struct {
	Start     time.Time `json:"start_datetime"`
	End       time.Time `json:"end_datetime"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Date      string    `json:"date"`
	Title     string    `json:"title"`
}

// Schedules maps each participant to their busy entries, ordered by start.
type Schedules map[string][]ScheduleEntry

// FormatSchedules reshapes resolved busy intervals for display, rendering
// clock times and dates in the display location.
func FormatSchedules(busy map[string][]BusyInterval, display *time.Location) Schedules {
	schedules := make(Schedules, len(busy))
	for participant, intervals := range busy {
		entries := make([]ScheduleEntry, 0, len(intervals))
		for _, iv := range intervals {
			entries = append(entries, newScheduleEntry(iv, display))
		}
		slices.SortStableFunc(entries, func(a, b ScheduleEntry) int {
			return a.Start.Compare(b.Start)
		})
		schedules[participant] = entries
	}
	return schedules
}

func newScheduleEntry(iv BusyInterval, display *time.Location) ScheduleEntry {
	start, end := iv.Start.In(display), iv.End.In(display)
	return ScheduleEntry{
		Start:     start,
		End:       end,
		StartTime: start.Format(clockLayout),
		EndTime:   end.Format(clockLayout),
		Date:      start.Format(DateLayout),
		Title:     iv.Title,
	}
}

// Member availability states reported by Summarize.
const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
)

// Conflict is a busy entry that overlaps a candidate slot.
type Conflict struct {
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// MemberStatus tells whether one participant is free for a candidate slot.
type MemberStatus struct {
	Status            string     `json:"status"`
	HasConflict       bool       `json:"has_conflict"`
	ConflictingEvents []Conflict `json:"conflicting_events"`
}

// Summarize reports, for each participant, the busy intervals that overlap
// the slot [start, start+duration).
func Summarize(busy map[string][]BusyInterval, start time.Time, duration time.Duration, display *time.Location) map[string]MemberStatus {
	end := start.Add(duration)
	summary := make(map[string]MemberStatus, len(busy))
	for participant, intervals := range busy {
		status := MemberStatus{Status: StatusAvailable, ConflictingEvents: []Conflict{}}
		for _, iv := range intervals {
			if !iv.Start.Before(end) || !iv.End.After(start) {
				continue
			}
			entry := newScheduleEntry(iv, display)
			status.Status = StatusBusy
			status.HasConflict = true
			status.ConflictingEvents = append(status.ConflictingEvents, Conflict{
				Title:     entry.Title,
				StartTime: entry.StartTime,
				EndTime:   entry.EndTime,
			})
		}
		summary[participant] = status
	}
	return summary
}
