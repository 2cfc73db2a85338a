package models

import "time"

// Event represents a calendar event as returned by any busy-time source.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID        string    // Identifier in the source calendar
	Owner     string    // Participant the event belongs to (e.g. an email address)
	Title     string    // Summary or title of the event
	StartTime time.Time // Start time of the event
	EndTime   time.Time // End time of the event
	AllDay    bool      // Date-only events; never count as busy time
	Source    string    // The source of the event (e.g., "google-primary")
	UID       string    // The iCalendar UID, if the source provides one
}

// DefaultTitle labels events whose source gives them no title.
const DefaultTitle = "Busy"
