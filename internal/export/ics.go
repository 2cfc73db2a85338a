// Package export renders candidate meeting slots as an iCalendar file that
// calendar clients can import as tentative holds.
package export

import (
	"errors"
	"fmt"
	"freeslot/internal/availability"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const productID = "-//freeslot//meeting slots//EN"

// ErrNoSlots is returned when there is nothing to export.
var ErrNoSlots = errors.New("no slots to export")

// Options describe the exported events.
type Options struct {
	Summary      string   // SUMMARY of every event; defaults to "Meeting candidate"
	Participants []string // added as ATTENDEEs
	Organizer    string   // optional ORGANIZER
}

// WriteSlots encodes one tentative VEVENT per slot. Times are written in UTC.
func WriteSlots(w io.Writer, slots []availability.MeetingSlot, opts Options, now time.Time) error {
	if len(slots) == 0 {
		return ErrNoSlots
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, slot := range slots {
		cal.Children = append(cal.Children, toICal(slot, opts, now))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode slots to iCal format: %w", err)
	}
	return nil
}

// toICal converts one slot to a VEVENT component.
func toICal(slot availability.MeetingSlot, opts Options, now time.Time) *ical.Component {
	summary := opts.Summary
	if summary == "" {
		summary = "Meeting candidate"
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, GenerateUID())
	ve.Props.SetText(ical.PropSummary, summary)
	ve.Props.SetText(ical.PropStatus, "TENTATIVE")
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, slot.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, slot.End.UTC())

	if opts.Organizer != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.SetText(mailto(opts.Organizer))
		ve.Props.Add(p)
	}
	for _, attendee := range opts.Participants {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(mailto(attendee))
		ve.Props.Add(p)
	}
	return ve
}

func mailto(addr string) string {
	if strings.HasPrefix(addr, "mailto:") {
		return addr
	}
	return "mailto:" + addr
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String() + "@freeslot"
}
