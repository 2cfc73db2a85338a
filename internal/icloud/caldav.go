package icloud

import (
	"context"
	"fmt"
	"freeslot/internal/models"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

const (
	// DefaultEndpoint is iCloud's CalDAV root; any CalDAV server works.
	DefaultEndpoint = "https://caldav.icloud.com/"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "freeslot/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient reads one calendar of a CalDAV account on behalf of a participant.
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	calendarPath string
	owner        string
}

// NewClient connects to a CalDAV server and locates the named calendar.
// Events read through the client are attributed to owner.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName, owner string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger,
		owner:        owner,
	}

	logger.Info("Finding CalDAV calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return c, nil
}

// Owner returns the participant the client reads the calendar for.
func (c *CalDAVClient) Owner() string {
	return c.owner
}

// FetchEvents returns the events that overlap [start, end). Recurring events
// are expanded into one event per occurrence.
func (c *CalDAVClient) FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []*models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		events = append(events, c.eventsFromCalendar(obj.Data, start, end)...)
	}

	c.logger.Info("Successfully fetched events from CalDAV", "count", len(events), "owner", c.owner)
	return events, nil
}

// eventsFromCalendar converts the VEVENTs of a calendar object to the internal
// Event model. Recurring masters are expanded within [start, end); instances
// moved by a RECURRENCE-ID override are taken from the override instead.
func (c *CalDAVClient) eventsFromCalendar(cal *ical.Calendar, start, end time.Time) []*models.Event {
	overridden := make(map[string]map[int64]bool) // UID -> original instance starts
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		rid := comp.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			continue
		}
		at, err := rid.DateTime(time.UTC)
		if err != nil {
			continue
		}
		uid, _ := comp.Props.Text(ical.PropUID)
		if overridden[uid] == nil {
			overridden[uid] = make(map[int64]bool)
		}
		overridden[uid][at.Unix()] = true
	}

	var events []*models.Event
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, err := c.toEvent(comp)
		if err != nil {
			c.logger.Warn("Skipping unreadable CalDAV event", "owner", c.owner, "error", err)
			continue
		}
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			events = append(events, ev)
			continue
		}
		occurrences, err := expand(comp, ev, start, end, overridden[ev.UID])
		if err != nil {
			c.logger.Warn("Could not expand recurring event, keeping first occurrence", "owner", c.owner, "uid", ev.UID, "error", err)
			events = append(events, ev)
			continue
		}
		events = append(events, occurrences...)
	}
	return events
}

// expand returns one event per occurrence of a recurring master that
// overlaps [start, end), each as long as the master. Non-recurring events
// are returned as is.
func expand(comp *ical.Component, master *models.Event, start, end time.Time, skip map[int64]bool) ([]*models.Event, error) {
	set, err := comp.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return []*models.Event{master}, nil
	}

	length := master.EndTime.Sub(master.StartTime)
	var out []*models.Event
	for _, at := range set.Between(start.Add(-length), end, true) {
		at = at.UTC()
		if skip[at.Unix()] || !at.Before(end) || !at.Add(length).After(start) {
			continue
		}
		occ := *master
		occ.ID = master.UID + "/" + at.Format("20060102T150405Z")
		occ.StartTime = at
		occ.EndTime = at.Add(length)
		out = append(out, &occ)
	}
	return out, nil
}

func (c *CalDAVClient) toEvent(comp *ical.Component) (*models.Event, error) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("event has no DTSTART")
	}
	allDay := startProp.ValueType() == ical.ValueDate

	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse DTSTART: %w", err)
	}

	var end time.Time
	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		end, err = comp.Props.Get(ical.PropDateTimeEnd).DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse DTEND: %w", err)
		}
	case comp.Props.Get(ical.PropDuration) != nil:
		d, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return nil, fmt.Errorf("parse DURATION: %w", err)
		}
		end = start.Add(d)
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start
	}

	uid, _ := comp.Props.Text(ical.PropUID)
	title, _ := comp.Props.Text(ical.PropSummary)
	if title == "" {
		title = models.DefaultTitle
	}

	return &models.Event{
		ID:        uid,
		Owner:     c.owner,
		Title:     title,
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		AllDay:    allDay,
		UID:       uid,
		Source:    "caldav",
	}, nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
