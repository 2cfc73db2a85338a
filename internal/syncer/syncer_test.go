package syncer

import (
	"context"
	"errors"
	"freeslot/internal/models"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"
)

var now = time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC)

type fakeGoogle struct {
	owner     string
	calendars map[string][]*models.Event
	err       error
	fetched   []string
}

func (f *fakeGoogle) Owner() string { return f.owner }

func (f *fakeGoogle) FetchEvents(ctx context.Context, calendarID string, start, end time.Time) ([]*models.Event, error) {
	f.fetched = append(f.fetched, calendarID)
	if f.err != nil {
		return nil, f.err
	}
	return f.calendars[calendarID], nil
}

func (f *fakeGoogle) DiscoverCalendars(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.calendars))
	for id := range f.calendars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeCalDAV struct {
	owner  string
	events []*models.Event
	err    error
}

func (f *fakeCalDAV) Owner() string { return f.owner }

func (f *fakeCalDAV) FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error) {
	return f.events, f.err
}

type fakeStore struct {
	replaced   map[string][]*models.Event
	lastSynced map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{replaced: map[string][]*models.Event{}, lastSynced: map[string]time.Time{}}
}

func (f *fakeStore) ReplaceEvents(ctx context.Context, participant string, events []*models.Event, syncedAt time.Time) (int, error) {
	f.replaced[participant] = events
	f.lastSynced[participant] = syncedAt
	return len(events), nil
}

func (f *fakeStore) NeedsSync(ctx context.Context, participant string, maxAge time.Duration, at time.Time) (bool, error) {
	last, ok := f.lastSynced[participant]
	return !ok || at.Sub(last) > maxAge, nil
}

type fakeCache struct{ invalidated []string }

func (f *fakeCache) Invalidate(ctx context.Context, participant string) error {
	f.invalidated = append(f.invalidated, participant)
	return nil
}

type fakeMetrics map[string]int

func (f fakeMetrics) EventsSynced(source string, count int) { f[source] += count }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ev(title string) *models.Event {
	return &models.Event{Title: title, StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)}
}

func TestSyncStoresEachParticipant(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{}
	metrics := fakeMetrics{}
	google := []GoogleCalendar{
		&fakeGoogle{owner: "a@x.com", calendars: map[string][]*models.Event{"primary": {ev("a1"), ev("a2")}}},
		&fakeGoogle{owner: "b@x.com", calendars: map[string][]*models.Event{"primary": {ev("b1")}}},
	}
	caldav := &fakeCalDAV{owner: "a@x.com", events: []*models.Event{ev("a3")}}

	s, err := NewSyncer(discardLogger(), store, google, caldav, Options{Days: 90, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	s.WithCache(cache).WithMetrics(metrics)

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := len(store.replaced["a@x.com"]); got != 3 {
		t.Errorf("a has %d events, want 3 (Google and CalDAV)", got)
	}
	if got := len(store.replaced["b@x.com"]); got != 1 {
		t.Errorf("b has %d events, want 1", got)
	}
	if !store.lastSynced["a@x.com"].Equal(now) {
		t.Errorf("sync time = %s", store.lastSynced["a@x.com"])
	}
	if metrics[sourceGoogle] != 3 || metrics[sourceCalDAV] != 1 {
		t.Errorf("metrics = %v", metrics)
	}
	if len(cache.invalidated) != 2 {
		t.Errorf("invalidated = %v", cache.invalidated)
	}
}

func TestSyncKeepsStoredEventsOnFetchFailure(t *testing.T) {
	store := newFakeStore()
	store.replaced["a@x.com"] = []*models.Event{ev("old")}
	google := []GoogleCalendar{
		&fakeGoogle{owner: "a@x.com", err: errors.New("quota exceeded")},
		&fakeGoogle{owner: "b@x.com", calendars: map[string][]*models.Event{"primary": {ev("b1")}}},
	}

	s, err := NewSyncer(discardLogger(), store, google, nil, Options{Days: 7, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Sync(context.Background()); err == nil {
		t.Fatal("expected an error reporting the failed participant")
	}
	if got := store.replaced["a@x.com"]; len(got) != 1 || got[0].Title != "old" {
		t.Errorf("a's stored events were touched: %v", got)
	}
	if len(store.replaced["b@x.com"]) != 1 {
		t.Errorf("b should still be synced")
	}
}

func TestSyncSkipsFreshParticipants(t *testing.T) {
	store := newFakeStore()
	store.lastSynced["a@x.com"] = now.Add(-time.Hour)
	store.lastSynced["b@x.com"] = now.Add(-48 * time.Hour)
	a := &fakeGoogle{owner: "a@x.com", calendars: map[string][]*models.Event{"primary": {ev("a1")}}}
	b := &fakeGoogle{owner: "b@x.com", calendars: map[string][]*models.Event{"primary": {ev("b1")}}}

	s, err := NewSyncer(discardLogger(), store, []GoogleCalendar{a, b}, nil, Options{Days: 7, StaleAfter: 24 * time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(a.fetched) != 0 {
		t.Errorf("recently synced participant was fetched")
	}
	if len(store.replaced["b@x.com"]) != 1 {
		t.Errorf("stale participant not synced")
	}
}

func TestSyncDryRunAndAllCalendars(t *testing.T) {
	store := newFakeStore()
	g := &fakeGoogle{owner: "a@x.com", calendars: map[string][]*models.Event{
		"primary":  {ev("a1")},
		"holidays": {ev("h1")},
	}}

	s, err := NewSyncer(discardLogger(), store, []GoogleCalendar{g}, nil, Options{Days: 7, DryRun: true, AllCalendars: true, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(g.fetched) != 2 {
		t.Errorf("fetched calendars = %v, want both", g.fetched)
	}
	if len(store.replaced) != 0 {
		t.Errorf("dry run wrote to the store: %v", store.replaced)
	}
}

func TestNewSyncerValidation(t *testing.T) {
	g := []GoogleCalendar{&fakeGoogle{owner: "a"}}
	if _, err := NewSyncer(discardLogger(), nil, g, nil, Options{Days: 1}); err == nil {
		t.Error("expected an error without a store")
	}
	if _, err := NewSyncer(discardLogger(), newFakeStore(), nil, nil, Options{Days: 1}); err == nil {
		t.Error("expected an error without calendars")
	}
	if _, err := NewSyncer(discardLogger(), newFakeStore(), g, nil, Options{}); err == nil {
		t.Error("expected an error for a zero-day window")
	}
}
