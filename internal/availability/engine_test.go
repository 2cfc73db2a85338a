package availability

import (
	"context"
	"errors"
	"freeslot/internal/models"
	"testing"
	"time"
	_ "time/tzdata"

	"golang.org/x/oauth2"
)

func newTestEngine(t *testing.T, loc *time.Location, stored StoredSource, live LiveSource, rec Recorder) *Engine {
	t.Helper()
	policy := DefaultPolicy()
	engine, err := New(Config{
		Location: loc,
		Display:  time.UTC,
		Policy:   policy,
		Resolver: NewResolver(discardLogger(), live, stored, policy.FetchTimeout, rec),
		Logger:   discardLogger(),
		Recorder: rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

func slotStarts(slots []MeetingSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.StartTime
	}
	return out
}

func scenarioStore() *fakeStored {
	return &fakeStored{events: map[string][]*models.Event{
		"a@x.com": {
			event("design review", at("10:00"), at("11:00")),
			event("1:1", at("14:00"), at("15:30")),
		},
		"b@x.com": {
			event("planning", at("09:30"), at("10:30")),
			event("interview", at("15:00"), at("16:00")),
		},
	}}
}

func scenarioRequest() Request {
	return Request{
		Participants:    []string{"a@x.com", "b@x.com"},
		StartDate:       "2025-01-21",
		EndDate:         "2025-01-21",
		StartTime:       "09:00",
		EndTime:         "17:00",
		DurationMinutes: 60,
	}
}

func TestSearchEndToEnd(t *testing.T) {
	rec := &countingRecorder{}
	engine := newTestEngine(t, time.UTC, scenarioStore(), nil, rec)

	result, err := engine.Search(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	want := []string{"11:00", "11:30", "12:00", "12:30", "13:00", "16:00"}
	if got := slotStarts(result.AvailableSlots); !equalStrings(got, want) {
		t.Fatalf("slots = %v, want %v", got, want)
	}
	if result.TotalSlotsFound != len(want) {
		t.Errorf("total = %d, want %d", result.TotalSlotsFound, len(want))
	}

	first := result.AvailableSlots[0]
	if first.Date != "2025-01-21" || first.EndTime != "12:00" {
		t.Errorf("first slot = %+v", first)
	}
	if first.DateLabel != "2025年01月21日 (Tue)" {
		t.Errorf("date label = %q", first.DateLabel)
	}
	if !first.Start.Equal(at("11:00")) || !first.End.Equal(at("12:00")) {
		t.Errorf("first slot instants = %s-%s", first.Start, first.End)
	}

	if n := len(result.MemberSchedules["a@x.com"]); n != 2 {
		t.Errorf("a schedule has %d entries, want 2", n)
	}
	if result.SearchPeriod.StartTime != "09:00" || result.SearchPeriod.EndDate != "2025-01-21" {
		t.Errorf("search period = %+v", result.SearchPeriod)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeOK {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestSearchLocalWindowInTokyo(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 09:00-12:00 JST is 00:00-03:00 UTC; a 10:00-11:00 JST meeting is 01:00-02:00 UTC.
	stored := &fakeStored{events: map[string][]*models.Event{
		"a": {event("jst meeting", time.Date(2025, 1, 21, 10, 0, 0, 0, tokyo), time.Date(2025, 1, 21, 11, 0, 0, 0, tokyo))},
	}}
	engine := newTestEngine(t, tokyo, stored, nil, nil)

	result, err := engine.Search(context.Background(), Request{
		Participants:    []string{"a"},
		StartDate:       "2025-01-21",
		EndDate:         "2025-01-21",
		StartTime:       "09:00",
		EndTime:         "12:00",
		DurationMinutes: 30,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	want := []string{"00:00", "00:30", "02:00", "02:30"}
	if got := slotStarts(result.AvailableSlots); !equalStrings(got, want) {
		t.Fatalf("slots = %v, want %v (UTC rendering)", got, want)
	}
	if result.AvailableSlots[0].Date != "2025-01-21" {
		t.Errorf("slot date = %s, want the local search date", result.AvailableSlots[0].Date)
	}
	entry := result.MemberSchedules["a"][0]
	if entry.StartTime != "01:00" || entry.Date != "2025-01-21" {
		t.Errorf("schedule entry = %+v", entry)
	}
}

func TestSearchRangeWindowInTokyo(t *testing.T) {
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	engine := newTestEngine(t, tokyo, nil, nil, nil)
	crit, err := engine.Policy().Validate(scenarioRequest())
	if err != nil {
		t.Fatal(err)
	}

	start, end := engine.RangeWindow(crit)
	if want := time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %s, want %s", start, want)
	}
	if want := time.Date(2025, 1, 21, 15, 0, 0, 0, time.UTC); !end.Equal(want) {
		t.Errorf("end = %s, want %s", end, want)
	}
}

func TestSearchSkipsWeekends(t *testing.T) {
	engine := newTestEngine(t, time.UTC, &fakeStored{}, nil, nil)
	req := scenarioRequest()
	req.StartDate, req.EndDate = "2025-01-24", "2025-01-27" // Fri..Mon

	result, err := engine.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	perDay := map[string]int{}
	for _, s := range result.AvailableSlots {
		perDay[s.Date]++
	}
	if perDay["2025-01-25"] != 0 || perDay["2025-01-26"] != 0 {
		t.Errorf("weekend slots found: %v", perDay)
	}
	if perDay["2025-01-24"] != 15 || perDay["2025-01-27"] != 15 {
		t.Errorf("weekday slots = %v, want 15 each", perDay)
	}
	if result.AvailableSlots[0].Date != "2025-01-24" || result.AvailableSlots[len(result.AvailableSlots)-1].Date != "2025-01-27" {
		t.Errorf("slots not in date order")
	}
}

func TestSearchWeekendOnlyRange(t *testing.T) {
	engine := newTestEngine(t, time.UTC, &fakeStored{}, nil, nil)
	req := scenarioRequest()
	req.StartDate, req.EndDate = "2025-01-25", "2025-01-26"

	result, err := engine.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.TotalSlotsFound != 0 || result.AvailableSlots == nil {
		t.Errorf("want an empty, non-nil slot list, got %v", result.AvailableSlots)
	}
}

func TestSearchRetrievalFailureDoesNotAbort(t *testing.T) {
	rec := &countingRecorder{}
	live := &fakeLive{err: errors.New("calendar api unavailable")}
	stored := &fakeStored{events: map[string][]*models.Event{
		"b@x.com": {event("planning", at("09:00"), at("16:00"))},
	}}
	engine := newTestEngine(t, time.UTC, stored, live, rec)

	req := scenarioRequest()
	req.CallerIdentity = "a@x.com"
	req.LiveCredentials = &oauth2.Token{AccessToken: "token"}

	result, err := engine.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// a is treated as free, so only b's meeting constrains the day.
	if got := slotStarts(result.AvailableSlots); !equalStrings(got, []string{"16:00"}) {
		t.Errorf("slots = %v, want [16:00]", got)
	}
	if rec.failures["live"] != 1 {
		t.Errorf("live failures = %d", rec.failures["live"])
	}
}

func TestSearchValidationErrorSkipsRetrieval(t *testing.T) {
	rec := &countingRecorder{}
	stored := &fakeStored{}
	engine := newTestEngine(t, time.UTC, stored, nil, rec)

	req := scenarioRequest()
	req.DurationMinutes = 14
	_, err := engine.Search(context.Background(), req)

	if !errors.Is(err, ErrDurationTooShort) {
		t.Fatalf("err = %v, want duration too short", err)
	}
	if stored.calls != 0 {
		t.Errorf("stored source called %d times", stored.calls)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeInvalid {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestSearchCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	engine := newTestEngine(t, time.UTC, &fakeStored{block: block}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := engine.Search(ctx, scenarioRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewRequiresLocation(t *testing.T) {
	if _, err := New(Config{Policy: DefaultPolicy()}); err == nil {
		t.Error("expected an error without a location")
	}
	policy := DefaultPolicy()
	policy.SlotGranularity = 0
	if _, err := New(Config{Location: time.UTC, Policy: policy}); err == nil {
		t.Error("expected an error for zero granularity")
	}
}

func TestEngineSummarize(t *testing.T) {
	engine := newTestEngine(t, time.UTC, scenarioStore(), nil, nil)

	summary, err := engine.Summarize(context.Background(), SummaryRequest{
		Participants:    []string{"a@x.com", "b@x.com"},
		Start:           at("10:00"),
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	a := summary["a@x.com"]
	if a.Status != StatusBusy || !a.HasConflict || len(a.ConflictingEvents) != 1 {
		t.Errorf("a = %+v, want one conflict", a)
	}
	if a.ConflictingEvents[0].Title != "design review" || a.ConflictingEvents[0].StartTime != "10:00" {
		t.Errorf("a conflict = %+v", a.ConflictingEvents[0])
	}
	b := summary["b@x.com"]
	if b.Status != StatusBusy || b.ConflictingEvents[0].Title != "planning" {
		t.Errorf("b = %+v", b)
	}

	summary, err = engine.Summarize(context.Background(), SummaryRequest{
		Participants:    []string{"a@x.com", "b@x.com"},
		Start:           at("12:00"),
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for who, status := range summary {
		if status.Status != StatusAvailable || status.HasConflict {
			t.Errorf("%s = %+v, want available", who, status)
		}
	}
}

func TestEngineSummarizeValidates(t *testing.T) {
	engine := newTestEngine(t, time.UTC, nil, nil, nil)
	if _, err := engine.Summarize(context.Background(), SummaryRequest{DurationMinutes: 30}); !errors.Is(err, ErrNoParticipants) {
		t.Errorf("err = %v, want no participants", err)
	}
	_, err := engine.Summarize(context.Background(), SummaryRequest{Participants: []string{"a"}, DurationMinutes: 500})
	if !errors.Is(err, ErrDurationTooLong) {
		t.Errorf("err = %v, want duration too long", err)
	}
}
