// Package availability finds the meeting slots during which every
// participant of a search is free.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

const (
	clockLayout     = "15:04"
	dateLabelLayout = "2006年01月02日 (Mon)"
)

// ErrComputation reports an internal fault while computing slots.
var ErrComputation = errors.New("slot computation failed")

// Search outcomes passed to Recorder.SearchCompleted.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Recorder receives search and retrieval measurements.
type Recorder interface {
	SearchCompleted(outcome string, elapsed time.Duration, slots int)
	RetrievalFailed(source string)
}

type nopRecorder struct{}

func (nopRecorder) SearchCompleted(string, time.Duration, int) {}
func (nopRecorder) RetrievalFailed(string)                      {}

// Config configures an Engine.
type Config struct {
	Location *time.Location // Zone the daily window and dates are given in
	Display  *time.Location // Zone slot and schedule clock times are rendered in
	Policy   Policy
	Resolver *Resolver
	Logger   *slog.Logger
	Recorder Recorder
}

// Engine runs availability searches. It holds no per-search state and can
// serve concurrent searches.
type Engine struct {
	loc      *time.Location
	display  *time.Location
	policy   Policy
	resolver *Resolver
	logger   *slog.Logger
	recorder Recorder
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Location == nil {
		return nil, fmt.Errorf("availability: location is required")
	}
	if cfg.Policy.SlotGranularity <= 0 {
		return nil, fmt.Errorf("availability: slot granularity must be positive, got %s", cfg.Policy.SlotGranularity)
	}
	if cfg.Display == nil {
		cfg.Display = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(cfg.Logger, nil, nil, cfg.Policy.FetchTimeout, cfg.Recorder)
	}
	return &Engine{
		loc:      cfg.Location,
		display:  cfg.Display,
		policy:   cfg.Policy,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}, nil
}

// Policy returns the policy the engine validates and searches with.
func (e *Engine) Policy() Policy {
	return e.policy
}

// SearchPeriod echoes the requested range and window.
type SearchPeriod struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Result is the outcome of a search.
type Result struct {
	AvailableSlots  []MeetingSlot `json:"available_slots"`
	MemberSchedules Schedules     `json:"member_schedules"`
	SearchPeriod    SearchPeriod  `json:"search_period"`
	TotalSlotsFound int           `json:"total_slots_found"`
}

// Search validates the request, gathers every participant's busy time and
// returns the slots in which all of them are free.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	began := time.Now()

	crit, err := e.policy.Validate(req)
	if err != nil {
		e.recorder.SearchCompleted(OutcomeInvalid, time.Since(began), 0)
		return nil, err
	}

	windowStart, windowEnd := e.RangeWindow(crit)
	e.logger.Debug("Resolving busy time", "participants", len(crit.Participants), "from", windowStart, "to", windowEnd)
	busy := e.resolver.Resolve(ctx, crit.Participants, windowStart, windowEnd, req.CallerIdentity, req.LiveCredentials)
	if err := ctx.Err(); err != nil {
		e.recorder.SearchCompleted(OutcomeError, time.Since(began), 0)
		return nil, err
	}

	slots, err := e.computeSlots(busy, crit)
	if err != nil {
		e.logger.Error("Slot computation failed", "error", err)
		e.recorder.SearchCompleted(OutcomeError, time.Since(began), 0)
		return nil, err
	}

	result := &Result{
		AvailableSlots:  slots,
		MemberSchedules: FormatSchedules(busy, e.display),
		SearchPeriod: SearchPeriod{
			StartDate: req.StartDate,
			EndDate:   req.EndDate,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
		},
		TotalSlotsFound: len(slots),
	}

	e.recorder.SearchCompleted(OutcomeOK, time.Since(began), len(slots))
	e.logger.Info("Search finished", "participants", len(crit.Participants), "slots", len(slots))
	return result, nil
}

func (e *Engine) computeSlots(busy map[string][]BusyInterval, crit Criteria) (slots []MeetingSlot, err error) {
	defer func() {
		if r := recover(); r != nil {
			slots, err = nil, fmt.Errorf("%w: %v", ErrComputation, r)
		}
	}()
	slots = e.FindAvailableSlots(busy, crit)
	if slots == nil {
		slots = []MeetingSlot{}
	}
	return slots, nil
}

// RangeWindow returns the UTC bounds of the whole search range: local
// midnight of the start date up to local midnight after the end date.
func (e *Engine) RangeWindow(crit Criteria) (time.Time, time.Time) {
	start := Clock(0).On(crit.StartDate, e.loc)
	end := Clock(0).On(crit.EndDate.AddDate(0, 0, 1), e.loc)
	return start.UTC(), end.UTC()
}

// FindAvailableSlots computes the free slots for every eligible day of the
// criteria, in date order.
func (e *Engine) FindAvailableSlots(busy map[string][]BusyInterval, crit Criteria) []MeetingSlot {
	var slots []MeetingSlot
	for day := crit.StartDate; !day.After(crit.EndDate); day = day.AddDate(0, 0, 1) {
		if e.policy.excludes(day.Weekday()) {
			continue
		}
		slots = append(slots, e.findDaySlots(busy, day, crit)...)
	}
	return slots
}

func (e *Engine) findDaySlots(busy map[string][]BusyInterval, day time.Time, crit Criteria) []MeetingSlot {
	dayStart := crit.StartTime.On(day, e.loc).UTC()
	dayEnd := crit.EndTime.On(day, e.loc).UTC()

	var periods []Period
	for _, intervals := range busy {
		periods = append(periods, ClipToWindow(intervals, dayStart, dayEnd)...)
	}

	free := FindDailySlots(Merge(periods), dayStart, dayEnd, crit.Duration, e.policy.SlotGranularity)
	slots := make([]MeetingSlot, 0, len(free))
	for _, p := range free {
		slots = append(slots, e.newSlot(day, p))
	}
	return slots
}

func (e *Engine) newSlot(day time.Time, p Period) MeetingSlot {
	start, end := p.Start.In(e.display), p.End.In(e.display)
	return MeetingSlot{
		Date:      day.Format(DateLayout),
		DateLabel: day.Format(dateLabelLayout),
		StartTime: start.Format(clockLayout),
		EndTime:   end.Format(clockLayout),
		Start:     start,
		End:       end,
	}
}

// SummaryRequest asks who is free for one candidate slot.
type SummaryRequest struct {
	Participants    []string      `json:"participants"`
	Start           time.Time     `json:"start_datetime"`
	DurationMinutes int           `json:"duration_minutes"`
	CallerIdentity  string        `json:"caller_identity,omitempty"`
	LiveCredentials *oauth2.Token `json:"live_credentials,omitempty"`
}

// Summarize resolves the participants' busy time around one slot and
// reports each participant's conflicts with it.
func (e *Engine) Summarize(ctx context.Context, req SummaryRequest) (map[string]MemberStatus, error) {
	if len(req.Participants) < 1 {
		return nil, ErrNoParticipants
	}
	if len(req.Participants) > e.policy.MaxParticipants {
		return nil, violation(ErrTooManyParticipants, "too many participants: at most %d are allowed", e.policy.MaxParticipants)
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := e.policy.checkDuration(duration); err != nil {
		return nil, err
	}

	start := req.Start.UTC()
	busy := e.resolver.Resolve(ctx, req.Participants, start, start.Add(duration), req.CallerIdentity, req.LiveCredentials)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Summarize(busy, start, duration, e.display), nil
}
