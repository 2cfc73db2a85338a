package syncer

import (
	"context"
	"fmt"
	"freeslot/internal/models"
	"log/slog"
	"time"
)

const (
	sourceGoogle = "google"
	sourceCalDAV = "caldav"
)

// GoogleCalendar reads the calendars of one authorised Google account.
type GoogleCalendar interface {
	Owner() string
	FetchEvents(ctx context.Context, calendarID string, start, end time.Time) ([]*models.Event, error)
	DiscoverCalendars(ctx context.Context) ([]string, error)
}

// CalDAVCalendar reads one CalDAV calendar.
type CalDAVCalendar interface {
	Owner() string
	FetchEvents(ctx context.Context, start, end time.Time) ([]*models.Event, error)
}

// EventStore persists the synchronised events.
type EventStore interface {
	ReplaceEvents(ctx context.Context, participant string, events []*models.Event, syncedAt time.Time) (int, error)
	NeedsSync(ctx context.Context, participant string, maxAge time.Duration, now time.Time) (bool, error)
}

// Invalidator drops cached copies of a participant's events.
type Invalidator interface {
	Invalidate(ctx context.Context, participant string) error
}

// Metrics receives the number of events written per source.
type Metrics interface {
	EventsSynced(source string, count int)
}

// Options tune a sync cycle.
type Options struct {
	Days         int           // how far ahead to read
	StaleAfter   time.Duration // skip participants synced more recently; 0 syncs everyone
	DryRun       bool
	AllCalendars bool // read every calendar of a Google account instead of only "primary"
	Now          func() time.Time
}

// Syncer copies participants' calendars into the store searches read from.
type Syncer struct {
	logger  *slog.Logger
	google  []GoogleCalendar
	caldav  CalDAVCalendar
	store   EventStore
	cache   Invalidator
	metrics Metrics
	opts    Options
}

// NewSyncer creates a new Syncer. caldav may be nil.
func NewSyncer(logger *slog.Logger, store EventStore, google []GoogleCalendar, caldav CalDAVCalendar, opts Options) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("an event store is required")
	}
	if len(google) == 0 && caldav == nil {
		return nil, fmt.Errorf("no calendars to sync: authorise a Google account or configure CalDAV")
	}
	if opts.Days <= 0 {
		return nil, fmt.Errorf("sync window must be at least one day, got %d", opts.Days)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{logger: logger, google: google, caldav: caldav, store: store, opts: opts}, nil
}

// WithCache invalidates cached events of every participant that was written.
func (s *Syncer) WithCache(cache Invalidator) *Syncer {
	s.cache = cache
	return s
}

// WithMetrics reports synced event counts.
func (s *Syncer) WithMetrics(m Metrics) *Syncer {
	s.metrics = m
	return s
}

// participantBatch holds everything read for one participant in a cycle.
type participantBatch struct {
	events   []*models.Event
	bySource map[string]int
	failed   bool
}

// Sync performs a full synchronization cycle. A participant whose calendars
// could not all be read keeps their previously stored events.
func (s *Syncer) Sync(ctx context.Context) error {
	now := s.opts.Now().UTC()
	start, end := now, now.AddDate(0, 0, s.opts.Days)
	s.logger.Info("Starting sync cycle.", "start", start, "end", end)

	batches := make(map[string]*participantBatch)
	var order []string
	batchFor := func(owner string) *participantBatch {
		b, ok := batches[owner]
		if !ok {
			b = &participantBatch{bySource: make(map[string]int)}
			batches[owner] = b
			order = append(order, owner)
		}
		return b
	}

	fresh := make(map[string]bool)
	for _, owner := range s.owners() {
		if _, seen := fresh[owner]; seen {
			continue
		}
		fresh[owner] = !s.isStale(ctx, owner, now)
	}

	for _, client := range s.google {
		owner := client.Owner()
		if fresh[owner] {
			continue
		}
		b := batchFor(owner)
		events, err := s.fetchGoogle(ctx, client, start, end)
		if err != nil {
			s.logger.Error("Could not fetch Google events", "participant", owner, "error", err)
			b.failed = true
			continue
		}
		b.events = append(b.events, events...)
		b.bySource[sourceGoogle] += len(events)
	}

	if s.caldav != nil && !fresh[s.caldav.Owner()] {
		owner := s.caldav.Owner()
		b := batchFor(owner)
		events, err := s.caldav.FetchEvents(ctx, start, end)
		if err != nil {
			s.logger.Error("Could not fetch CalDAV events", "participant", owner, "error", err)
			b.failed = true
		} else {
			b.events = append(b.events, events...)
			b.bySource[sourceCalDAV] += len(events)
		}
	}

	var failed int
	for _, owner := range order {
		b := batches[owner]
		if b.failed {
			failed++
			continue
		}
		if err := s.save(ctx, owner, b, now); err != nil {
			s.logger.Error("Failed to store events", "participant", owner, "error", err)
			failed++
		}
	}

	s.logger.Info("Sync cycle finished.", "participants", len(order), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d participants failed to sync", failed, len(order))
	}
	return nil
}

func (s *Syncer) owners() []string {
	var owners []string
	for _, c := range s.google {
		owners = append(owners, c.Owner())
	}
	if s.caldav != nil {
		owners = append(owners, s.caldav.Owner())
	}
	return owners
}

// isStale reports whether a participant is due for a sync. Status lookup
// errors count as stale so the participant is refreshed.
func (s *Syncer) isStale(ctx context.Context, participant string, now time.Time) bool {
	if s.opts.StaleAfter <= 0 {
		return true
	}
	stale, err := s.store.NeedsSync(ctx, participant, s.opts.StaleAfter, now)
	if err != nil {
		s.logger.Warn("Could not read sync status", "participant", participant, "error", err)
		return true
	}
	if !stale {
		s.logger.Debug("Participant synced recently, skipping.", "participant", participant, "staleAfter", s.opts.StaleAfter)
	}
	return stale
}

// fetchGoogle reads the primary calendar, or every calendar of the account.
func (s *Syncer) fetchGoogle(ctx context.Context, client GoogleCalendar, start, end time.Time) ([]*models.Event, error) {
	calendarIDs := []string{"primary"}
	if s.opts.AllCalendars {
		ids, err := client.DiscoverCalendars(ctx)
		if err != nil {
			return nil, err
		}
		calendarIDs = ids
	}

	var all []*models.Event
	for _, id := range calendarIDs {
		events, err := client.FetchEvents(ctx, id, start, end)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", id, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func (s *Syncer) save(ctx context.Context, participant string, b *participantBatch, now time.Time) error {
	if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would store events", "participant", participant, "count", len(b.events))
		return nil
	}

	n, err := s.store.ReplaceEvents(ctx, participant, b.events, now)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		for source, count := range b.bySource {
			s.metrics.EventsSynced(source, count)
		}
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, participant); err != nil {
			s.logger.Warn("Could not invalidate cached events", "participant", participant, "error", err)
		}
	}
	s.logger.Debug("Participant synced", "participant", participant, "count", n)
	return nil
}
