package availability

import (
	"context"
	"freeslot/internal/models"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// LiveSource reads a participant's calendar in real time with their own credentials.
type LiveSource interface {
	FetchEvents(ctx context.Context, identity string, token *oauth2.Token, start, end time.Time) ([]*models.Event, error)
}

// StoredSource reads previously synchronised calendars for several participants at once.
type StoredSource interface {
	FetchStoredEvents(ctx context.Context, participants []string, start, end time.Time) (map[string][]*models.Event, error)
}

// Resolver gathers the busy intervals of every participant of a search.
type Resolver struct {
	live     LiveSource
	stored   StoredSource
	logger   *slog.Logger
	timeout  time.Duration
	recorder Recorder
}

// NewResolver creates a Resolver. Either source may be nil, in which case
// the participants it would cover are treated as free.
func NewResolver(logger *slog.Logger, live LiveSource, stored StoredSource, timeout time.Duration, recorder Recorder) *Resolver {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Resolver{
		live:     live,
		stored:   stored,
		logger:   logger,
		timeout:  timeout,
		recorder: recorder,
	}
}

// Resolve returns the busy intervals of each participant within [start, end).
// The caller's calendar is read from the live source when a token is given and
// the caller takes part in the search; everyone else comes from the stored
// source in one batched call. Both reads run concurrently. A failed read never
// fails the search: the affected participants simply have no busy intervals.
// Every participant is present in the returned map.
func (r *Resolver) Resolve(ctx context.Context, participants []string, start, end time.Time, caller string, token *oauth2.Token) map[string][]BusyInterval {
	ids := unique(participants)
	useLive := r.live != nil && token != nil && caller != "" && slices.Contains(ids, caller)

	var (
		wg           sync.WaitGroup
		liveEvents   []*models.Event
		liveErr      error
		storedEvents map[string][]*models.Event
		storedErr    error
	)

	if useLive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			liveEvents, liveErr = await(ctx, r.timeout, func(ctx context.Context) ([]*models.Event, error) {
				return r.live.FetchEvents(ctx, caller, token, start, end)
			})
		}()
	}
	if r.stored != nil {
		// The caller is included so their stored copy can stand in if the live read fails.
		wg.Add(1)
		go func() {
			defer wg.Done()
			storedEvents, storedErr = await(ctx, r.timeout, func(ctx context.Context) (map[string][]*models.Event, error) {
				return r.stored.FetchStoredEvents(ctx, ids, start, end)
			})
		}()
	}
	wg.Wait()

	// A cancelled search is not a calendar failure.
	cancelled := ctx.Err() != nil

	if storedErr != nil {
		if !cancelled {
			r.logger.Warn("Stored calendar fetch failed, treating participants as free", "participants", len(ids), "error", storedErr)
			r.recorder.RetrievalFailed("stored")
		}
		storedEvents = nil
	}

	busy := make(map[string][]BusyInterval, len(ids))
	for _, id := range ids {
		busy[id] = r.toIntervals(id, storedEvents[id])
	}

	if useLive {
		switch {
		case liveErr != nil && cancelled:
		case liveErr != nil:
			r.logger.Warn("Live calendar fetch failed, using stored events", "participant", caller, "error", liveErr)
			r.recorder.RetrievalFailed("live")
		default:
			busy[caller] = r.toIntervals(caller, liveEvents)
			r.logger.Debug("Using live calendar for caller", "participant", caller, "count", len(busy[caller]))
		}
	}

	return busy
}

// toIntervals keeps the timed events and converts them to UTC intervals.
func (r *Resolver) toIntervals(participant string, events []*models.Event) []BusyInterval {
	intervals := make([]BusyInterval, 0, len(events))
	for _, ev := range events {
		if ev == nil || ev.AllDay {
			continue
		}
		if !ev.StartTime.Before(ev.EndTime) {
			r.logger.Debug("Skipping event with empty time range", "participant", participant, "title", ev.Title, "start", ev.StartTime)
			continue
		}
		intervals = append(intervals, BusyInterval{
			Participant: participant,
			Start:       ev.StartTime.UTC(),
			End:         ev.EndTime.UTC(),
			Title:       ev.Title,
		})
	}
	return intervals
}

// await runs fetch under a timeout and stops waiting when the context ends,
// even if fetch itself ignores cancellation.
func await[T any](ctx context.Context, timeout time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fetch(ctx)
		done <- result{val, err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
