// Package store keeps the synchronised copy of participants' calendars that
// searches read when no live source is available.
package store

import (
	"context"
	"fmt"
	"freeslot/internal/models"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CalendarEvent is one stored busy event. Times are kept in UTC.
type CalendarEvent struct {
	ID          uint      `gorm:"primaryKey"`
	Participant string    `gorm:"size:320;not null;index:idx_calendar_events_participant_start"`
	ExternalID  string    `gorm:"size:1024"`
	Title       string    `gorm:"size:1024"`
	StartTime   time.Time `gorm:"not null;index:idx_calendar_events_participant_start"`
	EndTime     time.Time `gorm:"not null"`
	AllDay      bool      `gorm:"not null;default:false"`
	Source      string    `gorm:"size:64"`
	CreatedAt   time.Time
}

// SyncStatus records when a participant's calendar was last synchronised.
type SyncStatus struct {
	Participant  string    `gorm:"primaryKey;size:320"`
	LastSyncedAt time.Time `gorm:"not null"`
	EventCount   int
}

// Store reads and writes stored calendar events.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New creates a Store on an already migrated database.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// FetchStoredEvents returns, for each participant, the stored events that
// overlap [start, end), ordered by start. Every participant is a key of the
// result, even without events.
func (s *Store) FetchStoredEvents(ctx context.Context, participants []string, start, end time.Time) (map[string][]*models.Event, error) {
	byParticipant := make(map[string][]*models.Event, len(participants))
	for _, p := range participants {
		byParticipant[p] = nil
	}
	if len(participants) == 0 {
		return byParticipant, nil
	}

	var rows []CalendarEvent
	err := s.db.WithContext(ctx).
		Where("participant IN ?", participants).
		Where("start_time < ? AND end_time > ?", end.UTC(), start.UTC()).
		Order("start_time").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query stored events: %w", err)
	}

	for _, row := range rows {
		byParticipant[row.Participant] = append(byParticipant[row.Participant], row.toModel())
	}
	s.logger.Debug("Loaded stored events", "participants", len(participants), "count", len(rows))
	return byParticipant, nil
}

func (e CalendarEvent) toModel() *models.Event {
	return &models.Event{
		ID:        e.ExternalID,
		Owner:     e.Participant,
		Title:     e.Title,
		StartTime: e.StartTime.UTC(),
		EndTime:   e.EndTime.UTC(),
		AllDay:    e.AllDay,
		Source:    e.Source,
	}
}

// ReplaceEvents swaps a participant's stored events for the given ones and
// records the sync time, all in one transaction.
func (s *Store) ReplaceEvents(ctx context.Context, participant string, events []*models.Event, syncedAt time.Time) (int, error) {
	rows := make([]CalendarEvent, 0, len(events))
	for _, ev := range events {
		title := ev.Title
		if title == "" {
			title = models.DefaultTitle
		}
		rows = append(rows, CalendarEvent{
			Participant: participant,
			ExternalID:  ev.ID,
			Title:       title,
			StartTime:   ev.StartTime.UTC(),
			EndTime:     ev.EndTime.UTC(),
			AllDay:      ev.AllDay,
			Source:      ev.Source,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("participant = ?", participant).Delete(&CalendarEvent{}).Error; err != nil {
			return fmt.Errorf("delete old events: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert events: %w", err)
			}
		}
		status := SyncStatus{Participant: participant, LastSyncedAt: syncedAt.UTC(), EventCount: len(rows)}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "participant"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_synced_at", "event_count"}),
		}).Create(&status).Error
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Stored calendar events", "participant", participant, "count", len(rows))
	return len(rows), nil
}

// NeedsSync reports whether a participant was never synchronised or was last
// synchronised longer than maxAge before now.
func (s *Store) NeedsSync(ctx context.Context, participant string, maxAge time.Duration, now time.Time) (bool, error) {
	var status SyncStatus
	err := s.db.WithContext(ctx).Where("participant = ?", participant).Limit(1).Find(&status).Error
	if err != nil {
		return false, fmt.Errorf("load sync status: %w", err)
	}
	if status.Participant == "" {
		return true, nil
	}
	return now.Sub(status.LastSyncedAt) > maxAge, nil
}
