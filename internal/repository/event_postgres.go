package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// EventRepository implements domain.EventRepository on Postgres
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

var eventColumns = []string{
	"id", "project_id", "contact_id", "email_id", "name", "properties", "occurred_at", "created_at",
}

// Create appends an event. Events are immutable once written.
func (r *EventRepository) Create(ctx context.Context, event *domain.Event) error {
	now := time.Now().UTC()
	event.CreatedAt = now
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	query, args, err := psql.
		Insert("events").
		Columns(eventColumns...).
		Values(event.ID, event.ProjectID, nullString(event.ContactID), event.EmailID,
			event.Name, event.Properties, event.OccurredAt, event.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// GetByID fetches an event by ID
func (r *EventRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Event, error) {
	query, args, err := psql.
		Select(eventColumns...).
		From("events").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "event", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return event, nil
}

// ListByContact returns events for a contact that occurred before the given
// time, newest first
func (r *EventRepository) ListByContact(ctx context.Context, projectID, contactID string, before time.Time, limit int) ([]*domain.Event, error) {
	query, args, err := psql.
		Select(eventColumns...).
		From("events").
		Where(sq.Eq{"project_id": projectID, "contact_id": contactID}).
		Where(sq.Lt{"occurred_at": before.UTC()}).
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// ListByProject returns events in the project that occurred inside the
// range, newest first
func (r *EventRepository) ListByProject(ctx context.Context, projectID string, from, to time.Time, limit int) ([]*domain.Event, error) {
	query, args, err := psql.
		Select(eventColumns...).
		From("events").
		Where(sq.Eq{"project_id": projectID}).
		Where(sq.GtOrEq{"occurred_at": from.UTC()}).
		Where(sq.Lt{"occurred_at": to.UTC()}).
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// CountByName counts events of a given name since a point in time
func (r *EventRepository) CountByName(ctx context.Context, projectID, name string, since time.Time) (int, error) {
	query, args, err := psql.
		Select("COUNT(*)").
		From("events").
		Where(sq.Eq{"project_id": projectID, "name": name}).
		Where(sq.GtOrEq{"occurred_at": since.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	return count, nil
}

// nullString maps "" to SQL NULL for optional foreign keys
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanEvent(s scanner) (*domain.Event, error) {
	var event domain.Event
	var contactID sql.NullString

	err := s.Scan(
		&event.ID, &event.ProjectID, &contactID, &event.EmailID, &event.Name,
		&event.Properties, &event.OccurredAt, &event.CreatedAt,
	)
	event.ContactID = contactID.String
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	return &event, nil
}
