package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// SegmentRepository implements domain.SegmentRepository on Postgres
type SegmentRepository struct {
	db *sql.DB
}

// NewSegmentRepository creates a new SegmentRepository
func NewSegmentRepository(db *sql.DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

var segmentColumns = []string{
	"id", "project_id", "name", "description", "filter", "created_at", "updated_at",
}

// Create inserts a segment
func (r *SegmentRepository) Create(ctx context.Context, segment *domain.Segment) error {
	now := time.Now().UTC()
	segment.CreatedAt = now
	segment.UpdatedAt = now

	query, args, err := psql.
		Insert("segments").
		Columns(segmentColumns...).
		Values(segment.ID, segment.ProjectID, segment.Name, segment.Description,
			segment.Filter, segment.CreatedAt, segment.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}

	return nil
}

// GetByID fetches a segment by ID
func (r *SegmentRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Segment, error) {
	query, args, err := psql.
		Select(segmentColumns...).
		From("segments").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	segment, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "segment", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return segment, nil
}

// Update rewrites the segment's definition
func (r *SegmentRepository) Update(ctx context.Context, segment *domain.Segment) error {
	segment.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Update("segments").
		Set("name", segment.Name).
		Set("description", segment.Description).
		Set("filter", segment.Filter).
		Set("updated_at", segment.UpdatedAt).
		Where(sq.Eq{"project_id": segment.ProjectID, "id": segment.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "segment", ID: segment.ID}
	}

	return nil
}

// Delete removes a segment. Campaigns referencing it fail at send time.
func (r *SegmentRepository) Delete(ctx context.Context, projectID, id string) error {
	query, args, err := psql.
		Delete("segments").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "segment", ID: id}
	}

	return nil
}

// List returns a project's segments, newest first
func (r *SegmentRepository) List(ctx context.Context, projectID string) ([]*domain.Segment, error) {
	query, args, err := psql.
		Select(segmentColumns...).
		From("segments").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []*domain.Segment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return segments, nil
}

func scanSegment(s scanner) (*domain.Segment, error) {
	var segment domain.Segment

	err := s.Scan(
		&segment.ID, &segment.ProjectID, &segment.Name, &segment.Description,
		&segment.Filter, &segment.CreatedAt, &segment.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan segment: %w", err)
	}

	return &segment, nil
}
