package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// TemplateRepository implements domain.TemplateRepository on Postgres
type TemplateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new TemplateRepository
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

var templateColumns = []string{
	"id", "project_id", "name", "subject", "html_body", "text_body",
	"transactional", "created_at", "updated_at",
}

// Create inserts a template
func (r *TemplateRepository) Create(ctx context.Context, template *domain.Template) error {
	now := time.Now().UTC()
	template.CreatedAt = now
	template.UpdatedAt = now

	query, args, err := psql.
		Insert("templates").
		Columns(templateColumns...).
		Values(template.ID, template.ProjectID, template.Name, template.Subject,
			template.HTMLBody, template.TextBody, template.Transactional,
			template.CreatedAt, template.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	return nil
}

// GetByID fetches a template by ID
func (r *TemplateRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Template, error) {
	query, args, err := psql.
		Select(templateColumns...).
		From("templates").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	template, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "template", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return template, nil
}

// Update rewrites the template
func (r *TemplateRepository) Update(ctx context.Context, template *domain.Template) error {
	template.UpdatedAt = time.Now().UTC()

	query, args, err := psql.
		Update("templates").
		Set("name", template.Name).
		Set("subject", template.Subject).
		Set("html_body", template.HTMLBody).
		Set("text_body", template.TextBody).
		Set("transactional", template.Transactional).
		Set("updated_at", template.UpdatedAt).
		Where(sq.Eq{"project_id": template.ProjectID, "id": template.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "template", ID: template.ID}
	}

	return nil
}

// Delete removes a template
func (r *TemplateRepository) Delete(ctx context.Context, projectID, id string) error {
	query, args, err := psql.
		Delete("templates").
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "template", ID: id}
	}

	return nil
}

// List returns a project's templates ordered by name
func (r *TemplateRepository) List(ctx context.Context, projectID string) ([]*domain.Template, error) {
	query, args, err := psql.
		Select(templateColumns...).
		From("templates").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []*domain.Template
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return templates, nil
}

func scanTemplate(s scanner) (*domain.Template, error) {
	var template domain.Template

	err := s.Scan(
		&template.ID, &template.ProjectID, &template.Name, &template.Subject,
		&template.HTMLBody, &template.TextBody, &template.Transactional,
		&template.CreatedAt, &template.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	return &template, nil
}
