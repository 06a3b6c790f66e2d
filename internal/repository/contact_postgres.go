package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loopmail/loopmail/internal/domain"
)

// ContactRepository implements domain.ContactRepository on Postgres
type ContactRepository struct {
	db *sql.DB
}

// NewContactRepository creates a new ContactRepository
func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

var contactColumns = []string{
	"id", "project_id", "email", "first_name", "last_name", "status",
	"attributes", "created_at", "updated_at",
}

// Upsert inserts the contact or updates it by (project_id, email)
func (r *ContactRepository) Upsert(ctx context.Context, contact *domain.Contact) error {
	now := time.Now().UTC()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}
	contact.UpdatedAt = now

	query, args, err := psql.
		Insert("contacts").
		Columns(contactColumns...).
		Values(contact.ID, contact.ProjectID, contact.Email, contact.FirstName,
			contact.LastName, contact.Status, contact.Attributes,
			contact.CreatedAt, contact.UpdatedAt).
		Suffix(`ON CONFLICT (project_id, email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			status = EXCLUDED.status,
			attributes = contacts.attributes || EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}

	return nil
}

// GetByID fetches a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Contact, error) {
	return r.getOne(ctx, sq.Eq{"project_id": projectID, "id": id}, id)
}

// GetByEmail fetches a contact by email address
func (r *ContactRepository) GetByEmail(ctx context.Context, projectID, email string) (*domain.Contact, error) {
	return r.getOne(ctx, sq.Eq{"project_id": projectID, "email": email}, email)
}

func (r *ContactRepository) getOne(ctx context.Context, where sq.Eq, id string) (*domain.Contact, error) {
	query, args, err := psql.
		Select(contactColumns...).
		From("contacts").
		Where(where).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	contact, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, &domain.ErrNotFound{Entity: "contact", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return contact, nil
}

// MergeAttributes merges attrs into the contact's JSONB attributes.
// Existing keys are overwritten, others are untouched.
func (r *ContactRepository) MergeAttributes(ctx context.Context, projectID, id string, attrs domain.MapOfAny) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		UPDATE contacts
		SET attributes = COALESCE(attributes, '{}'::jsonb) || $3::jsonb, updated_at = $4
		WHERE project_id = $1 AND id = $2
	`

	result, err := r.db.ExecContext(ctx, query, projectID, id, attrsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to merge contact attributes: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "contact", ID: id}
	}

	return nil
}

// UpdateStatus changes the contact's subscription status
func (r *ContactRepository) UpdateStatus(ctx context.Context, projectID, id string, status domain.ContactStatus) error {
	query, args, err := psql.
		Update("contacts").
		Set("status", status).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"project_id": projectID, "id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update contact status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ErrNotFound{Entity: "contact", ID: id}
	}

	return nil
}

// ListPage scans one audience page in stable ID order. It fetches limit+1
// rows to decide whether another page exists without a second query.
func (r *ContactRepository) ListPage(ctx context.Context, projectID string, filter *domain.ContactFilter, cursor string, limit int) (*domain.ContactPage, error) {
	builder := psql.
		Select(contactColumns...).
		From("contacts").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("id ASC").
		Limit(uint64(limit + 1))

	builder = applyContactFilter(builder, filter)

	if cursor != "" {
		builder = builder.Where(sq.Gt{"id": cursor})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*domain.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	page := &domain.ContactPage{Contacts: contacts}
	if len(contacts) > limit {
		page.Contacts = contacts[:limit]
		page.HasMore = true
		page.NextCursor = page.Contacts[limit-1].ID
	}

	return page, nil
}

// CountByFilter counts the audience matching the filter
func (r *ContactRepository) CountByFilter(ctx context.Context, projectID string, filter *domain.ContactFilter) (int, error) {
	builder := psql.
		Select("COUNT(*)").
		From("contacts").
		Where(sq.Eq{"project_id": projectID})

	builder = applyContactFilter(builder, filter)

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count contacts: %w", err)
	}

	return count, nil
}

// applyContactFilter adds the filter's predicates to the query. Without an
// explicit status list only subscribed contacts match.
func applyContactFilter(builder sq.SelectBuilder, filter *domain.ContactFilter) sq.SelectBuilder {
	statuses := []domain.ContactStatus{domain.ContactStatusSubscribed}
	if filter != nil && len(filter.Statuses) > 0 {
		statuses = filter.Statuses
	}
	builder = builder.Where(sq.Eq{"status": statuses})

	if filter != nil {
		for key, value := range filter.Attributes {
			builder = builder.Where(sq.Expr("attributes ->> ? = ?", key, fmt.Sprint(value)))
		}
	}

	return builder
}

func scanContact(s scanner) (*domain.Contact, error) {
	var contact domain.Contact

	err := s.Scan(
		&contact.ID, &contact.ProjectID, &contact.Email, &contact.FirstName,
		&contact.LastName, &contact.Status, &contact.Attributes,
		&contact.CreatedAt, &contact.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	return &contact, nil
}
