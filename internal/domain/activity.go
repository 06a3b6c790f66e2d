package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActivityType identifies which source an activity came from
type ActivityType string

const (
	ActivityTypeEvent     ActivityType = "event"
	ActivityTypeEmail     ActivityType = "email"
	ActivityTypeExecution ActivityType = "execution"
)

// Activity kinds synthesized from the sources. One Email can yield up to
// five activities, one per engagement timestamp that is set.
const (
	ActivityKindEventTriggered    = "event.triggered"
	ActivityKindEmailSent         = "email.sent"
	ActivityKindEmailDelivered    = "email.delivered"
	ActivityKindEmailOpened       = "email.opened"
	ActivityKindEmailClicked      = "email.clicked"
	ActivityKindEmailBounced      = "email.bounced"
	ActivityKindWorkflowStarted   = "workflow.started"
	ActivityKindWorkflowCompleted = "workflow.completed"
)

// ActivityItem is one entry in the merged feed. Items from all sources share
// a single descending timestamp order; ties are broken by ID so pagination
// is stable. IDs are unique across kinds: an email's open activity is
// "{emailID}:opened".
type ActivityItem struct {
	Type      ActivityType `json:"type"`
	Kind      string       `json:"kind"`
	ID        string       `json:"id"`
	ContactID string       `json:"contact_id,omitempty"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	Details   MapOfAny     `json:"details,omitempty"`
}

// Feed pagination limits and the default lookback window
const (
	ActivityDefaultLimit  = 50
	ActivityMaxLimit      = 100
	ActivityDefaultWindow = 30 * 24 * time.Hour
)

// EncodeActivityCursor builds the opaque "{unixMillis}_{id}" cursor that
// marks the last item of a page
func EncodeActivityCursor(ts time.Time, id string) string {
	return fmt.Sprintf("%d_%s", ts.UnixMilli(), id)
}

// DecodeActivityCursor parses a cursor back into its timestamp and item ID
func DecodeActivityCursor(cursor string) (time.Time, string, error) {
	parts := strings.SplitN(cursor, "_", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", NewValidationError("cursor", "malformed cursor")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", NewValidationError("cursor", "malformed cursor timestamp")
	}
	return time.UnixMilli(millis).UTC(), parts[1], nil
}

// ActivityListRequest asks for one page of a project's activity feed.
// ContactID narrows the feed to one contact; TypeFilter skips sources
// entirely; the date range defaults to the trailing 30 days.
type ActivityListRequest struct {
	ProjectID  string
	Limit      int
	Cursor     string
	TypeFilter []ActivityType
	ContactID  string
	StartDate  *time.Time
	EndDate    *time.Time
}

// Validate checks the request and applies the limit defaults
func (r *ActivityListRequest) Validate() error {
	if r.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if r.Limit <= 0 {
		r.Limit = ActivityDefaultLimit
	}
	if r.Limit > ActivityMaxLimit {
		r.Limit = ActivityMaxLimit
	}
	for _, t := range r.TypeFilter {
		switch t {
		case ActivityTypeEvent, ActivityTypeEmail, ActivityTypeExecution:
		default:
			return NewValidationError("type_filter", fmt.Sprintf("unknown activity type %q", t))
		}
	}
	if r.StartDate != nil && r.EndDate != nil && r.EndDate.Before(*r.StartDate) {
		return NewValidationError("end_date", "must not be before start_date")
	}
	if r.Cursor != "" {
		if _, _, err := DecodeActivityCursor(r.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// WantsType reports whether the request includes the source. An empty
// filter includes everything.
func (r *ActivityListRequest) WantsType(t ActivityType) bool {
	if len(r.TypeFilter) == 0 {
		return true
	}
	for _, f := range r.TypeFilter {
		if f == t {
			return true
		}
	}
	return false
}

// ActivityList is one page of merged items
type ActivityList struct {
	Activities []*ActivityItem `json:"activities"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

// ContactStats summarizes a contact's engagement. Rates are 0 when the
// denominator is 0.
type ContactStats struct {
	ContactID       string  `json:"contact_id"`
	EventCount      int     `json:"event_count"`
	EmailsSent      int     `json:"emails_sent"`
	EmailsDelivered int     `json:"emails_delivered"`
	EmailsOpened    int     `json:"emails_opened"`
	EmailsClicked   int     `json:"emails_clicked"`
	EmailsBounced   int     `json:"emails_bounced"`
	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
}

// ProjectStats aggregates activity across a project for a date range
type ProjectStats struct {
	ProjectID          string    `json:"project_id"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	EventCount         int       `json:"event_count"`
	EmailsSent         int       `json:"emails_sent"`
	EmailsDelivered    int       `json:"emails_delivered"`
	EmailsOpened       int       `json:"emails_opened"`
	EmailsClicked      int       `json:"emails_clicked"`
	EmailsBounced      int       `json:"emails_bounced"`
	EmailsComplained   int       `json:"emails_complained"`
	WorkflowsStarted   int       `json:"workflows_started"`
	WorkflowsCompleted int       `json:"workflows_completed"`
	DeliveryRate       float64   `json:"delivery_rate"`
	OpenRate           float64   `json:"open_rate"`
	ClickRate          float64   `json:"click_rate"`
}

// EmailStatTotals counts emails by the engagement timestamps set inside a
// date range
type EmailStatTotals struct {
	Sent       int
	Delivered  int
	Opened     int
	Clicked    int
	Bounced    int
	Complained int
}

// ActivityRepository reads aggregate slices of a project's history
type ActivityRepository interface {
	// CountContactEmailStats counts the contact's emails by each engagement
	// timestamp that is set
	CountContactEmailStats(ctx context.Context, projectID, contactID string) (*EmailStatTotals, error)
	CountEvents(ctx context.Context, projectID, contactID string) (int, error)

	// CountEmailStats counts emails by each engagement timestamp falling
	// inside the range
	CountEmailStats(ctx context.Context, projectID string, from, to time.Time) (*EmailStatTotals, error)
	CountEventsInRange(ctx context.Context, projectID string, from, to time.Time) (int, error)
	CountEmailsInRange(ctx context.Context, projectID string, from, to time.Time) (int, error)
	// CountExecutionsInRange returns executions started and completed inside
	// the range
	CountExecutionsInRange(ctx context.Context, projectID string, from, to time.Time) (started, completed int, err error)
}

// ActivityService assembles the merged activity feed and cached stats
type ActivityService interface {
	// GetActivities returns one page of the project feed, optionally
	// narrowed to a contact, source types and a date range
	GetActivities(ctx context.Context, req *ActivityListRequest) (*ActivityList, error)
	GetContactStats(ctx context.Context, projectID, contactID string) (*ContactStats, error)
	// GetStats aggregates project counts and rates for the range, cached
	GetStats(ctx context.Context, projectID string, start, end *time.Time) (*ProjectStats, error)
	// GetRecentActivityCount sums event, email and workflow counts in the
	// trailing window
	GetRecentActivityCount(ctx context.Context, projectID string, minutes int) (int, error)
}
