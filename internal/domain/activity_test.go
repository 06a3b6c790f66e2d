package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	cursor := EncodeActivityCursor(ts, "item-42")
	assert.Equal(t, "1773570600000_item-42", cursor)

	gotTS, gotID, err := DecodeActivityCursor(cursor)
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTS))
	assert.Equal(t, "item-42", gotID)
}

func TestDecodeActivityCursor_IDWithUnderscores(t *testing.T) {
	// Composite item IDs like "em1:opened" pass through; so do underscores
	cursor := EncodeActivityCursor(time.UnixMilli(1000), "a_b_c")
	_, id, err := DecodeActivityCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, "a_b_c", id)
}

func TestDecodeActivityCursor_Malformed(t *testing.T) {
	for _, cursor := range []string{"", "12345", "notanumber_id", "12345_"} {
		_, _, err := DecodeActivityCursor(cursor)
		assert.Error(t, err, "cursor %q", cursor)
	}
}

func TestActivityListRequestValidate(t *testing.T) {
	req := &ActivityListRequest{ProjectID: "p1"}
	require.NoError(t, req.Validate())
	assert.Equal(t, ActivityDefaultLimit, req.Limit)

	req = &ActivityListRequest{ProjectID: "p1", Limit: 500}
	require.NoError(t, req.Validate())
	assert.Equal(t, ActivityMaxLimit, req.Limit)

	req = &ActivityListRequest{}
	assert.Error(t, req.Validate())

	req = &ActivityListRequest{ProjectID: "p1", Cursor: "bad"}
	assert.Error(t, req.Validate())

	req = &ActivityListRequest{ProjectID: "p1", TypeFilter: []ActivityType{"webhook"}}
	assert.Error(t, req.Validate())

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	req = &ActivityListRequest{ProjectID: "p1", StartDate: &start, EndDate: &end}
	assert.Error(t, req.Validate())
}

func TestActivityListRequestWantsType(t *testing.T) {
	req := &ActivityListRequest{ProjectID: "p1"}
	assert.True(t, req.WantsType(ActivityTypeEvent))
	assert.True(t, req.WantsType(ActivityTypeExecution))

	req.TypeFilter = []ActivityType{ActivityTypeEmail}
	assert.True(t, req.WantsType(ActivityTypeEmail))
	assert.False(t, req.WantsType(ActivityTypeEvent))
}
