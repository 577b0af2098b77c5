package schemas_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// -- Test Helpers --

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

// -- Test Cases --

// TestConstants pins the wire values of the enums exposed to collaborators.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant interface{}
		expected string
	}{
		{"EventRepost", schemas.EventRepost, "repost"},
		{"EdgeCoordinatesWith", schemas.EdgeCoordinatesWith, "COORDINATES_WITH"},
		{"DetectorBotRate", schemas.DetectorBotRate, "bot_rate"},
		{"AlertActive", schemas.AlertActive, "active"},
		{"OpRecordEdge", schemas.OpRecordEdge, "RecordEdge"},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tt.constant)
			require.NoError(t, err)
			assert.Equal(t, `"`+tt.expected+`"`, string(data))
		})
	}
}

func TestPairSubjectIsCanonical(t *testing.T) {
	t.Parallel()
	a := schemas.PairSubject("zed", "amy")
	b := schemas.PairSubject("amy", "zed")

	assert.Equal(t, a, b)
	assert.Equal(t, "amy|zed", a.Key())
	assert.True(t, a.IsPair())
	assert.Equal(t, []string{"amy", "zed"}, a.Accounts())
	assert.False(t, schemas.AccountSubject("amy").IsPair())
}

func TestSortCandidatesTieBreak(t *testing.T) {
	t.Parallel()
	cs := []schemas.Candidate{
		{Subject: schemas.AccountSubject("carol"), Score: 0.5},
		{Subject: schemas.AccountSubject("bob"), Score: 0.9},
		{Subject: schemas.AccountSubject("alice"), Score: 0.5},
	}
	schemas.SortCandidates(cs)

	assert.Equal(t, "bob", cs[0].Subject.Key())
	assert.Equal(t, "alice", cs[1].Subject.Key(), "ties are broken by subject id")
	assert.Equal(t, "carol", cs[2].Subject.Key())
}

func TestDecay(t *testing.T) {
	t.Parallel()
	halfLife := 48 * time.Hour

	assert.InDelta(t, 0.5, schemas.Decay(1, halfLife, halfLife), 1e-9)
	assert.InDelta(t, 0.25, schemas.Decay(1, 2*halfLife, halfLife), 1e-9)
	assert.Equal(t, 0.8, schemas.Decay(0.8, -time.Hour, halfLife), "reads before the update are not decayed")
	assert.Equal(t, 0.8, schemas.Decay(0.8, time.Hour, 0), "a zero half-life disables decay")
}

func TestAccountCoordinationScore(t *testing.T) {
	t.Parallel()
	now := getTestTime(t)
	acc := schemas.Account{
		ID: "alice",
		Scores: map[schemas.DetectorKind]schemas.DecayedScore{
			schemas.DetectorBotRate:    {Score: 1.0, UpdatedAt: now.Add(-96 * time.Hour)},
			schemas.DetectorSockPuppet: {Score: 0.7, UpdatedAt: now},
		},
	}

	// The bot-rate score has decayed to 0.25, so the fresh sock-puppet score wins.
	assert.InDelta(t, 0.7, acc.CoordinationScore(now, 48*time.Hour), 1e-9)

	clone := acc.Clone()
	clone.Scores[schemas.DetectorBotRate] = schemas.DecayedScore{Score: 0}
	assert.Equal(t, 1.0, acc.Scores[schemas.DetectorBotRate].Score, "clone must not alias the score map")
	assert.False(t, math.IsNaN(acc.CoordinationScore(now, 48*time.Hour)))
}

func TestContentSameAs(t *testing.T) {
	t.Parallel()
	now := getTestTime(t)
	c := schemas.Content{ID: "c1", Kind: schemas.EventPost, AuthorID: "alice", Timestamp: now, Topics: []string{"news"}}

	same := c.Clone()
	same.RepostCount = 7
	assert.True(t, c.SameAs(same), "repost counter is not part of content identity")

	changed := c.Clone()
	changed.Topics = []string{"sport"}
	assert.False(t, c.SameAs(changed))

	moved := c.Clone()
	moved.Timestamp = now.Add(time.Second)
	assert.False(t, c.SameAs(moved))
}

func TestEventContent(t *testing.T) {
	t.Parallel()
	ev := schemas.Event{
		Kind: schemas.EventRepost, ID: "r1", AuthorID: "bob",
		Timestamp: getTestTime(t), TargetID: "c1", Topics: []string{"news"},
	}
	c := ev.Content()
	assert.Equal(t, "c1", c.OriginalID)
	assert.Equal(t, "bob", c.AuthorID)

	c.Topics[0] = "changed"
	assert.Equal(t, "news", ev.Topics[0], "content must not alias event slices")
}
