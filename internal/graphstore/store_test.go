package graphstore

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// -- Test Helpers --

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		WindowExpiry:      24 * time.Hour,
		WindowCapacity:    10_000,
		FinalizationDelay: 5 * time.Second,
		RetentionHorizon:  30 * 24 * time.Hour,
		ScoreHalfLife:     48 * time.Hour,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(testOptions(), zaptest.NewLogger(t))
}

func post(id, author string, at time.Time, topics ...string) schemas.Event {
	return schemas.Event{Kind: schemas.EventPost, ID: id, AuthorID: author, Timestamp: at, Topics: topics}
}

func repost(id, author, target string, at time.Time) schemas.Event {
	return schemas.Event{Kind: schemas.EventRepost, ID: id, AuthorID: author, Timestamp: at, TargetID: target}
}

func mustApply(t *testing.T, s *Store, ev schemas.Event) []schemas.Mutation {
	t.Helper()
	muts, err := s.Apply(ev)
	require.NoError(t, err)
	return muts
}

// assertNoDanglingEdges checks that every stored edge has both endpoints.
func assertNoDanglingEdges(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.edges {
		require.True(t, s.exists(key.fromRef()), "edge %v has missing source", key)
		require.True(t, s.exists(key.toRef()), "edge %v has missing destination", key)
	}
}

// -- Test Cases --

func TestNew(t *testing.T) {
	t.Parallel()
	s := New(testOptions(), nil)
	require.NotNil(t, s)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestApplyPostWithMentionsAndTopics(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ev := post("c1", "alice", t0, "elections", "news")
	ev.Kind = schemas.EventMention
	ev.Mentions = []string{"bob", "carol"}
	muts := mustApply(t, s, ev)

	ops := make([]schemas.MutationOp, 0, len(muts))
	for _, m := range muts {
		ops = append(ops, m.Op)
	}
	assert.Equal(t, []schemas.MutationOp{
		schemas.OpUpsertAccount, // alice
		schemas.OpUpsertAccount, // bob
		schemas.OpUpsertAccount, // carol
		schemas.OpRecordContent,
		schemas.OpRecordEdge, // POSTED
		schemas.OpRecordEdge, schemas.OpRecordEdge, // MENTIONS
		schemas.OpRecordEdge, schemas.OpRecordEdge, // USES_TOPIC
	}, ops)

	alice, err := s.Account("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.PostCount)
	assert.Equal(t, t0, alice.CreatedAt)

	bob, err := s.Account("bob")
	require.NoError(t, err)
	assert.Equal(t, 0, bob.PostCount, "being mentioned is not posting")

	stats := s.Stats()
	assert.Equal(t, 3, stats.Accounts)
	assert.Equal(t, 1, stats.Contents)
	assert.Equal(t, 2, stats.Topics)
	assert.Equal(t, 5, stats.Edges)
	assertNoDanglingEdges(t, s)
}

func TestApplyDuplicates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	mustApply(t, s, post("c1", "alice", t0, "news"))
	before := s.Stats()

	t.Run("identical redelivery is a no-op", func(t *testing.T) {
		muts, err := s.Apply(post("c1", "alice", t0, "news"))
		assert.ErrorIs(t, err, schemas.ErrDuplicateContent)
		assert.Empty(t, muts)
		assert.Equal(t, before, s.Stats())

		alice, err := s.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, 1, alice.PostCount)
	})

	t.Run("differing redelivery conflicts", func(t *testing.T) {
		_, err := s.Apply(post("c1", "mallory", t0, "news"))
		assert.ErrorIs(t, err, schemas.ErrConflictingContent)
		_, err = s.Account("mallory")
		assert.ErrorIs(t, err, schemas.ErrNotFound, "a rejected event must leave no trace")
	})
}

func TestRepostLinksAndCounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	mustApply(t, s, post("c1", "alice", t0))
	mustApply(t, s, repost("r1", "bob", "c1", t0.Add(time.Minute)))
	mustApply(t, s, repost("r2", "carol", "c1", t0.Add(2*time.Minute)))

	orig, err := s.Content("c1")
	require.NoError(t, err)
	assert.Equal(t, 2, orig.RepostCount)
	assert.Equal(t, 2, s.Stats().WindowLen)
	assertNoDanglingEdges(t, s)
}

func TestParkedRepostMaterialisesLater(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, repost("r1", "bob", "c1", t0.Add(time.Second)))
	assert.Equal(t, 1, s.Stats().Parked)

	snap, err := s.Snapshot(ctx, t0.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.NotContains(t, snap.Contents, "r1", "a repost without its original is not finalized")
	assert.Empty(t, snap.Window.Entries)

	// The original arrives late but carries an earlier timestamp.
	muts := mustApply(t, s, post("c1", "alice", t0))
	assert.Equal(t, 0, s.Stats().Parked)

	var sawReposts bool
	for _, m := range muts {
		if m.Op == schemas.OpRecordEdge && m.Edge.Kind == schemas.EdgeReposts {
			sawReposts = true
			assert.Equal(t, "r1", m.Edge.From)
			assert.Equal(t, "c1", m.Edge.To)
		}
	}
	assert.True(t, sawReposts, "the parked REPOSTS edge is emitted with the original")

	snap, err = s.Snapshot(ctx, t0.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Contains(t, snap.Contents, "r1")
	assert.Equal(t, 1, snap.Contents["c1"].RepostCount)
	require.Len(t, snap.Window.Entries, 1)
	assert.Equal(t, "bob", snap.Window.Entries[0].AccountID)
	assertNoDanglingEdges(t, s)
}

func TestRecordEdge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	mustApply(t, s, post("c1", "alice", t0))
	mustApply(t, s, post("c2", "bob", t0))

	t.Run("rejects dangling endpoints", func(t *testing.T) {
		_, err := s.RecordEdge(schemas.EdgeMentions, "c1", "ghost", schemas.EdgeAttrs{Timestamp: t0})
		assert.ErrorIs(t, err, schemas.ErrDanglingReference)
		_, err = s.RecordEdge(schemas.EdgeCoordinatesWith, "alice", "ghost", schemas.EdgeAttrs{Timestamp: t0, Score: 1})
		assert.ErrorIs(t, err, schemas.ErrDanglingReference)
	})

	t.Run("rejects unknown kinds and self coordination", func(t *testing.T) {
		_, err := s.RecordEdge("FOLLOWS", "alice", "bob", schemas.EdgeAttrs{})
		assert.ErrorIs(t, err, schemas.ErrMalformedEvent)
		_, err = s.RecordEdge(schemas.EdgeCoordinatesWith, "alice", "alice", schemas.EdgeAttrs{})
		assert.ErrorIs(t, err, schemas.ErrMalformedEvent)
	})

	t.Run("structural edges are immutable", func(t *testing.T) {
		e, err := s.RecordEdge(schemas.EdgePosted, "alice", "c1", schemas.EdgeAttrs{Timestamp: t0.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, t0, e.Timestamp)
	})

	t.Run("coordination is one canonical upserted edge", func(t *testing.T) {
		edges := s.Stats().Edges
		e, err := s.RecordEdge(schemas.EdgeCoordinatesWith, "bob", "alice", schemas.EdgeAttrs{Timestamp: t0, Score: 0.8})
		require.NoError(t, err)
		assert.Equal(t, "alice", e.From)
		assert.Equal(t, "bob", e.To)

		// One half-life later the stored 0.8 is worth 0.4, so 0.5 wins.
		e, err = s.RecordEdge(schemas.EdgeCoordinatesWith, "alice", "bob", schemas.EdgeAttrs{Timestamp: t0.Add(48 * time.Hour), Score: 0.5})
		require.NoError(t, err)
		assert.Equal(t, 0.5, e.Score)
		assert.Equal(t, t0.Add(48*time.Hour), e.UpdatedAt)

		// A weaker reading does not overwrite.
		e, err = s.RecordEdge(schemas.EdgeCoordinatesWith, "alice", "bob", schemas.EdgeAttrs{Timestamp: t0.Add(49 * time.Hour), Score: 0.1})
		require.NoError(t, err)
		assert.Equal(t, 0.5, e.Score)

		assert.Equal(t, edges+1, s.Stats().Edges)
	})
}

func TestReinforceAndSyncSuspected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	mustApply(t, s, post("c1", "alice", t0))
	mustApply(t, s, post("c2", "bob", t0))
	at := t0.Add(time.Hour)

	muts := s.Reinforce(schemas.Candidate{
		Subject: schemas.PairSubject("bob", "alice"), Kind: schemas.DetectorCoordinatedRepost, Score: 0.9, ObservedAt: at,
	}, at)
	require.Len(t, muts, 3, "two accounts and one coordination edge")
	assert.Equal(t, schemas.OpRecordEdge, muts[2].Op)

	s.Reinforce(schemas.Candidate{
		Subject: schemas.AccountSubject("alice"), Kind: schemas.DetectorBotRate, Score: 1, Value: 150, ObservedAt: at,
	}, at)

	alice, err := s.Account("alice")
	require.NoError(t, err)
	assert.Equal(t, 150.0, alice.ActivityRate)
	assert.InDelta(t, 1.0, alice.CoordinationScore(at, 48*time.Hour), 1e-9)
	assert.InDelta(t, 0.5, alice.CoordinationScore(at.Add(48*time.Hour), 48*time.Hour), 1e-9)

	muts = s.SyncSuspected(map[string]struct{}{"alice": {}, "ghost": {}})
	require.Len(t, muts, 1)
	assert.True(t, muts[0].Account.SuspectedTroll)

	assert.Empty(t, s.SyncSuspected(map[string]struct{}{"alice": {}}), "unchanged flags emit nothing")

	muts = s.SyncSuspected(nil)
	require.Len(t, muts, 1)
	assert.False(t, muts[0].Account.SuspectedTroll)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, post("c1", "alice", t0, "news"))
	mustApply(t, s, repost("r1", "bob", "c1", t0.Add(10*time.Second)))
	mustApply(t, s, repost("r2", "carol", "c1", t0.Add(58*time.Second)))

	t.Run("finalization delay hides the newest events", func(t *testing.T) {
		snap, err := s.Snapshot(ctx, t0.Add(time.Minute), time.Time{})
		require.NoError(t, err)
		assert.Equal(t, t0.Add(55*time.Second), snap.Cutoff)
		assert.Contains(t, snap.Contents, "r1")
		assert.NotContains(t, snap.Contents, "r2")
		assert.NotContains(t, snap.Accounts, "carol")
		assert.Len(t, snap.Window.Entries, 1)
	})

	t.Run("edges are sorted and reference snapshot entities", func(t *testing.T) {
		snap, err := s.Snapshot(ctx, t0.Add(time.Hour), time.Time{})
		require.NoError(t, err)
		require.Len(t, snap.Edges, 6)
		assert.Equal(t, schemas.EdgePosted, snap.Edges[0].Kind)
		for i := 1; i < len(snap.Edges); i++ {
			prev, cur := snap.Edges[i-1], snap.Edges[i]
			assert.True(t, prev.Kind < cur.Kind || (prev.Kind == cur.Kind && prev.From <= cur.From))
		}
	})

	t.Run("since still pulls in older originals", func(t *testing.T) {
		snap, err := s.Snapshot(ctx, t0.Add(time.Hour), t0.Add(5*time.Second))
		require.NoError(t, err)
		assert.Contains(t, snap.Contents, "c1")
		assert.Contains(t, snap.Contents, "r1")
	})

	t.Run("snapshot does not alias live state", func(t *testing.T) {
		snap, err := s.Snapshot(ctx, t0.Add(time.Hour), time.Time{})
		require.NoError(t, err)
		c := snap.Contents["c1"]
		c.Topics[0] = "tampered"
		live, err := s.Content("c1")
		require.NoError(t, err)
		assert.Equal(t, "news", live.Topics[0])
	})

	t.Run("expired window entries are absent", func(t *testing.T) {
		snap, err := s.Snapshot(ctx, t0.Add(25*time.Hour), time.Time{})
		require.NoError(t, err)
		assert.Empty(t, snap.Window.Entries)
	})
}

func TestSnapshotUnavailable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	s.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Snapshot(ctx, t0, time.Time{})
	s.mu.Unlock()

	assert.ErrorIs(t, err, schemas.ErrSnapshotUnavailable)
}

func TestEviction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	day := 24 * time.Hour

	// zed is idle and alone; alice's old post is still being reposted.
	mustApply(t, s, post("z1", "zed", t0, "gardening"))
	mustApply(t, s, post("c1", "alice", t0, "news"))
	mustApply(t, s, repost("r1", "bob", "c1", t0.Add(40*day)))

	notice := s.Evictable(t0.Add(41 * day))
	assert.Equal(t, []string{"zed"}, notice.Accounts)
	assert.Equal(t, []string{"z1"}, notice.Contents)
	assert.Equal(t, []string{"gardening"}, notice.Topics)

	removed := s.Release(notice)
	assert.Equal(t, 3, removed)
	_, err := s.Content("z1")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	_, err = s.Content("c1")
	assert.NoError(t, err, "an original with a retained repost stays")
	assertNoDanglingEdges(t, s)

	t.Run("stale notices are rechecked", func(t *testing.T) {
		stale := schemas.EvictionNotice{AsOf: t0.Add(41 * day), Accounts: []string{"bob"}, Contents: []string{"c1"}}
		assert.Equal(t, 0, s.Release(stale))
	})
}

// TestNoDanglingEdgesUnderRandomEvents applies random, timestamp-ordered events
// (including reposts of unknown and late-arriving content) and evictions, and
// checks that no edge ever references a missing entity.
func TestNoDanglingEdgesUnderRandomEvents(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	s := newTestStore(t)

	accounts := make([]string, 25)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("acct-%02d", i)
	}
	topics := []string{"a", "b", "c", "d", "e"}
	now := t0

	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Intn(3600)) * time.Second)
		id := fmt.Sprintf("c%04d", i)
		author := accounts[rng.Intn(len(accounts))]

		var ev schemas.Event
		switch rng.Intn(4) {
		case 0:
			ev = post(id, author, now, topics[rng.Intn(len(topics))])
		case 1:
			// Targets may not exist yet (ids up to 50 ahead) or never exist.
			target := fmt.Sprintf("c%04d", rng.Intn(i+50))
			if target == id {
				target = "c9999"
			}
			ev = repost(id, author, target, now)
		case 2:
			ev = post(id, author, now)
			ev.Kind = schemas.EventMention
			ev.Mentions = []string{accounts[rng.Intn(len(accounts))]}
		default:
			ev = post(id, author, now, topics[rng.Intn(len(topics))], topics[rng.Intn(len(topics))])
			ev.Kind = schemas.EventHashtag
		}
		if ev.Kind == schemas.EventHashtag && ev.Topics[0] == ev.Topics[1] {
			ev.Topics = ev.Topics[:1]
		}
		if ev.Kind == schemas.EventHashtag && len(ev.Topics) == 2 && ev.Topics[1] < ev.Topics[0] {
			ev.Topics[0], ev.Topics[1] = ev.Topics[1], ev.Topics[0]
		}

		_, err := s.Apply(ev)
		require.NoError(t, err)

		if i%250 == 0 {
			s.Release(s.Evictable(now))
		}
		if i%100 == 0 {
			assertNoDanglingEdges(t, s)
		}
	}
	assertNoDanglingEdges(t, s)

	snap, err := s.Snapshot(context.Background(), now.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	for _, e := range snap.Edges {
		assert.True(t, inSnapshot(snap, edgeKey{kind: e.Kind, from: e.From, to: e.To}.fromRef()))
		assert.True(t, inSnapshot(snap, edgeKey{kind: e.Kind, from: e.From, to: e.To}.toRef()))
	}
}
