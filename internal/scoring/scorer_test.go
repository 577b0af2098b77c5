package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/detector"
	"github.com/xkilldash9x/swarmwatch/internal/observability"
)

// fakeDetector lets each test script a detector's behaviour.
type fakeDetector struct {
	kind schemas.DetectorKind
	eval func(ctx context.Context) ([]schemas.Candidate, error)
}

func (f *fakeDetector) Kind() schemas.DetectorKind { return f.kind }

func (f *fakeDetector) Evaluate(ctx context.Context, _ *schemas.GraphSnapshot, _ schemas.WindowView) ([]schemas.Candidate, error) {
	return f.eval(ctx)
}

func returns(kind schemas.DetectorKind, cs ...schemas.Candidate) *fakeDetector {
	return &fakeDetector{kind: kind, eval: func(context.Context) ([]schemas.Candidate, error) { return cs, nil }}
}

// hangs ignores its context entirely, the worst case for the soft timeout.
func hangs(kind schemas.DetectorKind, release <-chan struct{}) *fakeDetector {
	return &fakeDetector{kind: kind, eval: func(context.Context) ([]schemas.Candidate, error) {
		<-release
		return []schemas.Candidate{{Subject: schemas.AccountSubject("late"), Kind: kind, Score: 1}}, nil
	}}
}

func candidate(id string, kind schemas.DetectorKind, score float64) schemas.Candidate {
	return schemas.Candidate{Subject: schemas.AccountSubject(id), Kind: kind, Score: score}
}

func TestScoreMergesAndOrders(t *testing.T) {
	t.Parallel()
	s := New([]detector.Detector{
		returns(schemas.DetectorBotRate, candidate("bob", schemas.DetectorBotRate, 0.7)),
		returns(schemas.DetectorSockPuppet, candidate("amy", schemas.DetectorSockPuppet, 0.7), candidate("cat", schemas.DetectorSockPuppet, 0.9)),
	}, time.Second, nil, zaptest.NewLogger(t))

	res, err := s.Score(context.Background(), &schemas.GraphSnapshot{})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "cat", res.Candidates[0].Subject.Key())
	assert.Equal(t, "amy", res.Candidates[1].Subject.Key())
	assert.Equal(t, "bob", res.Candidates[2].Subject.Key())
	assert.Equal(t, []schemas.DetectorKind{schemas.DetectorBotRate, schemas.DetectorSockPuppet}, res.Evaluated)
	assert.Empty(t, res.Skipped)
}

func TestScoreSkipsTimedOutDetector(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := New([]detector.Detector{
		hangs(schemas.DetectorCoordinatedRepost, release),
		returns(schemas.DetectorBotRate, candidate("bob", schemas.DetectorBotRate, 1)),
	}, 20*time.Millisecond, metrics, zaptest.NewLogger(t))

	res, err := s.Score(context.Background(), &schemas.GraphSnapshot{})
	require.NoError(t, err, "a slow detector is not fatal")
	assert.Equal(t, []schemas.DetectorKind{schemas.DetectorCoordinatedRepost}, res.Skipped)
	assert.Equal(t, []schemas.DetectorKind{schemas.DetectorBotRate}, res.Evaluated)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "bob", res.Candidates[0].Subject.Key())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DetectorTimeouts.WithLabelValues(string(schemas.DetectorCoordinatedRepost))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Candidates.WithLabelValues(string(schemas.DetectorBotRate))))
}

func TestScoreIsolatesFailingDetector(t *testing.T) {
	t.Parallel()
	s := New([]detector.Detector{
		&fakeDetector{kind: schemas.DetectorSockPuppet, eval: func(context.Context) ([]schemas.Candidate, error) {
			return nil, errors.New("boom")
		}},
		returns(schemas.DetectorBotRate, candidate("bob", schemas.DetectorBotRate, 1)),
	}, time.Second, nil, zaptest.NewLogger(t))

	res, err := s.Score(context.Background(), &schemas.GraphSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, []schemas.DetectorKind{schemas.DetectorSockPuppet}, res.Skipped)
	assert.Len(t, res.Candidates, 1)
}

func TestScoreCancelledTickReturnsNothing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New([]detector.Detector{
		&fakeDetector{kind: schemas.DetectorCoordinatedRepost, eval: func(ctx context.Context) ([]schemas.Candidate, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		returns(schemas.DetectorBotRate, candidate("bob", schemas.DetectorBotRate, 1)),
	}, time.Second, nil, zaptest.NewLogger(t))

	res, err := s.Score(ctx, &schemas.GraphSnapshot{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Candidates)
}
