package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
	"github.com/xkilldash9x/swarmwatch/internal/mocks"
)

func eventJSON(id string) string {
	return fmt.Sprintf(`{"kind":"post","id":%q,"author_id":"alice","timestamp":"2025-06-01T12:00:00Z"}`, id)
}

func withID(id string) interface{} {
	return mock.MatchedBy(func(raw schemas.RawEvent) bool { return raw.ID == id })
}

func TestDecode(t *testing.T) {
	raw, err := Decode([]byte(`{"kind":"repost","id":"r1","author_id":"bob","timestamp":"2025-06-01T12:00:00Z","target_id":"c1","topics":["go"]}`))
	require.NoError(t, err)
	assert.Equal(t, schemas.RawEvent{
		Kind:      "repost",
		ID:        "r1",
		AuthorID:  "bob",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TargetID:  "c1",
		Topics:    []string{"go"},
	}, raw)

	_, err = Decode([]byte(`{"kind":`))
	assert.ErrorIs(t, err, schemas.ErrMalformedEvent)
}

func TestStream(t *testing.T) {
	ctx := context.Background()

	t.Run("per-event failures do not stop the stream", func(t *testing.T) {
		ing := &mocks.MockEventIngester{}
		ing.On("Ingest", mock.Anything, withID("c1")).Return(nil).Once()
		ing.On("Ingest", mock.Anything, withID("c2")).Return(schemas.ErrConflictingContent).Once()
		ing.On("Ingest", mock.Anything, withID("c3")).Return(nil).Once()

		input := strings.Join([]string{eventJSON("c1"), "", "{broken", eventJSON("c2"), eventJSON("c3")}, "\n")
		stats, err := Stream(ctx, strings.NewReader(input), ing, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, Stats{Read: 4, Accepted: 2, Failed: 2}, stats)
		ing.AssertExpectations(t)
	})

	t.Run("cancellation stops the stream", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ing := &mocks.MockEventIngester{}
		ing.On("Ingest", mock.Anything, withID("c1")).Run(func(mock.Arguments) { cancel() }).Return(nil).Once()

		input := eventJSON("c1") + "\n" + eventJSON("c2") + "\n"
		stats, err := Stream(cctx, strings.NewReader(input), ing, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, stats.Accepted)
		ing.AssertExpectations(t)
	})
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(eventJSON("c1")+"\n"+eventJSON("c2")+"\n"), 0o600))

	sink := &recordingIngester{}
	stats, err := ReadFile(context.Background(), path, sink, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, []string{"c1", "c2"}, sink.ids)

	_, err = ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.ndjson"), sink, nil)
	assert.Error(t, err)
}

type recordingIngester struct{ ids []string }

func (r *recordingIngester) Ingest(_ context.Context, raw schemas.RawEvent) error {
	r.ids = append(r.ids, raw.ID)
	return nil
}

func TestKafkaProcessRecords(t *testing.T) {
	record := func(partition int32, offset int64, id string) *kgo.Record {
		return &kgo.Record{Topic: "enriched-events", Partition: partition, Offset: offset, Value: []byte(eventJSON(id))}
	}

	t.Run("commits the last record per partition, including rejected ones", func(t *testing.T) {
		ing := &mocks.MockEventIngester{}
		ing.On("Ingest", mock.Anything, withID("b2")).Return(schemas.ErrOutOfOrderEvent)
		ing.On("Ingest", mock.Anything, mock.Anything).Return(nil)

		src := &KafkaSource{ingester: ing, log: zaptest.NewLogger(t)}
		commit := src.processRecords(context.Background(), []*kgo.Record{
			record(0, 10, "a1"), record(1, 5, "b1"), record(0, 11, "a2"), record(1, 6, "b2"),
		})

		require.Len(t, commit, 2)
		assert.Equal(t, int64(11), commit[0].Offset)
		assert.Equal(t, int32(1), commit[1].Partition)
		assert.Equal(t, int64(6), commit[1].Offset)
		assert.Equal(t, Stats{Read: 4, Accepted: 3, Failed: 1}, src.Stats())
	})

	t.Run("an interrupted record blocks its partition", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ing := &mocks.MockEventIngester{}
		ing.On("Ingest", mock.Anything, withID("a1")).Return(nil).Once()
		ing.On("Ingest", mock.Anything, withID("b1")).Run(func(mock.Arguments) { cancel() }).
			Return(fmt.Errorf("evaluation: %w", context.Canceled)).Once()

		src := &KafkaSource{ingester: ing, log: zap.NewNop()}
		commit := src.processRecords(ctx, []*kgo.Record{record(0, 1, "a1"), record(1, 1, "b1"), record(1, 2, "b2")})

		require.Len(t, commit, 1)
		assert.Equal(t, int32(0), commit[0].Partition)
		ing.AssertExpectations(t)
		ing.AssertNotCalled(t, "Ingest", mock.Anything, withID("b2"))
	})

	t.Run("a failing partition does not hold back the others", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		src := &KafkaSource{log: zap.New(core)}
		fetches := kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Topic: "enriched-events",
			Partitions: []kgo.FetchPartition{
				{Partition: 0, Records: []*kgo.Record{record(0, 1, "a1"), record(0, 2, "a2")}},
				{Partition: 1, Err: errors.New("not leader for partition")},
				{Partition: 2, Records: []*kgo.Record{record(2, 7, "c1")}},
			},
		}}}}

		records := src.fetchedRecords(fetches)
		require.Len(t, records, 3)
		assert.Equal(t, int32(2), records[2].Partition)
		require.Equal(t, 1, logs.FilterMessage("Fetch error").Len())
		assert.Equal(t, int32(1), logs.All()[0].ContextMap()["partition"])
	})
}

func TestNewKafkaSourceRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSource(config.KafkaConfig{Topic: "t"}, &mocks.MockEventIngester{}, zap.NewNop())
	assert.True(t, errors.Is(err, schemas.ErrInvalidConfiguration))
}
