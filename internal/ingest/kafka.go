package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// KafkaSource consumes enriched events from a Kafka topic with a consumer
// group. Offsets are committed manually, after the engine has seen a record.
type KafkaSource struct {
	client   *kgo.Client
	topic    string
	ingester schemas.EventIngester
	log      *zap.Logger
	stats    Stats
}

// NewKafkaSource creates the consumer group client for cfg.Topic.
func NewKafkaSource(cfg config.KafkaConfig, ing schemas.EventIngester, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka.brokers is empty", schemas.ErrInvalidConfiguration)
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaSource{
		client:   client,
		topic:    cfg.Topic,
		ingester: ing,
		log:      logger.Named("kafka").With(zap.String("topic", cfg.Topic)),
	}, nil
}

// Run polls until ctx is cancelled. Ingestion is sequential, so records are
// handed over one at a time in partition order.
func (k *KafkaSource) Run(ctx context.Context) error {
	k.log.Info("Consuming events")
	for {
		fetches := k.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return kgo.ErrClientClosed
		}

		commit := k.processRecords(ctx, k.fetchedRecords(fetches))
		if len(commit) > 0 {
			if err := k.client.CommitRecords(ctx, commit...); err != nil && !errors.Is(err, context.Canceled) {
				k.log.Error("Failed to commit offsets", zap.Error(err))
			}
		}
		k.client.AllowRebalance()
	}
}

// fetchedRecords logs partition errors and returns the records of every
// partition that fetched cleanly.
func (k *KafkaSource) fetchedRecords(fetches kgo.Fetches) []*kgo.Record {
	for _, fe := range fetches.Errors() {
		k.log.Error("Fetch error",
			zap.String("fetch_topic", fe.Topic), zap.Int32("partition", fe.Partition), zap.Error(fe.Err))
	}
	var records []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, r)
	})
	return records
}

type topicPartition struct {
	topic     string
	partition int32
}

// processRecords ingests a poll's records and returns the last one per
// partition that may be committed. A record interrupted by cancellation blocks
// its partition so later offsets are not committed past it.
func (k *KafkaSource) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	blocked := make(map[topicPartition]bool)
	lastDone := make(map[topicPartition]*kgo.Record)
	var order []topicPartition

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			continue
		}
		if err := deliver(ctx, k.ingester, record.Value, &k.stats, k.log); err != nil {
			k.log.Warn("Record interrupted, will be redelivered",
				zap.Int32("partition", record.Partition), zap.Int64("offset", record.Offset), zap.Error(err))
			blocked[tp] = true
			continue
		}
		if _, seen := lastDone[tp]; !seen {
			order = append(order, tp)
		}
		lastDone[tp] = record
	}

	commit := make([]*kgo.Record, 0, len(order))
	for _, tp := range order {
		commit = append(commit, lastDone[tp])
	}
	return commit
}

// Stats reports what has been consumed so far. Not safe to call concurrently with Run.
func (k *KafkaSource) Stats() Stats {
	return k.stats
}

// Ping checks broker connectivity.
func (k *KafkaSource) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := k.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client.
func (k *KafkaSource) Close() {
	k.client.Close()
}
