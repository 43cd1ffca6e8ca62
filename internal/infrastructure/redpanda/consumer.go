package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (latest or earliest)
	StartOffset string
	// Concurrency bounds how many records of one fetch are handled at once
	Concurrency int
	// RetryBackoff is the pause before re-fetching after a handler failure
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the care-plan worker group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "careplan-worker",
		Topics:              []string{TopicOrderEvents},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       16 * 1024 * 1024,
		StartOffset:         "earliest",
		Concurrency:         8,
		RetryBackoff:        time.Second,
	}
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// MessageHandler is called for each consumed message. Handlers must be
// idempotent: records after a failed one in the same partition are
// delivered again.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Consumer reads records from a consumer group. A partition is committed
// only up to its first failed record, and consumption of that partition
// resumes from the failed record.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	workers int
	backoff time.Duration

	read   atomic.Int64
	failed atomic.Int64
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer group and topics are required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		workers: max(cfg.Concurrency, 1),
		backoff: cfg.RetryBackoff,
	}, nil
}

// Run consumes until ctx is done, then commits marked offsets and closes the
// client.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		// One batch per loop keeps the blocked rebalance window short.
		fetches := c.client.PollRecords(ctx, c.workers)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		marks, rewind := settle(c.processAll(ctx, fetches.Records()))
		if len(marks) > 0 {
			c.client.MarkCommitRecords(marks...)
		}
		if len(rewind) > 0 && ctx.Err() == nil {
			c.logger.Warn("rewinding partitions after handler failure", zap.Any("offsets", rewind))
			c.client.SetOffsets(rewind)
			select {
			case <-ctx.Done():
			case <-time.After(c.backoff):
			}
		}

		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
		c.client.AllowRebalance()
	}
}

// result is the handler outcome for one record.
type result struct {
	record *kgo.Record
	err    error
}

// processAll handles one fetch and returns once every record is done.
func (c *Consumer) processAll(ctx context.Context, records []*kgo.Record) []result {
	results := make([]result, len(records))
	if c.workers == 1 {
		for i, r := range records {
			results[i] = result{record: r, err: c.process(ctx, r)}
		}
		return results
	}

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for i, r := range records {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, r *kgo.Record) {
			defer func() {
				<-sem
				wg.Done()
			}()
			results[i] = result{record: r, err: c.process(ctx, r)}
		}(i, r)
	}
	wg.Wait()
	return results
}

// settle returns, per partition, the records before the first failure in
// offset order and the offset to resume the failed partitions from.
// Marking a later record would commit past the failed one.
func settle(results []result) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	type tp struct {
		topic     string
		partition int32
	}
	byPartition := make(map[tp][]result)
	for _, r := range results {
		k := tp{r.record.Topic, r.record.Partition}
		byPartition[k] = append(byPartition[k], r)
	}

	var marks []*kgo.Record
	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for k, rs := range byPartition {
		sort.Slice(rs, func(i, j int) bool { return rs[i].record.Offset < rs[j].record.Offset })
		for _, r := range rs {
			if r.err != nil {
				if rewind[k.topic] == nil {
					rewind[k.topic] = make(map[int32]kgo.EpochOffset)
				}
				rewind[k.topic][k.partition] = kgo.EpochOffset{Epoch: r.record.LeaderEpoch, Offset: r.record.Offset}
				break
			}
			marks = append(marks, r.record)
		}
	}
	return marks, rewind
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) error {
	ctx = ExtractTrace(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	c.read.Add(1)
	if err := c.handler(ctx, msg); err != nil {
		c.failed.Add(1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return err
	}
	return nil
}

func (c *Consumer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	Failed       int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{MessagesRead: c.read.Load(), Failed: c.failed.Load()}
}
