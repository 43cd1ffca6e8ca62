package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before dead-lettering
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry writes an outbox entry. It must run on the transaction of the
// domain write it describes.
func WriteEntry(ctx context.Context, q querier, entry *OutboxEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Relay publishes committed outbox entries. Several relays may run
// concurrently; row locks keep each entry with one relay at a time.
type Relay struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	onBatch   func(published int)
}

// NewRelay creates an outbox relay.
func NewRelay(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// OnBatch registers fn to be called with the size of every committed batch.
func (r *Relay) OnBatch(fn func(published int)) {
	r.onBatch = fn
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			n, err := r.ProcessBatch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("outbox batch failed", zap.Error(err))
				}
				continue
			}
			if r.onBatch != nil {
				r.onBatch(n)
			}
		}
	}
}

// ProcessBatch publishes one batch of pending entries and returns how many
// were published or dead-lettered.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := fetchPending(ctx, tx, r.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	done := 0
	for _, entry := range entries {
		ok, err := r.processEntry(ctx, tx, entry)
		if err != nil {
			return done, err
		}
		if ok {
			done++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return done, nil
}

func fetchPending(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.KafkaTopic,
			&e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// processEntry publishes entry, dead-lettering it once retries are exhausted.
// It reports whether the entry left the pending set.
func (r *Relay) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, value := entry.KafkaTopic, []byte(entry.Payload)
	if entry.RetryCount >= r.config.MaxRetries {
		topic, value = r.config.DeadLetterTopic, deadLetterPayload(entry)
	}

	if err := r.publisher.Publish(ctx, topic, entry.KafkaKey, value); err != nil {
		span.RecordError(err)
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			return false, fmt.Errorf("record publish failure: %w", uerr)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	if topic == r.config.DeadLetterTopic {
		r.logger.Error("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("aggregate_id", entry.AggregateID))
	} else {
		r.logger.Debug("outbox entry published",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic))
	}
	return true, nil
}

func deadLetterPayload(e *OutboxEntry) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"original_topic": e.KafkaTopic,
		"event_type":     e.EventType,
		"aggregate_id":   e.AggregateID,
		"payload":        e.Payload,
		"retry_count":    e.RetryCount,
		"last_error":     e.LastError,
		"created_at":     e.CreatedAt,
	})
	return b
}

// CleanupProcessed removes processed entries older than olderThan.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes pending work.
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	OldestPending *time.Time
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	st := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox WHERE processed_at IS NULL`,
	).Scan(&st.Pending, &st.Retrying, &st.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}
