package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
)

// DiscardedMessage is one row of the dead-letter table.
type DiscardedMessage struct {
	MessageID   string
	Channel     string
	Label       string
	ContentType string
	Body        []byte
	Reason      string
	Redelivered bool
}

// DeadLetterRepo keeps messages the dispatcher discarded without broadcasting.
type DeadLetterRepo struct {
	pool    *pgxpool.Pool
	metrics *metrics.DatabaseMetrics
}

var _ domain.DeadLetterSink = (*DeadLetterRepo)(nil)

func NewDeadLetterRepo(pool *pgxpool.Pool, m *metrics.DatabaseMetrics) *DeadLetterRepo {
	return &DeadLetterRepo{pool: pool, metrics: m}
}

// RecordDiscarded stores msg once; a redelivered message does not add a second row.
func (r *DeadLetterRepo) RecordDiscarded(ctx context.Context, msg *domain.InboundMessage, reason string) error {
	var enqueuedAt any
	if !msg.EnqueuedAt.IsZero() {
		enqueuedAt = msg.EnqueuedAt
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO discarded_messages (message_id, channel, label, content_type, body, reason, redelivered, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.Channel, msg.Label, msg.ContentType, msg.Body, reason, msg.Redelivered, enqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to record discarded message %s: %w", msg.ID, err)
	}

	if tag.RowsAffected() > 0 && r.metrics != nil {
		r.metrics.DeadLettersRecorded.Inc()
	}
	return nil
}

// Recent returns the newest discarded messages, newest first.
func (r *DeadLetterRepo) Recent(ctx context.Context, limit int) ([]DiscardedMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_id, channel, label, content_type, body, reason, redelivered
		FROM discarded_messages
		ORDER BY discarded_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list discarded messages: %w", err)
	}
	defer rows.Close()

	var out []DiscardedMessage
	for rows.Next() {
		var m DiscardedMessage
		if err := rows.Scan(&m.MessageID, &m.Channel, &m.Label, &m.ContentType, &m.Body, &m.Reason, &m.Redelivered); err != nil {
			return nil, fmt.Errorf("failed to scan discarded message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list discarded messages: %w", err)
	}
	return out, nil
}

// Purge deletes everything discarded before the cutoff and reports how many rows went.
func (r *DeadLetterRepo) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM discarded_messages WHERE discarded_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge discarded messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
