package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"localcloud/internal/api"
	"localcloud/internal/intrinsics"
	"localcloud/internal/metrics"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const queueSubsystem = "Queue"

const defaultVisibilityTimeout = 30 * time.Second

// dedupWindow bounds FIFO deduplication, matching the five-minute cloud
// behavior.
const dedupWindow = 5 * time.Minute

// Config declares one queue.
type Config struct {
	Name              string
	FIFO              bool
	VisibilityTimeout time.Duration
	DelaySeconds      time.Duration
	MaxReceiveCount   int
	DeadLetter        string // target queue name, empty for none
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	body              TEXT NOT NULL,
	attributes        TEXT NOT NULL DEFAULT '{}',
	group_id          TEXT NOT NULL DEFAULT '',
	dedup_id          TEXT NOT NULL DEFAULT '',
	receive_count     INTEGER NOT NULL DEFAULT 0,
	sent_at           INTEGER NOT NULL,
	first_received_at INTEGER,
	visible_at        INTEGER NOT NULL,
	receipt_handle    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_visible ON messages(visible_at);
`

type storedMessage struct {
	Seq             int64          `db:"seq"`
	ID              string         `db:"id"`
	Body            string         `db:"body"`
	Attributes      string         `db:"attributes"`
	GroupID         string         `db:"group_id"`
	DedupID         string         `db:"dedup_id"`
	ReceiveCount    int            `db:"receive_count"`
	SentAt          int64          `db:"sent_at"`
	FirstReceivedAt sql.NullInt64  `db:"first_received_at"`
	VisibleAt       int64          `db:"visible_at"`
	ReceiptHandle   string         `db:"receipt_handle"`
}

type queueState struct {
	cfg Config
	db  *sqlx.DB
}

// Provider emulates the message-queue service. Each queue is backed by its
// own embedded database file so persisted state survives restarts when the
// data directory is kept.
type Provider struct {
	*provider.Base
	dataDir string
	stats   *metrics.Collector

	mu     sync.Mutex
	queues map[string]*queueState
	// declared queues are opened at start; queues created over the wire
	// are added to the same map.
	declared []Config
}

func NewProvider(dataDir string, declared []Config, stats *metrics.Collector) *Provider {
	return &Provider{
		Base:     provider.NewBase("queue"),
		dataDir:  dataDir,
		stats:    stats,
		declared: declared,
		queues:   make(map[string]*queueState),
	}
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create queue data dir: %w", err)
		}
		for _, cfg := range p.declared {
			if _, err := p.createQueue(cfg); err != nil && !api.IsConflict(err) {
				return err
			}
		}
		logging.Info(queueSubsystem, "queue provider started with %d queue(s)", len(p.queues))
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for name, q := range p.queues {
			if err := q.db.Close(); err != nil {
				logging.Error(queueSubsystem, err, "failed to close database for queue %s", name)
			}
		}
		p.queues = make(map[string]*queueState)
		return nil
	})
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queues {
		if err := q.db.PingContext(ctx); err != nil {
			return false
		}
	}
	return true
}

// Reset drops every message but keeps the queues.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, q := range p.queues {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return fmt.Errorf("failed to purge queue %s: %w", name, err)
		}
	}
	return nil
}

func (p *Provider) get(name string) (*queueState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[name]
	if !ok {
		return nil, api.NewNotFound("queue", name)
	}
	return q, nil
}

// CreateQueue registers a queue and opens its backing database.
func (p *Provider) CreateQueue(cfg Config) (string, error) {
	return p.createQueue(cfg)
}

func (p *Provider) createQueue(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", api.NewValidation("", "queue name must not be empty")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.queues[cfg.Name]; exists {
		return "", api.NewConflict("queue", cfg.Name)
	}

	db, err := sqlx.Open("sqlite3", filepath.Join(p.dataDir, cfg.Name+".db"))
	if err != nil {
		return "", fmt.Errorf("failed to open database for queue %s: %w", cfg.Name, err)
	}
	// sqlite tolerates one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return "", fmt.Errorf("failed to prepare schema for queue %s: %w", cfg.Name, err)
	}

	p.queues[cfg.Name] = &queueState{cfg: cfg, db: db}
	logging.Debug(queueSubsystem, "queue %s created (fifo=%v visibility=%s)", cfg.Name, cfg.FIFO, cfg.VisibilityTimeout)
	return cfg.Name, nil
}

// DeleteQueue closes and removes a queue and its database file.
func (p *Provider) DeleteQueue(name string) error {
	p.mu.Lock()
	q, ok := p.queues[name]
	if ok {
		delete(p.queues, name)
	}
	p.mu.Unlock()
	if !ok {
		return api.NewNotFound("queue", name)
	}
	q.db.Close()
	return os.Remove(filepath.Join(p.dataDir, name+".db"))
}

// ListQueues returns queue names, optionally filtered by prefix.
func (p *Provider) ListQueues(prefix string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names
}

// QueueConfig exposes the effective configuration of a queue.
func (p *Provider) QueueConfig(name string) (Config, error) {
	q, err := p.get(name)
	if err != nil {
		return Config{}, err
	}
	return q.cfg, nil
}

// PurgeQueue deletes every message in a queue.
func (p *Provider) PurgeQueue(ctx context.Context, name string) error {
	q, err := p.get(name)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM messages`)
	return err
}

// QueueArn returns the stand-in arn for a queue name.
func (p *Provider) QueueArn(name string) string {
	return fmt.Sprintf("arn:%s:sqs:%s:%s:%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

// SendMessage enqueues one message and returns its identifier. FIFO queues
// deduplicate by dedup identifier within the deduplication window and
// require a group identifier.
func (p *Provider) SendMessage(ctx context.Context, queue, body string, attrs map[string]string, groupID, dedupID string) (string, error) {
	q, err := p.get(queue)
	if err != nil {
		return "", err
	}
	if q.cfg.FIFO && groupID == "" {
		return "", api.NewValidation("MissingParameter", "FIFO queue %s requires a message group id", queue)
	}

	now := time.Now()
	if q.cfg.FIFO && dedupID != "" {
		var existing string
		err := q.db.GetContext(ctx, &existing,
			`SELECT id FROM messages WHERE dedup_id = ? AND sent_at > ? ORDER BY seq DESC LIMIT 1`,
			dedupID, now.Add(-dedupWindow).UnixMilli())
		if err == nil {
			logging.Debug(queueSubsystem, "deduplicated send on %s (dedup id %s)", queue, dedupID)
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedup lookup failed on queue %s: %w", queue, err)
		}
	}

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode message attributes: %w", err)
	}
	id := uuid.NewString()
	visibleAt := now.Add(q.cfg.DelaySeconds)
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO messages (id, body, attributes, group_id, dedup_id, sent_at, visible_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, body, string(encoded), groupID, dedupID, now.UnixMilli(), visibleAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue on %s: %w", queue, err)
	}
	if p.stats != nil {
		p.stats.MessagesSent.WithLabelValues(queue).Inc()
	}
	return id, nil
}

// ReceiveMessages delivers up to max visible messages and starts their
// invisibility window. Messages past the queue's max receive count are
// routed to the dead-letter queue instead of being delivered again. For
// FIFO queues a group with an in-flight message is skipped entirely so
// per-group order is preserved.
func (p *Provider) ReceiveMessages(ctx context.Context, queue string, max int) ([]api.Message, error) {
	q, err := p.get(queue)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	now := time.Now()

	if err := p.moveExpiredToDeadLetter(ctx, q, now); err != nil {
		return nil, err
	}

	query := `SELECT * FROM messages WHERE visible_at <= ? ORDER BY seq LIMIT ?`
	args := []interface{}{now.UnixMilli(), max}
	if q.cfg.FIFO {
		query = `SELECT * FROM messages WHERE visible_at <= ?
			AND group_id NOT IN (SELECT DISTINCT group_id FROM messages WHERE visible_at > ?)
			ORDER BY seq LIMIT ?`
		args = []interface{}{now.UnixMilli(), now.UnixMilli(), max}
	}
	var rows []storedMessage
	if err := q.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("receive failed on queue %s: %w", queue, err)
	}

	out := make([]api.Message, 0, len(rows))
	for _, row := range rows {
		handle := uuid.NewString()
		firstReceived := row.FirstReceivedAt.Int64
		if !row.FirstReceivedAt.Valid {
			firstReceived = now.UnixMilli()
		}
		_, err := q.db.ExecContext(ctx,
			`UPDATE messages SET receive_count = receive_count + 1, first_received_at = ?,
			 visible_at = ?, receipt_handle = ? WHERE seq = ?`,
			firstReceived, now.Add(q.cfg.VisibilityTimeout).UnixMilli(), handle, row.Seq)
		if err != nil {
			return nil, fmt.Errorf("failed to mark message %s in-flight: %w", row.ID, err)
		}

		var attrs map[string]string
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			attrs = nil
		}
		out = append(out, api.Message{
			ID:              row.ID,
			Body:            row.Body,
			Attributes:      attrs,
			ReceiveCount:    row.ReceiveCount + 1,
			GroupID:         row.GroupID,
			DedupID:         row.DedupID,
			SentAt:          time.UnixMilli(row.SentAt),
			FirstReceivedAt: time.UnixMilli(firstReceived),
			ReceiptHandle:   handle,
			SystemAttributes: map[string]string{
				"ApproximateReceiveCount": fmt.Sprintf("%d", row.ReceiveCount+1),
				"SentTimestamp":           fmt.Sprintf("%d", row.SentAt),
			},
		})
	}
	if p.stats != nil && len(out) > 0 {
		p.stats.MessagesReceived.WithLabelValues(queue).Add(float64(len(out)))
	}
	return out, nil
}

// moveExpiredToDeadLetter routes visible messages that exhausted their
// receive budget to the configured dead-letter queue.
func (p *Provider) moveExpiredToDeadLetter(ctx context.Context, q *queueState, now time.Time) error {
	if q.cfg.DeadLetter == "" || q.cfg.MaxReceiveCount <= 0 {
		return nil
	}
	var rows []storedMessage
	err := q.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE visible_at <= ? AND receive_count >= ?`,
		now.UnixMilli(), q.cfg.MaxReceiveCount)
	if err != nil {
		return fmt.Errorf("dead-letter scan failed on queue %s: %w", q.cfg.Name, err)
	}
	if len(rows) == 0 {
		return nil
	}

	dlq, err := p.get(q.cfg.DeadLetter)
	if err != nil {
		return fmt.Errorf("dead-letter queue %s: %w", q.cfg.DeadLetter, err)
	}
	for _, row := range rows {
		_, err := dlq.db.ExecContext(ctx,
			`INSERT INTO messages (id, body, attributes, group_id, dedup_id, sent_at, visible_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.Body, row.Attributes, row.GroupID, row.DedupID, row.SentAt, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to dead-letter message %s: %w", row.ID, err)
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, row.Seq); err != nil {
			return fmt.Errorf("failed to remove dead-lettered message %s: %w", row.ID, err)
		}
		if p.stats != nil {
			p.stats.MessagesToDLQ.WithLabelValues(q.cfg.Name).Inc()
		}
		logging.Warn(queueSubsystem, "message %s exceeded %d receives on %s, moved to %s",
			row.ID, q.cfg.MaxReceiveCount, q.cfg.Name, q.cfg.DeadLetter)
	}
	return nil
}

// DeleteMessage acknowledges an in-flight message by its receipt handle.
func (p *Provider) DeleteMessage(ctx context.Context, queue, receiptHandle string) error {
	q, err := p.get(queue)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE receipt_handle = ?`, receiptHandle)
	if err != nil {
		return fmt.Errorf("delete failed on queue %s: %w", queue, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.NewNotFound("receipt handle", receiptHandle)
	}
	return nil
}

// ChangeMessageVisibility rewrites the invisibility window of an in-flight
// message. A zero timeout makes it immediately redeliverable.
func (p *Provider) ChangeMessageVisibility(ctx context.Context, queue, receiptHandle string, timeout time.Duration) error {
	q, err := p.get(queue)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET visible_at = ? WHERE receipt_handle = ?`,
		time.Now().Add(timeout).UnixMilli(), receiptHandle)
	if err != nil {
		return fmt.Errorf("visibility change failed on queue %s: %w", queue, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return api.NewNotFound("receipt handle", receiptHandle)
	}
	return nil
}

// ApproximateMessageCount reports visible and in-flight totals.
func (p *Provider) ApproximateMessageCount(ctx context.Context, queue string) (visible, inFlight int, err error) {
	q, err := p.get(queue)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now().UnixMilli()
	if err := q.db.GetContext(ctx, &visible, `SELECT COUNT(*) FROM messages WHERE visible_at <= ?`, now); err != nil {
		return 0, 0, err
	}
	if err := q.db.GetContext(ctx, &inFlight, `SELECT COUNT(*) FROM messages WHERE visible_at > ?`, now); err != nil {
		return 0, 0, err
	}
	return visible, inFlight, nil
}
