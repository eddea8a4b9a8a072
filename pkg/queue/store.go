package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tillware/shopsync-agent/pkg/logging"

	_ "modernc.org/sqlite"
)

// Prometheus metrics for queue storage.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopsync_queue_depth",
		Help: "Actions currently queued for replay (pending plus in-flight)",
	})

	queueEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopsync_queue_enqueued_total",
		Help: "Total actions enqueued",
	})

	queueStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopsync_queue_store_errors_total",
		Help: "Total queue storage errors by operation",
	}, []string{"operation"})
)

const timeLayout = time.RFC3339Nano

// schema is the queue database layout. AUTOINCREMENT keeps sequence
// ids strictly increasing and never reused, which the replay order
// depends on.
const schema = `
CREATE TABLE IF NOT EXISTS actions (
	sequence_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	method          TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	headers         TEXT NOT NULL DEFAULT '{}',
	body            BLOB,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	next_attempt_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status, sequence_id);
`

// ErrActionNotFound indicates the referenced action does not exist or
// is not in the expected state.
var ErrActionNotFound = errors.New("action not found")

// Store is the durable action queue.
type Store struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the queue database at path and prepares it
// for use. Actions left in-flight or speculative by a crash are reset
// to pending.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("queue database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	// WAL keeps reads (status endpoint, length checks) from blocking
	// behind drain writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		conn:   conn,
		logger: logging.NewLogger("queue"),
	}

	recovered, err := s.recoverInterrupted()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("recover interrupted actions: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn().
			Int64("count", recovered).
			Msg("Recovered interrupted actions from previous run")
	}

	s.refreshDepth(context.Background())
	return s, nil
}

// Close closes the queue database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// recoverInterrupted resets actions stranded by a crash back to
// pending: rows a drain left in-flight, and speculative rows whose
// direct attempt never resolved. The outcome of an interrupted direct
// attempt is unknown, so its copy re-enters the replay order.
func (s *Store) recoverInterrupted() (int64, error) {
	result, err := s.conn.Exec(`
		UPDATE actions SET status = ? WHERE status IN (?, ?)
	`, StatusPending, StatusInFlight, StatusSpeculative)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// Enqueue appends a captured write request and returns its sequence
// id.
func (s *Store) Enqueue(ctx context.Context, method, endpoint string, header http.Header, body []byte) (int64, error) {
	return s.insert(ctx, method, endpoint, header, body, StatusPending)
}

// EnqueueSpeculative appends the safety copy of a write about to be
// attempted directly. The row keeps its place in the sequence order
// but stays out of the replay order until promoted; the write path
// must follow up with Commit or Promote.
func (s *Store) EnqueueSpeculative(ctx context.Context, method, endpoint string, header http.Header, body []byte) (int64, error) {
	return s.insert(ctx, method, endpoint, header, body, StatusSpeculative)
}

func (s *Store) insert(ctx context.Context, method, endpoint string, header http.Header, body []byte, status Status) (int64, error) {
	if method == "" || endpoint == "" {
		return 0, fmt.Errorf("method and endpoint are required")
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}

	now := time.Now().UTC()
	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO actions (method, endpoint, headers, body, status, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, method, endpoint, string(headerJSON), body, status,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		queueStoreErrors.WithLabelValues("enqueue").Inc()
		return 0, fmt.Errorf("enqueue action: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read sequence id: %w", err)
	}

	queueEnqueuedTotal.Inc()
	s.refreshDepth(ctx)

	s.logger.Info().
		Int64("sequence_id", seq).
		Str("method", method).
		Str("endpoint", endpoint).
		Str("status", string(status)).
		Msg("Action enqueued")

	return seq, nil
}

// Commit removes a speculative action after the backend answered its
// direct attempt, reporting whether the row was still speculative. A
// false return means the row was promoted in the meantime, so the
// write may be delivered again by a drain.
func (s *Store) Commit(ctx context.Context, seq int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM actions WHERE sequence_id = ? AND status = ?
	`, seq, StatusSpeculative)
	if err != nil {
		queueStoreErrors.WithLabelValues("commit").Inc()
		return false, fmt.Errorf("commit action %d: %w", seq, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Promote moves a speculative action into the replay order after its
// direct attempt failed in transport.
func (s *Store) Promote(ctx context.Context, seq int64) error {
	now := time.Now().UTC()
	result, err := s.conn.ExecContext(ctx, `
		UPDATE actions SET status = ?, next_attempt_at = ?
		WHERE sequence_id = ? AND status = ?
	`, StatusPending, now.Format(timeLayout), seq, StatusSpeculative)
	if err != nil {
		queueStoreErrors.WithLabelValues("promote").Inc()
		return fmt.Errorf("promote action %d: %w", seq, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d (expected status %s)", ErrActionNotFound, seq, StatusSpeculative)
	}
	s.refreshDepth(ctx)
	return nil
}

// Cancel removes a still-pending action, reporting whether anything
// was removed. The write-through path uses this after a direct send
// succeeds so the action is not replayed a second time.
func (s *Store) Cancel(ctx context.Context, seq int64) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM actions WHERE sequence_id = ? AND status = ?
	`, seq, StatusPending)
	if err != nil {
		queueStoreErrors.WithLabelValues("cancel").Inc()
		return false, fmt.Errorf("cancel action %d: %w", seq, err)
	}
	affected, _ := result.RowsAffected()
	s.refreshDepth(ctx)
	return affected > 0, nil
}

// NextPending returns the head of the replay order, or nil when no
// pending actions remain. Deferred actions (next attempt in the
// future) are still returned; the drain decides whether to wait.
func (s *Store) NextPending(ctx context.Context) (*Action, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT sequence_id, method, endpoint, headers, body, status, attempt_count, last_error, created_at, next_attempt_at
		FROM actions
		WHERE status = ?
		ORDER BY sequence_id
		LIMIT 1
	`, StatusPending)

	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		queueStoreErrors.WithLabelValues("next_pending").Inc()
		return nil, fmt.Errorf("read queue head: %w", err)
	}
	return action, nil
}

// MarkInFlight transitions a pending action to in-flight for replay.
func (s *Store) MarkInFlight(ctx context.Context, seq int64) error {
	return s.transition(ctx, seq, StatusPending, StatusInFlight, "")
}

// Complete removes a replayed action from the queue.
func (s *Store) Complete(ctx context.Context, seq int64) error {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM actions WHERE sequence_id = ?
	`, seq)
	if err != nil {
		queueStoreErrors.WithLabelValues("complete").Inc()
		return fmt.Errorf("complete action %d: %w", seq, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d", ErrActionNotFound, seq)
	}
	s.refreshDepth(ctx)
	return nil
}

// MarkFailed transitions an action to failed. Failed actions leave the
// replay order but stay in the database for inspection.
func (s *Store) MarkFailed(ctx context.Context, seq int64, lastError string) error {
	if err := s.transition(ctx, seq, StatusInFlight, StatusFailed, lastError); err != nil {
		return err
	}
	s.refreshDepth(ctx)
	return nil
}

// Defer returns an in-flight action to pending with an updated attempt
// count and a backoff deadline. The action keeps its place at the head
// of the replay order.
func (s *Store) Defer(ctx context.Context, seq int64, attempts int, lastError string, nextAttempt time.Time) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE actions
		SET status = ?, attempt_count = ?, last_error = ?, next_attempt_at = ?
		WHERE sequence_id = ? AND status = ?
	`, StatusPending, attempts, lastError, nextAttempt.UTC().Format(timeLayout), seq, StatusInFlight)
	if err != nil {
		queueStoreErrors.WithLabelValues("defer").Inc()
		return fmt.Errorf("defer action %d: %w", seq, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d", ErrActionNotFound, seq)
	}
	return nil
}

// Requeue returns a failed action to the replay order with its attempt
// count reset.
func (s *Store) Requeue(ctx context.Context, seq int64) error {
	now := time.Now().UTC()
	result, err := s.conn.ExecContext(ctx, `
		UPDATE actions
		SET status = ?, attempt_count = 0, last_error = '', next_attempt_at = ?
		WHERE sequence_id = ? AND status = ?
	`, StatusPending, now.Format(timeLayout), seq, StatusFailed)
	if err != nil {
		queueStoreErrors.WithLabelValues("requeue").Inc()
		return fmt.Errorf("requeue action %d: %w", seq, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d", ErrActionNotFound, seq)
	}
	s.refreshDepth(ctx)
	return nil
}

// Length returns the number of actions awaiting replay (pending plus
// in-flight). Speculative rows are excluded until promoted.
func (s *Store) Length(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM actions WHERE status IN (?, ?)
	`, StatusPending, StatusInFlight).Scan(&count)
	if err != nil {
		queueStoreErrors.WithLabelValues("length").Inc()
		return 0, fmt.Errorf("count queued actions: %w", err)
	}
	return count, nil
}

// Pending lists actions awaiting replay in replay order.
func (s *Store) Pending(ctx context.Context) ([]Action, error) {
	return s.listByStatus(ctx, StatusPending, StatusInFlight)
}

// Failed lists actions that were rejected or exhausted their retries,
// oldest first.
func (s *Store) Failed(ctx context.Context) ([]Action, error) {
	return s.listByStatus(ctx, StatusFailed, StatusFailed)
}

// Clear removes every action regardless of status and returns the
// number removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM actions`)
	if err != nil {
		queueStoreErrors.WithLabelValues("clear").Inc()
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	affected, _ := result.RowsAffected()
	s.refreshDepth(ctx)

	if affected > 0 {
		s.logger.Warn().
			Int64("count", affected).
			Msg("Queue cleared")
	}
	return affected, nil
}

func (s *Store) listByStatus(ctx context.Context, first, second Status) ([]Action, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT sequence_id, method, endpoint, headers, body, status, attempt_count, last_error, created_at, next_attempt_at
		FROM actions
		WHERE status IN (?, ?)
		ORDER BY sequence_id
	`, first, second)
	if err != nil {
		queueStoreErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

func (s *Store) transition(ctx context.Context, seq int64, from, to Status, lastError string) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE actions SET status = ?, last_error = ? WHERE sequence_id = ? AND status = ?
	`, to, lastError, seq, from)
	if err != nil {
		queueStoreErrors.WithLabelValues("transition").Inc()
		return fmt.Errorf("mark action %d %s: %w", seq, to, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d (expected status %s)", ErrActionNotFound, seq, from)
	}
	return nil
}

// refreshDepth updates the depth gauge, best effort.
func (s *Store) refreshDepth(ctx context.Context) {
	if n, err := s.Length(ctx); err == nil {
		queueDepth.Set(float64(n))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a          Action
		status     string
		headerJSON string
		createdAt  string
		nextAt     string
	)
	err := row.Scan(&a.SequenceID, &a.Method, &a.Endpoint, &headerJSON, &a.Body,
		&status, &a.AttemptCount, &a.LastError, &createdAt, &nextAt)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)

	if headerJSON != "" && headerJSON != "null" {
		if err := json.Unmarshal([]byte(headerJSON), &a.Header); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if a.Header == nil {
		a.Header = http.Header{}
	}

	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.NextAttemptAt, err = time.Parse(timeLayout, nextAt); err != nil {
		return nil, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	return &a, nil
}
