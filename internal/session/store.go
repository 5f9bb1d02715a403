// Package session persists agent sessions and their event logs in SQLite.
// Events are indexed per session by a monotonically increasing sequence
// number, which is the cursor reconnecting clients replay from.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/ralphd/ralph/internal/common/errors"
	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/pkg/events"
)

// noiseEventThreshold is the minimum event count for a session without a
// task to be worth listing.
const noiseEventThreshold = 3

// Session is one persisted agent session.
type Session struct {
	ID            string               `db:"id" json:"id"`
	Source        string               `db:"source" json:"source"`
	WorkspaceID   string               `db:"workspace_id" json:"workspaceId,omitempty"`
	TaskID        string               `db:"task_id" json:"taskId,omitempty"`
	WorkerName    string               `db:"worker_name" json:"workerName,omitempty"`
	AgentKind     string               `db:"agent_kind" json:"agentKind,omitempty"`
	Status        events.SessionStatus `db:"status" json:"status"`
	CreatedAt     int64                `db:"created_at" json:"createdAt"`
	LastMessageAt int64                `db:"last_message_at" json:"lastMessageAt"`
	EventCount    int64                `db:"event_count" json:"eventCount"`
	LastEventSeq  int64                `db:"last_event_seq" json:"lastEventSeq"`
}

// StoredEvent is one persisted event with its replay cursor.
type StoredEvent struct {
	SessionID  string `db:"session_id"`
	EventIndex int64  `db:"event_index"`
	Timestamp  int64  `db:"timestamp"`
	Payload    []byte `db:"payload"`
}

// Decode unmarshals the stored envelope.
func (e *StoredEvent) Decode() (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode event %s/%d: %w", e.SessionID, e.EventIndex, err)
	}
	return env.WithIndex(e.EventIndex), nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	workspace_id    TEXT NOT NULL DEFAULT '',
	task_id         TEXT NOT NULL DEFAULT '',
	worker_name     TEXT NOT NULL DEFAULT '',
	agent_kind      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	last_message_at INTEGER NOT NULL,
	event_count     INTEGER NOT NULL DEFAULT 0,
	last_event_seq  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_events (
	session_id  TEXT NOT NULL,
	event_index INTEGER NOT NULL,
	timestamp   INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	PRIMARY KEY (session_id, event_index),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_message
	ON sessions(last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace
	ON sessions(workspace_id);
`

// Store persists sessions and events. SQLite allows one writer at a time;
// appends to the same session are additionally serialized so event indexes
// stay gapless and monotonic.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// Open opens (creating if needed) the store at dbPath.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; WAL readers are unaffected.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:       db,
		logger:   log.WithFields(zap.String("component", "session-store")),
		sessions: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessions[id]
	if !ok {
		l = &sync.Mutex{}
		s.sessions[id] = l
	}
	return l
}

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt == 0 {
		sess.CreatedAt = time.Now().UnixMilli()
	}
	if sess.LastMessageAt == 0 {
		sess.LastMessageAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = events.StatusStarting
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, source, workspace_id, task_id, worker_name, agent_kind,
			status, created_at, last_message_at, event_count, last_event_seq)
		VALUES (:id, :source, :workspace_id, :task_id, :worker_name, :agent_kind,
			:status, :created_at, :last_message_at, :event_count, :last_event_seq)`, sess)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateStatus records a session's lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, id string, status events.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// AppendEvent persists the envelope under the session's next event index and
// returns the envelope annotated with that index.
func (s *Store) AppendEvent(ctx context.Context, env *events.Envelope) (*events.Envelope, error) {
	lock := s.sessionLock(env.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	err = tx.GetContext(ctx, &lastSeq,
		`SELECT last_event_seq FROM sessions WHERE id = ?`, env.InstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", env.InstanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("read event sequence: %w", err)
	}

	index := lastSeq + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, event_index, timestamp, payload)
		VALUES (?, ?, ?, ?)`,
		env.InstanceID, index, env.Timestamp, payload); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET last_event_seq = ?, event_count = event_count + 1, last_message_at = ?
		WHERE id = ?`,
		index, env.Timestamp, env.InstanceID); err != nil {
		return nil, fmt.Errorf("advance event sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return env.WithIndex(index), nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// GetEventsSince returns the session's events with event_index greater than
// afterIndex, in index order. afterIndex -1 replays from the beginning.
func (s *Store) GetEventsSince(ctx context.Context, sessionID string, afterIndex int64) ([]*events.Envelope, error) {
	var rows []StoredEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_id, event_index, timestamp, payload
		FROM session_events
		WHERE session_id = ? AND event_index > ?
		ORDER BY event_index ASC`, sessionID, afterIndex)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]*events.Envelope, 0, len(rows))
	for i := range rows {
		env, err := rows[i].Decode()
		if err != nil {
			s.logger.Warn("skipping undecodable event",
				zap.String("session_id", sessionID),
				zap.Int64("event_index", rows[i].EventIndex),
				zap.Error(err))
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// GetEventsSinceTime returns the session's events with a timestamp strictly
// after ts. Used by timestamp-based reconnects from older clients.
func (s *Store) GetEventsSinceTime(ctx context.Context, sessionID string, ts int64) ([]*events.Envelope, error) {
	var rows []StoredEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_id, event_index, timestamp, payload
		FROM session_events
		WHERE session_id = ? AND timestamp > ?
		ORDER BY event_index ASC`, sessionID, ts)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]*events.Envelope, 0, len(rows))
	for i := range rows {
		env, err := rows[i].Decode()
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// ListOptions filters ListSessions.
type ListOptions struct {
	WorkspaceID string
	Source      string
	// IncludeNoise keeps short task-less sessions in the result.
	IncludeNoise bool
	Limit        int
}

// ListSessions returns sessions ordered by recency. Sessions with fewer
// than three events and no task are filtered out unless IncludeNoise is set.
func (s *Store) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	args := []any{}
	if opts.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, opts.WorkspaceID)
	}
	if opts.Source != "" {
		query += ` AND source = ?`
		args = append(args, opts.Source)
	}
	if !opts.IncludeNoise {
		query += ` AND NOT (event_count < ? AND task_id = '')`
		args = append(args, noiseEventThreshold)
	}
	query += ` ORDER BY last_message_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var sessions []*Session
	if err := s.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// FilterNoise deletes finished sessions that never produced meaningful
// output: fewer than three events and no associated task. Live sessions are
// kept regardless of size. Returns the number of sessions removed.
func (s *Store) FilterNoise(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE event_count < ? AND task_id = '' AND status IN (?, ?)`,
		noiseEventThreshold, events.StatusStopped, events.StatusError)
	if err != nil {
		return 0, fmt.Errorf("filter noise sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("evicted noise sessions", zap.Int64("count", n))
	}
	return n, nil
}

// DeleteSession removes a session and its events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
