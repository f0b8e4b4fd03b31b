// Package store persists terminal calls and the block list in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var (
	_ core.HistoryStore = (*SQLiteStore)(nil)
	_ core.Directory    = (*SQLiteStore)(nil)
	_ core.Blocker      = (*SQLiteStore)(nil)
)

// SQLiteStore implements core.HistoryStore and core.Directory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Parent
// directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// single writer; avoids SQLITE_BUSY under concurrent terminal writes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().Str("module", "store").Str("path", path).Msg("sqlite store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS calls (
			id            TEXT PRIMARY KEY,
			initiator_id  TEXT NOT NULL,
			callee_id     TEXT NOT NULL,
			kind          TEXT NOT NULL,
			state         TEXT NOT NULL,
			reason        TEXT NOT NULL,
			participants  TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			answered_at   TEXT,
			ended_at      TEXT,
			duration_ms   INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS call_members (
			call_id  TEXT NOT NULL,
			user_id  TEXT NOT NULL,
			PRIMARY KEY (call_id, user_id),
			FOREIGN KEY (call_id) REFERENCES calls(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_call_members_user ON call_members(user_id);
		CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id, created_at);

		CREATE TABLE IF NOT EXISTS blocks (
			blocker_id  TEXT NOT NULL,
			blocked_id  TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (blocker_id, blocked_id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordCall stores a terminal call. Writing the same call twice keeps the
// first record.
func (s *SQLiteStore) RecordCall(ctx context.Context, call *domain.Call) error {
	if !call.State.Terminal() {
		return fmt.Errorf("record call %s in state %s: %w", call.ID, call.State, domain.ErrInvalidTransition)
	}
	participants, err := json.Marshal(call.Participants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO calls
			(id, initiator_id, callee_id, kind, state, reason, participants,
			 created_at, updated_at, answered_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(call.ID), string(call.Initiator), string(call.Callee), string(call.Kind),
		string(call.State), string(call.Reason), string(participants),
		formatTime(call.CreatedAt), formatTime(call.UpdatedAt),
		formatTimePtr(call.AnsweredAt), formatTimePtr(call.EndedAt),
		call.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	members := map[domain.UserID]struct{}{call.Initiator: {}, call.Callee: {}}
	for _, p := range call.Participants {
		members[p.UserID] = struct{}{}
	}
	for u := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO call_members (call_id, user_id) VALUES (?, ?)`,
			string(call.ID), string(u),
		); err != nil {
			return fmt.Errorf("inserting call member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const callColumns = `c.id, c.initiator_id, c.callee_id, c.kind, c.state, c.reason, c.participants,
	c.created_at, c.updated_at, c.answered_at, c.ended_at`

func (s *SQLiteStore) GetCall(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls c WHERE c.id = ?`, string(id))
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrCallNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying call: %w", err)
	}
	return call, nil
}

// ListCalls returns the calls user took part in or was rung for, newest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM calls c
		JOIN call_members m ON m.call_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.created_at DESC, c.id
		LIMIT ? OFFSET ?`,
		string(user), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying calls: %w", err)
	}
	return collect(rows)
}

// ListMissedCalls returns calls that rang user and were never answered.
func (s *SQLiteStore) ListMissedCalls(ctx context.Context, user domain.UserID, limit, offset int) ([]*domain.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM calls c
		WHERE c.callee_id = ?
		  AND c.answered_at IS NULL
		  AND c.state IN (?, ?, ?)
		ORDER BY c.created_at DESC, c.id
		LIMIT ? OFFSET ?`,
		string(user),
		string(domain.StateRejected), string(domain.StateTimedOut), string(domain.StateCancelled),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying missed calls: %w", err)
	}
	return collect(rows)
}

// Block records that blocker does not want calls from blocked.
func (s *SQLiteStore) Block(ctx context.Context, blocker, blocked domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		string(blocker), string(blocked), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Unblock(ctx context.Context, blocker, blocked domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`,
		string(blocker), string(blocked),
	)
	if err != nil {
		return fmt.Errorf("deleting block: %w", err)
	}
	return nil
}

// IsBlocked reports whether either user blocked the other.
func (s *SQLiteStore) IsBlocked(ctx context.Context, a, b domain.UserID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)`,
		string(a), string(b), string(b), string(a),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying blocks: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (*domain.Call, error) {
	var (
		c                     domain.Call
		id, initiator, callee string
		kind, state, reason   string
		participants          string
		created, updated      string
		answered, ended       sql.NullString
	)
	if err := row.Scan(&id, &initiator, &callee, &kind, &state, &reason, &participants,
		&created, &updated, &answered, &ended); err != nil {
		return nil, err
	}
	c.ID = domain.CallID(id)
	c.Initiator = domain.UserID(initiator)
	c.Callee = domain.UserID(callee)
	c.Kind = domain.CallKind(kind)
	c.State = domain.CallState(state)
	c.Reason = domain.TerminalReason(reason)
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.AnsweredAt, err = parseTimePtr(answered); err != nil {
		return nil, err
	}
	if c.EndedAt, err = parseTimePtr(ended); err != nil {
		return nil, err
	}
	return &c, nil
}

func collect(rows *sql.Rows) ([]*domain.Call, error) {
	defer rows.Close()
	var out []*domain.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calls: %w", err)
	}
	return out, nil
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
