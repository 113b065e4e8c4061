// Package store provides the persistence backends for sessions:
// a SQLite repository and a file-per-session fallback.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sebastianm/agentdeck/internal/session"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements session.Store on the embedded SQLite database.
// DeleteSession soft-deletes: the row keeps its history but disappears
// from all listing queries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, status, working_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, string(sess.Status), sess.WorkingDir,
		sess.CreatedAt.UTC().Format(timeFormat), sess.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session %q: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess session.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, status = ?, working_dir = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		sess.Name, string(sess.Status), sess.WorkingDir,
		sess.UpdatedAt.UTC().Format(timeFormat), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session %q: %w", sess.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q not found", sess.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, working_dir, created_at, updated_at, deleted_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		return session.Session{}, fmt.Errorf("getting session %q: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, working_dir, created_at, updated_at, deleted_at
		FROM sessions WHERE deleted_at IS NULL
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// FindMostRecent returns the non-deleted session with the greatest
// updated_at; ties break on id so the result is deterministic.
func (s *SQLiteStore) FindMostRecent(ctx context.Context) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, working_dir, created_at, updated_at, deleted_at
		FROM sessions WHERE deleted_at IS NULL
		ORDER BY updated_at DESC, id DESC LIMIT 1`)

	sess, err := scanSession(row)
	if err != nil {
		return session.Session{}, fmt.Errorf("finding most recent session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m session.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, timestamp)
		VALUES (?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message for session %q: %w", m.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing messages for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var m session.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp, _ = time.Parse(timeFormat, ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing messages for session %q: %w", sessionID, err)
	}
	return msgs, nil
}

// InsertOutputs writes a batch of output records in one transaction.
func (s *SQLiteStore) InsertOutputs(ctx context.Context, outs []session.OutputRecord) error {
	if len(outs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning output batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outputs (session_id, type, content, event, timestamp)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing output insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outs {
		event := sql.NullString{String: o.Event, Valid: o.Event != ""}
		if _, err := stmt.ExecContext(ctx,
			o.SessionID, o.Type, o.Content, event, o.Timestamp.UTC().Format(timeFormat),
		); err != nil {
			return fmt.Errorf("inserting output for session %q: %w", o.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing output batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOutputs(ctx context.Context, sessionID string) ([]session.OutputRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, content, event, timestamp
		FROM outputs WHERE session_id = ?
		ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing outputs for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var outs []session.OutputRecord
	for rows.Next() {
		var o session.OutputRecord
		var event sql.NullString
		var ts string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Type, &o.Content, &event, &ts); err != nil {
			return nil, fmt.Errorf("scanning output: %w", err)
		}
		o.Event = event.String
		o.Timestamp, _ = time.Parse(timeFormat, ts)
		outs = append(outs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing outputs for session %q: %w", sessionID, err)
	}
	return outs, nil
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanSession(r rowScanner) (session.Session, error) {
	var s session.Session
	var status, createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := r.Scan(&s.ID, &s.Name, &status, &s.WorkingDir, &createdAt, &updatedAt, &deletedAt); err != nil {
		return session.Session{}, err
	}
	s.Status = session.Status(status)
	s.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	s.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	if deletedAt.Valid {
		t, _ := time.Parse(timeFormat, deletedAt.String)
		s.DeletedAt = &t
	}
	return s, nil
}
