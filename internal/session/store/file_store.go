package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sebastianm/agentdeck/internal/session"
)

// FileStore is the fallback session.Store used when no database is
// configured: one JSON document per session under <dataDir>/sessions.
// It keeps no message or output history (those methods are best-effort
// no-ops) and DeleteSession removes the file outright.
type FileStore struct {
	dir string
}

// NewFileStore creates the sessions directory with restrictive
// permissions and returns the store.
func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) CreateSession(_ context.Context, sess session.Session) error {
	if _, err := os.Stat(f.path(sess.ID)); err == nil {
		return fmt.Errorf("session %q already exists", sess.ID)
	}
	return f.write(sess)
}

func (f *FileStore) UpdateSession(_ context.Context, sess session.Session) error {
	if _, err := os.Stat(f.path(sess.ID)); err != nil {
		return fmt.Errorf("session %q not found", sess.ID)
	}
	return f.write(sess)
}

func (f *FileStore) write(sess session.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %q: %w", sess.ID, err)
	}
	if err := os.WriteFile(f.path(sess.ID), data, 0o600); err != nil {
		return fmt.Errorf("writing session %q: %w", sess.ID, err)
	}
	return nil
}

func (f *FileStore) GetSession(_ context.Context, id string) (session.Session, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return session.Session{}, fmt.Errorf("session %q not found", id)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return session.Session{}, fmt.Errorf("decoding session %q: %w", id, err)
	}
	return sess, nil
}

func (f *FileStore) ListSessions(ctx context.Context) ([]session.Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading sessions directory: %w", err)
	}

	var sessions []session.Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		sess, err := f.GetSession(ctx, id)
		if err != nil {
			continue // skip unreadable entries
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (f *FileStore) FindMostRecent(ctx context.Context) (session.Session, error) {
	sessions, err := f.ListSessions(ctx)
	if err != nil {
		return session.Session{}, err
	}
	if len(sessions) == 0 {
		return session.Session{}, fmt.Errorf("no sessions")
	}

	best := sessions[0]
	for _, s := range sessions[1:] {
		if s.UpdatedAt.After(best.UpdatedAt) ||
			(s.UpdatedAt.Equal(best.UpdatedAt) && s.ID > best.ID) {
			best = s
		}
	}
	return best, nil
}

func (f *FileStore) DeleteSession(_ context.Context, id string, _ time.Time) error {
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session %q: %w", id, err)
	}
	return nil
}

// InsertMessage is a no-op: message history needs the database backend.
func (f *FileStore) InsertMessage(context.Context, session.Message) error { return nil }

func (f *FileStore) ListMessages(context.Context, string) ([]session.Message, error) {
	return nil, nil
}

// InsertOutputs is a no-op: output history needs the database backend.
func (f *FileStore) InsertOutputs(context.Context, []session.OutputRecord) error { return nil }

func (f *FileStore) ListOutputs(context.Context, string) ([]session.OutputRecord, error) {
	return nil, nil
}
