package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/agentdeck/internal/process"
)

const (
	defaultOutputBufferSize = 100
	defaultFlushInterval    = 100 * time.Millisecond
	defaultPersistInterval  = 30 * time.Second
)

// ProcessPool abstracts process spawning so tests can substitute a fake.
// *process.Pool is the production implementation.
type ProcessPool interface {
	Spawn(opts process.SpawnOpts) (process.Handle, error)
	Write(id string, data []byte)
	Resize(id string, cols, rows uint16)
	Kill(id string)
	KillAll()
}

// Store persists sessions, messages, and outputs. The SQLite store
// soft-deletes sessions; the file-fallback store deletes hard and keeps
// no message/output history.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	FindMostRecent(ctx context.Context) (Session, error)
	DeleteSession(ctx context.Context, id string, at time.Time) error
	InsertMessage(ctx context.Context, m Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	InsertOutputs(ctx context.Context, outs []OutputRecord) error
	ListOutputs(ctx context.Context, sessionID string) ([]OutputRecord, error)
}

// OutputEvent is a live output notification delivered to the transport.
type OutputEvent struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Event     string `json:"event,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// StatusEvent is a live status-change notification.
type StatusEvent struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Name       string `json:"name,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
}

// ManagerDeps are the dependencies and tunables for a Manager.
type ManagerDeps struct {
	Log   *slog.Logger
	Pool  ProcessPool
	Store Store

	// Command and Args launch the assistant process for each session.
	Command string
	Args    []string
	Cols    uint16
	Rows    uint16

	// OnOutput and OnStatus receive live domain events. They are called
	// from process read loops and must not block.
	OnOutput func(OutputEvent)
	OnStatus func(StatusEvent)

	OutputBufferSize int
	FlushInterval    time.Duration
	PersistInterval  time.Duration
}

type managedSession struct {
	session Session
	procID  string // "" when no process is bound
	parser  *Parser
}

// Manager is the sole owner of all managed sessions: the only component
// that mutates session state and the only writer to the process pool.
type Manager struct {
	log   *slog.Logger
	pool  ProcessPool
	store Store

	command string
	args    []string
	cols    uint16
	rows    uint16

	onOutput func(OutputEvent)
	onStatus func(StatusEvent)

	bufferSize    int
	flushInterval time.Duration

	mu         sync.Mutex
	sessions   map[string]*managedSession
	outBuf     []OutputRecord
	flushTimer *time.Timer

	persistStop chan struct{}
	persistOnce sync.Once
}

// NewManager creates a Manager and starts its periodic persistence
// sweep. Callers must DestroyAll at shutdown to stop the sweep.
func NewManager(d ManagerDeps) *Manager {
	if d.Command == "" {
		d.Command = "claude"
	}
	if d.OutputBufferSize <= 0 {
		d.OutputBufferSize = defaultOutputBufferSize
	}
	if d.FlushInterval <= 0 {
		d.FlushInterval = defaultFlushInterval
	}
	if d.PersistInterval <= 0 {
		d.PersistInterval = defaultPersistInterval
	}

	m := &Manager{
		log:           d.Log.With("component", "session-manager"),
		pool:          d.Pool,
		store:         d.Store,
		command:       d.Command,
		args:          d.Args,
		cols:          d.Cols,
		rows:          d.Rows,
		onOutput:      d.OnOutput,
		onStatus:      d.OnStatus,
		bufferSize:    d.OutputBufferSize,
		flushInterval: d.FlushInterval,
		sessions:      make(map[string]*managedSession),
		persistStop:   make(chan struct{}),
	}

	go m.persistLoop(d.PersistInterval)
	return m
}

// Create validates the working directory, persists a new idle session,
// and spawns its backing process. Spawn failure does not fail the call:
// the session is created in error status and a status event is emitted.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Session, error) {
	dir, err := validateWorkingDir(opts.WorkingDir)
	if err != nil {
		return Session{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := Session{
		ID:         uuid.New().String(),
		Name:       opts.Name,
		Status:     StatusIdle,
		WorkingDir: dir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sess.Name == "" {
		sess.Name = filepath.Base(dir)
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("persisting session: %w", err)
	}

	ms := &managedSession{session: sess, parser: NewParser()}
	m.mu.Lock()
	m.sessions[sess.ID] = ms
	m.mu.Unlock()

	m.log.Info("session created", "session_id", sess.ID, "cwd", dir)

	// Auto-start so the first message gets a warm process.
	if err := m.spawn(ms.session.ID); err != nil {
		m.log.Warn("initial spawn failed", "session_id", sess.ID, "error", err)
		m.setStatus(sess.ID, StatusError)
		m.mu.Lock()
		sess = ms.session
		m.mu.Unlock()
	}

	return sess, nil
}

// SendMessage persists a user message and writes it to the session's
// process, spawning one first if none is bound. Unknown ids are a
// silent no-op.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// Best-effort: history loss must not block delivery.
	msg := Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		m.log.Warn("persisting message failed", "session_id", sessionID, "error", err)
	}

	m.mu.Lock()
	procID := ms.procID
	m.mu.Unlock()
	if procID == "" {
		if err := m.spawn(sessionID); err != nil {
			m.setStatus(sessionID, StatusError)
			return fmt.Errorf("spawning process: %w", err)
		}
		m.mu.Lock()
		procID = ms.procID
		m.mu.Unlock()
	}

	m.setStatus(sessionID, StatusRunning)
	m.pool.Write(procID, []byte(content+"\n"))
	return nil
}

// Resize forwards a terminal resize to the session's process, if any.
func (m *Manager) Resize(sessionID string, cols, rows uint16) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	var procID string
	if ok {
		procID = ms.procID
	}
	m.mu.Unlock()
	if procID != "" {
		m.pool.Resize(procID, cols, rows)
	}
}

// spawn launches the backing process for a session and binds it. The
// parser is reset first so stale partial-line state and a stale format
// detection never survive a restart.
func (m *Manager) spawn(sessionID string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %q not found", sessionID)
	}
	ms.parser.Reset()
	dir := ms.session.WorkingDir
	m.mu.Unlock()

	h, err := m.pool.Spawn(process.SpawnOpts{
		Command: m.command,
		Args:    m.args,
		Dir:     dir,
		Cols:    m.cols,
		Rows:    m.rows,
		OnData: func(data []byte) {
			m.handleData(sessionID, data)
		},
		OnExit: func(code int) {
			m.handleExit(sessionID, code)
		},
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	ms.procID = h.ID
	m.mu.Unlock()
	return nil
}

// handleData classifies a chunk of process output, forwards each result
// to the live subscriber, and buffers it for batched persistence. This
// is the hot path: it never touches the database synchronously except
// when the buffer reaches capacity.
func (m *Manager) handleData(sessionID string, data []byte) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	outs := ms.parser.Parse(string(data))
	m.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, out := range outs {
		rec := OutputRecord{
			SessionID: sessionID,
			Type:      out.Type,
			Content:   out.Content,
			Timestamp: now,
		}
		if out.Event != nil {
			rec.Event = string(out.Event.Kind)
		}

		if m.onOutput != nil {
			m.onOutput(OutputEvent{
				SessionID: sessionID,
				Type:      rec.Type,
				Content:   rec.Content,
				Event:     rec.Event,
				Timestamp: now.UnixMilli(),
			})
		}
		m.bufferOutput(rec)
	}
}

// handleExit unbinds the process and settles the session status: idle
// for a clean exit, error otherwise.
func (m *Manager) handleExit(sessionID string, code int) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok {
		ms.procID = ""
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	status := StatusIdle
	if code != 0 {
		status = StatusError
	}
	m.log.Debug("session process exited", "session_id", sessionID, "exit_code", code)
	m.setStatus(sessionID, status)
}

// setStatus updates a session's status, persists it best-effort, and
// emits a status event.
func (m *Manager) setStatus(sessionID string, status Status) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ms.session.Status = status
	ms.session.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	sess := ms.session
	m.mu.Unlock()

	if err := m.store.UpdateSession(context.Background(), sess); err != nil {
		m.log.Warn("persisting status failed", "session_id", sessionID, "error", err)
	}
	if m.onStatus != nil {
		m.onStatus(StatusEvent{SessionID: sessionID, Status: status})
	}
}

// bufferOutput appends one record to the shared output buffer. Reaching
// bufferSize flushes synchronously; otherwise a timer covers the batch.
func (m *Manager) bufferOutput(rec OutputRecord) {
	m.mu.Lock()
	m.outBuf = append(m.outBuf, rec)

	if len(m.outBuf) >= m.bufferSize {
		if m.flushTimer != nil {
			m.flushTimer.Stop()
			m.flushTimer = nil
		}
		m.flushLocked()
		m.mu.Unlock()
		return
	}

	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(m.flushInterval, m.FlushOutputs)
	}
	m.mu.Unlock()
}

// FlushOutputs forces a synchronous flush of the output buffer.
func (m *Manager) FlushOutputs() {
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.flushLocked()
	m.mu.Unlock()
}

// flushLocked batch-inserts and clears the buffer. Output history is
// not safety-critical, so persistence errors are logged and swallowed.
func (m *Manager) flushLocked() {
	if len(m.outBuf) == 0 {
		return
	}
	batch := m.outBuf
	m.outBuf = nil

	if err := m.store.InsertOutputs(context.Background(), batch); err != nil {
		m.log.Warn("flushing outputs failed", "count", len(batch), "error", err)
	}
}

// Destroy kills the session's process, removes the persisted record,
// and drops it from memory. Destroying an unknown id is a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	procID := ms.procID
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if procID != "" {
		m.pool.Kill(procID)
	}
	if err := m.store.DeleteSession(ctx, sessionID, time.Now().UTC()); err != nil {
		m.log.Warn("deleting session failed", "session_id", sessionID, "error", err)
	}
	m.log.Info("session destroyed", "session_id", sessionID)
}

// DestroyAll stops the persistence sweep, flushes pending outputs, and
// destroys every known session. Used at shutdown.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.persistOnce.Do(func() { close(m.persistStop) })
	m.FlushOutputs()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(ctx, id)
	}
}

// Load populates memory with all non-deleted sessions from the store.
// No process can survive a restart, so every status is reset to idle; a
// process is spawned lazily on the next message.
func (m *Manager) Load(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	m.mu.Lock()
	for _, s := range sessions {
		s.Status = StatusIdle
		m.sessions[s.ID] = &managedSession{session: s, parser: NewParser()}
	}
	m.mu.Unlock()

	m.log.Info("sessions loaded", "count", len(sessions))
	return nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return ms.session, true
}

// Sessions returns all live sessions, newest first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// MostRecent returns the most recently updated non-deleted session from
// the store. Used by the UI to resume where the user left off.
func (m *Manager) MostRecent(ctx context.Context) (Session, error) {
	return m.store.FindMostRecent(ctx)
}

// History returns a session's persisted messages and outputs.
func (m *Manager) History(ctx context.Context, sessionID string) (History, error) {
	msgs, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return History{}, fmt.Errorf("listing messages: %w", err)
	}
	outs, err := m.store.ListOutputs(ctx, sessionID)
	if err != nil {
		return History{}, fmt.Errorf("listing outputs: %w", err)
	}
	return History{Messages: msgs, Outputs: outs}, nil
}

// persistLoop rewrites every in-memory session on an interval as a
// durability net against missed incremental writes. Per-session errors
// are swallowed so one bad write does not block the sweep.
func (m *Manager) persistLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.persistStop:
			return
		case <-ticker.C:
			m.mu.Lock()
			snapshot := make([]Session, 0, len(m.sessions))
			for _, ms := range m.sessions {
				snapshot = append(snapshot, ms.session)
			}
			m.mu.Unlock()

			for _, s := range snapshot {
				if err := m.store.UpdateSession(context.Background(), s); err != nil {
					m.log.Warn("periodic persist failed", "session_id", s.ID, "error", err)
				}
			}
		}
	}
}

// validateWorkingDir rejects traversal segments in the raw user string
// before any normalization, then requires an existing real directory.
func validateWorkingDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		return wd, nil
	}

	// Checked against the raw input: Clean would fold "a/../b" into "b"
	// and hide the traversal intent.
	for _, seg := range strings.Split(filepath.ToSlash(dir), "/") {
		if seg == ".." {
			return "", fmt.Errorf("working directory %q contains a traversal segment", dir)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory does not exist: %s", dir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory is not a directory: %s", dir)
	}
	return abs, nil
}
