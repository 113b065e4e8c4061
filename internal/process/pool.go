// Package process owns the set of live assistant CLI processes. Each
// spawned process runs attached to a pseudo-terminal and is registered
// in a Pool keyed by an opaque id; the Pool is the sole owner of every
// handle and deregisters it automatically on exit.
package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty/v2"
	"github.com/google/uuid"
)

const (
	defaultCols = 80
	defaultRows = 24

	readBufSize     = 4096
	gracefulTimeout = 2 * time.Second
)

// SpawnOpts configures a new process.
type SpawnOpts struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Cols    uint16
	Rows    uint16

	// OnData is invoked from the read loop for every chunk the process
	// writes to its terminal. It must not block.
	OnData func(data []byte)
	// OnExit is invoked exactly once when the process exits, after the
	// pool entry has been removed.
	OnExit func(exitCode int)
}

// Handle identifies one spawned process.
type Handle struct {
	ID  string
	Pid int
}

type proc struct {
	id       string
	ptmx     *os.File
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// Pool manages the live processes for the whole server.
type Pool struct {
	log *slog.Logger

	mu    sync.RWMutex
	procs map[string]*proc
}

// NewPool creates an empty pool.
func NewPool(log *slog.Logger) *Pool {
	return &Pool{
		log:   log.With("component", "process-pool"),
		procs: make(map[string]*proc),
	}
}

// Spawn launches a process under a PTY and registers it. Spawn failures
// (missing executable, bad working directory) are returned synchronously;
// they never surface as a delayed exit callback.
func (p *Pool) Spawn(opts SpawnOpts) (Handle, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	env := opts.Env
	if env == nil {
		env = map[string]string{}
	}
	// The assistant renders for a real terminal; pin the capability set.
	env["TERM"] = "xterm-256color"
	cmd.Env = buildEnv(env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return Handle{}, fmt.Errorf("starting %s: %w", opts.Command, err)
	}

	id := uuid.New().String()
	pr := &proc{
		id:   id,
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.procs[id] = pr
	p.mu.Unlock()

	go p.readLoop(pr, opts.OnData)
	go p.wait(pr, opts.OnExit)

	p.log.Info("process spawned", "process_id", id, "pid", cmd.Process.Pid, "command", opts.Command, "cwd", opts.Dir)
	return Handle{ID: id, Pid: cmd.Process.Pid}, nil
}

// readLoop forwards PTY output chunks to the data callback until the
// master side reports EOF or an error (both mean the process is gone).
func (p *Pool) readLoop(pr *proc, onData func([]byte)) {
	buf := make([]byte, readBufSize)
	for {
		n, err := pr.ptmx.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) wait(pr *proc, onExit func(int)) {
	defer close(pr.done)

	if err := pr.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			pr.exitCode = exitErr.ExitCode()
		} else {
			pr.exitCode = -1
		}
	}
	_ = pr.ptmx.Close()

	p.mu.Lock()
	delete(p.procs, pr.id)
	p.mu.Unlock()

	p.log.Debug("process exited", "process_id", pr.id, "exit_code", pr.exitCode)
	if onExit != nil {
		onExit(pr.exitCode)
	}
}

// Write sends data to the process's input. Writing to an id that has
// already exited is expected under races and is a silent no-op.
func (p *Pool) Write(id string, data []byte) {
	pr, ok := p.get(id)
	if !ok {
		return
	}
	if _, err := pr.ptmx.Write(data); err != nil {
		p.log.Debug("write to exited process", "process_id", id, "error", err)
	}
}

// Resize changes the PTY dimensions; no-op for unknown ids.
func (p *Pool) Resize(id string, cols, rows uint16) {
	pr, ok := p.get(id)
	if !ok {
		return
	}
	if err := pty.Setsize(pr.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		p.log.Debug("resize failed", "process_id", id, "error", err)
	}
}

// Kill terminates the process and removes it from the registry; no-op
// for unknown ids. SIGHUP first, SIGKILL after a short grace period.
func (p *Pool) Kill(id string) {
	p.mu.Lock()
	pr, ok := p.procs[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	if pr.cmd.Process != nil {
		_ = pr.cmd.Process.Signal(syscall.SIGHUP)
		select {
		case <-pr.done:
		case <-time.After(gracefulTimeout):
			_ = pr.cmd.Process.Kill()
			<-pr.done
		}
	}
	p.log.Info("process killed", "process_id", id)
}

// KillAll terminates every registered process. Used at shutdown.
func (p *Pool) KillAll() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.procs))
	for id := range p.procs {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		p.Kill(id)
	}
}

// Count returns the number of live processes.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.procs)
}

func (p *Pool) get(id string) (*proc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.procs[id]
	return pr, ok
}
