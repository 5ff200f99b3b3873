package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandbay/sandbay/pkg/config"
	"github.com/sandbay/sandbay/pkg/log"
	"github.com/sandbay/sandbay/pkg/metrics"
	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/storage"
	"github.com/sandbay/sandbay/pkg/types"
)

// supersededNotice is written to the evicted connection before its
// session is torn down, so the user sees why their terminal died.
const supersededNotice = "[SYSTEM] Terminal session killed by new connection.\r\n"

// resizeRetryDelay is how long to wait before the single resize retry.
// The exec process may not have allocated its PTY yet on the first try.
const resizeRetryDelay = 200 * time.Millisecond

// Service owns interactive terminal sessions and log streams. One
// instance per process; all sessions share its registry.
type Service struct {
	store  storage.Store
	rt     runtime.Runtime
	cfg    *config.Config
	reg    *Registry
	logger zerolog.Logger

	// openMu serializes OpenTerminal from eviction through registration,
	// so two concurrent opens for one container cannot both register.
	openMu sync.Mutex

	// retryDelay is resizeRetryDelay in production; tests shrink it.
	retryDelay time.Duration
}

// NewService creates the session service.
func NewService(store storage.Store, rt runtime.Runtime, cfg *config.Config) *Service {
	return &Service{
		store:      store,
		rt:         rt,
		cfg:        cfg,
		reg:        NewRegistry(),
		logger:     log.WithComponent("session"),
		retryDelay: resizeRetryDelay,
	}
}

// Registry exposes the session table, mainly for inspection in tests.
func (s *Service) Registry() *Registry {
	return s.reg
}

// OpenTerminal starts an interactive exec session inside a container
// and begins relaying its output to sink. If another session is live
// for the same container it is evicted first; the newest connection
// always wins. Concurrent opens for the same container serialize on
// the store and registry, so exactly one survives.
func (s *Service) OpenTerminal(ctx context.Context, connID string, containerID uint64, ownerID string, isAdmin bool, command string, cols, rows uint, sink Sink) error {
	if sink == nil {
		return types.RuntimeError("terminal session requires an event sink", nil)
	}
	rec, err := s.authorize(containerID, ownerID, isAdmin)
	if err != nil {
		return err
	}
	if rec.Status != types.ContainerStatusRunning {
		return types.RuntimeError(fmt.Sprintf("container %d is not running", containerID), nil)
	}

	tpl, err := s.store.GetTemplate(rec.TemplateID)
	if err != nil {
		return err
	}
	if !tpl.CommandAllowed(command) {
		return types.Forbidden(fmt.Sprintf("command %q is not allowed for template %d", command, tpl.ID))
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	// Evict the previous session for this container, if any. Taking it
	// out of the registry first means its late cleanup cannot touch the
	// session we are about to register.
	if old := s.reg.takeByContainer(containerID); old != nil {
		old.sink.Output([]byte(supersededNotice))
		old.sink.Superseded()
		s.teardown(ctx, old)
		metrics.TerminalEvictions.Inc()
		s.logger.Info().
			Uint64("container_id", containerID).
			Str("connection_id", old.ConnectionID).
			Msg("evicted terminal session superseded by new connection")
	}

	execID, err := s.rt.ExecCreate(ctx, rec.RuntimeID, runtime.ExecSpec{
		Cmd: strings.Fields(command),
		TTY: true,
	})
	if err != nil {
		if runtime.IsNotFound(err) {
			return types.NotFound(fmt.Sprintf("container %d has no backing runtime container", containerID))
		}
		return types.RuntimeError("failed to create exec session", err)
	}

	stream, err := s.rt.ExecStart(ctx, execID, true)
	if err != nil {
		return types.RuntimeError("failed to attach exec session", err)
	}

	s.resize(ctx, execID, cols, rows)

	term := &Terminal{
		ConnectionID: connID,
		ContainerID:  containerID,
		ExecID:       execID,
		stream:       stream,
		sink:         sink,
		reg:          s.reg,
		lastActivity: time.Now(),
	}
	s.reg.put(term)
	metrics.TerminalSessionsActive.Inc()
	metrics.TerminalSessionsTotal.Inc()

	go s.readPump(term)

	s.logger.Info().
		Uint64("container_id", containerID).
		Str("connection_id", connID).
		Str("exec_id", execID).
		Str("command", command).
		Msg("terminal session opened")
	return nil
}

// resize applies the initial PTY geometry. Failure is non-fatal: one
// retry after a short delay, then give up with a log line. The session
// works either way, just with default dimensions.
func (s *Service) resize(ctx context.Context, execID string, cols, rows uint) {
	if cols == 0 || rows == 0 {
		return
	}
	if err := s.rt.ExecResize(ctx, execID, cols, rows); err == nil {
		return
	}
	time.Sleep(s.retryDelay)
	if err := s.rt.ExecResize(ctx, execID, cols, rows); err != nil {
		s.logger.Warn().Err(err).
			Str("exec_id", execID).
			Msg("failed to resize terminal, continuing with default size")
	}
}

// readPump copies exec output to the sink until the stream ends. It is
// the sole owner of session teardown on the output side.
func (s *Service) readPump(t *Terminal) {
	defer func() {
		t.cleanup()
		metrics.TerminalSessionsActive.Dec()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := t.stream.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			t.sink.Output(out)
			t.touch()
		}
		if err == nil {
			continue
		}
		if t.wasClosed() {
			// Deliberate shutdown (eviction or disconnect) closed the
			// stream under us. The sink already heard about it.
			return
		}
		if errors.Is(err, io.EOF) {
			t.sink.Exit(s.exitCode(t.ExecID))
		} else {
			s.logger.Warn().Err(err).
				Uint64("container_id", t.ContainerID).
				Msg("terminal stream read failed")
			t.sink.Error("terminal stream closed unexpectedly")
		}
		return
	}
}

// exitCode asks the runtime for the exec's exit code after EOF. If the
// inspect fails we report -1 rather than drop the termination event.
func (s *Service) exitCode(execID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := s.rt.ExecInspect(ctx, execID)
	if err != nil {
		s.logger.Warn().Err(err).Str("exec_id", execID).Msg("failed to inspect exec after exit")
		return -1
	}
	return status.ExitCode
}

// SendInput forwards keystrokes to the terminal owned by a connection.
// Input for a connection with no live session is dropped silently; the
// session may have just been evicted or exited.
func (s *Service) SendInput(connID string, p []byte) {
	t := s.reg.getByConn(connID)
	if t == nil {
		return
	}
	if _, err := t.stream.Write(p); err != nil {
		s.logger.Debug().Err(err).
			Str("connection_id", connID).
			Msg("dropping input for closed terminal stream")
		return
	}
	t.touch()
}

// Resize changes the PTY geometry of a connection's live terminal.
func (s *Service) Resize(ctx context.Context, connID string, cols, rows uint) {
	t := s.reg.getByConn(connID)
	if t == nil || cols == 0 || rows == 0 {
		return
	}
	if err := s.rt.ExecResize(ctx, t.ExecID, cols, rows); err != nil {
		s.logger.Debug().Err(err).
			Str("connection_id", connID).
			Msg("failed to resize terminal")
	}
}

// CloseOnDisconnect tears down whatever session a departed connection
// owned. Safe to call for connections that never opened one.
func (s *Service) CloseOnDisconnect(ctx context.Context, connID string) {
	t := s.reg.takeByConn(connID)
	if t == nil {
		return
	}
	s.teardown(ctx, t)
	s.logger.Info().
		Uint64("container_id", t.ContainerID).
		Str("connection_id", connID).
		Msg("terminal session closed on disconnect")
}

// teardown kills the exec process best-effort and closes the stream.
// The read pump notices the closed stream and finishes the cleanup.
func (s *Service) teardown(ctx context.Context, t *Terminal) {
	// Flag first so the pump treats the EOF the kill produces as a
	// deliberate shutdown, not a process exit.
	t.markClosed()
	if err := s.rt.KillExec(ctx, t.ExecID); err != nil && !runtime.IsNotFound(err) {
		s.logger.Debug().Err(err).
			Str("exec_id", t.ExecID).
			Msg("failed to kill exec process during teardown")
	}
	t.cleanup()
}

// authorize loads a live container record and checks ownership. Same
// rules as the lifecycle engine: owners and admins only, and records
// past removal read as absent.
func (s *Service) authorize(containerID uint64, ownerID string, isAdmin bool) (*types.ContainerRecord, error) {
	rec, err := s.store.GetContainer(containerID)
	if err != nil {
		return nil, err
	}
	if !rec.Live() {
		return nil, types.NotFound(fmt.Sprintf("container %d not found", containerID))
	}
	if !isAdmin && rec.OwnerID != ownerID {
		return nil, types.Forbidden(fmt.Sprintf("container %d does not belong to %s", containerID, ownerID))
	}
	return rec, nil
}
