package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandbay/sandbay/pkg/config"
	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/storage"
	"github.com/sandbay/sandbay/pkg/types"
)

// testSink records session events for assertions.
type testSink struct {
	mu  sync.Mutex
	out bytes.Buffer

	exits      chan int
	errs       chan string
	superseded chan struct{}
}

func newTestSink() *testSink {
	return &testSink{
		exits:      make(chan int, 1),
		errs:       make(chan string, 1),
		superseded: make(chan struct{}, 1),
	}
}

func (s *testSink) Output(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(p)
}

func (s *testSink) Exit(code int)        { s.exits <- code }
func (s *testSink) Error(msg string)     { s.errs <- msg }
func (s *testSink) Superseded()          { s.superseded <- struct{}{} }

func (s *testSink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// waitForOutput polls until the sink has seen substr or the deadline hits.
func waitForOutput(t *testing.T, s *testSink, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(s.output(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output %q never contained %q", s.output(), substr)
}

func waitForExit(t *testing.T, s *testSink) int {
	t.Helper()
	select {
	case code := <-s.exits:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
		return 0
	}
}

func newTestService(t *testing.T) (*Service, *runtime.MockRuntime, *types.ContainerRecord) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt := runtime.NewMockRuntime()
	svc := NewService(store, rt, config.Default())
	svc.retryDelay = time.Millisecond

	tpl := &types.Template{
		Name:            "python",
		Image:           "python:3.11-slim",
		AllowedCommands: []string{"/bin/bash", "python3"},
	}
	require.NoError(t, store.CreateTemplate(tpl))

	ctx := context.Background()
	runtimeID, err := rt.Create(ctx, runtime.CreateSpec{Name: "alice_box", Image: tpl.Image})
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx, runtimeID))

	rec := &types.ContainerRecord{
		Name:       "box",
		OwnerID:    "alice",
		TemplateID: tpl.ID,
		RuntimeID:  runtimeID,
		HostPort:   30000,
		Status:     types.ContainerStatusRunning,
		DestroyAt:  time.Now().Add(2 * time.Hour),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateContainer(rec, storage.CreateGuard{}))
	return svc, rt, rec
}

func TestOpenTerminalRelaysOutputAndExit(t *testing.T) {
	svc, rt, rec := newTestService(t)
	sink := newTestSink()
	ctx := context.Background()

	err := svc.OpenTerminal(ctx, "conn-1", rec.ID, "alice", false, "/bin/bash", 80, 24, sink)
	require.NoError(t, err)
	require.Equal(t, 1, svc.Registry().Len())

	term := svc.Registry().getByConn("conn-1")
	require.NotNil(t, term)
	exec := rt.Exec(term.ExecID)
	require.NotNil(t, exec)
	assert.Equal(t, []string{"/bin/bash"}, exec.Spec.Cmd)
	assert.True(t, exec.Spec.TTY)
	assert.Equal(t, uint(80), exec.Cols)
	assert.Equal(t, uint(24), exec.Rows)

	exec.Emit([]byte("$ hello\r\n"))
	waitForOutput(t, sink, "$ hello")

	exec.Finish(0)
	assert.Equal(t, 0, waitForExit(t, sink))

	// Pump cleanup deregisters the session.
	require.Eventually(t, func() bool {
		return svc.Registry().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenTerminalReportsNonZeroExit(t *testing.T) {
	svc, rt, rec := newTestService(t)
	sink := newTestSink()

	require.NoError(t, svc.OpenTerminal(context.Background(), "conn-1", rec.ID, "alice", false, "python3", 0, 0, sink))
	term := svc.Registry().getByConn("conn-1")
	require.NotNil(t, term)

	rt.Exec(term.ExecID).Finish(2)
	assert.Equal(t, 2, waitForExit(t, sink))
}

func TestOpenTerminalStreamErrorEmitsErrorEvent(t *testing.T) {
	svc, rt, rec := newTestService(t)
	sink := newTestSink()

	require.NoError(t, svc.OpenTerminal(context.Background(), "conn-1", rec.ID, "alice", false, "/bin/bash", 0, 0, sink))
	term := svc.Registry().getByConn("conn-1")
	require.NotNil(t, term)

	rt.Exec(term.ExecID).Fail(errors.New("connection reset"))

	select {
	case <-sink.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}
	require.Eventually(t, func() bool {
		return svc.Registry().Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenTerminalEvictsPreviousSession(t *testing.T) {
	svc, rt, rec := newTestService(t)
	first := newTestSink()
	second := newTestSink()
	ctx := context.Background()

	require.NoError(t, svc.OpenTerminal(ctx, "conn-1", rec.ID, "alice", false, "/bin/bash", 80, 24, first))
	oldTerm := svc.Registry().getByConn("conn-1")
	require.NotNil(t, oldTerm)

	require.NoError(t, svc.OpenTerminal(ctx, "conn-2", rec.ID, "alice", false, "/bin/bash", 80, 24, second))

	// The evicted connection is told why it died.
	select {
	case <-first.superseded:
	case <-time.After(2 * time.Second):
		t.Fatal("no superseded event")
	}
	assert.Contains(t, first.output(), "killed by new connection")

	// Its exec process was killed, and no exit event leaks to it.
	assert.True(t, rt.Exec(oldTerm.ExecID).Killed)
	select {
	case code := <-first.exits:
		t.Fatalf("unexpected exit event %d on evicted sink", code)
	case <-time.After(50 * time.Millisecond):
	}

	// Exactly one session remains: the newest connection's.
	require.Eventually(t, func() bool {
		return svc.Registry().Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, svc.Registry().getByConn("conn-1"))
	assert.NotNil(t, svc.Registry().getByConn("conn-2"))
}

func TestConcurrentOpensLeaveOneSession(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sink := newTestSink()
			connID := "conn-" + string(rune('a'+i))
			_ = svc.OpenTerminal(ctx, connID, rec.ID, "alice", false, "/bin/bash", 80, 24, sink)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return svc.Registry().Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendInputForwardsToExec(t *testing.T) {
	svc, rt, rec := newTestService(t)
	sink := newTestSink()

	require.NoError(t, svc.OpenTerminal(context.Background(), "conn-1", rec.ID, "alice", false, "/bin/bash", 0, 0, sink))
	term := svc.Registry().getByConn("conn-1")
	require.NotNil(t, term)

	svc.SendInput("conn-1", []byte("ls -la\r"))
	assert.Equal(t, []byte("ls -la\r"), rt.Exec(term.ExecID).Input())
}

func TestSendInputWithoutSessionIsDropped(t *testing.T) {
	svc, _, _ := newTestService(t)

	// Must not panic or error; the session may have just been evicted.
	svc.SendInput("conn-unknown", []byte("whoami\r"))
}

func TestCloseOnDisconnectKillsExec(t *testing.T) {
	svc, rt, rec := newTestService(t)
	sink := newTestSink()
	ctx := context.Background()

	require.NoError(t, svc.OpenTerminal(ctx, "conn-1", rec.ID, "alice", false, "/bin/bash", 0, 0, sink))
	term := svc.Registry().getByConn("conn-1")
	require.NotNil(t, term)

	svc.CloseOnDisconnect(ctx, "conn-1")

	assert.True(t, rt.Exec(term.ExecID).Killed)
	assert.Equal(t, 0, svc.Registry().Len())

	// Safe to call again for the same connection.
	svc.CloseOnDisconnect(ctx, "conn-1")
}

func TestOpenTerminalAuthorization(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		ownerID string
		isAdmin bool
		command string
		id      uint64
		kind    types.ErrorKind
	}{
		{"not the owner", "mallory", false, "/bin/bash", 0, types.KindForbidden},
		{"unknown container", "alice", false, "/bin/bash", 9999, types.KindNotFound},
		{"command not in template allow list", "alice", false, "rm -rf /", 0, types.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.id
			if id == 0 {
				id = rec.ID
			}
			err := svc.OpenTerminal(ctx, "conn-x", id, tt.ownerID, tt.isAdmin, tt.command, 80, 24, newTestSink())
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}

	// Admins may open terminals on containers they do not own.
	sink := newTestSink()
	require.NoError(t, svc.OpenTerminal(ctx, "conn-admin", rec.ID, "root", true, "/bin/bash", 80, 24, sink))
}

func TestOpenTerminalRequiresRunningContainer(t *testing.T) {
	svc, rt, rec := newTestService(t)
	rt.SetStatus(rec.RuntimeID, types.ContainerStatusStopped)
	require.NoError(t, svc.store.MutateContainer(rec.ID, func(r *types.ContainerRecord) error {
		r.Status = types.ContainerStatusStopped
		return nil
	}))

	err := svc.OpenTerminal(context.Background(), "conn-1", rec.ID, "alice", false, "/bin/bash", 80, 24, newTestSink())
	require.Error(t, err)
	assert.Equal(t, types.KindRuntimeError, types.KindOf(err))
}

func TestResizeFailureIsRetriedThenTolerated(t *testing.T) {
	svc, rt, rec := newTestService(t)
	rt.ResizeErrs = []error{errors.New("process not started")}
	sink := newTestSink()

	require.NoError(t, svc.OpenTerminal(context.Background(), "conn-1", rec.ID, "alice", false, "/bin/bash", 120, 40, sink))

	// First attempt failed, the delayed retry applied the geometry.
	term := svc.Registry().getByConn("conn-1")
	require.NotNil(t, term)
	exec := rt.Exec(term.ExecID)
	assert.Equal(t, uint(120), exec.Cols)
	assert.Equal(t, uint(40), exec.Rows)
}

func TestResizeFailingTwiceStillOpensSession(t *testing.T) {
	svc, rt, rec := newTestService(t)
	rt.ResizeErrs = []error{errors.New("no pty"), errors.New("no pty")}
	sink := newTestSink()

	require.NoError(t, svc.OpenTerminal(context.Background(), "conn-1", rec.ID, "alice", false, "/bin/bash", 120, 40, sink))
	assert.Equal(t, 1, svc.Registry().Len())
}

func TestStreamLogsReplaysTailThenFollows(t *testing.T) {
	svc, rt, rec := newTestService(t)
	rt.AppendLog(rec.RuntimeID, []byte("boot line 1\nboot line 2\n"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := svc.StreamLogs(ctx, rec.ID, "alice", false)
	require.NoError(t, err)

	collected := make(chan string, 1)
	go func() {
		var b strings.Builder
		for chunk := range ch {
			b.Write(chunk)
		}
		collected <- b.String()
	}()

	// Give the relay a moment to drain the backlog, then push live output.
	time.Sleep(20 * time.Millisecond)
	rt.AppendLog(rec.RuntimeID, []byte("live line\n"))
	time.Sleep(20 * time.Millisecond)
	rt.CloseLogs(rec.RuntimeID)

	got := <-collected
	assert.Contains(t, got, "boot line 1")
	assert.Contains(t, got, "boot line 2")
	assert.Contains(t, got, "live line")
}

func TestStreamLogsClosesOnCancel(t *testing.T) {
	svc, _, rec := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.StreamLogs(ctx, rec.ID, "alice", false)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestStreamLogsAuthorization(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.StreamLogs(ctx, rec.ID, "mallory", false)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	_, err = svc.StreamLogs(ctx, 9999, "alice", false)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = svc.StreamLogs(ctx, rec.ID, "root", true)
	assert.NoError(t, err)
}
