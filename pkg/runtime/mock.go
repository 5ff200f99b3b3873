package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sandbay/sandbay/pkg/types"
)

// MockRuntime is an in-memory Runtime for testing. Containers and execs
// live in maps; exec streams are backed by pipes the test drives.
type MockRuntime struct {
	mu         sync.Mutex
	containers map[string]*MockContainer
	execs      map[string]*MockExec
	nextID     int

	// Fault injection. When set, the corresponding call fails once and
	// the error is cleared.
	CreateErr error
	StartErr  error
	StatsErr  error

	// ResizeErrs is consumed one per ExecResize call; nil entries mean
	// success. An empty queue means success.
	ResizeErrs []error
}

// MockContainer is the mock's view of one container
type MockContainer struct {
	ID     string
	Spec   CreateSpec
	Status types.ContainerStatus

	LogContent []byte
	logFollow  *io.PipeWriter
}

// MockExec is the mock's view of one exec process
type MockExec struct {
	ID        string
	Container string
	Spec      ExecSpec
	ExitCode  int
	Running   bool
	Killed    bool

	Cols, Rows uint

	outR *io.PipeReader
	outW *io.PipeWriter

	inMu  sync.Mutex
	input bytes.Buffer

	started bool
}

// NewMockRuntime creates an empty mock runtime
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		containers: make(map[string]*MockContainer),
		execs:      make(map[string]*MockExec),
		nextID:     1,
	}
}

func (m *MockRuntime) Close() error { return nil }

// Container returns the mock container by runtime id, or nil.
func (m *MockRuntime) Container(runtimeID string) *MockContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[runtimeID]
}

// Exec returns the mock exec by id, or nil.
func (m *MockRuntime) Exec(execID string) *MockExec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[execID]
}

// Forget drops a container from the mock without going through Remove,
// simulating an engine that lost the container behind our back.
func (m *MockRuntime) Forget(runtimeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, runtimeID)
}

// SetStatus overrides a container's reported status.
func (m *MockRuntime) SetStatus(runtimeID string, status types.ContainerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.containers[runtimeID]; c != nil {
		c.Status = status
	}
}

func (m *MockRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		err := m.CreateErr
		m.CreateErr = nil
		return "", err
	}

	id := fmt.Sprintf("mock-container-%d", m.nextID)
	m.nextID++
	m.containers[id] = &MockContainer{
		ID:     id,
		Spec:   spec,
		Status: types.ContainerStatusCreated,
	}
	return id, nil
}

func (m *MockRuntime) Start(ctx context.Context, runtimeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StartErr != nil {
		err := m.StartErr
		m.StartErr = nil
		return err
	}

	c, ok := m.containers[runtimeID]
	if !ok {
		return ErrNotFound
	}
	c.Status = types.ContainerStatusRunning
	return nil
}

func (m *MockRuntime) Stop(ctx context.Context, runtimeID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[runtimeID]
	if !ok {
		return ErrNotFound
	}
	c.Status = types.ContainerStatusStopped
	return nil
}

func (m *MockRuntime) Remove(ctx context.Context, runtimeID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[runtimeID]; !ok {
		return ErrNotFound
	}
	delete(m.containers, runtimeID)
	return nil
}

func (m *MockRuntime) Inspect(ctx context.Context, runtimeID string) (*Inspection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[runtimeID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Inspection{
		Status: c.Status,
		Network: types.NetworkInfo{
			IPAddress:   "172.17.0.2",
			NetworkMode: "bridge",
			Ports: map[string]int{
				fmt.Sprintf("%d/tcp", c.Spec.ContainerPort): c.Spec.HostPort,
			},
		},
	}, nil
}

func (m *MockRuntime) Stats(ctx context.Context, runtimeID string) (*RawStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsErr != nil {
		err := m.StatsErr
		m.StatsErr = nil
		return nil, err
	}
	if _, ok := m.containers[runtimeID]; !ok {
		return nil, ErrNotFound
	}
	return &RawStats{
		CPUTotal:     2000000,
		PreCPUTotal:  1000000,
		SystemCPU:    20000000,
		PreSystemCPU: 10000000,
		OnlineCPUs:   2,
		MemUsage:     64 << 20,
		MemLimit:     256 << 20,
	}, nil
}

func (m *MockRuntime) ExecCreate(ctx context.Context, runtimeID string, spec ExecSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[runtimeID]; !ok {
		return "", ErrNotFound
	}

	id := fmt.Sprintf("mock-exec-%d", m.nextID)
	m.nextID++

	outR, outW := io.Pipe()
	m.execs[id] = &MockExec{
		ID:        id,
		Container: runtimeID,
		Spec:      spec,
		Running:   true,
		outR:      outR,
		outW:      outW,
	}
	return id, nil
}

func (m *MockRuntime) ExecStart(ctx context.Context, execID string, tty bool) (ExecStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[execID]
	if !ok {
		return nil, ErrNotFound
	}
	e.started = true
	return &mockStream{exec: e}, nil
}

func (m *MockRuntime) ExecResize(ctx context.Context, execID string, cols, rows uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[execID]
	if !ok {
		return ErrNotFound
	}

	if len(m.ResizeErrs) > 0 {
		err := m.ResizeErrs[0]
		m.ResizeErrs = m.ResizeErrs[1:]
		if err != nil {
			return err
		}
	}
	e.Cols, e.Rows = cols, rows
	return nil
}

func (m *MockRuntime) ExecInspect(ctx context.Context, execID string) (*ExecStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.execs[execID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ExecStatus{ExitCode: e.ExitCode, Running: e.Running, PID: 4242}, nil
}

func (m *MockRuntime) KillExec(ctx context.Context, execID string) error {
	m.mu.Lock()
	e, ok := m.execs[execID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.Finish(137)
	m.mu.Lock()
	e.Killed = true
	m.mu.Unlock()
	return nil
}

func (m *MockRuntime) Logs(ctx context.Context, runtimeID string, tail int, follow bool) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[runtimeID]
	if !ok {
		return nil, ErrNotFound
	}

	if !follow {
		return io.NopCloser(bytes.NewReader(c.LogContent)), nil
	}

	pr, pw := io.Pipe()
	backlog := make([]byte, len(c.LogContent))
	copy(backlog, c.LogContent)
	c.logFollow = pw
	go pw.Write(backlog)
	return pr, nil
}

// AppendLog pushes more log output to a follower, if one is attached.
func (m *MockRuntime) AppendLog(runtimeID string, p []byte) {
	m.mu.Lock()
	c := m.containers[runtimeID]
	var pw *io.PipeWriter
	if c != nil {
		c.LogContent = append(c.LogContent, p...)
		pw = c.logFollow
	}
	m.mu.Unlock()
	if pw != nil {
		pw.Write(p)
	}
}

// CloseLogs ends a follow stream, as the engine does when the container
// stops.
func (m *MockRuntime) CloseLogs(runtimeID string) {
	m.mu.Lock()
	c := m.containers[runtimeID]
	var pw *io.PipeWriter
	if c != nil {
		pw = c.logFollow
		c.logFollow = nil
	}
	m.mu.Unlock()
	if pw != nil {
		pw.Close()
	}
}

// Emit writes process output for the session pump to read.
func (e *MockExec) Emit(p []byte) {
	e.outW.Write(p)
}

// Finish ends the exec with the given exit code; the pump sees EOF.
func (e *MockExec) Finish(code int) {
	e.inMu.Lock()
	e.ExitCode = code
	e.Running = false
	e.inMu.Unlock()
	e.outW.Close()
}

// Fail ends the exec stream with a read error instead of EOF.
func (e *MockExec) Fail(err error) {
	e.outW.CloseWithError(err)
}

// Input returns everything the session wrote to the exec's stdin.
func (e *MockExec) Input() []byte {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	return append([]byte(nil), e.input.Bytes()...)
}

// mockStream is the ExecStream handed to the session relay
type mockStream struct {
	exec      *MockExec
	closeOnce sync.Once
}

func (s *mockStream) Read(p []byte) (int, error) {
	return s.exec.outR.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.exec.inMu.Lock()
	defer s.exec.inMu.Unlock()
	return s.exec.input.Write(p)
}

func (s *mockStream) CloseWrite() error { return nil }

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() {
		s.exec.outR.Close()
	})
	return nil
}
