package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sandbay/sandbay/pkg/types"
)

// ErrNotFound is returned when the engine has no entity with the given id.
// Callers treat the entity as already terminal.
var ErrNotFound = errors.New("runtime entity not found")

// IsNotFound reports whether err means the runtime entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CreateSpec describes the container to provision
type CreateSpec struct {
	Name  string
	Image string

	// Cmd overrides the image default when non-empty.
	Cmd []string

	// CPUQuota is in microseconds per 100ms scheduling period; 0 means
	// unlimited. Memory is in bytes; 0 means unlimited.
	CPUQuota int64
	Memory   int64

	// ContainerPort is published on HostPort (tcp).
	ContainerPort int
	HostPort      int
}

// Inspection is the runtime-reported state of a container
type Inspection struct {
	Status  types.ContainerStatus
	Network types.NetworkInfo
}

// ExecSpec describes an exec process to run inside a container
type ExecSpec struct {
	Cmd []string
	TTY bool
}

// ExecStatus reports the state of an exec process
type ExecStatus struct {
	ExitCode int
	Running  bool
	PID      int
}

// ExecStream is the duplex byte channel to a started exec process.
// CloseWrite half-closes the stream to signal end of input.
type ExecStream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// RawStats is a single raw resource usage sample. Percentages are
// computed by the caller from the CPU deltas.
type RawStats struct {
	CPUTotal     uint64
	PreCPUTotal  uint64
	SystemCPU    uint64
	PreSystemCPU uint64
	OnlineCPUs   uint32
	MemUsage     uint64
	MemLimit     uint64
}

// Runtime is the interface to the container engine. All calls may fail
// with ErrNotFound (no such entity) or a transport/engine fault.
type Runtime interface {
	// Container lifecycle
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, runtimeID string) error
	Stop(ctx context.Context, runtimeID string, timeout time.Duration) error
	Remove(ctx context.Context, runtimeID string, force bool) error
	Inspect(ctx context.Context, runtimeID string) (*Inspection, error)
	Stats(ctx context.Context, runtimeID string) (*RawStats, error)

	// Interactive exec
	ExecCreate(ctx context.Context, runtimeID string, spec ExecSpec) (string, error)
	ExecStart(ctx context.Context, execID string, tty bool) (ExecStream, error)
	ExecResize(ctx context.Context, execID string, cols, rows uint) error
	ExecInspect(ctx context.Context, execID string) (*ExecStatus, error)

	// KillExec signals the exec process to stop. Best effort; engines
	// without the capability report an error the caller may ignore.
	KillExec(ctx context.Context, execID string) error

	// Logs returns the last tail lines and, when follow is set, streams
	// further output until the context is cancelled or the engine closes
	// the stream.
	Logs(ctx context.Context, runtimeID string, tail int, follow bool) (io.ReadCloser, error)

	Close() error
}
