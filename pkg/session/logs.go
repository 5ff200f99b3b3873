package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sandbay/sandbay/pkg/metrics"
	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/types"
)

// StreamLogs opens a log stream for a container: the most recent tail
// lines first, then a live follow. Chunks arrive on the returned
// channel, which closes when the stream ends, fails, or ctx is
// cancelled. Authorization follows the same owner-or-admin rule as the
// lifecycle operations.
func (s *Service) StreamLogs(ctx context.Context, containerID uint64, ownerID string, isAdmin bool) (<-chan []byte, error) {
	rec, err := s.authorize(containerID, ownerID, isAdmin)
	if err != nil {
		return nil, err
	}

	rc, err := s.rt.Logs(ctx, rec.RuntimeID, s.cfg.Logs.TailLines, true)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, types.NotFound(fmt.Sprintf("container %d has no backing runtime container", containerID))
		}
		return nil, types.RuntimeError("failed to open log stream", err)
	}

	ch := make(chan []byte, 16)
	metrics.LogStreamsActive.Inc()

	// The blocking Read below only unblocks when the source closes, so
	// a watcher closes it when the context ends.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		rc.Close()
	}()

	go func() {
		defer func() {
			close(done)
			close(ch)
			metrics.LogStreamsActive.Dec()
		}()
		buf := make([]byte, 4096)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					s.logger.Debug().Err(err).
						Uint64("container_id", containerID).
						Msg("log stream ended with error")
				}
				return
			}
		}
	}()

	return ch, nil
}
