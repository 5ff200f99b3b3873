package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sandbay/sandbay/pkg/log"
	"github.com/sandbay/sandbay/pkg/metrics"
	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/storage"
	"github.com/sandbay/sandbay/pkg/types"
)

// Reconciler keeps stored container state in line with runtime ground
// truth and enforces time-boxed expiry.
type Reconciler struct {
	store    storage.Store
	rt       runtime.Runtime
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReconciler creates a reconciler ticking at the given interval.
func NewReconciler(store storage.Store, rt runtime.Runtime, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		rt:       rt,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for the in-flight tick to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// run is the main reconciliation loop. Ticks never overlap: the next
// tick waits for the previous one to return.
func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation cycle over all live records.
// Each record is an isolated unit of work: a failure is logged, counted
// and retried on the next tick without touching the other records.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	recs, err := r.store.ListLiveContainers()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list containers")
		return
	}

	counts := map[types.ContainerStatus]int{}
	for _, rec := range recs {
		status, err := r.reconcileRecord(ctx, rec)
		if err != nil {
			metrics.ReconcileErrors.Inc()
			r.logger.Warn().Err(err).Uint64("container_id", rec.ID).Msg("failed to reconcile container")
			continue
		}
		counts[status]++
	}

	for _, status := range []types.ContainerStatus{
		types.ContainerStatusCreated,
		types.ContainerStatusRunning,
		types.ContainerStatusStopped,
	} {
		metrics.ContainersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// reconcileRecord brings one record in line with the runtime and
// returns the status the record ended the tick with.
func (r *Reconciler) reconcileRecord(ctx context.Context, rec *types.ContainerRecord) (types.ContainerStatus, error) {
	insp, err := r.rt.Inspect(ctx, rec.RuntimeID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return types.ContainerStatusRemoved, r.purgeVanished(rec)
		}
		return rec.Status, err
	}

	if insp.Status != rec.Status {
		err := r.store.MutateContainer(rec.ID, func(c *types.ContainerRecord) error {
			c.Status = insp.Status
			return nil
		})
		if err != nil {
			return rec.Status, err
		}
		rec.Status = insp.Status
	}

	if time.Now().After(rec.DestroyAt) {
		return types.ContainerStatusRemoved, r.expire(ctx, rec)
	}
	return rec.Status, nil
}

// purgeVanished finalizes a record whose container the engine no longer
// knows about.
func (r *Reconciler) purgeVanished(rec *types.ContainerRecord) error {
	err := r.store.MutateContainer(rec.ID, func(c *types.ContainerRecord) error {
		c.Status = types.ContainerStatusRemoved
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ContainersVanished.Inc()
	r.audit(fmt.Sprintf("purge non-existent container %s", rec.RuntimeID))
	r.logger.Info().Uint64("container_id", rec.ID).Str("runtime_id", rec.RuntimeID).Msg("non-existent container purged")
	return nil
}

// expire force-removes a container that lived past its deadline.
func (r *Reconciler) expire(ctx context.Context, rec *types.ContainerRecord) error {
	if err := r.rt.Remove(ctx, rec.RuntimeID, true); err != nil && !runtime.IsNotFound(err) {
		return err
	}

	err := r.store.MutateContainer(rec.ID, func(c *types.ContainerRecord) error {
		c.Status = types.ContainerStatusRemoved
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ContainersExpired.Inc()
	r.audit(fmt.Sprintf("auto-expire container %s", rec.RuntimeID))
	r.logger.Info().Uint64("container_id", rec.ID).Str("runtime_id", rec.RuntimeID).Msg("expired container removed")
	return nil
}

func (r *Reconciler) audit(action string) {
	if err := r.store.AppendAudit(action, "system"); err != nil {
		r.logger.Warn().Err(err).Msg("failed to append audit entry")
	}
}
