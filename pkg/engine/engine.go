package engine

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/sandbay/sandbay/pkg/config"
	"github.com/sandbay/sandbay/pkg/log"
	"github.com/sandbay/sandbay/pkg/metrics"
	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/storage"
	"github.com/sandbay/sandbay/pkg/types"
)

// DefaultPageSize is the listing page size when the caller passes none.
const DefaultPageSize = 6

// validName is the conservative charset accepted for user-chosen names.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Engine orchestrates container lifecycle against the runtime and the
// record store.
type Engine struct {
	store  storage.Store
	rt     runtime.Runtime
	cfg    *config.Config
	ports  *PortAllocator
	logger zerolog.Logger
}

// New creates a lifecycle engine.
func New(store storage.Store, rt runtime.Runtime, cfg *config.Config) *Engine {
	return &Engine{
		store:  store,
		rt:     rt,
		cfg:    cfg,
		ports:  NewPortAllocator(cfg.Ports.Base, cfg.Ports.Max),
		logger: log.WithComponent("engine"),
	}
}

// Create provisions a container from a template for the given owner.
// The record is only persisted once the runtime container is up; any
// runtime failure releases the reserved port and leaves no trace.
func (e *Engine) Create(ctx context.Context, ownerID string, templateID uint64, requestedName string) (*types.ContainerRecord, error) {
	rec, err := e.createOnce(ctx, ownerID, templateID, requestedName)
	if types.IsKind(err, types.KindAllocationConflict) {
		// Lost a port race to a concurrent creation; one retry with a
		// fresh port before surfacing.
		e.logger.Warn().Str("owner_id", ownerID).Msg("port allocation conflict, retrying")
		rec, err = e.createOnce(ctx, ownerID, templateID, requestedName)
	}
	if err != nil {
		metrics.ContainerCreatesFailed.Inc()
		return nil, err
	}

	metrics.ContainersCreated.Inc()
	if err := e.store.AppendAudit(fmt.Sprintf("create container %s", rec.RuntimeID), ownerID); err != nil {
		e.logger.Warn().Err(err).Msg("failed to append audit entry")
	}
	e.logger.Info().
		Uint64("container_id", rec.ID).
		Str("owner_id", ownerID).
		Int("host_port", rec.HostPort).
		Msg("container created")
	return rec, nil
}

func (e *Engine) createOnce(ctx context.Context, ownerID string, templateID uint64, requestedName string) (*types.ContainerRecord, error) {
	tpl, err := e.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	name, err := e.containerName(tpl, requestedName)
	if err != nil {
		return nil, err
	}

	if err := e.checkQuota(ownerID); err != nil {
		return nil, err
	}

	used, err := e.livePorts()
	if err != nil {
		return nil, err
	}
	hostPort, release, err := e.ports.Reserve(used)
	if err != nil {
		return nil, err
	}
	defer release()

	spec := runtime.CreateSpec{
		Name:          ownerID + "_" + name,
		Image:         tpl.Image,
		ContainerPort: tpl.ContainerPort,
		HostPort:      hostPort,
	}
	if cmd := strings.TrimSpace(tpl.Command); cmd != "" {
		spec.Cmd = strings.Fields(cmd)
	}
	if spec.CPUQuota, spec.Memory, err = parseLimits(tpl); err != nil {
		return nil, err
	}

	runtimeID, err := e.rt.Create(ctx, spec)
	if err != nil {
		return nil, types.RuntimeError("failed to create container", err)
	}
	if err := e.rt.Start(ctx, runtimeID); err != nil {
		if rmErr := e.rt.Remove(ctx, runtimeID, true); rmErr != nil {
			e.logger.Warn().Err(rmErr).Str("runtime_id", runtimeID).Msg("failed to clean up container after start failure")
		}
		return nil, types.RuntimeError("failed to start container", err)
	}

	now := time.Now()
	rec := &types.ContainerRecord{
		Name:       name,
		OwnerID:    ownerID,
		TemplateID: tpl.ID,
		RuntimeID:  runtimeID,
		HostPort:   hostPort,
		Status:     types.ContainerStatusRunning,
		DestroyAt:  now.Add(e.cfg.Limits.Lifetime),
		CreatedAt:  now,
	}
	guard := storage.CreateGuard{
		MaxPerUser: e.cfg.Limits.MaxPerUser,
		MaxTotal:   e.cfg.Limits.MaxTotal,
	}
	if err := e.store.CreateContainer(rec, guard); err != nil {
		// The runtime container exists but the record cannot: tear the
		// container down so nothing runs unmanaged.
		if rmErr := e.rt.Remove(ctx, runtimeID, true); rmErr != nil {
			e.logger.Error().Err(rmErr).Str("runtime_id", runtimeID).Msg("failed to remove container after record insert failure")
		}
		return nil, err
	}
	return rec, nil
}

// containerName validates the requested name or generates one.
func (e *Engine) containerName(tpl *types.Template, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return fmt.Sprintf("%s_%d", tpl.Name, 1000+rand.Intn(9000)), nil
	}
	if !validName.MatchString(requested) {
		return "", types.NewError(types.KindRuntimeError,
			"container name may only contain letters, digits, underscore and hyphen", nil)
	}
	return requested, nil
}

// livePorts returns the host ports held by live records.
func (e *Engine) livePorts() (map[int]bool, error) {
	recs, err := e.store.ListLiveContainers()
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(recs))
	for _, rec := range recs {
		used[rec.HostPort] = true
	}
	return used, nil
}

// parseLimits converts the template's advisory limit strings into
// runtime units. Empty strings mean unlimited.
func parseLimits(tpl *types.Template) (cpuQuota int64, memory int64, err error) {
	if tpl.CPULimit != "" {
		cpus, err := strconv.ParseFloat(tpl.CPULimit, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid cpu limit %q: %w", tpl.CPULimit, err)
		}
		cpuQuota = int64(cpus * 100000)
	}
	if tpl.MemLimit != "" {
		memory, err = units.RAMInBytes(tpl.MemLimit)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid memory limit %q: %w", tpl.MemLimit, err)
		}
	}
	return cpuQuota, memory, nil
}

// authorize loads a live record and verifies the caller may act on it.
func (e *Engine) authorize(id uint64, ownerID string, isAdmin bool) (*types.ContainerRecord, error) {
	rec, err := e.store.GetContainer(id)
	if err != nil {
		return nil, err
	}
	if !rec.Live() {
		return nil, types.NotFound(fmt.Sprintf("container not found: %d", id))
	}
	if !isAdmin && rec.OwnerID != ownerID {
		return nil, types.Forbidden("not the container owner")
	}
	return rec, nil
}

// Get returns a single record after an authorization check.
func (e *Engine) Get(ctx context.Context, id uint64, ownerID string, isAdmin bool) (*types.ContainerRecord, error) {
	return e.authorize(id, ownerID, isAdmin)
}

// Start starts a stopped container.
func (e *Engine) Start(ctx context.Context, id uint64, ownerID string, isAdmin bool) error {
	rec, err := e.authorize(id, ownerID, isAdmin)
	if err != nil {
		return err
	}

	if err := e.rt.Start(ctx, rec.RuntimeID); err != nil {
		if runtime.IsNotFound(err) {
			return e.markVanished(rec)
		}
		return types.RuntimeError("failed to start container", err)
	}
	if err := e.syncStatus(ctx, rec); err != nil {
		return err
	}
	e.audit(fmt.Sprintf("start container %s", rec.RuntimeID), ownerID)
	return nil
}

// Stop stops a running container.
func (e *Engine) Stop(ctx context.Context, id uint64, ownerID string, isAdmin bool) error {
	rec, err := e.authorize(id, ownerID, isAdmin)
	if err != nil {
		return err
	}

	if err := e.rt.Stop(ctx, rec.RuntimeID, e.cfg.Docker.StopTimeout); err != nil {
		if runtime.IsNotFound(err) {
			return e.markVanished(rec)
		}
		return types.RuntimeError("failed to stop container", err)
	}
	if err := e.syncStatus(ctx, rec); err != nil {
		return err
	}
	e.audit(fmt.Sprintf("stop container %s", rec.RuntimeID), ownerID)
	return nil
}

// Remove destroys a container. The record is finalized before the
// destructive runtime call, so a crash in between can never leave a
// live record pointing at a forgotten container.
func (e *Engine) Remove(ctx context.Context, id uint64, ownerID string, isAdmin bool) error {
	rec, err := e.authorize(id, ownerID, isAdmin)
	if err != nil {
		return err
	}

	err = e.store.MutateContainer(id, func(r *types.ContainerRecord) error {
		r.Status = types.ContainerStatusRemoved
		return nil
	})
	if err != nil {
		return err
	}

	// Best effort: the record is already final.
	if err := e.rt.Remove(ctx, rec.RuntimeID, true); err != nil && !runtime.IsNotFound(err) {
		e.logger.Warn().Err(err).Str("runtime_id", rec.RuntimeID).Msg("failed to remove container from runtime")
	}
	e.audit(fmt.Sprintf("remove container %s", rec.RuntimeID), ownerID)
	return nil
}

// Extend pushes the container's destruction deadline out by one
// extension. Only allowed inside the extend window and at most
// MaxExtensions times.
func (e *Engine) Extend(ctx context.Context, id uint64, ownerID string, isAdmin bool) (time.Time, error) {
	rec, err := e.authorize(id, ownerID, isAdmin)
	if err != nil {
		return time.Time{}, err
	}

	var newDestroyAt time.Time
	err = e.store.MutateContainer(rec.ID, func(r *types.ContainerRecord) error {
		if time.Until(r.DestroyAt) > e.cfg.Limits.ExtendWindow {
			return types.TooEarly(fmt.Sprintf(
				"extension only allowed within %s of destruction", e.cfg.Limits.ExtendWindow))
		}
		if r.ExtensionCount >= e.cfg.Limits.MaxExtensions {
			return types.LimitReached(fmt.Sprintf(
				"container already extended %d times", r.ExtensionCount))
		}
		r.DestroyAt = r.DestroyAt.Add(e.cfg.Limits.Extension)
		r.ExtensionCount++
		newDestroyAt = r.DestroyAt
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	e.audit(fmt.Sprintf("extend container %s", rec.RuntimeID), ownerID)
	return newDestroyAt, nil
}

// List returns a page of records, newest first. Admins see every
// record; owners see only their live ones.
func (e *Engine) List(ctx context.Context, ownerID string, isAdmin bool, page, perPage int) ([]*types.ContainerRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPageSize
	}

	var recs []*types.ContainerRecord
	var err error
	if isAdmin {
		recs, err = e.store.ListContainers()
	} else {
		recs, err = e.store.ListContainersByOwner(ownerID, true)
	}
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })

	total := len(recs)
	offset := (page - 1) * perPage
	if offset >= total {
		return nil, total, nil
	}
	end := offset + perPage
	if end > total {
		end = total
	}
	return recs[offset:end], total, nil
}

// NetworkInfo returns the runtime-reported network state of a container.
func (e *Engine) NetworkInfo(ctx context.Context, id uint64, ownerID string, isAdmin bool) (*types.NetworkInfo, error) {
	rec, err := e.authorize(id, ownerID, isAdmin)
	if err != nil {
		return nil, err
	}

	insp, err := e.rt.Inspect(ctx, rec.RuntimeID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, e.markVanished(rec)
		}
		return nil, types.RuntimeError("failed to inspect container", err)
	}
	return &insp.Network, nil
}

// syncStatus persists the runtime-reported status of a record.
func (e *Engine) syncStatus(ctx context.Context, rec *types.ContainerRecord) error {
	insp, err := e.rt.Inspect(ctx, rec.RuntimeID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return e.markVanished(rec)
		}
		return types.RuntimeError("failed to inspect container", err)
	}
	return e.store.MutateContainer(rec.ID, func(r *types.ContainerRecord) error {
		r.Status = insp.Status
		return nil
	})
}

// markVanished finalizes a record whose runtime container is gone.
func (e *Engine) markVanished(rec *types.ContainerRecord) error {
	err := e.store.MutateContainer(rec.ID, func(r *types.ContainerRecord) error {
		r.Status = types.ContainerStatusRemoved
		return nil
	})
	if err != nil && !types.IsKind(err, types.KindNotFound) {
		return err
	}
	metrics.ContainersVanished.Inc()
	return types.NotFound(fmt.Sprintf("container %d no longer exists in the runtime", rec.ID))
}

func (e *Engine) audit(action, actor string) {
	if err := e.store.AppendAudit(action, actor); err != nil {
		e.logger.Warn().Err(err).Msg("failed to append audit entry")
	}
}
