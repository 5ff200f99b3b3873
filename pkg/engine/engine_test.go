package engine

import (
	"context"
	"errors"
	"fmt"
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

func newTestEngine(t *testing.T) (*Engine, *runtime.MockRuntime, storage.Store, *types.Template) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt := runtime.NewMockRuntime()
	cfg := config.Default()
	eng := New(store, rt, cfg)

	tpl := &types.Template{
		Name:          "python",
		Image:         "python:3.11-slim",
		CPULimit:      "0.5",
		MemLimit:      "256m",
		ContainerPort: 8080,
	}
	require.NoError(t, store.CreateTemplate(tpl))
	return eng, rt, store, tpl
}

func TestCreateProvisionsRunningContainer(t *testing.T) {
	eng, rt, _, tpl := newTestEngine(t)
	ctx := context.Background()

	before := time.Now()
	rec, err := eng.Create(ctx, "alice", tpl.ID, "mybox")
	require.NoError(t, err)

	assert.Equal(t, "mybox", rec.Name)
	assert.Equal(t, "alice", rec.OwnerID)
	assert.Equal(t, types.ContainerStatusRunning, rec.Status)
	assert.GreaterOrEqual(t, rec.HostPort, 30000)
	assert.WithinDuration(t, before.Add(2*time.Hour), rec.DestroyAt, 5*time.Second)

	// The runtime container exists, is running, and carries the
	// owner-prefixed name and the template's limits.
	mc := rt.Container(rec.RuntimeID)
	require.NotNil(t, mc)
	assert.Equal(t, types.ContainerStatusRunning, mc.Status)
	assert.Equal(t, "alice_mybox", mc.Spec.Name)
	assert.Equal(t, int64(50000), mc.Spec.CPUQuota)
	assert.Equal(t, int64(256<<20), mc.Spec.Memory)
	assert.Equal(t, 8080, mc.Spec.ContainerPort)
	assert.Equal(t, rec.HostPort, mc.Spec.HostPort)
}

func TestCreateGeneratesNameWhenEmpty(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)

	rec, err := eng.Create(context.Background(), "alice", tpl.ID, "")
	require.NoError(t, err)
	assert.Regexp(t, `^python_\d{4}$`, rec.Name)
}

func TestCreateRejectsInvalidName(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)

	for _, name := range []string{"bad name", "bad;name", "bad/name", "böx"} {
		_, err := eng.Create(context.Background(), "alice", tpl.ID, name)
		require.Error(t, err, "name %q", name)
	}
}

func TestCreateUnknownTemplate(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.Create(context.Background(), "alice", 9999, "box")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestCreateAssignsDistinctPorts(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		rec, err := eng.Create(ctx, fmt.Sprintf("user%d", i), tpl.ID, "")
		require.NoError(t, err)
		assert.False(t, seen[rec.HostPort], "port %d assigned twice", rec.HostPort)
		seen[rec.HostPort] = true
	}
}

func TestCreateEnforcesPerUserQuota(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := eng.Create(ctx, "alice", tpl.ID, "")
		require.NoError(t, err)
	}

	_, err := eng.Create(ctx, "alice", tpl.ID, "")
	assert.Equal(t, types.KindQuotaExceeded, types.KindOf(err))

	// Another user is unaffected.
	_, err = eng.Create(ctx, "bob", tpl.ID, "")
	assert.NoError(t, err)
}

func TestCreateEnforcesGlobalQuota(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	eng.cfg.Limits.MaxTotal = 4
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := eng.Create(ctx, fmt.Sprintf("user%d", i), tpl.ID, "")
		require.NoError(t, err)
	}

	_, err := eng.Create(ctx, "another", tpl.ID, "")
	assert.Equal(t, types.KindQuotaExceeded, types.KindOf(err))
}

func TestRemoveFreesQuotaAndPort(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	var last *types.ContainerRecord
	for i := 0; i < 3; i++ {
		rec, err := eng.Create(ctx, "alice", tpl.ID, "")
		require.NoError(t, err)
		last = rec
	}

	require.NoError(t, eng.Remove(ctx, last.ID, "alice", false))

	rec, err := eng.Create(ctx, "alice", tpl.ID, "")
	require.NoError(t, err)
	assert.Equal(t, last.HostPort, rec.HostPort, "freed port is reused")
}

func TestConcurrentCreatesRespectQuotaCeiling(t *testing.T) {
	eng, _, store, tpl := newTestEngine(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.Create(ctx, "alice", tpl.ID, "")
		}()
	}
	wg.Wait()

	live, err := store.ListContainersByOwner("alice", true)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(live), eng.cfg.Limits.MaxPerUser)

	ports := make(map[int]bool)
	for _, rec := range live {
		assert.False(t, ports[rec.HostPort], "port %d assigned twice", rec.HostPort)
		ports[rec.HostPort] = true
	}
}

func TestCreateStartFailureLeavesNoTrace(t *testing.T) {
	eng, rt, store, tpl := newTestEngine(t)
	rt.StartErr = errors.New("oci runtime error")

	_, err := eng.Create(context.Background(), "alice", tpl.ID, "box")
	require.Error(t, err)
	assert.Equal(t, types.KindRuntimeError, types.KindOf(err))

	live, err := store.ListLiveContainers()
	require.NoError(t, err)
	assert.Empty(t, live, "no record persisted")
	assert.Equal(t, 0, eng.ports.Reserved(), "reservation released")

	// The port is available to the next creation.
	rec, err := eng.Create(context.Background(), "alice", tpl.ID, "box")
	require.NoError(t, err)
	assert.Equal(t, 30000, rec.HostPort)
}

func TestStartStopRoundTrip(t *testing.T) {
	eng, rt, store, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)

	require.NoError(t, eng.Stop(ctx, rec.ID, "alice", false))
	got, err := store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusStopped, got.Status)
	assert.Equal(t, types.ContainerStatusStopped, rt.Container(rec.RuntimeID).Status)

	require.NoError(t, eng.Start(ctx, rec.ID, "alice", false))
	got, err = store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, got.Status)
}

func TestOperationsOnVanishedContainer(t *testing.T) {
	eng, rt, store, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)

	// The runtime lost the container behind our back.
	rt.Forget(rec.RuntimeID)

	err = eng.Stop(ctx, rec.ID, "alice", false)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	// The record was finalized, so later operations miss outright.
	got, err := store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRemoved, got.Status)

	err = eng.Start(ctx, rec.ID, "alice", false)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestRemoveIsFinalEvenIfRuntimeFails(t *testing.T) {
	eng, rt, store, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)
	rt.Forget(rec.RuntimeID)

	// Runtime removal misses, the record is still finalized.
	require.NoError(t, eng.Remove(ctx, rec.ID, "alice", false))

	got, err := store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRemoved, got.Status)
}

func TestAuthorization(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)

	// Another user cannot act on it.
	err = eng.Stop(ctx, rec.ID, "mallory", false)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))
	_, err = eng.Get(ctx, rec.ID, "mallory", false)
	assert.Equal(t, types.KindForbidden, types.KindOf(err))

	// Admins can.
	require.NoError(t, eng.Stop(ctx, rec.ID, "root", true))

	// Removed records read as absent, not forbidden.
	require.NoError(t, eng.Remove(ctx, rec.ID, "alice", false))
	_, err = eng.Get(ctx, rec.ID, "mallory", false)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestExtendOnlyInsideWindow(t *testing.T) {
	eng, _, store, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)

	// Fresh container: ~2h to destruction, outside the 20min window.
	_, err = eng.Extend(ctx, rec.ID, "alice", false)
	assert.Equal(t, types.KindTooEarly, types.KindOf(err))

	// Move the deadline to 10 minutes out.
	require.NoError(t, store.MutateContainer(rec.ID, func(r *types.ContainerRecord) error {
		r.DestroyAt = time.Now().Add(10 * time.Minute)
		return nil
	}))

	newDestroyAt, err := eng.Extend(ctx, rec.ID, "alice", false)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute+time.Hour), newDestroyAt, 5*time.Second)

	got, err := store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExtensionCount)
}

func TestExtendLimitReached(t *testing.T) {
	eng, _, store, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)
	require.NoError(t, store.MutateContainer(rec.ID, func(r *types.ContainerRecord) error {
		r.DestroyAt = time.Now().Add(10 * time.Minute)
		r.ExtensionCount = 2
		return nil
	}))

	_, err = eng.Extend(ctx, rec.ID, "alice", false)
	assert.Equal(t, types.KindLimitReached, types.KindOf(err))

	// The failed attempt changed nothing.
	got, err := store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExtensionCount)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), got.DestroyAt, 5*time.Second)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	eng.cfg.Limits.MaxPerUser = 100
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 8; i++ {
		rec, err := eng.Create(ctx, "alice", tpl.ID, "")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	page1, total, err := eng.List(ctx, "alice", false, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	require.Len(t, page1, DefaultPageSize)
	assert.Equal(t, ids[7], page1[0].ID)

	page2, _, err := eng.List(ctx, "alice", false, 2, 0)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[0], page2[1].ID)

	// Past the end: empty page, same total.
	page3, total, err := eng.List(ctx, "alice", false, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, page3)
	assert.Equal(t, 8, total)
}

func TestListScopes(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	a, err := eng.Create(ctx, "alice", tpl.ID, "")
	require.NoError(t, err)
	_, err = eng.Create(ctx, "bob", tpl.ID, "")
	require.NoError(t, err)
	require.NoError(t, eng.Remove(ctx, a.ID, "alice", false))

	// Owners see only their live containers.
	recs, total, err := eng.List(ctx, "alice", false, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, recs)

	// Admins see everything, removed records included.
	recs, total, err = eng.List(ctx, "root", true, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, recs, 2)
}

func TestStats(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)

	stats, err := eng.Stats(ctx, rec.ID, "alice", false)
	require.NoError(t, err)

	// Mock sample: cpu delta 1e6, system delta 1e7, 2 cpus -> 20%.
	assert.InDelta(t, 20.0, stats.CPUPercent, 0.01)
	assert.Equal(t, uint64(64<<20), stats.MemUsage)
	assert.Equal(t, uint64(256<<20), stats.MemLimit)
	assert.InDelta(t, 25.0, stats.MemPercent, 0.01)
}

func TestNetworkInfo(t *testing.T) {
	eng, _, _, tpl := newTestEngine(t)
	ctx := context.Background()

	rec, err := eng.Create(ctx, "alice", tpl.ID, "box")
	require.NoError(t, err)

	info, err := eng.NetworkInfo(ctx, rec.ID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.2", info.IPAddress)
	assert.Equal(t, rec.HostPort, info.Ports["8080/tcp"])
}

func TestComputeStatsEdgeCases(t *testing.T) {
	// Zero system delta must not divide by zero.
	stats := computeStats(&runtime.RawStats{
		CPUTotal: 100, PreCPUTotal: 50,
		SystemCPU: 1000, PreSystemCPU: 1000,
		MemUsage: 10, MemLimit: 0,
	})
	assert.Zero(t, stats.CPUPercent)
	assert.Zero(t, stats.MemPercent)

	// Missing online cpu count falls back to one.
	stats = computeStats(&runtime.RawStats{
		CPUTotal: 200, PreCPUTotal: 100,
		SystemCPU: 2000, PreSystemCPU: 1000,
		OnlineCPUs: 0,
	})
	assert.InDelta(t, 10.0, stats.CPUPercent, 0.01)
}
