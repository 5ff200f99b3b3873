package engine

import (
	"context"
	"math"

	"github.com/sandbay/sandbay/pkg/runtime"
	"github.com/sandbay/sandbay/pkg/types"
)

// Stats takes a one-shot resource usage reading for a container.
func (e *Engine) Stats(ctx context.Context, id uint64, ownerID string, isAdmin bool) (*types.ContainerStats, error) {
	rec, err := e.authorize(id, ownerID, isAdmin)
	if err != nil {
		return nil, err
	}

	raw, err := e.rt.Stats(ctx, rec.RuntimeID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, e.markVanished(rec)
		}
		return nil, types.RuntimeError("failed to read container stats", err)
	}

	return computeStats(raw), nil
}

// computeStats derives usage percentages from a raw sample. CPU percent
// is the container's share of the system CPU delta scaled by the number
// of CPUs, the same calculation `docker stats` performs.
func computeStats(raw *runtime.RawStats) *types.ContainerStats {
	stats := &types.ContainerStats{
		MemUsage: raw.MemUsage,
		MemLimit: raw.MemLimit,
	}

	cpuDelta := float64(raw.CPUTotal) - float64(raw.PreCPUTotal)
	sysDelta := float64(raw.SystemCPU) - float64(raw.PreSystemCPU)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := float64(raw.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = round2(cpuDelta / sysDelta * cpus * 100)
	}

	if raw.MemLimit > 0 {
		stats.MemPercent = round2(float64(raw.MemUsage) / float64(raw.MemLimit) * 100)
	}

	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
