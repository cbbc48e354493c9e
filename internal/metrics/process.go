package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	procCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "bitcoin_stack", Subsystem: "service", Name: "cpu_percent", Help: "Service CPU percent"},
		[]string{"name"},
	)
	procRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "bitcoin_stack", Subsystem: "service", Name: "memory_rss_bytes", Help: "Service RSS bytes"},
		[]string{"name"},
	)
	procOverLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "bitcoin_stack", Subsystem: "service", Name: "over_limit", Help: "1 while the service exceeds a declared resource limit"},
		[]string{"name", "resource"},
	)
)

func init() {
	prometheus.MustRegister(procCPU, procRSS, procOverLimit)
}

// Limits carries the declared resource ceilings for one service. Zero values
// mean unlimited.
type Limits struct {
	MemoryBytes uint64
	CPUPercent  float64
}

// Exceeded reports which ceilings the observed sample breaks.
func (l Limits) Exceeded(cpu float64, rss uint64) (cpuOver, memOver bool) {
	cpuOver = l.CPUPercent > 0 && cpu > l.CPUPercent
	memOver = l.MemoryBytes > 0 && rss > l.MemoryBytes
	return cpuOver, memOver
}

// SampleProcess samples CPU and RSS for a managed PID until the context is
// canceled or the process goes away, checking every sample against the
// declared limits. Breaches flip the over_limit gauge and are logged on the
// transition, not every tick.
func SampleProcess(ctx context.Context, name string, pid int, limits Limits) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	// Warm-up for the CPU percent baseline.
	_, _ = p.CPUPercentWithContext(ctx)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	over := map[string]bool{}
	flag := func(resource string, exceeded bool, value float64, limit float64) {
		if exceeded {
			procOverLimit.WithLabelValues(name, resource).Set(1)
		} else {
			procOverLimit.WithLabelValues(name, resource).Set(0)
		}
		if exceeded && !over[resource] {
			log.Warn().Str("service", name).Str("resource", resource).
				Float64("value", value).Float64("limit", limit).
				Msg("declared resource limit exceeded")
		}
		over[resource] = exceeded
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := process.PidExistsWithContext(ctx, int32(pid)); err != nil || !ok {
				return
			}
			var cpu float64
			var rss uint64
			if v, err := p.CPUPercentWithContext(ctx); err == nil {
				cpu = v
				procCPU.WithLabelValues(name).Set(v)
			}
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				rss = mi.RSS
				procRSS.WithLabelValues(name).Set(float64(mi.RSS))
			}
			cpuOver, memOver := limits.Exceeded(cpu, rss)
			if limits.CPUPercent > 0 {
				flag("cpu", cpuOver, cpu, limits.CPUPercent)
			}
			if limits.MemoryBytes > 0 {
				flag("memory", memOver, float64(rss), float64(limits.MemoryBytes))
			}
		}
	}
}
