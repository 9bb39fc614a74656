// Package diagnostics periodically samples host and process health and
// emits it through the structured log, so a domain engine on a misbehaving
// host leaves a trail (memory pressure, CPU starvation, fd growth) next to
// the lease and job events it explains.
package diagnostics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/domaind/internal/sched"
	"pkt.systems/pslog"
)

// DefaultInterval spaces samples far enough apart to stay invisible in the
// host's own metrics.
const DefaultInterval = time.Minute

// Sampler collects one snapshot per tick and logs it.
type Sampler struct {
	logger pslog.Logger
	proc   *process.Process
}

// NewSampler binds the sampler to the current process.
func NewSampler(logger pslog.Logger) *Sampler {
	s := &Sampler{logger: logutil.WithSubsystem(logger, "diag")}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn("diag.process_handle_failed", "error", err)
	}
	return s
}

// Schedule registers periodic sampling; the returned entry stops it.
func (s *Sampler) Schedule(scheduler *sched.Scheduler, interval time.Duration) *sched.Entry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return scheduler.Periodic(interval, func() {
		s.Sample(context.Background())
	})
}

// Sample logs one host snapshot and one process snapshot. Collection
// failures degrade to warnings; diagnostics must never take the engine
// down.
func (s *Sampler) Sample(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	procFields := []any{
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc", ms.HeapAlloc,
		"heap_sys", ms.HeapSys,
		"gc_cycles", ms.NumGC,
	}
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
			procFields = append(procFields, "rss", mi.RSS, "vms", mi.VMS)
		}
		if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
			procFields = append(procFields, "cpu_pct", pct)
		}
		if threads, err := s.proc.NumThreadsWithContext(ctx); err == nil {
			procFields = append(procFields, "threads", threads)
		}
	}
	s.logger.Info("diag.process", procFields...)

	hostFields := make([]any, 0, 10)
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hostFields = append(hostFields, "mem_total", vm.Total,
			"mem_available", vm.Available, "mem_used_pct", vm.UsedPercent)
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		hostFields = append(hostFields, "cpu_pct", pcts[0])
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		hostFields = append(hostFields, "load1", avg.Load1, "load5", avg.Load5)
	}
	if len(hostFields) == 0 {
		s.logger.Warn("diag.host_sample_unavailable")
		return
	}
	s.logger.Info("diag.host", hostFields...)
}
