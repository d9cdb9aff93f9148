package worker

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
)

// reporter samples this process's CPU and memory on an interval and hands
// each snapshot to send. It runs in its own goroutine so sampling never
// touches the audio path.
type reporter struct {
	proc     *process.Process
	interval time.Duration
	send     func(model.Report)
	log      *zap.Logger
}

func newReporter(interval time.Duration, send func(model.Report), log *zap.Logger) (*reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &reporter{proc: proc, interval: interval, send: send, log: log}, nil
}

func (r *reporter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	prevWall := time.Now()
	prevBusy, err := r.cpuSeconds()
	if err != nil {
		r.log.Warn("cpu sampling unavailable", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		busy, err := r.cpuSeconds()
		if err != nil {
			continue
		}

		// CPU%: accumulated process cpu-time delta over wall-time delta.
		wallDelta := now.Sub(prevWall).Seconds()
		var cpuPercent float64
		if wallDelta > 0 {
			cpuPercent = (busy - prevBusy) / wallDelta * 100
		}
		prevWall, prevBusy = now, busy

		var rss uint64
		if mem, err := r.proc.MemoryInfo(); err == nil {
			rss = mem.RSS
		}

		r.send(model.Report{
			Type: model.ReportMetrics,
			Metrics: &model.WorkerMetrics{
				CPUPercent: cpuPercent,
				RSSBytes:   rss,
				ReportedAt: now,
			},
		})
	}
}

func (r *reporter) cpuSeconds() (float64, error) {
	times, err := r.proc.Times()
	if err != nil {
		return 0, err
	}
	return times.User + times.System, nil
}
