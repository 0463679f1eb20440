package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
)

var log = logging.L("metrics")

// ProcessUsage is the resource footprint of this process.
type ProcessUsage struct {
	CPUPercent float64
	RSSMB      float64
	Threads    int32
}

// SampleProcess reads CPU and memory usage of the current process.
// Fields that cannot be read are left zero.
func SampleProcess(p *process.Process) ProcessUsage {
	var u ProcessUsage
	if p == nil {
		return u
	}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreads(); err == nil {
		u.Threads = n
	}
	return u
}

// Reporter logs a pipeline snapshot every interval until its context ends.
type Reporter struct {
	pipeline *Pipeline
	interval time.Duration
	proc     *process.Process
}

func NewReporter(p *Pipeline, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &Reporter{pipeline: p, interval: interval}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = proc
	} else {
		log.Warn("process stats unavailable", "error", err.Error())
	}
	return r
}

func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.report()
			return nil
		case <-t.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	s := r.pipeline.Snapshot()
	u := SampleProcess(r.proc)
	warns, errs := logging.Counts()
	log.Info("pipeline stats",
		"uptime", s.Uptime.Round(time.Second).String(),
		"backend", s.Backend,
		"captured", s.FramesCaptured,
		"encoded", s.FramesEncoded,
		"skipped", s.FramesSkipped,
		"keyframes", s.KeyFrames,
		"reinits", s.Reinits,
		"encodeMs", s.EncodeMs,
		"videoKbps", int(s.VideoKbps),
		"audioChunks", s.AudioChunks,
		"audioSilent", s.AudioSilent,
		"pacerSent", s.PacerSent,
		"pacerDropped", s.PacerDropped,
		"pacerErrors", s.PacerSendErrors,
		"cpuPercent", u.CPUPercent,
		"rssMB", int(u.RSSMB),
		"threads", u.Threads,
		"logWarnings", warns,
		"logErrors", errs,
	)
}
