package resources

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one reading of the process's resource usage.
type Sample struct {
	RSS        uint64    `json:"rss_bytes"`
	CPUSeconds float64   `json:"cpu_seconds"` // user+system time since start
	FDs        int       `json:"fds"`
	Threads    int       `json:"threads"`
	At         time.Time `json:"at"`
}

// Sampler reads process resource usage.
type Sampler interface {
	Sample() (Sample, error)
}

// ProcSampler reads /proc/self through procfs.
type ProcSampler struct {
	now func() time.Time
}

// NewProcSampler returns a sampler of the current process.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{now: time.Now}
}

func (s *ProcSampler) Sample() (Sample, error) {
	p, err := procfs.Self()
	if err != nil {
		return Sample{}, fmt.Errorf("open /proc/self: %w", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("read process stat: %w", err)
	}
	fds, err := p.FileDescriptorsLen()
	if err != nil {
		// fd enumeration can be denied in sandboxes; memory is what matters.
		fds = -1
	}
	return Sample{
		RSS:        uint64(stat.ResidentMemory()),
		CPUSeconds: stat.CPUTime(),
		FDs:        fds,
		Threads:    stat.NumThreads,
		At:         s.now(),
	}, nil
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (Sample, error)

func (f SamplerFunc) Sample() (Sample, error) { return f() }
