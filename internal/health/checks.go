package health

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/resources"
)

// Check names. Remediations are keyed by these.
const (
	CheckAudio       = "audio"
	CheckBackend     = "backend"
	CheckMemory      = "memory"
	CheckCPU         = "cpu"
	CheckHandles     = "handles"
	CheckDescriptors = "descriptors"
	CheckDisk        = "disk"
)

const mb = 1024 * 1024

// BackendProber is the slice of the router the backend check needs.
type BackendProber interface {
	Active() string
	Probe(ctx context.Context, name string) error
}

// AudioCheck reports critical when no input device can be opened.
func AudioCheck(src audio.Source) Check {
	return CheckFunc{CheckName: CheckAudio, Fn: func(ctx context.Context) Result {
		if err := src.Reachable(ctx); err != nil {
			return Result{
				Status:      StatusCritical,
				Message:     err.Error(),
				Remediation: "reinitialize the audio subsystem",
			}
		}
		return Result{Status: StatusHealthy, Message: "input device reachable"}
	}}
}

// BackendCheck probes the active backend.
func BackendCheck(r BackendProber) Check {
	return CheckFunc{CheckName: CheckBackend, Fn: func(ctx context.Context) Result {
		name := r.Active()
		if name == "" {
			return Result{
				Status:      StatusCritical,
				Message:     "no recognition backend available",
				Remediation: "check backend configuration and connectivity",
			}
		}
		if err := r.Probe(ctx, name); err != nil {
			return Result{
				Status:      StatusCritical,
				Target:      name,
				Message:     err.Error(),
				Remediation: "fail over to the next backend",
			}
		}
		return Result{Status: StatusHealthy, Target: name, Message: "active backend responding"}
	}}
}

// MemoryCheck compares resident memory against warn and crit bytes.
func MemoryCheck(s resources.Sampler, warn, crit uint64) Check {
	return CheckFunc{CheckName: CheckMemory, Fn: func(ctx context.Context) Result {
		sample, err := s.Sample()
		if err != nil {
			return Result{Status: StatusError, Message: err.Error()}
		}
		res := Result{Value: float64(sample.RSS) / mb, Unit: "MB"}
		switch {
		case crit > 0 && sample.RSS >= crit:
			res.Status = StatusCritical
			res.Message = fmt.Sprintf("resident memory %.0f MB above %d MB", res.Value, crit/mb)
			res.Remediation = "evict idle models and buffers"
		case warn > 0 && sample.RSS >= warn:
			res.Status = StatusWarning
			res.Message = fmt.Sprintf("resident memory %.0f MB above %d MB", res.Value, warn/mb)
		default:
			res.Status = StatusHealthy
			res.Message = fmt.Sprintf("resident memory %.0f MB", res.Value)
		}
		return res
	}}
}

// cpuCheck derives process CPU percent from the change in CPU seconds
// between two samples.
type cpuCheck struct {
	sampler    resources.Sampler
	warn, crit float64

	mu   sync.Mutex
	prev *resources.Sample
}

// CPUCheck reports process CPU usage in percent of one core. The first run
// only records a baseline.
func CPUCheck(s resources.Sampler, warn, crit float64) Check {
	return &cpuCheck{sampler: s, warn: warn, crit: crit}
}

func (c *cpuCheck) Name() string { return CheckCPU }

func (c *cpuCheck) Run(ctx context.Context) Result {
	sample, err := c.sampler.Sample()
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	c.mu.Lock()
	prev := c.prev
	c.prev = &sample
	c.mu.Unlock()

	if prev == nil {
		return Result{Status: StatusHealthy, Unit: "%", Message: "baseline recorded"}
	}
	wall := sample.At.Sub(prev.At).Seconds()
	if wall <= 0 {
		return Result{Status: StatusHealthy, Unit: "%", Message: "no time elapsed since last sample"}
	}
	pct := (sample.CPUSeconds - prev.CPUSeconds) / wall * 100
	if pct < 0 {
		pct = 0
	}
	res := Result{Value: pct, Unit: "%"}
	switch {
	case pct >= c.crit:
		res.Status = StatusCritical
		res.Message = fmt.Sprintf("cpu %.1f%% above %.0f%%", pct, c.crit)
	case pct >= c.warn:
		res.Status = StatusWarning
		res.Message = fmt.Sprintf("cpu %.1f%% above %.0f%%", pct, c.warn)
	default:
		res.Status = StatusHealthy
		res.Message = fmt.Sprintf("cpu %.1f%%", pct)
	}
	return res
}

// Auditor is the slice of the resource manager the handle check needs.
type Auditor interface {
	Audit() resources.AuditReport
}

// HandlesCheck audits the resource registry. Owner mismatches are warnings;
// more than max registered handles is critical.
func HandlesCheck(a Auditor, max int) Check {
	return CheckFunc{CheckName: CheckHandles, Fn: func(ctx context.Context) Result {
		rep := a.Audit()
		res := Result{Value: float64(rep.Registered), Unit: "handles"}
		switch {
		case max > 0 && rep.Registered > max:
			res.Status = StatusCritical
			res.Message = fmt.Sprintf("%d handles registered, limit %d", rep.Registered, max)
			res.Remediation = "release stale handles"
		case !rep.OK():
			res.Status = StatusWarning
			res.Message = fmt.Sprintf("audit mismatch: %v", rep.Mismatches)
		default:
			res.Status = StatusHealthy
			res.Message = fmt.Sprintf("%d handles registered", rep.Registered)
		}
		return res
	}}
}

// DescriptorCheck warns when the process holds more than fdWarn open files
// or runs more than threadWarn OS threads. A sampler that cannot count file
// descriptors reports -1 and only threads are checked.
func DescriptorCheck(s resources.Sampler, fdWarn, threadWarn int) Check {
	return CheckFunc{CheckName: CheckDescriptors, Fn: func(ctx context.Context) Result {
		sample, err := s.Sample()
		if err != nil {
			return Result{Status: StatusError, Message: err.Error()}
		}
		res := Result{Status: StatusHealthy, Value: float64(sample.FDs), Unit: "fds"}
		var issues []string
		if fdWarn > 0 && sample.FDs > fdWarn {
			issues = append(issues, fmt.Sprintf("%d open files above %d", sample.FDs, fdWarn))
		}
		if threadWarn > 0 && sample.Threads > threadWarn {
			issues = append(issues, fmt.Sprintf("%d threads above %d", sample.Threads, threadWarn))
		}
		if len(issues) > 0 {
			res.Status = StatusWarning
			res.Message = strings.Join(issues, "; ")
			return res
		}
		res.Message = fmt.Sprintf("%d open files, %d threads", sample.FDs, sample.Threads)
		return res
	}}
}

// DiskUsage reports bytes used and total for the filesystem holding path.
type DiskUsage func(path string) (used, total uint64, err error)

// DiskCheck compares the usage of the filesystem holding path against warn
// and crit percent. A nil usage uses StatfsUsage.
func DiskCheck(path string, usage DiskUsage, warn, crit float64) Check {
	if usage == nil {
		usage = StatfsUsage
	}
	return CheckFunc{CheckName: CheckDisk, Fn: func(ctx context.Context) Result {
		used, total, err := usage(path)
		if err != nil {
			return Result{Status: StatusError, Target: path, Message: err.Error()}
		}
		if total == 0 {
			return Result{Status: StatusError, Target: path, Message: "filesystem reports zero size"}
		}
		pct := float64(used) / float64(total) * 100
		free := float64(total-used) / (1 << 30)
		res := Result{Target: path, Value: pct, Unit: "%"}
		switch {
		case crit > 0 && pct >= crit:
			res.Status = StatusCritical
			res.Message = fmt.Sprintf("disk %.1f%% used above %.0f%%, %.1f GB free", pct, crit, free)
			res.Remediation = "remove stale temporary audio"
		case warn > 0 && pct >= warn:
			res.Status = StatusWarning
			res.Message = fmt.Sprintf("disk %.1f%% used above %.0f%%, %.1f GB free", pct, warn, free)
		default:
			res.Status = StatusHealthy
			res.Message = fmt.Sprintf("disk %.1f%% used, %.1f GB free", pct, free)
		}
		return res
	}}
}
