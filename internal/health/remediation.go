package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/resources"
)

// ErrStillCritical is returned by the memory remediation when the ceiling is
// still breached after cleanup.
var ErrStillCritical = errors.New("memory still above ceiling after cleanup")

// ErrDiskFull is returned by the disk remediation when it found nothing to
// free.
var ErrDiskFull = errors.New("disk usage still critical")

// FailureMarker is the slice of the router the backend remediation needs.
type FailureMarker interface {
	MarkFailed(name, reason string) error
}

// MemoryEnforcer is the slice of the resource manager the memory, handle and
// disk remediations need.
type MemoryEnforcer interface {
	EnforceMemoryCeiling(ctx context.Context) resources.MemoryReport
	SweepStale(maxAge, maxIdle time.Duration) int
	SweepKind(kind resources.Kind, idle time.Duration) int
}

// Targets are the components remediations act on. Nil fields leave the
// matching remediation out.
type Targets struct {
	Router    FailureMarker
	Resources MemoryEnforcer
	Audio     audio.Source
	// Stale handle thresholds for the handles remediation.
	MaxAge  time.Duration // default 1h
	MaxIdle time.Duration // default 30m
	// TempDir holds request WAVs; the disk remediation clears stale ones.
	TempDir string
}

// DefaultRemediations wires the standard fixes:
//
//	memory   EnforceMemoryCeiling, error when still critical
//	audio    Reinitialize the audio source
//	backend  MarkFailed on the probed backend
//	handles  SweepStale
//	disk     release idle temp buffers, then delete stale temp WAVs
func DefaultRemediations(t Targets) map[string]Remediation {
	if t.MaxAge <= 0 {
		t.MaxAge = time.Hour
	}
	if t.MaxIdle <= 0 {
		t.MaxIdle = 30 * time.Minute
	}
	out := make(map[string]Remediation)
	if t.Resources != nil {
		out[CheckMemory] = func(ctx context.Context, res Result) error {
			rep := t.Resources.EnforceMemoryCeiling(ctx)
			if rep.Critical {
				return fmt.Errorf("%w: %d MB after %d evictions", ErrStillCritical, rep.After/mb, rep.Evicted)
			}
			return nil
		}
		out[CheckHandles] = func(ctx context.Context, res Result) error {
			t.Resources.SweepStale(t.MaxAge, t.MaxIdle)
			return nil
		}
		out[CheckDisk] = func(ctx context.Context, res Result) error {
			released := t.Resources.SweepKind(resources.KindTempBuffer, t.MaxIdle)
			removed, err := audio.RemoveStaleTempWAVs(t.TempDir, t.MaxIdle)
			if err != nil {
				return fmt.Errorf("remove stale temp audio: %w", err)
			}
			if released+removed == 0 {
				return fmt.Errorf("%w: no stale temporary audio to remove", ErrDiskFull)
			}
			return nil
		}
	}
	if t.Audio != nil {
		out[CheckAudio] = func(ctx context.Context, res Result) error {
			return t.Audio.Reinitialize(ctx)
		}
	}
	if t.Router != nil {
		out[CheckBackend] = func(ctx context.Context, res Result) error {
			if res.Target == "" {
				return nil
			}
			return t.Router.MarkFailed(res.Target, "health probe: "+res.Message)
		}
	}
	return out
}
