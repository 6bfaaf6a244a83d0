package commands

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/backend/localwhisper"
	"github.com/tiroq/voxd/internal/backend/remotewhisper"
	"github.com/tiroq/voxd/internal/backend/vosk"
	"github.com/tiroq/voxd/internal/backend/wsstream"
	"github.com/tiroq/voxd/internal/config"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/health"
	"github.com/tiroq/voxd/internal/lifecycle"
	"github.com/tiroq/voxd/internal/notify"
	"github.com/tiroq/voxd/internal/router"
	"github.com/tiroq/voxd/internal/transcript"
)

const mb = 1 << 20

// newRegistry registers every bundled engine.
func newRegistry() *backend.Registry {
	reg := backend.NewRegistry()
	for kind, f := range map[string]backend.Factory{
		localwhisper.Kind:  localwhisper.New,
		remotewhisper.Kind: remotewhisper.New,
		vosk.Kind:          vosk.New,
		wsstream.Kind:      wsstream.New,
	} {
		// Kinds are distinct constants; Register only fails on duplicates.
		_ = reg.Register(kind, f)
	}
	return reg
}

// descriptors builds one router descriptor per enabled backend. An entry with
// a missing or unknown kind or an unknown capability is left out and reported
// as a configuration error; the remaining backends are still used.
func descriptors(reg *backend.Registry, cfg *config.Config, deps backend.Deps) ([]router.Descriptor, []error) {
	var (
		out     []router.Descriptor
		skipped []error
	)
	for _, b := range cfg.EnabledBackends() {
		if b.Kind == "" {
			skipped = append(skipped, faults.Configuration("backend %q: kind is required", b.Name))
			continue
		}
		caps, err := backend.ParseCapabilities(b.Capabilities)
		if err != nil {
			skipped = append(skipped, faults.Configuration("backend %q: %w", b.Name, err))
			continue
		}
		a, err := reg.New(b.Kind, b.Name, deps)
		if err != nil {
			skipped = append(skipped, faults.Configuration("backend %q: %w", b.Name, err))
			continue
		}
		out = append(out, router.Descriptor{
			Name:         b.Name,
			Priority:     b.Priority,
			Capabilities: caps,
			Config:       b.Adapter(),
			Adapter:      a,
		})
	}
	return out, skipped
}

// lifecycleOptions maps the config file onto coordinator options.
func lifecycleOptions(cfg *config.Config) lifecycle.Options {
	return lifecycle.Options{
		QueueDepth:    cfg.Daemon.QueueDepth,
		GracePeriod:   cfg.Daemon.GracePeriod,
		DegradedAfter: cfg.Daemon.DegradedAfter,
		CaptureMax:    cfg.Daemon.CaptureMax,
		IdleEviction:  cfg.Resources.BackendIdle,
		StaleAge:      cfg.Resources.MaxHandleAge,
		StaleIdle:     cfg.Resources.IdleTTL,
		Router: router.Options{
			FailureThreshold: cfg.Router.FailureThreshold,
			FailureWindow:    cfg.Router.FailureWindow,
			Cooldown:         cfg.Router.Cooldown,
			Timeout:          cfg.Router.Timeout,
			ProbeTimeout:     cfg.Router.ProbeTimeout,
			InitTimeout:      cfg.Router.InitTimeout,
		},
		Health: health.Options{
			Interval:            cfg.Health.Interval,
			CheckTimeout:        cfg.Health.CheckTimeout,
			RemediationCooldown: cfg.Health.RemediationCooldown,
		},
		Limits: lifecycle.Limits{
			MemoryWarn: uint64(cfg.Health.MemoryWarningMB) * mb,
			MemoryCrit: uint64(cfg.Health.MemoryCriticalMB) * mb,
			CPUWarn:    cfg.Health.CPUWarning,
			CPUCrit:    cfg.Health.CPUCritical,
			FDWarn:     cfg.Health.FDWarning,
			ThreadWarn: cfg.Health.ThreadWarning,
			MaxHandles: cfg.Health.MaxHandles,
			DiskWarn:   cfg.Health.DiskWarning,
			DiskCrit:   cfg.Health.DiskCritical,
		},
	}
}

// newSink fans results out to the log and whichever outputs are enabled.
func newSink(cfg *config.Config, log logrus.FieldLogger, stdout io.Writer) notify.Sink {
	sinks := notify.Multi{notify.LogSink{Log: log}}
	if cfg.Notifications.Desktop {
		sinks = append(sinks, notify.NewDesktop(true))
	}
	if cfg.Notifications.Stdout {
		sinks = append(sinks, notify.NewWriterSink(stdout))
	}
	if cfg.Notifications.Journal {
		dir := cfg.Notifications.JournalDir
		if dir == "" {
			dir = transcript.DefaultDir()
		}
		sinks = append(sinks, transcript.NewJournal(dir))
	}
	return sinks
}
