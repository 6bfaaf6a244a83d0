package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/voxd/internal/audio/portaudio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/config"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/health"
	"github.com/tiroq/voxd/internal/ipc"
	"github.com/tiroq/voxd/internal/lifecycle"
	"github.com/tiroq/voxd/internal/logging"
	"github.com/tiroq/voxd/internal/metrics"
	"github.com/tiroq/voxd/internal/pidfile"
	"github.com/tiroq/voxd/internal/resources"
	"github.com/tiroq/voxd/internal/router"
)

const (
	statusInterval = 5 * time.Second
	stopTimeout    = 30 * time.Second
	recentErrors   = 100 // records published in the status snapshot
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dictation daemon in the foreground",
	Long: `Run the daemon until SIGINT, SIGTERM or 'voxd quit'.

The daemon keeps running when a backend is misconfigured or no backend can
be initialized; fix the configuration and send 'voxd reload'. Only a
configuration file that cannot be loaded stops it at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context, stdout io.Writer) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, closer, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closer.Close()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("PANIC in voxd")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log.WithFields(logrus.Fields{
		"version": Version,
		"pid":     os.Getpid(),
		"config":  configPath,
	}).Info("starting voxd")

	diaglog.Version = Version
	diag, derr := diaglog.Open(diaglog.DefaultPath(), cfg.Logging.Diagnostic || diaglog.IsDebugEnabled())
	if derr != nil {
		log.WithError(derr).Warn("diagnostic log unavailable")
		diag = diaglog.NewNoOp()
	}
	defer diag.Close()

	pidPath := pidfile.Path("voxd")
	pf, err := pidfile.Acquire(pidPath)
	if err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			log.WithField("pidfile", pidPath).Error("another instance is running")
		}
		return err
	}
	defer func() {
		if rerr := pf.Remove(); rerr != nil {
			log.WithError(rerr).Warn("failed to remove PID file")
		}
	}()

	d := newDaemon(cfg, log, diag, stdout)
	return d.run(ctx)
}

// daemon owns the process-level wiring around one lifecycle.Coordinator.
type daemon struct {
	cfg     *config.Config
	log     *logrus.Logger
	diag    *diaglog.Logger
	metrics *metrics.Metrics
	faults  *faults.Handler
	res     *resources.Manager
	reg     *backend.Registry
	audio   *portaudio.Source
	coord   *lifecycle.Coordinator
	dir     string
	started time.Time

	quit context.CancelFunc
	kick chan struct{}
}

func newDaemon(cfg *config.Config, log *logrus.Logger, diag *diaglog.Logger, stdout io.Writer) *daemon {
	d := &daemon{
		cfg:     cfg,
		log:     log,
		diag:    diag,
		metrics: metrics.New(),
		reg:     newRegistry(),
		dir:     stateDir(cfg),
		started: time.Now(),
		kick:    make(chan struct{}, 1),
	}

	d.faults = faults.NewHandler(log, faults.Options{})
	d.faults.SetDiagLogger(diag)
	d.faults.SetMetrics(d.metrics)

	d.res = resources.NewManager(log, d.faults, resources.NewProcSampler(), resources.Options{
		MemoryCeiling: uint64(cfg.Resources.MemoryCeilingMB) * mb,
		IdleTTL:       cfg.Resources.IdleTTL,
		ExpectedMax:   cfg.Health.MaxHandles,
	})
	d.res.SetDiagLogger(diag)
	d.res.SetMetrics(d.metrics)

	deps := lifecycle.Deps{
		Log:       log,
		Faults:    d.faults,
		Resources: d.res,
		Sink:      newSink(cfg, log, stdout),
		Diag:      diag,
		Metrics:   d.metrics,
	}
	if cfg.Daemon.Audio {
		src, err := portaudio.New(d.res, d.faults, log)
		if err != nil {
			log.WithError(err).Warn("audio input unavailable, dictation disabled")
		} else {
			d.audio = src
			deps.Audio = src
		}
	}

	d.coord = lifecycle.New(deps, lifecycleOptions(cfg))
	d.coord.OnTick(func(health.TickReport) { d.refresh() })
	return d
}

func (d *daemon) backendDeps() backend.Deps {
	return backend.Deps{Resources: d.res, Log: d.log, Diag: d.diag}
}

// backends builds the descriptors for cfg. Broken entries are classified as
// configuration errors and skipped.
func (d *daemon) backends(cfg *config.Config) []router.Descriptor {
	descs, skipped := descriptors(d.reg, cfg, d.backendDeps())
	for _, err := range skipped {
		d.faults.ClassifyAndHandle("config:backend", err)
	}
	if len(skipped) > 0 {
		d.log.WithFields(logrus.Fields{"usable": len(descs), "skipped": len(skipped)}).
			Warn("some backends are misconfigured and were skipped")
	}
	return descs
}

func (d *daemon) run(ctx context.Context) error {
	descs := d.backends(d.cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.quit = cancel

	if err := d.coord.Start(ctx, descs); err != nil {
		d.log.WithError(err).Error("no backend available; fix the configuration and run 'voxd reload'")
	} else {
		d.pinPreferred()
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := d.cfg.Metrics.Address; addr != "" {
		g.Go(func() error {
			if err := d.metrics.Serve(gctx, addr); err != nil {
				d.log.WithError(err).WithField("address", addr).Warn("metrics endpoint stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		return ipc.Watch(gctx, d.dir, d.log, func(cmd ipc.Command) { d.handle(gctx, cmd) })
	})
	g.Go(func() error { return d.statusLoop(gctx) })

	werr := g.Wait()
	d.shutdown()
	return werr
}

func (d *daemon) pinPreferred() {
	name := d.cfg.Router.Preferred
	if name == "" {
		return
	}
	if err := d.coord.SwitchBackend(name); err != nil {
		d.log.WithError(err).WithField("backend", name).Warn("preferred backend not selected")
	}
}

// handle executes one control command. Errors are logged; the daemon keeps
// running.
func (d *daemon) handle(ctx context.Context, cmd ipc.Command) {
	log := d.log.WithField("command", cmd.String())
	log.Info("command received")
	defer d.refresh()

	switch cmd.Name {
	case ipc.CmdSwitch:
		if err := d.coord.SwitchBackend(cmd.Arg); err != nil {
			log.WithError(err).Warn("switch failed")
		}
	case ipc.CmdReprobe:
		n, err := d.coord.Reprobe(ctx)
		if err != nil {
			log.WithError(err).Warn("reprobe failed")
			return
		}
		log.WithField("recovered", n).Info("reprobe done")
	case ipc.CmdCheck:
		rep, err := d.coord.CheckNow(ctx)
		if err != nil {
			log.WithError(err).Warn("health check failed")
			return
		}
		log.WithFields(logrus.Fields{"overall": rep.Overall, "critical": rep.Critical}).Info("health check done")
	case ipc.CmdDictate:
		var limit time.Duration
		if cmd.Arg != "" {
			v, err := time.ParseDuration(cmd.Arg)
			if err != nil {
				log.WithError(err).Warn("invalid dictation length")
				return
			}
			limit = v
		}
		id, err := d.coord.Dictate(limit)
		if err != nil {
			log.WithError(err).Warn("dictation rejected")
			return
		}
		log.WithField("request_id", id).Info("dictation started")
	case ipc.CmdReload:
		if err := d.reload(ctx); err != nil {
			log.WithError(err).Error("reload failed")
		}
	case ipc.CmdQuit:
		log.Info("quit requested")
		d.quit()
	}
}

// reload re-reads the backend list and restarts the coordinator with fresh
// adapters. Other settings need a restart.
func (d *daemon) reload(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	descs := d.backends(cfg)
	d.cfg.Backends = cfg.Backends
	d.cfg.Router.Preferred = cfg.Router.Preferred
	if err := d.coord.Reconfigure(ctx, descs); err != nil {
		return err
	}
	d.pinPreferred()
	return nil
}

// refresh asks the status loop for an immediate write.
func (d *daemon) refresh() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *daemon) statusLoop(ctx context.Context) error {
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	d.writeStatus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-d.kick:
		}
		d.writeStatus()
	}
}

func (d *daemon) snapshot() *ipc.StatusSnapshot {
	return &ipc.StatusSnapshot{
		Status:       d.coord.StatusReport(),
		PID:          os.Getpid(),
		Version:      Version,
		StartedAt:    d.started,
		Timestamp:    time.Now(),
		RecentErrors: d.coord.ErrorLog(recentErrors),
	}
}

func (d *daemon) writeStatus() {
	if err := ipc.WriteStatus(d.dir, d.snapshot()); err != nil {
		d.log.WithError(err).Warn("failed to write status")
	}
}

// shutdown stops the coordinator, exports a diagnostics bundle when the
// event trail is enabled and removes status.json.
func (d *daemon) shutdown() {
	d.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := d.coord.Stop(ctx); err != nil {
		d.log.WithError(err).Warn("stop reported errors")
	}
	if d.audio != nil {
		if err := d.audio.Close(); err != nil {
			d.log.WithError(err).Warn("failed to close audio")
		}
	}
	if n := d.res.ReleaseAll(); n > 0 {
		d.log.WithField("handles", n).Warn("handles left after stop were released")
	}

	if d.diag.Enabled() {
		path, n, err := diaglog.Export(d.diag.Path(), d.dir, d.snapshot())
		if err != nil {
			d.log.WithError(err).Warn("diagnostics export failed")
		} else {
			d.log.WithFields(logrus.Fields{"path": path, "lines": n}).Info("diagnostics bundle written")
		}
	}
	if err := ipc.RemoveStatus(d.dir); err != nil {
		d.log.WithError(err).Warn("failed to remove status file")
	}
	d.log.Info("voxd stopped")
}
