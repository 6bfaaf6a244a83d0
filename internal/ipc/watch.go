package ipc

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Handler receives every command read from the command file.
type Handler func(Command)

// Watch delivers commands written to dir/cmd.txt until ctx is done. It uses
// fsnotify and keeps a one-second poll as a safety net; when fsnotify is not
// available it polls only.
func Watch(ctx context.Context, dir string, log logrus.FieldLogger, handle Handler) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	cmdPath := commandPath(dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("fsnotify not available, falling back to polling")
		return poll(ctx, dir, log, handle)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("failed to close watcher")
		}
	}()
	if err := watcher.Add(dir); err != nil {
		log.WithError(err).Warn("failed to watch command directory, falling back to polling")
		return poll(ctx, dir, log, handle)
	}
	log.WithField("path", cmdPath).Info("command watcher started")

	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()
	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				log.Warn("fsnotify watcher closed, switching to polling")
				return poll(ctx, dir, log, handle)
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Small delay to ensure write is complete
				time.Sleep(50 * time.Millisecond)
				dispatch(dir, log, handle)
				lastCheck = time.Now()
			}

		case <-pollTicker.C:
			if info, err := os.Stat(cmdPath); err == nil && info.ModTime().After(lastCheck) {
				time.Sleep(50 * time.Millisecond)
				dispatch(dir, log, handle)
				lastCheck = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				log.Warn("fsnotify error channel closed, switching to polling")
				return poll(ctx, dir, log, handle)
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}

// poll is the fsnotify-free fallback.
func poll(ctx context.Context, dir string, log logrus.FieldLogger, handle Handler) error {
	log.Info("command watcher started (polling, 1s interval)")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastCheck := time.Now()
	cmdPath := commandPath(dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(cmdPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastCheck) {
				time.Sleep(50 * time.Millisecond)
				dispatch(dir, log, handle)
				lastCheck = time.Now()
			}
		}
	}
}

func dispatch(dir string, log logrus.FieldLogger, handle Handler) {
	cmd, err := ReadCommand(dir)
	if err != nil {
		log.WithError(err).Warn("ignoring command")
		return
	}
	if cmd.Name == "" {
		return
	}
	log.WithField("command", cmd.String()).Info("received command")
	handle(cmd)
}
