// Package portaudio captures microphone audio through PortAudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/resources"
)

const (
	openAttempts = 3
	openTimeout  = 5 * time.Second
	// minSamples pads short captures to 200 ms; whisper rejects anything under 100 ms.
	minSamples = audio.SampleRate / 5
)

var errNotInitialized = errors.New("portaudio: not initialized")

// Source records from the default input device. Each open stream is an
// audio_stream handle owned by the capturing request.
type Source struct {
	res    *resources.Manager
	faults *faults.Handler
	log    logrus.FieldLogger

	mu          sync.Mutex
	initialized bool
	open        int
}

var _ audio.Source = (*Source)(nil)

// New initializes PortAudio.
func New(res *resources.Manager, fh *faults.Handler, log logrus.FieldLogger) (*Source, error) {
	if err := pa.Initialize(); err != nil {
		return nil, faults.Wrap(faults.CategoryAudio, fmt.Errorf("portaudio init: %w", err))
	}
	s := &Source{res: res, faults: fh, log: log.WithField("component", diaglog.ComponentAudio), initialized: true}
	res.SetCounter(resources.KindAudioStream, s.openStreams)
	return s, nil
}

func (s *Source) openStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Capture opens the default input, reads until max elapses or ctx is done and
// returns the samples registered as a temp_buffer owned by owner. The stream
// handle is released before returning.
func (s *Source) Capture(ctx context.Context, owner string, max time.Duration) (audio.Buffer, error) {
	frames := make([]int16, audio.FramesPerBuffer)
	var (
		stream   *pa.Stream
		streamID string
	)
	err := s.faults.Retry(ctx, "audio:open", faults.CategoryAudio, openTimeout, openAttempts, func(ctx context.Context) error {
		s.mu.Lock()
		ready := s.initialized
		s.mu.Unlock()
		if !ready {
			return errNotInitialized
		}
		id, err := s.res.Acquire(resources.KindAudioStream, owner, func() (resources.ReleaseFunc, error) {
			st, err := pa.OpenDefaultStream(audio.Channels, 0, audio.SampleRate, len(frames), frames)
			if err != nil {
				return nil, err
			}
			if err := st.Start(); err != nil {
				_ = st.Close()
				return nil, err
			}
			stream = st
			s.mu.Lock()
			s.open++
			s.mu.Unlock()
			return func() error {
				s.mu.Lock()
				s.open--
				s.mu.Unlock()
				stopErr := st.Stop()
				if err := st.Close(); err != nil {
					return err
				}
				return stopErr
			}, nil
		})
		streamID = id
		return err
	})
	if err != nil {
		return audio.Buffer{}, err
	}
	defer s.res.Release(streamID)

	capCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		capCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	samples := make([]int16, 0, audio.SampleRate*5)
	for capCtx.Err() == nil {
		if err := stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				continue
			}
			return audio.Buffer{}, faults.Wrap(faults.CategoryAudio, fmt.Errorf("read input: %w", err))
		}
		samples = append(samples, frames...)
		s.res.Touch(streamID)
	}
	if ctx.Err() != nil {
		return audio.Buffer{}, ctx.Err()
	}

	if len(samples) < minSamples {
		samples = append(samples, make([]int16, minSamples-len(samples))...)
	}
	return audio.RegisterBuffer(s.res, owner, audio.Buffer{Samples: samples, SampleRate: audio.SampleRate})
}

// Reachable checks that a default input device exists.
func (s *Source) Reachable(ctx context.Context) error {
	s.mu.Lock()
	ready := s.initialized
	s.mu.Unlock()
	if !ready {
		return faults.Wrap(faults.CategoryAudio, errNotInitialized)
	}
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		return faults.Wrap(faults.CategoryAudio, fmt.Errorf("no input device: %w", err))
	}
	if dev.MaxInputChannels < audio.Channels {
		return faults.Wrap(faults.CategoryAudio, fmt.Errorf("device %q has no input channels", dev.Name))
	}
	return nil
}

// Reinitialize terminates and re-initializes PortAudio so a newly plugged
// device becomes the default. Streams still open are left to their owners.
func (s *Source) Reinitialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open > 0 {
		return faults.Wrap(faults.CategoryAudio, fmt.Errorf("%d streams open", s.open))
	}
	if s.initialized {
		if err := pa.Terminate(); err != nil {
			s.log.WithError(err).Warn("portaudio terminate failed")
		}
		s.initialized = false
	}
	if err := pa.Initialize(); err != nil {
		return faults.Wrap(faults.CategoryAudio, fmt.Errorf("portaudio init: %w", err))
	}
	s.initialized = true
	s.log.Info("audio subsystem reinitialized")
	return nil
}

// Close terminates PortAudio.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	return pa.Terminate()
}
