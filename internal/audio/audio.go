// Package audio holds the PCM buffer type that flows from the capture loop to
// the recognition backends, plus helpers to persist it for file-based engines.
package audio

import (
	"context"
	"encoding/binary"
	"time"
)

const (
	// SampleRate is what every bundled backend expects.
	SampleRate = 16000
	// Channels is mono.
	Channels = 1
	// FramesPerBuffer is the capture read size (64 ms at 16 kHz).
	FramesPerBuffer = 1024
)

// Buffer is a chunk of 16-bit mono PCM. HandleID names the temp_buffer handle
// that owns it in the resource registry; the recognition worker releases it
// once the result has been delivered.
type Buffer struct {
	Samples    []int16
	SampleRate int
	HandleID   string
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	rate := b.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(rate)
}

// Empty reports whether the buffer carries no audio.
func (b Buffer) Empty() bool { return len(b.Samples) == 0 }

// PCM16LE encodes the samples as little-endian bytes.
func (b Buffer) PCM16LE() []byte {
	out := make([]byte, len(b.Samples)*2)
	for i, s := range b.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FromPCM16LE decodes little-endian 16-bit samples. A trailing odd byte is
// dropped.
func FromPCM16LE(data []byte, rate int) Buffer {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return Buffer{Samples: samples, SampleRate: rate}
}

// Source is the audio capture collaborator.
type Source interface {
	// Capture records up to max of audio, or until ctx is done, and returns
	// a buffer already registered with the resource manager under owner.
	Capture(ctx context.Context, owner string, max time.Duration) (Buffer, error)
	// Reachable reports whether an input device can be opened.
	Reachable(ctx context.Context) error
	// Reinitialize tears down and re-creates the audio subsystem.
	Reinitialize(ctx context.Context) error
	Close() error
}
