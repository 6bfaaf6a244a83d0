package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/tiroq/voxd/internal/resources"
)

// WriteWAV encodes buf as a 16-bit mono WAV file at path.
func WriteWAV(path string, buf Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	rate := buf.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}

	enc := wav.NewEncoder(f, rate, 16, Channels, 1)
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: rate},
		Data:           make([]int, len(buf.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range buf.Samples {
		ib.Data[i] = int(s)
	}
	if err := enc.Write(ib); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}

// ReadWAV decodes a PCM WAV file into a Buffer.
func ReadWAV(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("%s: not a valid wav file", filepath.Base(path))
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode wav: %w", err)
	}
	out := Buffer{Samples: make([]int16, len(ib.Data)), SampleRate: int(dec.SampleRate)}
	for i, v := range ib.Data {
		out.Samples[i] = int16(v)
	}
	return out, nil
}

// TempWAV is a WAV file registered as a temp_buffer handle.
type TempWAV struct {
	Path     string
	HandleID string
}

// WriteTempWAV writes buf to dir (os.TempDir when empty) and registers the
// file with res under owner. Releasing the handle removes the file.
func WriteTempWAV(res *resources.Manager, dir, owner string, buf Buffer) (TempWAV, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "voxd-"+uuid.NewString()+".wav")
	id, err := res.Acquire(resources.KindTempBuffer, owner, func() (resources.ReleaseFunc, error) {
		if err := WriteWAV(path, buf); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		return func() error {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}, nil
	})
	if err != nil {
		return TempWAV{}, err
	}
	return TempWAV{Path: path, HandleID: id}, nil
}

// RegisterBuffer registers an in-memory capture buffer as a temp_buffer
// handle owned by owner and returns buf with HandleID set. Releasing the
// handle drops the sample slice.
func RegisterBuffer(res *resources.Manager, owner string, buf Buffer) (Buffer, error) {
	samples := &buf.Samples
	id, err := res.Register(&resources.Handle{
		Kind:  resources.KindTempBuffer,
		Owner: owner,
		Release: func() error {
			*samples = nil
			return nil
		},
	})
	if err != nil {
		return Buffer{}, err
	}
	buf.HandleID = id
	return buf, nil
}

// RemoveStaleTempWAVs deletes voxd temp WAVs in dir (os.TempDir when empty)
// last modified more than olderThan ago. Files a crashed run left behind are
// not in any registry, so age is the only signal.
func RemoveStaleTempWAVs(dir string, olderThan time.Duration) (int, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	paths, err := filepath.Glob(filepath.Join(dir, "voxd-*.wav"))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
