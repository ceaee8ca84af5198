// Package archive is the session audio archive: while a session records,
// the engine streams each source's mono 16kHz PCM into a single per-session
// MP3 file under <base>/sessions/<id>/audio.mp3, encoded with the
// pure-Go shine-mp3 encoder (no FFmpeg dependency). This is
// metadata-adjacent storage: it is not a Segment/Session column and no
// command queries it.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

const blockSamples = 1152 // shine's MP3 Layer III encoding block size, per channel

// Writer accepts mono float32 PCM from one or more concurrent source
// pipelines and encodes it to a single MP3 file. Concurrent writers are
// serialized internally: simultaneous sources are interleaved in arrival
// order rather than summed sample-by-sample, which is adequate for an
// audit archive that nothing in the daemon reads back programmatically.
type Writer struct {
	file       *os.File
	encoder    *mp3.Encoder
	path       string
	sampleRate int

	mu      sync.Mutex
	buf     []int16
	samples int64
	closed  bool
}

// New creates <dir>/audio.mp3 (and dir, if missing) and returns a Writer
// ready to accept mono samples at sampleRate.
func New(dir string, sampleRate int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("archive: create session dir: %w", err)
	}
	path := filepath.Join(dir, "audio.mp3")

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive: create file: %w", err)
	}

	return &Writer{
		file:       f,
		encoder:    mp3.NewEncoder(sampleRate, 1),
		path:       path,
		sampleRate: sampleRate,
		buf:        make([]int16, 0, blockSamples*4),
	}, nil
}

// Write appends mono float32 samples, encoding complete blocks as they
// accumulate. Safe to call from multiple goroutines (e.g. one per source).
func (w *Writer) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("archive: writer closed")
	}

	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		w.buf = append(w.buf, int16(s*32767))
	}
	w.samples += int64(len(samples))

	usable := (len(w.buf) / blockSamples) * blockSamples
	if usable > 0 {
		w.encoder.Write(w.file, w.buf[:usable])
		w.buf = append(w.buf[:0], w.buf[usable:]...)
	}
	return nil
}

// Duration returns the PCM duration written so far.
func (w *Writer) Duration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Duration(w.samples) * time.Second / time.Duration(w.sampleRate)
}

// Close flushes any partial block (zero-padded) and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.buf) > 0 {
		for len(w.buf)%blockSamples != 0 {
			w.buf = append(w.buf, 0)
		}
		w.encoder.Write(w.file, w.buf)
	}
	return w.file.Close()
}

// Path returns the archive file's path.
func (w *Writer) Path() string { return w.path }

// Remove deletes the archive directory for a session, called when a
// session is deleted so the archive never outlives its Session row.
func Remove(baseDir, sessionID string) error {
	dir := filepath.Join(baseDir, "sessions", sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("archive: remove %s: %w", dir, err)
	}
	return nil
}
