package archive

import (
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// Reader decodes a session archive back to mono float32 PCM. go-mp3
// always decodes to 16-bit stereo regardless of how the file was encoded,
// so Reader averages the two channels back down to the mono stream
// archive.Writer originally wrote.
type Reader struct {
	decoder *mp3.Decoder
	file    *os.File
}

// OpenReader opens a session's archive file for decoding.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: decode %s: %w", path, err)
	}
	return &Reader{decoder: dec, file: f}, nil
}

// SampleRate returns the decoder's output sample rate.
func (r *Reader) SampleRate() int { return r.decoder.SampleRate() }

// Duration returns the archive's playback duration.
func (r *Reader) Duration() float64 {
	samples := r.decoder.Length() / 4 // 16-bit stereo: 4 bytes per frame
	return float64(samples) / float64(r.decoder.SampleRate())
}

// ReadAllMono decodes the full archive and averages stereo down to mono.
func (r *Reader) ReadAllMono() ([]float32, error) {
	pcm, err := io.ReadAll(r.decoder)
	if err != nil {
		return nil, fmt.Errorf("archive: read pcm: %w", err)
	}

	frames := len(pcm) / 4
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		left := int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8)
		right := int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8)
		mono[i] = (float32(left) + float32(right)) / 2 / 32768
	}
	return mono, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
