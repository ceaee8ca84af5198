// Package audiosrc is the audio source abstraction: producers of mono
// 16 kHz float32 PCM buffer streams, one per source, tagged by source
// kind. The concrete implementation captures real devices through malgo;
// tests substitute an in-memory fake.
package audiosrc

// Kind tags which physical source a Source represents.
type Kind string

const (
	KindMicrophone  Kind = "microphone"
	KindSystemAudio Kind = "system_audio"
)

// Format describes the PCM layout a stream produces. Every Source yields
// mono 16 kHz float32 frames; Format exists so callers don't hardcode it.
type Format struct {
	SampleRate int
	Channels   int
}

// Standard16kMono is the format every Source.Start stream produces.
var Standard16kMono = Format{SampleRate: 16000, Channels: 1}

// ErrorKind tags why Start failed. Errors are terminal for that attempt;
// the caller (the recording engine) decides whether to retry.
type ErrorKind string

const (
	ErrPermissionDenied  ErrorKind = "permission_denied"
	ErrDeviceUnavailable ErrorKind = "device_unavailable"
	ErrFormatSetupFailed ErrorKind = "format_setup_failed"
)

// Error is a tagged-variant error returned from Start.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Source is the capability interface the recording engine depends on. It
// never imports a concrete capture backend directly.
type Source interface {
	Name() string
	Kind() Kind
	// Start yields a finite-lifetime, single-consumer stream of mono
	// float32 frames at 16 kHz. Resampling/downmixing from whatever the
	// underlying device provides is the Source's own responsibility.
	Start() (<-chan []float32, Format, error)
	// Stop is idempotent and closes the stream so consumers observe
	// end-of-stream.
	Stop() error
}
