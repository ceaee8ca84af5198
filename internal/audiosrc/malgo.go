package audiosrc

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// captureSampleRate is the rate devices are opened at; sources downmix and
// decimate down to Standard16kMono before handing frames to consumers.
const captureSampleRate = 48000

// decimationRatio is exact for 48kHz -> 16kHz, so plain block-averaging
// introduces no drift.
var decimationRatio = captureSampleRate / Standard16kMono.SampleRate

// Device describes one enumerated capture or playback device. The wire
// protocol only carries names; the id and capability flags are for
// in-process callers.
type Device struct {
	ID       string
	Name     string
	IsInput  bool
	IsOutput bool
}

// Provider owns the shared malgo context that every malgo-backed Source is
// built from. One Provider per daemon process.
type Provider struct {
	ctx *malgo.AllocatedContext
	mu  sync.Mutex
}

// NewProvider initializes the shared audio backend context.
func NewProvider() (*Provider, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Provider{ctx: ctx}, nil
}

// Close releases the backend context. Call once at daemon shutdown, after
// every Source built from this Provider has been stopped.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
	}
}

// ListDevices enumerates capture and playback devices, merging entries
// that share a name so the same physical device reports both directions.
func (p *Provider) ListDevices() ([]Device, error) {
	var devices []Device

	capture, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	for _, d := range capture {
		devices = append(devices, Device{ID: deviceIDToString(d.ID), Name: d.Name(), IsInput: true})
	}

	playback, err := p.ctx.Devices(malgo.Playback)
	if err != nil {
		return devices, fmt.Errorf("enumerate playback devices: %w", err)
	}
	for _, d := range playback {
		name := d.Name()
		found := false
		for i := range devices {
			if devices[i].Name == name {
				devices[i].IsOutput = true
				found = true
				break
			}
		}
		if !found {
			devices = append(devices, Device{ID: deviceIDToString(d.ID), Name: name, IsOutput: true})
		}
	}

	return devices, nil
}

// findDeviceID resolves a device name (partial, case-insensitive match) to
// a malgo device id within the given device-type enumeration.
func (p *Provider) findDeviceID(name string, deviceType malgo.DeviceType) (*malgo.DeviceID, error) {
	devices, err := p.ctx.Devices(deviceType)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name()), needle) {
			id := d.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

// microphoneSource captures a single mono or stereo input device and
// decimates it to Standard16kMono.
type microphoneSource struct {
	provider *Provider
	deviceID string // empty means system default

	mu     sync.Mutex
	device *malgo.Device
	out    chan []float32
}

// NewMicrophoneSource builds a Source capturing the named device (or the
// system default input when deviceID is empty).
func NewMicrophoneSource(p *Provider, deviceID string) Source {
	return &microphoneSource{provider: p, deviceID: deviceID}
}

func (s *microphoneSource) Name() string { return "microphone" }
func (s *microphoneSource) Kind() Kind   { return KindMicrophone }

func (s *microphoneSource) Start() (<-chan []float32, Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return nil, Format{}, &Error{Kind: ErrFormatSetupFailed, Message: "already started"}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = captureSampleRate
	cfg.Alsa.NoMMap = 1

	if s.deviceID != "" && s.deviceID != "default" {
		id, err := s.provider.findDeviceID(s.deviceID, malgo.Capture)
		if err != nil {
			return nil, Format{}, &Error{Kind: ErrDeviceUnavailable, Message: err.Error()}
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	out := make(chan []float32, 256)
	decim := newDecimator(1)

	onRecv := func(_, in []byte, frames uint32) {
		samples := bytesToFloat32(in, int(frames))
		if down, ok := decim.push(samples); ok {
			select {
			case out <- down:
			default:
			}
		}
	}

	device, err := malgo.InitDevice(s.provider.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return nil, Format{}, &Error{Kind: ErrFormatSetupFailed, Message: err.Error()}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return nil, Format{}, &Error{Kind: ErrPermissionDenied, Message: err.Error()}
		}
		return nil, Format{}, &Error{Kind: ErrDeviceUnavailable, Message: err.Error()}
	}

	s.device = device
	s.out = out
	return out, Standard16kMono, nil
}

func (s *microphoneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.device.Uninit()
	s.device = nil
	close(s.out)
	s.out = nil
	return nil
}

// systemAudioSource captures a loopback/monitor device (e.g. BlackHole) in
// stereo and mixes it down to mono before decimating.
type systemAudioSource struct {
	provider *Provider
	deviceID string

	mu     sync.Mutex
	device *malgo.Device
	out    chan []float32
}

// NewSystemAudioSource builds a Source capturing system audio from the
// named loopback device.
func NewSystemAudioSource(p *Provider, deviceID string) Source {
	return &systemAudioSource{provider: p, deviceID: deviceID}
}

func (s *systemAudioSource) Name() string { return "system_audio" }
func (s *systemAudioSource) Kind() Kind   { return KindSystemAudio }

func (s *systemAudioSource) Start() (<-chan []float32, Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return nil, Format{}, &Error{Kind: ErrFormatSetupFailed, Message: "already started"}
	}

	if s.deviceID == "" {
		return nil, Format{}, &Error{Kind: ErrDeviceUnavailable, Message: "no system audio device configured"}
	}
	id, err := s.provider.findDeviceID(s.deviceID, malgo.Capture)
	if err != nil {
		return nil, Format{}, &Error{Kind: ErrDeviceUnavailable, Message: err.Error()}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 2
	cfg.SampleRate = captureSampleRate
	cfg.Alsa.NoMMap = 1
	cfg.Capture.DeviceID = id.Pointer()

	out := make(chan []float32, 256)
	decim := newDecimator(1)
	channels := 2

	onRecv := func(_, in []byte, frames uint32) {
		stereo := bytesToFloat32(in, int(frames)*channels)
		mono := make([]float32, frames)
		for i := range mono {
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += stereo[i*channels+ch]
			}
			mono[i] = sum / float32(channels)
		}
		if down, ok := decim.push(mono); ok {
			select {
			case out <- down:
			default:
			}
		}
	}

	device, err := malgo.InitDevice(s.provider.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return nil, Format{}, &Error{Kind: ErrFormatSetupFailed, Message: err.Error()}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, Format{}, &Error{Kind: ErrDeviceUnavailable, Message: err.Error()}
	}

	s.device = device
	s.out = out
	return out, Standard16kMono, nil
}

func (s *systemAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.device.Uninit()
	s.device = nil
	close(s.out)
	s.out = nil
	return nil
}

// decimator accumulates capture-rate frames and emits a decimationRatio-
// downsampled (block-averaged) buffer once enough input has arrived.
type decimator struct {
	channels int
	pending  []float32
}

func newDecimator(channels int) *decimator {
	return &decimator{channels: channels}
}

func (d *decimator) push(samples []float32) ([]float32, bool) {
	d.pending = append(d.pending, samples...)
	usable := (len(d.pending) / decimationRatio) * decimationRatio
	if usable == 0 {
		return nil, false
	}

	out := make([]float32, usable/decimationRatio)
	for i := range out {
		var sum float32
		base := i * decimationRatio
		for j := 0; j < decimationRatio; j++ {
			sum += d.pending[base+j]
		}
		out[i] = sum / float32(decimationRatio)
	}

	remainder := d.pending[usable:]
	d.pending = append([]float32(nil), remainder...)
	return out, true
}

func bytesToFloat32(b []byte, count int) []float32 {
	out := make([]float32, count)
	for i := 0; i < count && (i*4+4) <= len(b); i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = float32frombits(bits)
	}
	return out
}

func float32frombits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func deviceIDToString(id malgo.DeviceID) string {
	var sb strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		sb.WriteByte(b)
	}
	return sb.String()
}
