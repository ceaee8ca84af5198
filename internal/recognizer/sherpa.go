package recognizer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// Standard16kSampleRate is the only sample rate recognizers in this daemon
// are asked to handle.
const Standard16kSampleRate = 16000

// SherpaConfig configures the streaming transducer model. Paths point at
// an exported zipformer/conformer transducer triple, the shape sherpa-onnx
// distributes for online (streaming) ASR.
type SherpaConfig struct {
	EncoderPath    string
	DecoderPath    string
	JoinerPath     string
	TokensPath     string
	NumThreads     int
	Provider       string // "cpu" or "cuda"; falls back to cpu on failure
	DecodingMethod string // "greedy_search" (default) or "modified_beam_search"
}

// SherpaRecognizer is the Recognizer backed by sherpa-onnx's online
// (streaming) transducer recognizer. The run goroutine exclusively owns
// the underlying sherpa objects: Stop only signals it, and the goroutine
// deletes them on its own way out, so teardown never races a decode.
type SherpaRecognizer struct {
	cfg SherpaConfig

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	out     chan Event
}

// NewSherpaRecognizer constructs a Recognizer from model paths. The model
// itself is not loaded until Start.
func NewSherpaRecognizer(cfg SherpaConfig) *SherpaRecognizer {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.Provider == "" {
		cfg.Provider = "cpu"
	}
	if cfg.DecodingMethod == "" {
		cfg.DecodingMethod = "greedy_search"
	}
	return &SherpaRecognizer{cfg: cfg}
}

func (r *SherpaRecognizer) buildConfig() *sherpa.OnlineRecognizerConfig {
	return &sherpa.OnlineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: Standard16kSampleRate,
			FeatureDim: 80,
		},
		ModelConfig: sherpa.OnlineModelConfig{
			Transducer: sherpa.OnlineTransducerModelConfig{
				Encoder: r.cfg.EncoderPath,
				Decoder: r.cfg.DecoderPath,
				Joiner:  r.cfg.JoinerPath,
			},
			Tokens:     r.cfg.TokensPath,
			NumThreads: r.cfg.NumThreads,
			Provider:   r.cfg.Provider,
		},
		DecodingMethod: r.cfg.DecodingMethod,
		EnableEndpoint: 1,
	}
}

func (r *SherpaRecognizer) Start(in <-chan []float32, format Format, locale string) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil, fmt.Errorf("recognizer already started")
	}
	if format.SampleRate != Standard16kSampleRate {
		return nil, fmt.Errorf("unsupported sample rate %d", format.SampleRate)
	}

	config := r.buildConfig()
	rec := sherpa.NewOnlineRecognizer(config)
	if rec == nil {
		config.ModelConfig.Provider = "cpu"
		rec = sherpa.NewOnlineRecognizer(config)
		if rec == nil {
			return nil, fmt.Errorf("failed to create sherpa-onnx online recognizer")
		}
	}

	stream := sherpa.NewOnlineStream(rec)

	r.started = true
	r.stopCh = make(chan struct{})
	r.out = make(chan Event, 64)

	go r.run(in, rec, stream)

	return r.out, nil
}

func (r *SherpaRecognizer) run(in <-chan []float32, rec *sherpa.OnlineRecognizer, stream *sherpa.OnlineStream) {
	defer close(r.out)
	defer func() {
		sherpa.DeleteOnlineStream(stream)
		sherpa.DeleteOnlineRecognizer(rec)
	}()

	// Segment timing reported to the engine is wall-clock: base is when
	// audio starts flowing, offsets accumulate from decoded sample counts.
	base := float64(time.Now().UnixNano()) / 1e9
	var segStart float64
	var elapsed float64
	var lastEmitted string

	emit := func(ev Event) {
		select {
		case r.out <- ev:
		case <-r.stopCh:
		}
	}

	for {
		select {
		case <-r.stopCh:
			return
		case samples, ok := <-in:
			if !ok {
				return
			}

			panicked := func() (p bool) {
				defer func() {
					if rcv := recover(); rcv != nil {
						p = true
						emit(Event{
							Kind:      RecognizerError,
							ErrorKind: ErrTransient,
							Message:   fmt.Sprintf("recognizer panic: %v", rcv),
							Transient: true,
						})
					}
				}()
				stream.AcceptWaveform(Standard16kSampleRate, samples)
				return false
			}()
			if panicked {
				continue
			}

			elapsed += float64(len(samples)) / float64(Standard16kSampleRate)

			for rec.IsReady(stream) {
				rec.Decode(stream)
			}

			result := rec.GetResult(stream)
			text := strings.TrimSpace(result.Text)

			if text != "" && text != lastEmitted {
				emit(Event{Kind: Partial, Text: text})
				lastEmitted = text
			}

			if rec.IsEndpoint(stream) {
				if text != "" {
					conf := 1.0
					emit(Event{
						Kind:       Final,
						Text:       text,
						StartedAt:  base + segStart,
						EndedAt:    base + elapsed,
						Confidence: &conf,
					})
				}
				rec.Reset(stream)
				segStart = elapsed
				lastEmitted = ""
			}
		}
	}
}

func (r *SherpaRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		return nil
	}
	r.stopped = true
	close(r.stopCh)
	return nil
}
