package clipexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Common errors
var (
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
	ErrCodecStalled      = errors.New("codec buffer wait timed out")
	ErrStreamEnded       = errors.New("stream already ended")
)

// defaultFeedTimeout bounds the wait for a free codec input buffer.
const defaultFeedTimeout = 2 * time.Second

// EncoderOutput is one result of polling an encoder's output queue. A nil
// output with a nil error means nothing was ready. Format is delivered at
// most once, before any sample, when the encoder learns its real output
// format; EndOfStream is delivered once, after the last sample.
type EncoderOutput struct {
	Sample      *EncodedSample
	Format      *TrackFormat
	EndOfStream bool
}

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec // Codec type (H264, H265, VP8, VP9, AV1)
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Width      int     // Frame width
	Height     int     // Frame height
	FrameRate  float64 // Target framerate
	BitrateBps int     // Target bitrate in bits per second

	RateControlMode     RateControlMode // Rate control mode
	KeyframeIntervalSec int             // Seconds between forced keyframes

	FeedTimeout time.Duration // Bound on input buffer waits (0 = default)
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:               codec,
		Provider:            ProviderAuto,
		Width:               width,
		Height:              height,
		FrameRate:           30,
		BitrateBps:          2_500_000,
		RateControlMode:     RateControlVBR,
		KeyframeIntervalSec: 1,
		FeedTimeout:         defaultFeedTimeout,
	}
}

// VideoEncoderStats provides encoding metrics.
type VideoEncoderStats struct {
	FramesEncoded    uint64 // Total frames encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
}

// VideoEncoder compresses frames rendered onto its input surface.
//
// Input arrives through the GPU: the pipeline renders each decoded frame
// onto the window returned by InputWindow and stamps it with a presentation
// time. Output is polled with Drain, which never blocks.
type VideoEncoder interface {
	io.Closer

	// InputWindow returns the native window handle the render surface
	// wraps. Zero means the encoder has no surface input.
	InputWindow() uintptr

	// SignalEndOfStream marks the input surface as finished.
	SignalEndOfStream() error

	// Drain polls the output queue. It returns nil, nil when no output is
	// ready. The returned sample's data is an owned copy.
	Drain() (*EncoderOutput, error)

	// Provider returns which provider created this encoder.
	Provider() Provider

	// Config returns the encoder configuration.
	Config() VideoEncoderConfig

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns encoding statistics.
	Stats() VideoEncoderStats
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	Codec    AudioCodec // Codec type (AAC, Opus, PCM)
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	SampleRate int // Sample rate (e.g., 44100)
	Channels   int // Number of channels (1 or 2)
	BitrateBps int // Target bitrate in bps

	FeedTimeout time.Duration // Bound on input buffer waits (0 = default)
}

// DefaultAudioEncoderConfig returns a default audio encoder configuration.
func DefaultAudioEncoderConfig(codec AudioCodec) AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:       codec,
		Provider:    ProviderAuto,
		SampleRate:  44100,
		Channels:    2,
		BitrateBps:  128_000,
		FeedTimeout: defaultFeedTimeout,
	}
}

// AudioEncoderStats provides audio encoding metrics.
type AudioEncoderStats struct {
	FramesEncoded  uint64
	BytesEncoded   uint64
	SamplesEncoded uint64
}

// AudioEncoder compresses PCM buffers fed to it.
type AudioEncoder interface {
	io.Closer

	// Feed submits a PCM buffer, waiting up to the configured timeout for
	// input buffer space. ErrCodecStalled reports an exhausted wait.
	Feed(ctx context.Context, pcm *PCMBuffer) error

	// SignalEndOfStream marks the input as finished.
	SignalEndOfStream() error

	// Drain polls the output queue. It returns nil, nil when no output is
	// ready. The returned sample's data is an owned copy.
	Drain() (*EncoderOutput, error)

	// Provider returns which provider created this encoder.
	Provider() Provider

	// Config returns the encoder configuration.
	Config() AudioEncoderConfig

	// Codec returns the codec type.
	Codec() AudioCodec

	// Stats returns encoding statistics.
	Stats() AudioEncoderStats
}

// --- Registry ---

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)
type audioEncoderFactory func(AudioEncoderConfig) (AudioEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	videoProviders map[VideoCodec]map[Provider]videoEncoderFactory
	audioProviders map[AudioCodec]map[Provider]audioEncoderFactory

	// Default provider per codec
	videoDefaults map[VideoCodec]Provider
	audioDefaults map[AudioCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	videoProviders: make(map[VideoCodec]map[Provider]videoEncoderFactory),
	audioProviders: make(map[AudioCodec]map[Provider]audioEncoderFactory),
	videoDefaults:  make(map[VideoCodec]Provider),
	audioDefaults:  make(map[AudioCodec]Provider),
}

// registerVideoEncoder registers a video encoder factory for a codec+provider.
func registerVideoEncoder(codec VideoCodec, provider Provider, factory videoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.videoProviders[codec] == nil {
		globalEncoderRegistry.videoProviders[codec] = make(map[Provider]videoEncoderFactory)
	}
	globalEncoderRegistry.videoProviders[codec][provider] = factory

	// Set default: prefer hardware providers
	current, exists := globalEncoderRegistry.videoDefaults[codec]
	if !exists || (provider.Hardware() && !current.Hardware()) {
		globalEncoderRegistry.videoDefaults[codec] = provider
	}
}

// registerAudioEncoder registers an audio encoder factory for a codec+provider.
func registerAudioEncoder(codec AudioCodec, provider Provider, factory audioEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.audioProviders[codec] == nil {
		globalEncoderRegistry.audioProviders[codec] = make(map[Provider]audioEncoderFactory)
	}
	globalEncoderRegistry.audioProviders[codec][provider] = factory

	// Set default: prefer hardware providers
	current, exists := globalEncoderRegistry.audioDefaults[codec]
	if !exists || (provider.Hardware() && !current.Hardware()) {
		globalEncoderRegistry.audioDefaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a video codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.videoDefaults[codec] = provider
}

// SetDefaultAudioEncoderProvider sets the default provider for an audio codec.
func SetDefaultAudioEncoderProvider(codec AudioCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.audioDefaults[codec] = provider
}

// NewVideoEncoder creates a video encoder.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}

	// Resolve provider
	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.videoDefaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// NewAudioEncoder creates an audio encoder.
func NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.audioProviders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.audioDefaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoEncoderProviders returns available providers for a video codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}

// AudioEncoderProviders returns available providers for an audio codec.
func AudioEncoderProviders(codec AudioCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.audioProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
