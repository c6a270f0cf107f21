package clipexport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// DecodedFrame describes one video decoder output buffer. Hardware decoders
// deliver the pixels straight to the bound output surface; the frame value
// carries only the metadata the pipeline needs to schedule the render.
type DecodedFrame struct {
	PTS         int64 // presentation timestamp in microseconds
	EndOfStream bool  // final buffer of the stream
}

// DecodedAudio is one audio decoder output buffer.
type DecodedAudio struct {
	PCM         *PCMBuffer // nil on a bare end-of-stream marker
	EndOfStream bool
}

// DecoderStats provides decoding metrics.
type DecoderStats struct {
	SamplesFed       uint64 // Compressed samples accepted
	BytesFed         uint64 // Compressed bytes accepted
	UnitsDecoded     uint64 // Output buffers produced
	CorruptedSamples uint64 // Inputs the decoder rejected
}

// VideoDecoderConfig configures a video decoder.
type VideoDecoderConfig struct {
	Codec    VideoCodec // Codec type (H264, H265, VP8, VP9, AV1)
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Width     int      // Coded width hint
	Height    int      // Coded height hint
	CodecData [][]byte // Out-of-band config (SPS/PPS etc.)

	// Output receives decoded frames as an external texture. Required by
	// hardware decoders.
	Output *DecoderSurface

	FeedTimeout time.Duration // Bound on input buffer waits (0 = default)
}

// DefaultVideoDecoderConfig returns a default decoder configuration.
func DefaultVideoDecoderConfig(codec VideoCodec, width, height int) VideoDecoderConfig {
	return VideoDecoderConfig{
		Codec:       codec,
		Provider:    ProviderAuto,
		Width:       width,
		Height:      height,
		FeedTimeout: defaultFeedTimeout,
	}
}

// AudioDecoderConfig configures an audio decoder.
type AudioDecoderConfig struct {
	Codec    AudioCodec // Codec type (AAC, Opus, PCM)
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	SampleRate int      // Declared sample rate hint
	Channels   int      // Declared channel count hint
	CodecData  [][]byte // Out-of-band config (ASC etc.)

	FeedTimeout time.Duration // Bound on input buffer waits (0 = default)
}

// DefaultAudioDecoderConfig returns a default audio decoder configuration.
func DefaultAudioDecoderConfig(codec AudioCodec) AudioDecoderConfig {
	return AudioDecoderConfig{
		Codec:       codec,
		Provider:    ProviderAuto,
		SampleRate:  44100,
		Channels:    2,
		FeedTimeout: defaultFeedTimeout,
	}
}

// VideoDecoder decompresses samples onto its output surface.
//
// Feeding and draining are decoupled so the decoder's internal reordering
// stays intact: callers feed compressed samples with their original PTS and
// poll Drain for decoded buffers, which may come out in a different order
// than they went in.
type VideoDecoder interface {
	io.Closer

	// Feed submits one compressed sample, waiting up to the configured
	// timeout for an input buffer. ErrCodecStalled reports an exhausted
	// wait; ErrStreamEnded reports a feed after SignalEndOfStream.
	Feed(ctx context.Context, sample *MediaSample) error

	// SignalEndOfStream marks the input as finished. Drain keeps returning
	// buffered frames until one carries EndOfStream.
	SignalEndOfStream() error

	// Drain polls for the next decoded frame without blocking. It returns
	// nil, nil when no output is ready. Hardware implementations release
	// the frame to the output surface before returning, so the surface's
	// frame wait observes it.
	Drain() (*DecodedFrame, error)

	// Provider returns which provider created this decoder.
	Provider() Provider

	// Config returns the decoder configuration.
	Config() VideoDecoderConfig

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns decoding statistics.
	Stats() DecoderStats
}

// AudioDecoder decompresses samples into PCM buffers.
type AudioDecoder interface {
	io.Closer

	// Feed submits one compressed sample, waiting up to the configured
	// timeout for an input buffer.
	Feed(ctx context.Context, sample *MediaSample) error

	// SignalEndOfStream marks the input as finished.
	SignalEndOfStream() error

	// Drain polls for the next decoded buffer without blocking. It returns
	// nil, nil when no output is ready. The PCM buffer carries its own
	// sample rate and channel count, which may differ from the config's
	// declared hints.
	Drain() (*DecodedAudio, error)

	// Provider returns which provider created this decoder.
	Provider() Provider

	// Config returns the decoder configuration.
	Config() AudioDecoderConfig

	// Codec returns the codec type.
	Codec() AudioCodec

	// Stats returns decoding statistics.
	Stats() DecoderStats
}

// --- Registry ---

type videoDecoderFactory func(VideoDecoderConfig) (VideoDecoder, error)
type audioDecoderFactory func(AudioDecoderConfig) (AudioDecoder, error)

type decoderRegistry struct {
	mu sync.RWMutex

	videoProviders map[VideoCodec]map[Provider]videoDecoderFactory
	audioProviders map[AudioCodec]map[Provider]audioDecoderFactory

	videoDefaults map[VideoCodec]Provider
	audioDefaults map[AudioCodec]Provider
}

var globalDecoderRegistry = &decoderRegistry{
	videoProviders: make(map[VideoCodec]map[Provider]videoDecoderFactory),
	audioProviders: make(map[AudioCodec]map[Provider]audioDecoderFactory),
	videoDefaults:  make(map[VideoCodec]Provider),
	audioDefaults:  make(map[AudioCodec]Provider),
}

// registerVideoDecoder registers a video decoder factory for a codec+provider.
func registerVideoDecoder(codec VideoCodec, provider Provider, factory videoDecoderFactory) {
	globalDecoderRegistry.mu.Lock()
	defer globalDecoderRegistry.mu.Unlock()

	if globalDecoderRegistry.videoProviders[codec] == nil {
		globalDecoderRegistry.videoProviders[codec] = make(map[Provider]videoDecoderFactory)
	}
	globalDecoderRegistry.videoProviders[codec][provider] = factory

	current, exists := globalDecoderRegistry.videoDefaults[codec]
	if !exists || (provider.Hardware() && !current.Hardware()) {
		globalDecoderRegistry.videoDefaults[codec] = provider
	}
}

// registerAudioDecoder registers an audio decoder factory for a codec+provider.
func registerAudioDecoder(codec AudioCodec, provider Provider, factory audioDecoderFactory) {
	globalDecoderRegistry.mu.Lock()
	defer globalDecoderRegistry.mu.Unlock()

	if globalDecoderRegistry.audioProviders[codec] == nil {
		globalDecoderRegistry.audioProviders[codec] = make(map[Provider]audioDecoderFactory)
	}
	globalDecoderRegistry.audioProviders[codec][provider] = factory

	current, exists := globalDecoderRegistry.audioDefaults[codec]
	if !exists || (provider.Hardware() && !current.Hardware()) {
		globalDecoderRegistry.audioDefaults[codec] = provider
	}
}

// NewVideoDecoder creates a video decoder.
func NewVideoDecoder(config VideoDecoderConfig) (VideoDecoder, error) {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	providers := globalDecoderRegistry.videoProviders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalDecoderRegistry.videoDefaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// NewAudioDecoder creates an audio decoder.
func NewAudioDecoder(config AudioDecoderConfig) (AudioDecoder, error) {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	providers := globalDecoderRegistry.audioProviders[config.Codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}

	p := config.Provider
	if p == ProviderAuto {
		p = globalDecoderRegistry.audioDefaults[config.Codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoDecoderProviders returns available providers for a video codec.
func VideoDecoderProviders(codec VideoCodec) []Provider {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	providers := globalDecoderRegistry.videoProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}

// AudioDecoderProviders returns available providers for an audio codec.
func AudioDecoderProviders(codec AudioCodec) []Provider {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	providers := globalDecoderRegistry.audioProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
