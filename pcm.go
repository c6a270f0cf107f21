// Raw S16LE passthrough codec. The decoder reinterprets sample bytes as
// interleaved PCM frames; the encoder serializes them back. Pure Go and
// always available, which makes it the fallback audio path when neither the
// platform engine nor libopus is present.
package clipexport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// pcmQueueCap bounds the passthrough codec's internal output queue; Feed
// waits for space up to the configured timeout.
const pcmQueueCap = 32

// pcmPollInterval is the wait between queue-space checks.
const pcmPollInterval = 10 * time.Millisecond

// PCMDecoder implements AudioDecoder for raw S16LE streams.
type PCMDecoder struct {
	config AudioDecoderConfig

	mu           sync.Mutex
	queue        []*DecodedAudio
	eosSignaled  bool
	eosDelivered bool
	closed       bool

	stats   DecoderStats
	statsMu sync.Mutex
}

// NewPCMDecoder creates a passthrough decoder for raw S16LE input.
func NewPCMDecoder(config AudioDecoderConfig) (*PCMDecoder, error) {
	if config.SampleRate <= 0 || config.Channels <= 0 {
		return nil, fmt.Errorf("pcm decoder requires declared sample rate and channels, got %d Hz %d ch",
			config.SampleRate, config.Channels)
	}
	return &PCMDecoder{config: config}, nil
}

// Feed implements AudioDecoder.
func (d *PCMDecoder) Feed(ctx context.Context, sample *MediaSample) error {
	if len(sample.Data)%2 != 0 {
		d.statsMu.Lock()
		d.stats.CorruptedSamples++
		d.statsMu.Unlock()
		return fmt.Errorf("pcm sample has odd byte count %d", len(sample.Data))
	}
	pcm := &PCMBuffer{
		Data:       pcmBytesToSamples(sample.Data),
		SampleRate: d.config.SampleRate,
		Channels:   d.config.Channels,
		PTS:        sample.PTS,
	}

	deadline := time.Now().Add(feedTimeoutOr(d.config.FeedTimeout))
	for {
		d.mu.Lock()
		switch {
		case d.closed:
			d.mu.Unlock()
			return fmt.Errorf("pcm decoder: %w", io.ErrClosedPipe)
		case d.eosSignaled:
			d.mu.Unlock()
			return ErrStreamEnded
		case len(d.queue) < pcmQueueCap:
			d.queue = append(d.queue, &DecodedAudio{PCM: pcm})
			d.mu.Unlock()
			d.statsMu.Lock()
			d.stats.SamplesFed++
			d.stats.BytesFed += uint64(len(sample.Data))
			d.statsMu.Unlock()
			return nil
		}
		d.mu.Unlock()

		if time.Now().After(deadline) {
			return fmt.Errorf("pcm decoder feed: %w", ErrCodecStalled)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pcmPollInterval):
		}
	}
}

// SignalEndOfStream implements AudioDecoder.
func (d *PCMDecoder) SignalEndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("pcm decoder: %w", io.ErrClosedPipe)
	}
	d.eosSignaled = true
	return nil
}

// Drain implements AudioDecoder.
func (d *PCMDecoder) Drain() (*DecodedAudio, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("pcm decoder: %w", io.ErrClosedPipe)
	}
	if len(d.queue) > 0 {
		out := d.queue[0]
		d.queue = d.queue[1:]
		d.statsMu.Lock()
		d.stats.UnitsDecoded++
		d.statsMu.Unlock()
		return out, nil
	}
	if d.eosSignaled && !d.eosDelivered {
		d.eosDelivered = true
		return &DecodedAudio{EndOfStream: true}, nil
	}
	return nil, nil
}

// Provider implements AudioDecoder.
func (d *PCMDecoder) Provider() Provider { return ProviderPCM }

// Config implements AudioDecoder.
func (d *PCMDecoder) Config() AudioDecoderConfig { return d.config }

// Codec implements AudioDecoder.
func (d *PCMDecoder) Codec() AudioCodec { return AudioCodecPCM }

// Stats implements AudioDecoder.
func (d *PCMDecoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Close implements AudioDecoder.
func (d *PCMDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
	return nil
}

// PCMEncoder implements AudioEncoder by serializing PCM buffers unchanged.
type PCMEncoder struct {
	config AudioEncoderConfig

	mu           sync.Mutex
	queue        []*EncodedSample
	formatSent   bool
	eosSignaled  bool
	eosDelivered bool
	closed       bool

	stats   AudioEncoderStats
	statsMu sync.Mutex
}

// NewPCMEncoder creates a passthrough encoder emitting raw S16LE samples.
func NewPCMEncoder(config AudioEncoderConfig) (*PCMEncoder, error) {
	if config.SampleRate <= 0 || config.Channels <= 0 {
		return nil, fmt.Errorf("pcm encoder requires sample rate and channels, got %d Hz %d ch",
			config.SampleRate, config.Channels)
	}
	return &PCMEncoder{config: config}, nil
}

// Feed implements AudioEncoder.
func (e *PCMEncoder) Feed(ctx context.Context, pcm *PCMBuffer) error {
	sample := &EncodedSample{
		Data: pcmSamplesToBytes(pcm.Data),
		PTS:  pcm.PTS,
	}

	deadline := time.Now().Add(feedTimeoutOr(e.config.FeedTimeout))
	for {
		e.mu.Lock()
		switch {
		case e.closed:
			e.mu.Unlock()
			return fmt.Errorf("pcm encoder: %w", io.ErrClosedPipe)
		case e.eosSignaled:
			e.mu.Unlock()
			return ErrStreamEnded
		case len(e.queue) < pcmQueueCap:
			e.queue = append(e.queue, sample)
			e.mu.Unlock()
			e.statsMu.Lock()
			e.stats.FramesEncoded++
			e.stats.BytesEncoded += uint64(len(sample.Data))
			e.stats.SamplesEncoded += uint64(len(pcm.Data))
			e.statsMu.Unlock()
			return nil
		}
		e.mu.Unlock()

		if time.Now().After(deadline) {
			return fmt.Errorf("pcm encoder feed: %w", ErrCodecStalled)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pcmPollInterval):
		}
	}
}

// SignalEndOfStream implements AudioEncoder.
func (e *PCMEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("pcm encoder: %w", io.ErrClosedPipe)
	}
	e.eosSignaled = true
	return nil
}

// Drain implements AudioEncoder. The first call reports the output format.
func (e *PCMEncoder) Drain() (*EncoderOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("pcm encoder: %w", io.ErrClosedPipe)
	}
	if !e.formatSent {
		e.formatSent = true
		return &EncoderOutput{Format: &TrackFormat{
			Kind:       TrackKindAudio,
			AudioCodec: AudioCodecPCM,
			SampleRate: e.config.SampleRate,
			Channels:   e.config.Channels,
		}}, nil
	}
	if len(e.queue) > 0 {
		sample := e.queue[0]
		e.queue = e.queue[1:]
		return &EncoderOutput{Sample: sample}, nil
	}
	if e.eosSignaled && !e.eosDelivered {
		e.eosDelivered = true
		return &EncoderOutput{EndOfStream: true}, nil
	}
	return nil, nil
}

// Provider implements AudioEncoder.
func (e *PCMEncoder) Provider() Provider { return ProviderPCM }

// Config implements AudioEncoder.
func (e *PCMEncoder) Config() AudioEncoderConfig { return e.config }

// Codec implements AudioEncoder.
func (e *PCMEncoder) Codec() AudioCodec { return AudioCodecPCM }

// Stats implements AudioEncoder.
func (e *PCMEncoder) Stats() AudioEncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close implements AudioEncoder.
func (e *PCMEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
	return nil
}

func feedTimeoutOr(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultFeedTimeout
	}
	return timeout
}

func pcmBytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func pcmSamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

func init() {
	registerAudioDecoder(AudioCodecPCM, ProviderPCM, func(config AudioDecoderConfig) (AudioDecoder, error) {
		return NewPCMDecoder(config)
	})
	registerAudioEncoder(AudioCodecPCM, ProviderPCM, func(config AudioEncoderConfig) (AudioEncoder, error) {
		return NewPCMEncoder(config)
	})
	setProviderAvailable(ProviderPCM)
}
