//go:build cgo

// Software Opus audio encoder over libopus (gopkg.in/hraban/opus.v2). The
// fallback audio path when the platform engine has no usable audio codec.
package clipexport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	opus "gopkg.in/hraban/opus.v2"
)

const (
	// opusFrameMillis is the packet duration fed to libopus. 20ms is the
	// codec's sweet spot and what the streaming stack uses.
	opusFrameMillis = 20

	// opusPreSkip is the standard libopus encoder delay in 48kHz samples,
	// declared in the OpusHead so decoders trim it.
	opusPreSkip = 312

	opusMaxPacket = 4000
)

// OpusEncoder implements AudioEncoder with libopus. Input PCM must already
// be at the configured sample rate and channel count (libopus accepts 8,
// 12, 16, 24 and 48 kHz); the track processor's resampler guarantees that.
type OpusEncoder struct {
	config       AudioEncoderConfig
	enc          *opus.Encoder
	frameSamples int // per channel

	mu           sync.Mutex
	pending      []int16 // buffered interleaved input, less than one frame
	queue        []*EncodedSample
	nextPTS      int64
	ptsValid     bool
	formatSent   bool
	eosSignaled  bool
	eosDelivered bool
	closed       bool

	statsMu sync.Mutex
	stats   AudioEncoderStats
}

// NewOpusEncoder creates a software Opus encoder.
func NewOpusEncoder(config AudioEncoderConfig) (*OpusEncoder, error) {
	if config.Channels != 1 && config.Channels != 2 {
		return nil, fmt.Errorf("opus encoder supports 1 or 2 channels, got %d", config.Channels)
	}
	enc, err := opus.NewEncoder(config.SampleRate, config.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if config.BitrateBps > 0 {
		if err := enc.SetBitrate(config.BitrateBps); err != nil {
			return nil, fmt.Errorf("set opus bitrate: %w", err)
		}
	}
	return &OpusEncoder{
		config:       config,
		enc:          enc,
		frameSamples: config.SampleRate * opusFrameMillis / 1000,
	}, nil
}

// Feed implements AudioEncoder. Input is buffered and encoded in whole
// 20ms packets; a trailing partial packet is held until more PCM arrives
// or end of stream pads it with silence.
func (e *OpusEncoder) Feed(ctx context.Context, pcm *PCMBuffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return fmt.Errorf("opus encoder: %w", io.ErrClosedPipe)
	case e.eosSignaled:
		return ErrStreamEnded
	}
	if pcm.SampleRate != e.config.SampleRate || pcm.Channels != e.config.Channels {
		return fmt.Errorf("opus encoder fed %d Hz %d ch, configured for %d Hz %d ch",
			pcm.SampleRate, pcm.Channels, e.config.SampleRate, e.config.Channels)
	}
	if !e.ptsValid {
		e.nextPTS = pcm.PTS
		e.ptsValid = true
	}
	e.pending = append(e.pending, pcm.Data...)
	return e.encodePendingLocked(false)
}

// encodePendingLocked drains whole frames out of the pending buffer. With
// pad set, a final partial frame is zero-padded and encoded too.
func (e *OpusEncoder) encodePendingLocked(pad bool) error {
	frameLen := e.frameSamples * e.config.Channels
	for len(e.pending) >= frameLen {
		if err := e.encodeFrameLocked(e.pending[:frameLen]); err != nil {
			return err
		}
		e.pending = e.pending[frameLen:]
	}
	if pad && len(e.pending) > 0 {
		frame := make([]int16, frameLen)
		copy(frame, e.pending)
		e.pending = nil
		return e.encodeFrameLocked(frame)
	}
	return nil
}

func (e *OpusEncoder) encodeFrameLocked(frame []int16) error {
	buf := make([]byte, opusMaxPacket)
	n, err := e.enc.Encode(frame, buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	e.queue = append(e.queue, &EncodedSample{
		Data:  buf[:n],
		PTS:   e.nextPTS,
		Flags: SampleFlagKeyframe, // every opus packet is independently decodable
	})
	e.nextPTS += int64(opusFrameMillis) * 1000

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(n)
	e.stats.SamplesEncoded += uint64(len(frame))
	e.statsMu.Unlock()
	return nil
}

// SignalEndOfStream implements AudioEncoder. Any buffered partial frame is
// padded with silence and encoded.
func (e *OpusEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("opus encoder: %w", io.ErrClosedPipe)
	}
	if e.eosSignaled {
		return nil
	}
	if err := e.encodePendingLocked(true); err != nil {
		return err
	}
	e.eosSignaled = true
	return nil
}

// Drain implements AudioEncoder. The first call reports the output format
// with the OpusHead identification header as codec data.
func (e *OpusEncoder) Drain() (*EncoderOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("opus encoder: %w", io.ErrClosedPipe)
	}
	if !e.formatSent {
		e.formatSent = true
		return &EncoderOutput{Format: &TrackFormat{
			Kind:       TrackKindAudio,
			AudioCodec: AudioCodecOpus,
			SampleRate: e.config.SampleRate,
			Channels:   e.config.Channels,
			CodecData:  [][]byte{opusIdentificationHeader(e.config.Channels, e.config.SampleRate)},
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
func (e *OpusEncoder) Provider() Provider { return ProviderOpus }

// Config implements AudioEncoder.
func (e *OpusEncoder) Config() AudioEncoderConfig { return e.config }

// Codec implements AudioEncoder.
func (e *OpusEncoder) Codec() AudioCodec { return AudioCodecOpus }

// Stats implements AudioEncoder.
func (e *OpusEncoder) Stats() AudioEncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close implements AudioEncoder.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
	e.pending = nil
	return nil
}

// opusIdentificationHeader builds the OpusHead structure (RFC 7845 §5.1)
// used as Matroska CodecPrivate.
func opusIdentificationHeader(channels, inputRate int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:], opusPreSkip)
	binary.LittleEndian.PutUint32(head[12:], uint32(inputRate))
	// Output gain 0, channel mapping family 0.
	return head
}

func init() {
	registerAudioEncoder(AudioCodecOpus, ProviderOpus, func(config AudioEncoderConfig) (AudioEncoder, error) {
		return NewOpusEncoder(config)
	})
	setProviderAvailable(ProviderOpus)
}
