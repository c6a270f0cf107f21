// Synthetic clip source: deterministic streams for development, examples and
// tests, without touching real media files. Video samples carry structurally
// valid VP8 keyframe headers (so format detection works on them); payload
// bytes are synthetic. Audio samples carry real S16LE PCM sine tone.
package clipexport

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

// SyntheticSourceConfig configures one named synthetic source.
type SyntheticSourceConfig struct {
	Duration time.Duration // total stream length (default: 10s)

	// Video stream.
	Width            int     // default: 1280
	Height           int     // default: 720
	FrameRate        float64 // default: 30
	KeyframeInterval int     // frames between keyframes (default: 30)

	// Audio stream.
	SampleRate int     // default: 44100
	Channels   int     // default: 2
	ToneHz     float64 // sine tone frequency (default: 440)
}

// DefaultSyntheticSourceConfig returns the default synthetic source
// configuration.
func DefaultSyntheticSourceConfig() SyntheticSourceConfig {
	return SyntheticSourceConfig{
		Duration:         10 * time.Second,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		KeyframeInterval: 30,
		SampleRate:       44100,
		Channels:         2,
		ToneHz:           440,
	}
}

func (c SyntheticSourceConfig) withDefaults() SyntheticSourceConfig {
	d := DefaultSyntheticSourceConfig()
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = d.KeyframeInterval
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.ToneHz <= 0 {
		c.ToneHz = d.ToneHz
	}
	return c
}

var (
	syntheticMu      sync.RWMutex
	syntheticConfigs = make(map[string]SyntheticSourceConfig)
)

// RegisterSyntheticSource makes a named synthetic source resolvable through
// the "synthetic:<name>" handle scheme.
func RegisterSyntheticSource(name string, config SyntheticSourceConfig) {
	syntheticMu.Lock()
	defer syntheticMu.Unlock()
	syntheticConfigs[name] = config.withDefaults()
}

// syntheticAudioChunkFrames is the number of PCM frames per audio sample.
const syntheticAudioChunkFrames = 1024

// SyntheticSource implements ClipSource over generated data.
type SyntheticSource struct {
	config SyntheticSourceConfig
	kind   TrackKind

	mu     sync.Mutex
	cursor int64 // next frame (video) or next PCM frame offset (audio)
	closed bool
}

// NewSyntheticSource creates a synthetic elementary stream of the given kind.
func NewSyntheticSource(config SyntheticSourceConfig, kind TrackKind) *SyntheticSource {
	return &SyntheticSource{config: config.withDefaults(), kind: kind}
}

// Info returns the declared stream description.
func (s *SyntheticSource) Info() TrackInfo {
	if s.kind == TrackKindVideo {
		return TrackInfo{
			Kind:       TrackKindVideo,
			VideoCodec: VideoCodecVP8,
			Width:      s.config.Width,
			Height:     s.config.Height,
			FrameRate:  s.config.FrameRate,
			Duration:   s.config.Duration,
		}
	}
	return TrackInfo{
		Kind:       TrackKindAudio,
		AudioCodec: AudioCodecPCM,
		SampleRate: s.config.SampleRate,
		Channels:   s.config.Channels,
		Duration:   s.config.Duration,
	}
}

// SeekTo positions the stream at or before t. Video seeks align down to a
// keyframe, audio to a chunk boundary.
func (s *SyntheticSource) SeekTo(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("synthetic source: %w", io.ErrClosedPipe)
	}
	if t < 0 {
		t = 0
	}
	if s.kind == TrackKindVideo {
		frame := int64(t.Seconds() * s.config.FrameRate)
		frame -= frame % int64(s.config.KeyframeInterval)
		s.cursor = frame
		return nil
	}
	frame := int64(t.Seconds() * float64(s.config.SampleRate))
	frame -= frame % syntheticAudioChunkFrames
	s.cursor = frame
	return nil
}

// ReadSample returns the next generated sample, io.EOF past Duration.
func (s *SyntheticSource) ReadSample(ctx context.Context) (*MediaSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("synthetic source: %w", io.ErrClosedPipe)
	}
	if s.kind == TrackKindVideo {
		return s.nextVideoSample()
	}
	return s.nextAudioSample()
}

func (s *SyntheticSource) nextVideoSample() (*MediaSample, error) {
	frame := s.cursor
	pts := int64(float64(frame) * 1e6 / s.config.FrameRate)
	if pts >= s.config.Duration.Microseconds() {
		return nil, io.EOF
	}
	s.cursor++

	keyframe := frame%int64(s.config.KeyframeInterval) == 0
	var data []byte
	var flags SampleFlags
	if keyframe {
		data = syntheticVP8Keyframe(s.config.Width, s.config.Height, frame)
		flags = SampleFlagKeyframe
	} else {
		data = syntheticVP8Delta(frame)
	}
	return &MediaSample{Data: data, PTS: pts, Flags: flags}, nil
}

func (s *SyntheticSource) nextAudioSample() (*MediaSample, error) {
	frame := s.cursor
	pts := frame * 1e6 / int64(s.config.SampleRate)
	if pts >= s.config.Duration.Microseconds() {
		return nil, io.EOF
	}
	s.cursor += syntheticAudioChunkFrames

	pcm := make([]byte, syntheticAudioChunkFrames*s.config.Channels*2)
	for i := 0; i < syntheticAudioChunkFrames; i++ {
		t := float64(frame+int64(i)) / float64(s.config.SampleRate)
		v := int16(9000 * math.Sin(2*math.Pi*s.config.ToneHz*t))
		for ch := 0; ch < s.config.Channels; ch++ {
			off := (i*s.config.Channels + ch) * 2
			pcm[off] = byte(v)
			pcm[off+1] = byte(v >> 8)
		}
	}
	return &MediaSample{Data: pcm, PTS: pts}, nil
}

// Close marks the stream closed; further reads fail.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// syntheticVP8Keyframe builds a sample whose first bytes form a valid VP8
// keyframe header for the given dimensions, followed by deterministic
// payload derived from the frame index.
func syntheticVP8Keyframe(width, height int, frame int64) []byte {
	data := make([]byte, 256)
	data[0] = 0x00 // keyframe, version 0
	data[3] = 0x9D
	data[4] = 0x01
	data[5] = 0x2A
	data[6] = byte(width)
	data[7] = byte(width >> 8)
	data[8] = byte(height)
	data[9] = byte(height >> 8)
	fillSyntheticPayload(data[10:], frame)
	return data
}

// syntheticVP8Delta builds an interframe-tagged sample.
func syntheticVP8Delta(frame int64) []byte {
	data := make([]byte, 64)
	data[0] = 0x01 // interframe
	fillSyntheticPayload(data[3:], frame)
	return data
}

// fillSyntheticPayload writes a deterministic xorshift byte pattern so
// two reads of the same frame produce identical samples.
func fillSyntheticPayload(dst []byte, seed int64) {
	state := uint64(seed)*2654435761 + 1
	for i := range dst {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		dst[i] = byte(state)
	}
}

// syntheticOpener resolves "synthetic:<name>" handles against the named
// config table.
type syntheticOpener struct{}

func (syntheticOpener) OpenSource(source string, kind TrackKind) (ClipSource, error) {
	_, name, ok := strings.Cut(source, ":")
	if !ok {
		return nil, fmt.Errorf("malformed synthetic source handle %q", source)
	}
	syntheticMu.RLock()
	config, found := syntheticConfigs[name]
	syntheticMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("synthetic source %q not registered", name)
	}
	return NewSyntheticSource(config, kind), nil
}

func init() {
	RegisterSourceOpener("synthetic", syntheticOpener{})
}
