package clipexport

import (
	"fmt"
	"sync"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
)

// WebMMuxer writes a Matroska/WebM container through ebml-go. It is the
// default software muxer and needs no native support.
type WebMMuxer struct {
	config MuxerConfig

	mu      sync.Mutex
	tracks  []TrackFormat
	writers []webm.BlockWriteCloser
	started bool
	stopped bool

	samplesWritten uint64
	bytesWritten   uint64
}

// NewWebMMuxer creates a WebM muxer writing to config.Destination.
func NewWebMMuxer(config MuxerConfig) (*WebMMuxer, error) {
	if config.Destination == nil {
		return nil, fmt.Errorf("webm muxer requires a destination writer")
	}
	return &WebMMuxer{config: config}, nil
}

// AddTrack implements Muxer.
func (m *WebMMuxer) AddTrack(format TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, ErrMuxerStarted
	}
	if err := webmCodecID(format); err != nil {
		return -1, err
	}
	m.tracks = append(m.tracks, *format.Clone())
	return len(m.tracks) - 1, nil
}

// Start implements Muxer.
func (m *WebMMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrMuxerStarted
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("webm muxer has no tracks")
	}

	entries := make([]webm.TrackEntry, len(m.tracks))
	for i, t := range m.tracks {
		entry := webm.TrackEntry{
			TrackNumber: uint64(i + 1),
			TrackUID:    uint64(i + 1),
		}
		switch t.Kind {
		case TrackKindVideo:
			entry.Name = "Video"
			entry.TrackType = 1
			entry.CodecID = t.VideoCodec.MatroskaID()
			entry.Video = &webm.Video{
				PixelWidth:  uint64(t.Width),
				PixelHeight: uint64(t.Height),
			}
			if t.FrameRate > 0 {
				entry.DefaultDuration = uint64(1e9 / t.FrameRate)
			}
		case TrackKindAudio:
			entry.Name = "Audio"
			entry.TrackType = 2
			entry.CodecID = t.AudioCodec.MatroskaID()
			entry.Audio = &webm.Audio{
				SamplingFrequency: float64(t.SampleRate),
				Channels:          uint64(t.Channels),
			}
		}
		if len(t.CodecData) > 0 {
			entry.CodecPrivate = t.CodecData[0]
		}
		entries[i] = entry
	}

	info := &webm.Info{
		TimecodeScale: 1_000_000, // 1ms ticks
		MuxingApp:     "clipexport",
		WritingApp:    m.config.WritingApp,
	}
	writers, err := webm.NewSimpleBlockWriter(m.config.Destination, entries,
		mkvcore.WithSegmentInfo(info))
	if err != nil {
		return fmt.Errorf("webm writer: %w", err)
	}
	m.writers = writers
	m.started = true
	return nil
}

// WriteSample implements Muxer.
func (m *WebMMuxer) WriteSample(trackIndex int, sample *EncodedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return ErrMuxerStopped
	}
	if trackIndex < 0 || trackIndex >= len(m.writers) {
		return fmt.Errorf("%w: %d of %d", ErrTrackIndex, trackIndex, len(m.writers))
	}

	n, err := m.writers[trackIndex].Write(sample.IsKeyframe(), sample.PTS/1000, sample.Data)
	if err != nil {
		return fmt.Errorf("webm write track %d: %w", trackIndex, err)
	}
	m.samplesWritten++
	m.bytesWritten += uint64(n)
	return nil
}

// Stop implements Muxer. Closing every track writer finalizes the segment
// and closes the destination.
func (m *WebMMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return ErrMuxerStopped
	}
	m.stopped = true

	var errs []error
	for i, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close track %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Stats implements Muxer.
func (m *WebMMuxer) Stats() MuxerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MuxerStats{
		Tracks:         len(m.tracks),
		SamplesWritten: m.samplesWritten,
		BytesWritten:   m.bytesWritten,
		Started:        m.started,
		Stopped:        m.stopped,
	}
}

// Close implements Muxer. Safe to call whether or not the muxer started.
func (m *WebMMuxer) Close() error {
	m.mu.Lock()
	startedNotStopped := m.started && !m.stopped
	m.mu.Unlock()
	if startedNotStopped {
		return m.Stop()
	}
	return nil
}

// webmCodecID validates that a track format can be expressed in Matroska.
func webmCodecID(format TrackFormat) error {
	switch format.Kind {
	case TrackKindVideo:
		if format.VideoCodec.MatroskaID() == "" {
			return fmt.Errorf("%w: no Matroska mapping for video codec %s",
				ErrCodecNotSupported, format.VideoCodec)
		}
		if format.Width <= 0 || format.Height <= 0 {
			return fmt.Errorf("video track needs dimensions, got %dx%d", format.Width, format.Height)
		}
	case TrackKindAudio:
		if format.AudioCodec.MatroskaID() == "" {
			return fmt.Errorf("%w: no Matroska mapping for audio codec %s",
				ErrCodecNotSupported, format.AudioCodec)
		}
		if format.SampleRate <= 0 || format.Channels <= 0 {
			return fmt.Errorf("audio track needs sample rate and channels, got %d Hz %d ch",
				format.SampleRate, format.Channels)
		}
	default:
		return fmt.Errorf("unknown track kind %v", format.Kind)
	}
	return nil
}

func init() {
	registerMuxer(ContainerWebM, func(config MuxerConfig) (Muxer, error) {
		return NewWebMMuxer(config)
	})
}
