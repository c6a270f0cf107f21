// Core sample, buffer and track-format types used across the export engine.
package clipexport

// SampleFlags carries per-sample metadata bits as reported by the codecs.
type SampleFlags uint32

const (
	// SampleFlagKeyframe marks an independently decodable sample.
	SampleFlagKeyframe SampleFlags = 1 << iota
	// SampleFlagCodecConfig marks codec configuration data (e.g. SPS/PPS),
	// not media payload.
	SampleFlagCodecConfig
	// SampleFlagEndOfStream marks the final, usually empty, sample of a
	// stream.
	SampleFlagEndOfStream
)

// IsKeyframe returns true if the keyframe bit is set.
func (f SampleFlags) IsKeyframe() bool { return f&SampleFlagKeyframe != 0 }

// IsCodecConfig returns true if the codec-config bit is set.
func (f SampleFlags) IsCodecConfig() bool { return f&SampleFlagCodecConfig != 0 }

// IsEndOfStream returns true if the end-of-stream bit is set.
func (f SampleFlags) IsEndOfStream() bool { return f&SampleFlagEndOfStream != 0 }

// MediaSample is one compressed sample read from a clip source.
// PTS is in microseconds, relative to the source's own stream start.
// The Data slice may point at a source-owned read buffer; callers that keep
// a sample beyond the next source read must Clone it.
type MediaSample struct {
	Data  []byte
	PTS   int64 // microseconds
	Flags SampleFlags
}

// Clone creates a deep copy of the sample.
func (s *MediaSample) Clone() *MediaSample {
	clone := &MediaSample{
		PTS:   s.PTS,
		Flags: s.Flags,
	}
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	return clone
}

// EncodedSample is one encoder output sample destined for the muxer.
// PTS is in microseconds on the export's global timeline. The Data slice is
// always an owned copy: hardware output buffers are recycled immediately
// after drain, so samples are copied out before they are queued anywhere.
type EncodedSample struct {
	Data  []byte
	PTS   int64 // microseconds
	Flags SampleFlags
}

// IsKeyframe returns true if this is a keyframe.
func (s *EncodedSample) IsKeyframe() bool { return s.Flags.IsKeyframe() }

// Clone creates a deep copy of the encoded sample.
func (s *EncodedSample) Clone() *EncodedSample {
	clone := &EncodedSample{
		PTS:   s.PTS,
		Flags: s.Flags,
	}
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	return clone
}

// PCMBuffer holds decoded audio as interleaved signed 16-bit samples.
type PCMBuffer struct {
	Data       []int16 // interleaved
	SampleRate int
	Channels   int
	PTS        int64 // microseconds
}

// Frames returns the number of sample frames (samples per channel).
func (b *PCMBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

// Duration returns the buffer duration in microseconds.
func (b *PCMBuffer) Duration() int64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return int64(b.Frames()) * 1e6 / int64(b.SampleRate)
}

// Clone creates a deep copy of the buffer.
func (b *PCMBuffer) Clone() *PCMBuffer {
	clone := &PCMBuffer{
		SampleRate: b.SampleRate,
		Channels:   b.Channels,
		PTS:        b.PTS,
	}
	if b.Data != nil {
		clone.Data = make([]int16, len(b.Data))
		copy(clone.Data, b.Data)
	}
	return clone
}

// TrackFormat describes one elementary stream, either as declared by a clip
// source or as reported by an encoder once its output format is known. A
// muxer track cannot be registered before the encoder has produced this.
type TrackFormat struct {
	Kind TrackKind

	// Video fields.
	VideoCodec VideoCodec
	Width      int
	Height     int
	FrameRate  float64

	// Audio fields.
	AudioCodec AudioCodec
	SampleRate int
	Channels   int

	// CodecData holds out-of-band configuration blobs in codec order
	// (e.g. SPS then PPS for H.264, the identification header for Opus).
	CodecData [][]byte
}

// Clone creates a deep copy of the track format.
func (f *TrackFormat) Clone() *TrackFormat {
	clone := *f
	if f.CodecData != nil {
		clone.CodecData = make([][]byte, len(f.CodecData))
		for i, blob := range f.CodecData {
			if blob != nil {
				clone.CodecData[i] = make([]byte, len(blob))
				copy(clone.CodecData[i], blob)
			}
		}
	}
	return &clone
}
