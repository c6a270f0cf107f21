package clipexport

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ExportFormat describes the output container's tracks. It is derived once
// per export, either by probing the first inspectable source clip or from
// defaults, and stays immutable for the export's duration.
type ExportFormat struct {
	Width     int     // Output frame width
	Height    int     // Output frame height
	FrameRate float64 // Output frame rate

	VideoCodec   VideoCodec // Target video codec
	VideoBitrate int        // Video bitrate in bits per second

	AudioCodec   AudioCodec // Target audio codec (AudioCodecUnknown = no audio track)
	AudioBitrate int        // Audio bitrate in bits per second
	SampleRate   int        // Audio sample rate in Hz
	Channels     int        // Audio channel count
}

// DefaultExportFormat returns the format used when source probing fails.
func DefaultExportFormat() ExportFormat {
	return ExportFormat{
		Width:        1280,
		Height:       720,
		FrameRate:    30,
		VideoCodec:   VideoCodecH264,
		VideoBitrate: 2_500_000,
		AudioCodec:   AudioCodecAAC,
		AudioBitrate: 128_000,
		SampleRate:   44100,
		Channels:     2,
	}
}

// withDefaults fills any unset field from DefaultExportFormat.
func (f ExportFormat) withDefaults() ExportFormat {
	d := DefaultExportFormat()
	if f.Width <= 0 || f.Height <= 0 {
		f.Width, f.Height = d.Width, d.Height
	}
	if f.FrameRate <= 0 {
		f.FrameRate = d.FrameRate
	}
	if f.VideoCodec == VideoCodecUnknown {
		f.VideoCodec = d.VideoCodec
	}
	if f.VideoBitrate <= 0 {
		f.VideoBitrate = d.VideoBitrate
	}
	if f.AudioCodec == AudioCodecUnknown {
		f.AudioCodec = d.AudioCodec
	}
	if f.AudioBitrate <= 0 {
		f.AudioBitrate = d.AudioBitrate
	}
	if f.SampleRate <= 0 {
		f.SampleRate = d.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = d.Channels
	}
	return f
}

// videoFormat returns the format of the muxed video track.
func (f ExportFormat) videoFormat() TrackFormat {
	return TrackFormat{
		Kind:       TrackKindVideo,
		VideoCodec: f.VideoCodec,
		Width:      f.Width,
		Height:     f.Height,
		FrameRate:  f.FrameRate,
	}
}

// audioFormat returns the format of the muxed audio track.
func (f ExportFormat) audioFormat() TrackFormat {
	return TrackFormat{
		Kind:       TrackKindAudio,
		AudioCodec: f.AudioCodec,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// DetectExportFormat probes the timeline's first inspectable clip and builds
// the output format from what it finds. Fields a probe cannot determine fall
// back to DefaultExportFormat; probing never fails the export.
func DetectExportFormat(ctx context.Context, opener SourceOpener, timeline Timeline, logger *logrus.Logger) ExportFormat {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var format ExportFormat
	for i, clip := range timeline.VideoClips {
		info, ok := probeSource(ctx, opener, clip.Source, TrackKindVideo, logger)
		if !ok {
			continue
		}
		format.Width = info.Width
		format.Height = info.Height
		format.FrameRate = info.FrameRate
		format.VideoCodec = info.VideoCodec
		logger.WithFields(logrus.Fields{
			"clip":   i,
			"source": clip.Source,
			"codec":  info.VideoCodec,
			"width":  info.Width,
			"height": info.Height,
			"fps":    info.FrameRate,
		}).Debug("Detected video format from source")
		break
	}
	if format.Width <= 0 || format.Height <= 0 {
		logger.Warn("No inspectable video clip, using default export format")
	}

	if timeline.HasAudio() {
		for i := range timeline.VideoClips {
			ac, ok := timeline.audioClipFor(i)
			if !ok {
				continue
			}
			info, found := probeSource(ctx, opener, ac.Source, TrackKindAudio, logger)
			if !found {
				continue
			}
			format.SampleRate = info.SampleRate
			format.Channels = info.Channels
			format.AudioCodec = info.AudioCodec
			logger.WithFields(logrus.Fields{
				"clip":       i,
				"source":     ac.Source,
				"codec":      info.AudioCodec,
				"sampleRate": info.SampleRate,
				"channels":   info.Channels,
			}).Debug("Detected audio format from source")
			break
		}
	} else {
		// No audio anywhere in the timeline: mux video only.
		format = format.withDefaults()
		format.AudioCodec = AudioCodecUnknown
		format.AudioBitrate = 0
		format.SampleRate = 0
		format.Channels = 0
		return format
	}
	return format.withDefaults()
}

// probeSource opens a clip stream just long enough to read its TrackInfo,
// falling back to bitstream inspection of the first sample when the opener
// does not fill in codec or dimension fields.
func probeSource(ctx context.Context, opener SourceOpener, source string, kind TrackKind, logger *logrus.Logger) (TrackInfo, bool) {
	stream, err := opener.OpenSource(source, kind)
	if err != nil {
		logger.WithError(err).WithField("source", source).Debug("Source probe open failed")
		return TrackInfo{}, false
	}
	defer stream.Close()

	info := stream.Info()
	if kind == TrackKindVideo && (info.Width <= 0 || info.Height <= 0) {
		sample, err := stream.ReadSample(ctx)
		if err != nil {
			logger.WithError(err).WithField("source", source).Debug("Source probe read failed")
			return TrackInfo{}, false
		}
		if info.VideoCodec == VideoCodecUnknown {
			info.VideoCodec = DetectVideoCodec(sample.Data)
		}
		if w, h, ok := DetectVideoDimensions(sample.Data); ok {
			info.Width = w
			info.Height = h
		}
	}
	switch kind {
	case TrackKindVideo:
		return info, info.Width > 0 && info.Height > 0
	default:
		return info, info.SampleRate > 0 && info.Channels > 0
	}
}
