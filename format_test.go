package clipexport

import (
	"context"
	"testing"
	"time"
)

func TestDefaultExportFormat(t *testing.T) {
	f := DefaultExportFormat()
	if f.Width != 1280 || f.Height != 720 {
		t.Errorf("Default dimensions = %dx%d, want 1280x720", f.Width, f.Height)
	}
	if f.FrameRate != 30 {
		t.Errorf("Default frame rate = %v, want 30", f.FrameRate)
	}
	if f.VideoCodec != VideoCodecH264 {
		t.Errorf("Default video codec = %v, want H264", f.VideoCodec)
	}
	if f.VideoBitrate != 2_500_000 {
		t.Errorf("Default video bitrate = %d, want 2500000", f.VideoBitrate)
	}
	if f.AudioCodec != AudioCodecAAC {
		t.Errorf("Default audio codec = %v, want AAC", f.AudioCodec)
	}
	if f.SampleRate != 44100 || f.Channels != 2 {
		t.Errorf("Default audio = %d Hz %d ch, want 44100 Hz 2 ch", f.SampleRate, f.Channels)
	}
}

func TestExportFormat_WithDefaults(t *testing.T) {
	partial := ExportFormat{Width: 1920, Height: 1080, SampleRate: 48000}
	f := partial.withDefaults()
	if f.Width != 1920 || f.Height != 1080 {
		t.Errorf("Probed dimensions overwritten: %dx%d", f.Width, f.Height)
	}
	if f.SampleRate != 48000 {
		t.Errorf("Probed sample rate overwritten: %d", f.SampleRate)
	}
	if f.FrameRate != 30 || f.VideoCodec != VideoCodecH264 || f.Channels != 2 {
		t.Errorf("Unset fields not defaulted: %+v", f)
	}
}

func TestExportFormat_TrackFormats(t *testing.T) {
	f := DefaultExportFormat()
	vf := f.videoFormat()
	if vf.Kind != TrackKindVideo || vf.Width != 1280 || vf.VideoCodec != VideoCodecH264 {
		t.Errorf("videoFormat = %+v", vf)
	}
	af := f.audioFormat()
	if af.Kind != TrackKindAudio || af.SampleRate != 44100 || af.Channels != 2 {
		t.Errorf("audioFormat = %+v", af)
	}
}

func TestDetectExportFormat_ProbesFirstClip(t *testing.T) {
	opener := newScriptedOpener()
	opener.add("clip:a", func(kind TrackKind) (ClipSource, error) {
		if kind == TrackKindVideo {
			return &scriptedSource{info: TrackInfo{
				Kind:       TrackKindVideo,
				VideoCodec: VideoCodecH264,
				Width:      1920,
				Height:     1080,
				FrameRate:  24,
			}}, nil
		}
		return &scriptedSource{info: TrackInfo{
			Kind:       TrackKindAudio,
			AudioCodec: AudioCodecAAC,
			SampleRate: 48000,
			Channels:   1,
		}}, nil
	})

	timeline := Timeline{VideoClips: []VideoClip{
		{Source: "clip:a", TrimOut: time.Second, HasAudio: true},
	}}
	f := DetectExportFormat(context.Background(), opener, timeline, newTestLogger())
	if f.Width != 1920 || f.Height != 1080 {
		t.Errorf("Detected dimensions = %dx%d, want 1920x1080", f.Width, f.Height)
	}
	if f.FrameRate != 24 {
		t.Errorf("Detected frame rate = %v, want 24", f.FrameRate)
	}
	if f.SampleRate != 48000 || f.Channels != 1 {
		t.Errorf("Detected audio = %d Hz %d ch, want 48000 Hz 1 ch", f.SampleRate, f.Channels)
	}
	if f.VideoCodec != VideoCodecH264 || f.AudioCodec != AudioCodecAAC {
		t.Errorf("Detected codecs = %v/%v, want H264/AAC", f.VideoCodec, f.AudioCodec)
	}
	// Bitrates are never probed.
	if f.VideoBitrate != 2_500_000 || f.AudioBitrate != 128_000 {
		t.Errorf("Bitrates = %d/%d, want defaults", f.VideoBitrate, f.AudioBitrate)
	}
}

func TestDetectExportFormat_BitstreamFallback(t *testing.T) {
	// Opener reports no dimensions; detection must inspect the first sample.
	keyframe := syntheticVP8Keyframe(854, 480, 0)
	opener := newScriptedOpener()
	opener.add("clip:raw", func(kind TrackKind) (ClipSource, error) {
		return &scriptedSource{
			info:    TrackInfo{Kind: TrackKindVideo},
			samples: []MediaSample{{Data: keyframe, Flags: SampleFlagKeyframe}},
		}, nil
	})

	timeline := Timeline{VideoClips: []VideoClip{{Source: "clip:raw", TrimOut: time.Second}}}
	f := DetectExportFormat(context.Background(), opener, timeline, newTestLogger())
	if f.Width != 854 || f.Height != 480 {
		t.Errorf("Detected dimensions = %dx%d, want 854x480", f.Width, f.Height)
	}
	if f.VideoCodec != VideoCodecVP8 {
		t.Errorf("Detected codec = %v, want VP8", f.VideoCodec)
	}
}

func TestDetectExportFormat_FallsBackToDefaults(t *testing.T) {
	timeline := Timeline{VideoClips: []VideoClip{
		{Source: "clip:gone", TrimOut: time.Second, HasAudio: true},
	}}
	f := DetectExportFormat(context.Background(), failingOpener{}, timeline, newTestLogger())
	want := DefaultExportFormat()
	if f != want {
		t.Errorf("Fallback format = %+v, want defaults %+v", f, want)
	}
}

func TestDetectExportFormat_VideoOnlyTimeline(t *testing.T) {
	timeline := Timeline{VideoClips: []VideoClip{{Source: "clip:v", TrimOut: time.Second}}}
	f := DetectExportFormat(context.Background(), failingOpener{}, timeline, newTestLogger())
	if f.AudioCodec != AudioCodecUnknown || f.Channels != 0 || f.SampleRate != 0 {
		t.Errorf("Video-only format has audio fields: %+v", f)
	}
	if f.Width != 1280 || f.VideoCodec != VideoCodecH264 {
		t.Errorf("Video fields not defaulted: %+v", f)
	}
}

func TestDetectExportFormat_SkipsUnreadableClips(t *testing.T) {
	opener := newScriptedOpener()
	opener.add("clip:b", func(kind TrackKind) (ClipSource, error) {
		return &scriptedSource{info: TrackInfo{
			Kind:      TrackKindVideo,
			Width:     640,
			Height:    360,
			FrameRate: 25,
		}}, nil
	})

	timeline := Timeline{VideoClips: []VideoClip{
		{Source: "clip:missing", TrimOut: time.Second},
		{Source: "clip:b", TrimOut: time.Second},
	}}
	f := DetectExportFormat(context.Background(), opener, timeline, newTestLogger())
	if f.Width != 640 || f.Height != 360 || f.FrameRate != 25 {
		t.Errorf("Second clip not probed: %+v", f)
	}
}
