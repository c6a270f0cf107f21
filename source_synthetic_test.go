package clipexport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestSyntheticSource_Defaults(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{}, TrackKindVideo)

	info := source.Info()
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("Default dimensions = %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.FrameRate != 30 {
		t.Errorf("Default frame rate = %v, want 30", info.FrameRate)
	}
	if info.VideoCodec != VideoCodecVP8 {
		t.Errorf("Video codec = %v, want VP8", info.VideoCodec)
	}
	if info.Duration != 10*time.Second {
		t.Errorf("Default duration = %v, want 10s", info.Duration)
	}
}

func TestSyntheticSource_AudioInfo(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{SampleRate: 48000, Channels: 1}, TrackKindAudio)

	info := source.Info()
	if info.Kind != TrackKindAudio {
		t.Errorf("Kind = %v, want audio", info.Kind)
	}
	if info.AudioCodec != AudioCodecPCM {
		t.Errorf("Audio codec = %v, want PCM", info.AudioCodec)
	}
	if info.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Channels = %d, want 1", info.Channels)
	}
}

func TestSyntheticSource_VideoSamples(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{
		Width:            640,
		Height:           360,
		FrameRate:        30,
		KeyframeInterval: 10,
		Duration:         time.Second,
	}, TrackKindVideo)
	defer source.Close()

	ctx := context.Background()
	var lastPTS int64 = -1
	for i := 0; i < 30; i++ {
		sample, err := source.ReadSample(ctx)
		if err != nil {
			t.Fatalf("ReadSample %d failed: %v", i, err)
		}
		if sample.PTS <= lastPTS {
			t.Errorf("Sample %d PTS %d not increasing (last %d)", i, sample.PTS, lastPTS)
		}
		lastPTS = sample.PTS

		wantKey := i%10 == 0
		if sample.Flags.IsKeyframe() != wantKey {
			t.Errorf("Sample %d keyframe = %v, want %v", i, sample.Flags.IsKeyframe(), wantKey)
		}
		if wantKey {
			if codec := DetectVideoCodec(sample.Data); codec != VideoCodecVP8 {
				t.Errorf("Keyframe %d detected as %v, want VP8", i, codec)
			}
			w, h, ok := DetectVideoDimensions(sample.Data)
			if !ok || w != 640 || h != 360 {
				t.Errorf("Keyframe %d dimensions = %dx%d (ok=%v), want 640x360", i, w, h, ok)
			}
		}
	}
}

func TestSyntheticSource_AudioSamples(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{
		SampleRate: 44100,
		Channels:   2,
		Duration:   time.Second,
	}, TrackKindAudio)
	defer source.Close()

	ctx := context.Background()
	sample, err := source.ReadSample(ctx)
	if err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	if sample.PTS != 0 {
		t.Errorf("First sample PTS = %d, want 0", sample.PTS)
	}
	wantBytes := syntheticAudioChunkFrames * 2 * 2
	if len(sample.Data) != wantBytes {
		t.Errorf("Sample size = %d, want %d", len(sample.Data), wantBytes)
	}

	// Stereo channels carry the same tone.
	if sample.Data[0] != sample.Data[2] || sample.Data[1] != sample.Data[3] {
		t.Error("Left and right channels should match")
	}

	second, err := source.ReadSample(ctx)
	if err != nil {
		t.Fatalf("Second ReadSample failed: %v", err)
	}
	wantPTS := int64(syntheticAudioChunkFrames) * 1e6 / 44100
	if second.PTS != wantPTS {
		t.Errorf("Second sample PTS = %d, want %d", second.PTS, wantPTS)
	}
}

func TestSyntheticSource_Deterministic(t *testing.T) {
	config := SyntheticSourceConfig{Duration: time.Second}
	a := NewSyntheticSource(config, TrackKindVideo)
	b := NewSyntheticSource(config, TrackKindVideo)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		sa, err := a.ReadSample(ctx)
		if err != nil {
			t.Fatalf("ReadSample failed: %v", err)
		}
		sb, err := b.ReadSample(ctx)
		if err != nil {
			t.Fatalf("ReadSample failed: %v", err)
		}
		if !bytes.Equal(sa.Data, sb.Data) || sa.PTS != sb.PTS {
			t.Errorf("Sample %d differs between identical sources", i)
		}
	}
}

func TestSyntheticSource_SeekAlignment(t *testing.T) {
	video := NewSyntheticSource(SyntheticSourceConfig{
		FrameRate:        30,
		KeyframeInterval: 30,
		Duration:         10 * time.Second,
	}, TrackKindVideo)
	defer video.Close()

	// 2.5s at 30fps is frame 75; aligned down to keyframe 60 (2s).
	if err := video.SeekTo(2500 * time.Millisecond); err != nil {
		t.Fatalf("SeekTo failed: %v", err)
	}
	sample, err := video.ReadSample(context.Background())
	if err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	if !sample.Flags.IsKeyframe() {
		t.Error("Sample after seek should be a keyframe")
	}
	if sample.PTS != 2_000_000 {
		t.Errorf("Post-seek PTS = %d, want 2000000", sample.PTS)
	}

	audio := NewSyntheticSource(SyntheticSourceConfig{
		SampleRate: 48000,
		Duration:   10 * time.Second,
	}, TrackKindAudio)
	defer audio.Close()

	if err := audio.SeekTo(time.Second); err != nil {
		t.Fatalf("SeekTo failed: %v", err)
	}
	asample, err := audio.ReadSample(context.Background())
	if err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	// 48000 frames align down to chunk 46 (47104 frames).
	wantFrame := int64(48000) / syntheticAudioChunkFrames * syntheticAudioChunkFrames
	wantPTS := wantFrame * 1e6 / 48000
	if asample.PTS != wantPTS {
		t.Errorf("Post-seek audio PTS = %d, want %d", asample.PTS, wantPTS)
	}
}

func TestSyntheticSource_EOF(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{
		FrameRate: 30,
		Duration:  100 * time.Millisecond,
	}, TrackKindVideo)
	defer source.Close()

	ctx := context.Background()
	count := 0
	for {
		_, err := source.ReadSample(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadSample failed: %v", err)
		}
		count++
		if count > 100 {
			t.Fatal("Source never returned EOF")
		}
	}
	// 100ms at 30fps is 3 frames.
	if count != 3 {
		t.Errorf("Read %d samples before EOF, want 3", count)
	}

	// EOF is sticky.
	if _, err := source.ReadSample(ctx); err != io.EOF {
		t.Errorf("Read past EOF = %v, want io.EOF", err)
	}
}

func TestSyntheticSource_ReadAfterClose(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{}, TrackKindVideo)
	if err := source.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := source.ReadSample(context.Background()); err == nil {
		t.Error("ReadSample after Close should fail")
	}
	if err := source.SeekTo(0); err == nil {
		t.Error("SeekTo after Close should fail")
	}
}

func TestSyntheticSource_ContextCancellation(t *testing.T) {
	source := NewSyntheticSource(SyntheticSourceConfig{}, TrackKindVideo)
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := source.ReadSample(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadSample with canceled context = %v, want context.Canceled", err)
	}
}

func TestSyntheticSource_Registry(t *testing.T) {
	RegisterSyntheticSource("registry-test", SyntheticSourceConfig{
		Width:    320,
		Height:   240,
		Duration: time.Second,
	})

	source, err := OpenSource("synthetic:registry-test", TrackKindVideo)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer source.Close()

	info := source.Info()
	if info.Width != 320 || info.Height != 240 {
		t.Errorf("Dimensions = %dx%d, want 320x240", info.Width, info.Height)
	}

	if _, err := OpenSource("synthetic:never-registered", TrackKindVideo); err == nil {
		t.Error("Unknown synthetic name should fail to open")
	}
	if _, err := OpenSource("bogus-scheme:x", TrackKindVideo); err == nil {
		t.Error("Unknown scheme should fail to open")
	}
}

func BenchmarkSyntheticSource_Video(b *testing.B) {
	source := NewSyntheticSource(SyntheticSourceConfig{Duration: time.Hour}, TrackKindVideo)
	defer source.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := source.ReadSample(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
