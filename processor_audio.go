// Audio track processor: decodes each clip's audio, conforms it to the
// export's target sample rate and channel count, applies the clip's volume
// automation and feeds the result to the audio encoder. Errors here are
// recoverable at the orchestrator, which degrades the export to video-only.
package clipexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// audioDrainEvery paces the periodic encoder-output drain: the encoder is
// pumped after this many fed buffers, and once more at the end of each clip.
const audioDrainEvery = 8

// AudioProcessorConfig configures the audio track processor.
type AudioProcessorConfig struct {
	Opener  SourceOpener
	Encoder AudioEncoder
	Gate    *MuxerCoordinator
	Logger  *logrus.Logger

	// Provider overrides decoder selection (ProviderAuto by default).
	Provider Provider
}

// AudioProcessorStats provides per-export audio pipeline metrics.
type AudioProcessorStats struct {
	ClipsProcessed  int
	BuffersDecoded  uint64
	BuffersEncoded  uint64
	FramesResampled uint64
	SamplesWritten  uint64
	SamplesDropped  uint64
}

// AudioProcessor streams audio clips through decode, resample/automation and
// encode. Not safe for concurrent use.
type AudioProcessor struct {
	opener   SourceOpener
	encoder  AudioEncoder
	provider Provider
	logger   *logrus.Logger

	// Conform targets come from the encoder actually created, which may
	// differ from the detected format when a fallback provider was chosen.
	targetRate     int
	targetChannels int

	writer *trackWriter
	drain  *encoderDrain

	stats AudioProcessorStats
}

// NewAudioProcessor creates the audio track processor.
func NewAudioProcessor(config AudioProcessorConfig) *AudioProcessor {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writer := newTrackWriter(TrackKindAudio, config.Gate, logger)
	encoderConfig := config.Encoder.Config()
	p := &AudioProcessor{
		opener:         config.Opener,
		encoder:        config.Encoder,
		provider:       config.Provider,
		logger:         logger,
		targetRate:     encoderConfig.SampleRate,
		targetChannels: encoderConfig.Channels,
		writer:         writer,
	}
	p.drain = newEncoderDrain(TrackKindAudio, config.Encoder.Drain, writer, config.Gate, logger)
	return p
}

// ProcessClip renders one audio clip. offset is the global encode-side PTS
// offset in microseconds. It returns the clip's output duration in
// microseconds.
func (p *AudioProcessor) ProcessClip(ctx context.Context, clip AudioClip, offset int64) (int64, error) {
	source, err := p.opener.OpenSource(clip.Source, TrackKindAudio)
	if err != nil {
		return 0, fmt.Errorf("open audio source %q: %w", clip.Source, err)
	}
	defer source.Close()

	info := source.Info()
	if err := source.SeekTo(clip.TrimIn); err != nil {
		return 0, fmt.Errorf("seek audio source %q to %v: %w", clip.Source, clip.TrimIn, err)
	}

	var firstSample *MediaSample
	codec := info.AudioCodec
	if codec == AudioCodecUnknown {
		firstSample, err = source.ReadSample(ctx)
		if err != nil {
			return 0, fmt.Errorf("probe audio source %q: %w", clip.Source, err)
		}
		codec = DetectAudioCodec(firstSample.Data)
		if codec == AudioCodecUnknown {
			return 0, fmt.Errorf("audio source %q: undetectable codec", clip.Source)
		}
	}

	decoderConfig := AudioDecoderConfig{
		Codec:      codec,
		Provider:   p.provider,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		CodecData:  info.CodecData,
	}
	decoder, err := NewAudioDecoder(decoderConfig)
	if err != nil {
		return 0, fmt.Errorf("create %s decoder: %w", codec, err)
	}
	defer decoder.Close()

	envelope := NewVolumeEnvelope(clip)
	trimIn := clip.TrimIn.Microseconds()
	trimOut := clip.TrimOut.Microseconds()

	feeding := true
	if firstSample != nil {
		if err := decoder.Feed(ctx, firstSample); err != nil {
			return 0, fmt.Errorf("feed probe sample: %w", err)
		}
	}

	var fedSinceDrain int
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if feeding {
			sample, err := source.ReadSample(ctx)
			switch {
			case errors.Is(err, io.EOF):
				feeding = false
				if err := decoder.SignalEndOfStream(); err != nil {
					return 0, fmt.Errorf("decoder end of stream: %w", err)
				}
			case err != nil:
				return 0, fmt.Errorf("read audio source %q: %w", clip.Source, err)
			case sample.PTS >= trimOut:
				feeding = false
				if err := decoder.SignalEndOfStream(); err != nil {
					return 0, fmt.Errorf("decoder end of stream: %w", err)
				}
			default:
				if err := decoder.Feed(ctx, sample); err != nil {
					return 0, fmt.Errorf("feed audio decoder: %w", err)
				}
			}
		}

		done, fed, err := p.drainDecoded(ctx, decoder, envelope, trimIn, offset)
		if err != nil {
			return 0, err
		}
		fedSinceDrain += fed

		if fedSinceDrain >= audioDrainEvery || done || !feeding {
			if err := p.drain.pump(); err != nil {
				return 0, err
			}
			fedSinceDrain = 0
		}

		if done {
			break
		}
		if !feeding {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(drainPollInterval):
			}
		}
	}

	p.stats.ClipsProcessed++
	duration := clip.Duration().Microseconds()
	p.logger.WithFields(logrus.Fields{
		"source":      clip.Source,
		"duration_us": duration,
	}).Debug("Audio clip rendered")
	return duration, nil
}

// drainDecoded consumes decoded PCM, conforms and automates it, and feeds it
// to the encoder. It returns done=true on the decoder's end of stream and
// the number of buffers fed to the encoder.
func (p *AudioProcessor) drainDecoded(ctx context.Context, decoder AudioDecoder, envelope *VolumeEnvelope, trimIn, offset int64) (done bool, fed int, err error) {
	for {
		out, err := decoder.Drain()
		if err != nil {
			return false, fed, fmt.Errorf("drain audio decoder: %w", err)
		}
		if out == nil {
			return false, fed, nil
		}
		if out.EndOfStream {
			return true, fed, nil
		}
		if out.PCM == nil || len(out.PCM.Data) == 0 {
			continue
		}
		p.stats.BuffersDecoded++

		clipLocal := out.PCM.PTS - trimIn
		if clipLocal+out.PCM.Duration() <= 0 {
			// Entirely inside the pre-roll ahead of trim-in.
			continue
		}
		if clipLocal < 0 {
			clipLocal = 0
		}

		conformed := ResamplePCM(out.PCM, p.targetRate, p.targetChannels)
		if conformed == nil {
			continue
		}
		p.stats.FramesResampled += uint64(conformed.Frames())

		ApplyGain(conformed, envelope, time.Duration(clipLocal)*time.Microsecond)
		conformed.PTS = clipLocal + offset

		if err := p.encoder.Feed(ctx, conformed); err != nil {
			return false, fed, fmt.Errorf("feed audio encoder: %w", err)
		}
		p.stats.BuffersEncoded++
		fed++
	}
}

// Finish signals end of stream to the encoder once all clips are processed
// and drains it with a bounded wait.
func (p *AudioProcessor) Finish(ctx context.Context, timeout time.Duration) (drained bool, err error) {
	if err := p.encoder.SignalEndOfStream(); err != nil {
		return false, fmt.Errorf("audio encoder end of stream: %w", err)
	}
	return p.drain.finish(ctx, timeout)
}

// DiscardPending drops every sample still buffered behind the gate. Called
// by the orchestrator when the audio path is marked failed.
func (p *AudioProcessor) DiscardPending() {
	n := p.writer.pending.len()
	p.writer.pending.samples = nil
	if n > 0 {
		p.logger.WithField("samples", n).Warn("Discarded pending audio samples")
	}
}

// Stats returns pipeline metrics.
func (p *AudioProcessor) Stats() AudioProcessorStats {
	s := p.stats
	ws := p.writer.stats()
	s.SamplesWritten = ws.Written
	s.SamplesDropped = ws.Dropped
	return s
}
