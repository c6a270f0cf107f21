// Video track processor: drives one clip at a time through hardware decode,
// GPU blit and hardware encode, routing encoder output through the muxer
// gate. One instance serves a whole export; the orchestrator owns clip order
// and global offset accumulation.
package clipexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClipAborted wraps the hard failures (frame wait, fence wait, codec
// stall) that stop a clip's processing.
var ErrClipAborted = errors.New("clip processing aborted")

// VideoProcessorConfig configures the video track processor.
type VideoProcessorConfig struct {
	Opener  SourceOpener
	Encoder VideoEncoder

	// DecoderSurface receives decoded frames; EncoderSurface feeds the
	// encoder. Both live on the orchestrator's shared context chain.
	DecoderSurface *DecoderSurface
	EncoderSurface *EncoderSurface

	Gate   *MuxerCoordinator
	Logger *logrus.Logger

	// Provider overrides decoder selection (ProviderAuto by default).
	Provider Provider

	// FrameWaitTimeout bounds the wait for each decoded frame (0 = default).
	FrameWaitTimeout time.Duration

	// OnFrame is invoked after every rendered frame, for progress reporting.
	OnFrame func()
}

// VideoProcessorStats provides per-export video pipeline metrics.
type VideoProcessorStats struct {
	ClipsProcessed int
	FramesDecoded  uint64
	FramesRendered uint64
	SamplesWritten uint64
	SamplesDropped uint64
}

// VideoProcessor streams video clips through decode, GPU composite and
// encode. Not safe for concurrent use; the orchestrator calls it from the
// single coordinating goroutine.
type VideoProcessor struct {
	opener     SourceOpener
	encoder    VideoEncoder
	decSurface *DecoderSurface
	encSurface *EncoderSurface
	provider   Provider
	frameWait  time.Duration
	onFrame    func()
	logger     *logrus.Logger

	writer *trackWriter
	drain  *encoderDrain

	stats VideoProcessorStats
}

// NewVideoProcessor creates the video track processor.
func NewVideoProcessor(config VideoProcessorConfig) *VideoProcessor {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writer := newTrackWriter(TrackKindVideo, config.Gate, logger)
	p := &VideoProcessor{
		opener:     config.Opener,
		encoder:    config.Encoder,
		decSurface: config.DecoderSurface,
		encSurface: config.EncoderSurface,
		provider:   config.Provider,
		frameWait:  config.FrameWaitTimeout,
		onFrame:    config.OnFrame,
		logger:     logger,
		writer:     writer,
	}
	p.drain = newEncoderDrain(TrackKindVideo, config.Encoder.Drain, writer, config.Gate, logger)
	return p
}

// ProcessClip renders one clip. offset is the global encode-side PTS offset
// in microseconds accumulated from all previously processed clips. It
// returns the clip's output duration in microseconds.
func (p *VideoProcessor) ProcessClip(ctx context.Context, clip VideoClip, offset int64) (int64, error) {
	speed := clip.Speed
	if speed <= 0 {
		speed = 1
	}
	clipLog := p.logger.WithFields(logrus.Fields{
		"source": clip.Source,
		"trimIn": clip.TrimIn,
		"speed":  speed,
	})

	source, err := p.opener.OpenSource(clip.Source, TrackKindVideo)
	if err != nil {
		return 0, fmt.Errorf("open video source %q: %w", clip.Source, err)
	}
	defer source.Close()

	info := source.Info()
	if info.Width > 0 && info.Height > 0 {
		p.encSurface.SetSourceSize(info.Width, info.Height)
	}

	if err := source.SeekTo(clip.TrimIn); err != nil {
		return 0, fmt.Errorf("seek video source %q to %v: %w", clip.Source, clip.TrimIn, err)
	}

	// A source that does not declare its codec gets probed from the first
	// sample, which is then fed ahead of the regular read loop.
	var firstSample *MediaSample
	codec := info.VideoCodec
	if codec == VideoCodecUnknown {
		firstSample, err = source.ReadSample(ctx)
		if err != nil {
			return 0, fmt.Errorf("probe video source %q: %w", clip.Source, err)
		}
		codec = DetectVideoCodec(firstSample.Data)
		if codec == VideoCodecUnknown {
			return 0, fmt.Errorf("video source %q: undetectable codec", clip.Source)
		}
	}

	decoderConfig := VideoDecoderConfig{
		Codec:     codec,
		Provider:  p.provider,
		Width:     info.Width,
		Height:    info.Height,
		CodecData: info.CodecData,
		Output:    p.decSurface,
	}
	decoder, err := NewVideoDecoder(decoderConfig)
	if err != nil {
		return 0, fmt.Errorf("create %s decoder: %w", codec, err)
	}
	defer decoder.Close()

	trimIn := clip.TrimIn.Microseconds()
	trimOut := clip.TrimOut.Microseconds()

	feeding := true
	if firstSample != nil {
		if err := decoder.Feed(ctx, firstSample); err != nil {
			return 0, fmt.Errorf("feed probe sample: %w", err)
		}
	}

	// Clip loop: alternate between feeding compressed input and draining
	// decoded output, pumping the encoder's output side each pass so
	// back-pressure never stalls the GPU pipeline.
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
				return 0, fmt.Errorf("read video source %q: %w", clip.Source, err)
			case sample.PTS >= trimOut:
				feeding = false
				if err := decoder.SignalEndOfStream(); err != nil {
					return 0, fmt.Errorf("decoder end of stream: %w", err)
				}
			default:
				// Decode-side PTS goes in unmodified so the decoder's
				// internal reordering stays correct.
				if err := decoder.Feed(ctx, sample); err != nil {
					return 0, fmt.Errorf("feed video decoder: %w", err)
				}
			}
		}

		done, err := p.drainDecoded(ctx, decoder, trimIn, speed, offset, clipLog)
		if err != nil {
			return 0, err
		}

		if err := p.drain.pump(); err != nil {
			return 0, err
		}

		if done {
			break
		}
		if !feeding {
			// Input exhausted; pace the remaining output drain.
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(drainPollInterval):
			}
		}
	}

	p.stats.ClipsProcessed++
	duration := clip.Duration().Microseconds()
	clipLog.WithField("duration_us", duration).Debug("Video clip rendered")
	return duration, nil
}

// drainDecoded consumes every decoded frame the decoder has ready, rendering
// the ones inside the trim window. Returns done=true once the decoder's end
// of stream comes out.
func (p *VideoProcessor) drainDecoded(ctx context.Context, decoder VideoDecoder, trimIn int64, speed float64, offset int64, clipLog *logrus.Entry) (bool, error) {
	for {
		frame, err := decoder.Drain()
		if err != nil {
			return false, fmt.Errorf("drain video decoder: %w", err)
		}
		if frame == nil {
			return false, nil
		}
		if frame.EndOfStream {
			return true, nil
		}

		// The decoded pixels are already on the surface; the frame must be
		// latched even when it lands before trim-in, or the decoder cannot
		// recycle its buffer.
		surfaceFrame, err := p.decSurface.AwaitFrame(p.frameWait)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrClipAborted, err)
		}
		p.stats.FramesDecoded++
		if frame.PTS < trimIn {
			// Pre-roll frame decoded ahead of the trim-in point.
			clipLog.WithField("pts_us", frame.PTS).Trace("Skipping pre-roll frame")
			continue
		}

		// Encode-side PTS realizes the speed change: clip-local time is
		// compressed or expanded, then shifted by the global offset.
		adjusted := int64(float64(frame.PTS-trimIn)/speed) + offset
		if err := p.encSurface.Present(surfaceFrame, adjusted*1000); err != nil {
			return false, fmt.Errorf("%w: %v", ErrClipAborted, err)
		}
		p.stats.FramesRendered++
		if p.onFrame != nil {
			p.onFrame()
		}
	}
}

// Finish signals end of stream to the encoder once all clips are processed
// and drains it with a bounded wait. drained=false reports a forced
// completion after the drain timeout.
func (p *VideoProcessor) Finish(ctx context.Context, timeout time.Duration) (drained bool, err error) {
	if err := p.encoder.SignalEndOfStream(); err != nil {
		return false, fmt.Errorf("video encoder end of stream: %w", err)
	}
	return p.drain.finish(ctx, timeout)
}

// Flush moves any samples still pending behind the gate into the muxer.
func (p *VideoProcessor) Flush() error {
	return p.writer.flush()
}

// Stats returns pipeline metrics.
func (p *VideoProcessor) Stats() VideoProcessorStats {
	s := p.stats
	ws := p.writer.stats()
	s.SamplesWritten = ws.Written
	s.SamplesDropped = ws.Dropped
	return s
}
