// Export orchestrator: owns the muxer and its start gate, sequences clip
// processing, accumulates global timestamp offsets, and applies the
// top-level failure policy (degrade to video-only when the audio path dies;
// everything else fails the export).
package clipexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Export errors
var (
	ErrExportCancelled = errors.New("export cancelled")
	ErrNoDestination   = errors.New("export needs a destination writer or path")
)

// ExportProgress is one progress event: frames rendered so far against the
// timeline's estimated total. Percent is monotonically non-decreasing and
// a final 100% event is emitted on success.
type ExportProgress struct {
	FramesDone  int64
	FramesTotal int64
	Percent     float64
}

// ExportStats is a snapshot of the export's pipeline counters.
type ExportStats struct {
	Video VideoProcessorStats
	Audio AudioProcessorStats
	Muxer MuxerStats
}

// ExportResult reports a completed export. VideoOnly with a non-empty
// Warning means the audio path failed and the output carries no audio
// track; callers must treat that as success with a warning.
type ExportResult struct {
	Duration  time.Duration
	VideoOnly bool
	Warning   string
	Stats     ExportStats
}

// ExporterConfig configures one export run.
type ExporterConfig struct {
	// Opener resolves clip source handles. Defaults to the global scheme
	// registry.
	Opener SourceOpener

	// Format overrides auto-detection when non-nil.
	Format *ExportFormat

	// Container selects the output container. Destination receives the
	// bytes of software-muxed containers; Path names the output file for
	// muxers that write through a native handle. One of the two is
	// required.
	Container   ContainerFormat
	Destination io.WriteCloser
	Path        string

	// VideoProvider/AudioProvider pin codec providers (ProviderAuto lets
	// the registry choose).
	VideoProvider Provider
	AudioProvider Provider

	// Driver overrides the registered GPU surface driver.
	Driver SurfaceDriver

	// Progress receives progress events from the exporting goroutine.
	Progress func(ExportProgress)

	// DrainTimeout bounds each encoder's final drain (0 = default 4s).
	DrainTimeout time.Duration

	Logger *logrus.Logger
}

// Exporter renders timelines into container files. One Exporter may run
// multiple exports, one at a time; all per-export state (gate, queues,
// surfaces) is created and discarded inside Export.
type Exporter struct {
	config ExporterConfig
	logger *logrus.Logger
}

// NewExporter creates an exporter.
func NewExporter(config ExporterConfig) (*Exporter, error) {
	if config.Destination == nil && config.Path == "" {
		return nil, ErrNoDestination
	}
	if config.Opener == nil {
		config.Opener = registryOpener{}
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{config: config, logger: logger}, nil
}

// Export renders the timeline. It blocks until the export completes, fails
// or ctx is cancelled. The returned result is non-nil exactly when err is
// nil; a video-only degradation is reported through the result, not the
// error.
func (e *Exporter) Export(ctx context.Context, timeline Timeline) (*ExportResult, error) {
	if err := timeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeline: %w", err)
	}
	timeline = timeline.Normalized()

	session := uuid.NewString()[:8]
	log := e.logger.WithField("export", session)
	log.WithFields(logrus.Fields{
		"clips":    len(timeline.VideoClips),
		"duration": timeline.OutputDuration(),
	}).Info("Export starting")

	format := e.detectFormat(ctx, timeline, log)
	audioWanted := timeline.HasAudio() && format.AudioCodec != AudioCodecUnknown

	drainBound := e.config.DrainTimeout
	if drainBound <= 0 {
		drainBound = drainTimeout
	}

	// Per-export resources. The deferred block below releases them in a
	// fixed order on every exit path, including cancellation: encoders,
	// GPU surfaces, context chain, muxer (stopped only if it started),
	// then the output handle.
	var (
		muxer        Muxer
		muxerStopped bool
		gate         *MuxerCoordinator
		chain        *ContextChain
		videoEncoder VideoEncoder
		audioEncoder AudioEncoder
		encSurface   *EncoderSurface
		decSurface   *DecoderSurface
	)
	defer func() {
		releaseStep := func(label string, step func() error) {
			if err := step(); err != nil {
				log.WithError(err).WithField("resource", label).Error("Release failed")
			}
		}
		if videoEncoder != nil {
			releaseStep("video encoder", videoEncoder.Close)
		}
		if audioEncoder != nil {
			releaseStep("audio encoder", audioEncoder.Close)
		}
		if encSurface != nil {
			releaseStep("encoder surface", encSurface.Release)
		}
		if decSurface != nil {
			releaseStep("decoder surface", decSurface.Release)
		}
		if chain != nil {
			releaseStep("gpu context chain", chain.Close)
		}
		if muxer != nil {
			if gate != nil && gate.Started() && !muxerStopped {
				releaseStep("muxer stop", muxer.Stop)
			}
			releaseStep("muxer", muxer.Close)
			if e.config.Destination != nil && (gate == nil || !gate.Started()) {
				// The muxer closes the destination when it finalizes;
				// a never-started muxer leaves the handle to us.
				releaseStep("destination", e.config.Destination.Close)
			}
		}
	}()

	muxer, err := NewMuxer(MuxerConfig{
		Format:      e.config.Container,
		Destination: e.config.Destination,
		Path:        e.config.Path,
		WritingApp:  "clipexport/" + session,
	})
	if err != nil {
		return nil, fmt.Errorf("create muxer: %w", err)
	}
	gate = NewMuxerCoordinator(muxer, audioWanted, e.logger)

	chain, err = NewContextChain(ContextChainConfig{Driver: e.config.Driver, Logger: e.logger})
	if err != nil {
		return nil, fmt.Errorf("create gpu context chain: %w", err)
	}

	videoEncoderConfig := DefaultVideoEncoderConfig(format.VideoCodec, format.Width, format.Height)
	videoEncoderConfig.Provider = e.config.VideoProvider
	videoEncoderConfig.FrameRate = format.FrameRate
	videoEncoderConfig.BitrateBps = format.VideoBitrate
	videoEncoder, err = NewVideoEncoder(videoEncoderConfig)
	if err != nil {
		return nil, fmt.Errorf("create video encoder: %w", err)
	}

	encSurface, err = chain.NewEncoderSurface(videoEncoder.InputWindow(), format.Width, format.Height)
	if err != nil {
		return nil, fmt.Errorf("create encoder surface: %w", err)
	}

	decSurface, err = chain.NewDecoderSurface()
	if err != nil {
		return nil, fmt.Errorf("create decoder surface: %w", err)
	}

	// The audio encoder is best-effort: a creation failure marks the audio
	// path failed so the gate can open video-only.
	var warning string
	if audioWanted {
		audioEncoder, err = newAudioEncoderFor(format, e.config.AudioProvider)
		if err != nil {
			gate.MarkAudioFailed(err)
			warning = fmt.Sprintf("audio encoder unavailable: %v", err)
			audioEncoder = nil
		}
	}

	framesTotal := timeline.EstimateFrameCount(format.FrameRate)
	var framesDone atomic.Int64
	emitProgress := func() {
		if e.config.Progress == nil {
			return
		}
		done := framesDone.Load()
		percent := float64(100)
		if framesTotal > 0 {
			percent = float64(done) / float64(framesTotal) * 100
			if percent > 100 {
				percent = 100
			}
		}
		e.config.Progress(ExportProgress{FramesDone: done, FramesTotal: framesTotal, Percent: percent})
	}

	video := NewVideoProcessor(VideoProcessorConfig{
		Opener:         e.config.Opener,
		Encoder:        videoEncoder,
		DecoderSurface: decSurface,
		EncoderSurface: encSurface,
		Gate:           gate,
		Logger:         e.logger,
		Provider:       e.config.VideoProvider,
		OnFrame: func() {
			framesDone.Add(1)
			emitProgress()
		},
	})

	var audio *AudioProcessor
	if audioEncoder != nil {
		audio = NewAudioProcessor(AudioProcessorConfig{
			Opener:   e.config.Opener,
			Encoder:  audioEncoder,
			Gate:     gate,
			Logger:   e.logger,
			Provider: e.config.AudioProvider,
		})
	}

	failAudio := func(reason error) {
		gate.MarkAudioFailed(reason)
		if audio != nil {
			audio.DiscardPending()
		}
		if warning == "" {
			warning = fmt.Sprintf("audio path failed: %v", reason)
		}
		audio = nil
	}

	// Clip iteration in timeline order. Audio runs ahead of video for each
	// clip so its global offset is settled before the video path starts.
	var videoOffset, audioOffset int64
	for i, clip := range timeline.VideoClips {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExportCancelled, err)
		}

		if audio != nil {
			if audioClip, ok := timeline.audioClipFor(i); ok {
				dur, err := audio.ProcessClip(ctx, audioClip, audioOffset)
				switch {
				case err != nil && ctx.Err() != nil:
					return nil, fmt.Errorf("%w: %v", ErrExportCancelled, ctx.Err())
				case err != nil:
					log.WithError(err).WithField("clip", i).Warn("Audio clip failed")
					failAudio(err)
				default:
					audioOffset += dur
				}
			}
		}

		dur, err := video.ProcessClip(ctx, clip, videoOffset)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrExportCancelled, ctx.Err())
			}
			return nil, fmt.Errorf("video clip %d: %w", i, err)
		}
		videoOffset += dur
	}

	// Audio finalizes first so the gate's audio condition is settled before
	// the video track's final drain.
	if audio != nil {
		drained, err := audio.Finish(ctx, drainBound)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrExportCancelled, ctx.Err())
		case err != nil:
			log.WithError(err).Warn("Audio finalization failed")
			failAudio(err)
		case !drained:
			log.Warn("Audio drain timed out, track force-completed")
		}
	}

	drained, err := video.Finish(ctx, drainBound)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrExportCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("finalize video track: %w", err)
	}
	if !drained {
		log.Warn("Video drain timed out, track force-completed")
	}
	if err := video.Flush(); err != nil {
		return nil, fmt.Errorf("flush video samples: %w", err)
	}

	if gate.Started() {
		// Finalization flushes the container, so it runs before the stats
		// snapshot below.
		if err := muxer.Stop(); err != nil {
			return nil, fmt.Errorf("finalize container: %w", err)
		}
		muxerStopped = true
	} else {
		// The container will look empty; release still runs in full.
		state := gate.State()
		log.WithFields(logrus.Fields{
			"videoTrack":  state.VideoTrack,
			"audioTrack":  state.AudioTrack,
			"audioFailed": state.AudioFailed,
		}).Error("Muxer never started, output will be empty")
	}

	framesDone.Store(framesTotal)
	emitProgress()

	result := &ExportResult{
		Duration:  timeline.OutputDuration(),
		VideoOnly: audioWanted && gate.State().AudioFailed,
		Warning:   warning,
		Stats: ExportStats{
			Video: video.Stats(),
			Muxer: muxer.Stats(),
		},
	}
	if audio != nil {
		result.Stats.Audio = audio.Stats()
	}
	log.WithFields(logrus.Fields{
		"frames":    result.Stats.Video.FramesRendered,
		"videoOnly": result.VideoOnly,
	}).Info("Export complete")
	return result, nil
}

// detectFormat resolves the export format: the configured override wins,
// otherwise the timeline's sources are probed with defaults as fallback.
func (e *Exporter) detectFormat(ctx context.Context, timeline Timeline, log *logrus.Entry) ExportFormat {
	if e.config.Format != nil {
		return e.config.Format.withDefaults()
	}
	format := DetectExportFormat(ctx, e.config.Opener, timeline, e.logger)
	log.WithFields(logrus.Fields{
		"width":  format.Width,
		"height": format.Height,
		"fps":    format.FrameRate,
		"video":  format.VideoCodec,
		"audio":  format.AudioCodec,
	}).Debug("Export format resolved")
	return format
}

// newAudioEncoderFor creates the audio encoder for the detected format,
// falling back through the provider chain: the format's own codec first,
// then software Opus at 48 kHz, then raw PCM passthrough.
func newAudioEncoderFor(format ExportFormat, provider Provider) (AudioEncoder, error) {
	config := DefaultAudioEncoderConfig(format.AudioCodec)
	config.Provider = provider
	config.SampleRate = format.SampleRate
	config.Channels = format.Channels
	config.BitrateBps = format.AudioBitrate

	encoder, err := NewAudioEncoder(config)
	if err == nil {
		return encoder, nil
	}
	if provider != ProviderAuto {
		return nil, err
	}
	firstErr := err

	// Opus encodes only at its native rates; the processor resamples to
	// whatever the encoder reports.
	opusConfig := config
	opusConfig.Codec = AudioCodecOpus
	opusConfig.SampleRate = 48000
	if encoder, err = NewAudioEncoder(opusConfig); err == nil {
		return encoder, nil
	}

	pcmConfig := config
	pcmConfig.Codec = AudioCodecPCM
	if encoder, err = NewAudioEncoder(pcmConfig); err == nil {
		return encoder, nil
	}
	return nil, firstErr
}
