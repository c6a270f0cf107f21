package clipexport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Gate errors
var (
	ErrTrackRegistered = errors.New("track already registered")
	ErrAudioFailed     = errors.New("audio path marked failed")
)

// GateState is a diagnostic snapshot of the coordinator.
type GateState struct {
	Started       bool
	VideoTrack    int // -1 until registered
	AudioTrack    int // -1 until registered
	AudioRequired bool
	AudioFailed   bool
}

// MuxerCoordinator owns the muxer start gate. Both track processors register
// their tracks and write samples through it; all gate state is guarded by
// one lock so the muxer's Start runs exactly once, and only when the video
// track is registered and the audio track is either registered, not
// required, or marked permanently failed.
type MuxerCoordinator struct {
	muxer  Muxer
	logger *logrus.Logger

	mu            sync.Mutex
	videoTrack    int
	audioTrack    int
	audioRequired bool
	audioFailed   bool

	started atomic.Bool
}

// NewMuxerCoordinator wraps a muxer in a start gate. audioRequired declares
// whether the gate must wait for an audio track before starting.
func NewMuxerCoordinator(muxer Muxer, audioRequired bool, logger *logrus.Logger) *MuxerCoordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MuxerCoordinator{
		muxer:         muxer,
		logger:        logger,
		videoTrack:    -1,
		audioTrack:    -1,
		audioRequired: audioRequired,
	}
}

// RegisterVideoTrack adds the video track to the muxer and re-evaluates the
// gate. Returns the muxer track index.
func (c *MuxerCoordinator) RegisterVideoTrack(format TrackFormat) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoTrack >= 0 {
		return -1, fmt.Errorf("video: %w", ErrTrackRegistered)
	}
	index, err := c.muxer.AddTrack(format)
	if err != nil {
		return -1, fmt.Errorf("add video track: %w", err)
	}
	c.videoTrack = index
	c.logger.WithFields(logrus.Fields{
		"track": index,
		"codec": format.VideoCodec,
	}).Debug("Video track registered")
	if _, err := c.tryStartLocked(); err != nil {
		return index, err
	}
	return index, nil
}

// RegisterAudioTrack adds the audio track to the muxer and re-evaluates the
// gate. Returns the muxer track index. Fails if the audio path was already
// marked failed.
func (c *MuxerCoordinator) RegisterAudioTrack(format TrackFormat) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioFailed {
		return -1, ErrAudioFailed
	}
	if c.audioTrack >= 0 {
		return -1, fmt.Errorf("audio: %w", ErrTrackRegistered)
	}
	index, err := c.muxer.AddTrack(format)
	if err != nil {
		return -1, fmt.Errorf("add audio track: %w", err)
	}
	c.audioTrack = index
	c.logger.WithFields(logrus.Fields{
		"track": index,
		"codec": format.AudioCodec,
	}).Debug("Audio track registered")
	if _, err := c.tryStartLocked(); err != nil {
		return index, err
	}
	return index, nil
}

// MarkAudioFailed records a permanent audio-path failure so the gate can
// open without an audio track. A no-op once the muxer has started.
func (c *MuxerCoordinator) MarkAudioFailed(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.Load() || c.audioFailed {
		return
	}
	c.audioFailed = true
	c.logger.WithError(reason).Warn("Audio path failed, export continues video-only")
	if _, err := c.tryStartLocked(); err != nil {
		c.logger.WithError(err).Error("Muxer start failed after audio fallback")
	}
}

// TryStart re-evaluates the gate and starts the muxer if its conditions
// hold. It reports whether the muxer started during this call.
func (c *MuxerCoordinator) TryStart() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryStartLocked()
}

func (c *MuxerCoordinator) tryStartLocked() (bool, error) {
	if c.started.Load() {
		return false, nil
	}
	if c.videoTrack < 0 {
		return false, nil
	}
	if c.audioRequired && c.audioTrack < 0 && !c.audioFailed {
		return false, nil
	}
	if err := c.muxer.Start(); err != nil {
		return false, fmt.Errorf("muxer start: %w", err)
	}
	c.started.Store(true)
	c.logger.WithFields(logrus.Fields{
		"videoTrack": c.videoTrack,
		"audioTrack": c.audioTrack,
	}).Info("Muxer started")
	return true, nil
}

// Started reports whether the muxer has started. Lock-free; samples may be
// written as soon as it returns true.
func (c *MuxerCoordinator) Started() bool {
	return c.started.Load()
}

// WriteSample writes one encoded sample to the given kind's track.
func (c *MuxerCoordinator) WriteSample(kind TrackKind, sample *EncodedSample) error {
	if !c.started.Load() {
		return ErrMuxerNotStarted
	}
	c.mu.Lock()
	index := c.videoTrack
	if kind == TrackKindAudio {
		index = c.audioTrack
	}
	c.mu.Unlock()
	if index < 0 {
		return fmt.Errorf("%s: %w", kind, ErrTrackIndex)
	}
	return c.muxer.WriteSample(index, sample)
}

// State returns a diagnostic snapshot.
func (c *MuxerCoordinator) State() GateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return GateState{
		Started:       c.started.Load(),
		VideoTrack:    c.videoTrack,
		AudioTrack:    c.audioTrack,
		AudioRequired: c.audioRequired,
		AudioFailed:   c.audioFailed,
	}
}
