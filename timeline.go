// Timeline types: the immutable edit description an export renders.
package clipexport

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrNoVideoClips is returned when a timeline has no video clips to render.
var ErrNoVideoClips = errors.New("timeline has no video clips")

// maxClipDuration bounds a single clip's output duration so that extreme
// trim/speed combinations cannot overflow downstream microsecond math.
const maxClipDuration = 24 * time.Hour

// VolumeKeyframe is one point on a piecewise-linear volume automation curve.
// Time is relative to the clip's start on the output timeline.
type VolumeKeyframe struct {
	Time  time.Duration
	Value float64
}

// VideoClip is one trimmed, speed-adjusted span of a source's video stream.
type VideoClip struct {
	Source   string        // opaque handle resolved by the SourceOpener
	TrimIn   time.Duration // start offset within the source
	TrimOut  time.Duration // end offset within the source
	Position time.Duration // placement on the output timeline
	Speed    float64       // playback speed, 1.0 = unchanged
	HasAudio bool          // source carries an audio stream to export
}

// Duration returns the clip's output duration: the trimmed span divided by
// playback speed, clamped to a sane maximum.
func (c VideoClip) Duration() time.Duration {
	speed := c.Speed
	if speed <= 0 {
		speed = 1
	}
	trimmed := c.TrimOut - c.TrimIn
	if trimmed <= 0 {
		return 0
	}
	d := time.Duration(float64(trimmed) / speed)
	if d > maxClipDuration {
		d = maxClipDuration
	}
	return d
}

// TrimmedDuration returns the source-side span the clip covers, before any
// speed adjustment.
func (c VideoClip) TrimmedDuration() time.Duration {
	if c.TrimOut <= c.TrimIn {
		return 0
	}
	return c.TrimOut - c.TrimIn
}

// AudioClip is one trimmed span of a source's audio stream with its volume
// automation (clip gain, mute, fades, keyframes).
type AudioClip struct {
	Source   string
	TrimIn   time.Duration
	TrimOut  time.Duration
	Position time.Duration
	Volume   float64 // clip gain, 1.0 = unity
	Muted    bool
	FadeIn   time.Duration
	FadeOut  time.Duration
	// Keyframes are kept sorted by Time; times are clip-local.
	Keyframes []VolumeKeyframe
}

// Duration returns the clip's output duration.
func (c AudioClip) Duration() time.Duration {
	if c.TrimOut <= c.TrimIn {
		return 0
	}
	d := c.TrimOut - c.TrimIn
	if d > maxClipDuration {
		d = maxClipDuration
	}
	return d
}

// AudioTrack is an ordered lane of audio clips.
type AudioTrack struct {
	Clips []AudioClip
}

// Timeline is the complete edit description. It is treated as read-only for
// the whole export; Exporter normalizes its own private copy on entry.
type Timeline struct {
	VideoClips  []VideoClip
	AudioTracks []AudioTrack
}

// Validate checks the structural invariants a timeline must satisfy before
// it can be rendered.
func (t Timeline) Validate() error {
	if len(t.VideoClips) == 0 {
		return ErrNoVideoClips
	}
	for i, c := range t.VideoClips {
		if c.Source == "" {
			return fmt.Errorf("video clip %d: empty source", i)
		}
		if c.TrimOut <= c.TrimIn {
			return fmt.Errorf("video clip %d: trim out %v <= trim in %v", i, c.TrimOut, c.TrimIn)
		}
		if c.Speed < 0 || math.IsNaN(c.Speed) || math.IsInf(c.Speed, 0) {
			return fmt.Errorf("video clip %d: invalid speed %v", i, c.Speed)
		}
	}
	for ti, track := range t.AudioTracks {
		for ci, c := range track.Clips {
			if c.Source == "" {
				return fmt.Errorf("audio track %d clip %d: empty source", ti, ci)
			}
			if c.TrimOut <= c.TrimIn {
				return fmt.Errorf("audio track %d clip %d: trim out %v <= trim in %v", ti, ci, c.TrimOut, c.TrimIn)
			}
			if c.Volume < 0 || math.IsNaN(c.Volume) {
				return fmt.Errorf("audio track %d clip %d: invalid volume %v", ti, ci, c.Volume)
			}
			for ki, kf := range c.Keyframes {
				if kf.Value < 0 || math.IsNaN(kf.Value) {
					return fmt.Errorf("audio track %d clip %d keyframe %d: invalid value %v", ti, ci, ki, kf.Value)
				}
			}
		}
	}
	return nil
}

// Normalized returns a deep copy with defaults applied (speed/volume) and
// keyframes sorted by time. The receiver is left untouched.
func (t Timeline) Normalized() Timeline {
	out := Timeline{
		VideoClips:  make([]VideoClip, len(t.VideoClips)),
		AudioTracks: make([]AudioTrack, len(t.AudioTracks)),
	}
	copy(out.VideoClips, t.VideoClips)
	for i := range out.VideoClips {
		if out.VideoClips[i].Speed <= 0 {
			out.VideoClips[i].Speed = 1
		}
	}
	for ti, track := range t.AudioTracks {
		clips := make([]AudioClip, len(track.Clips))
		copy(clips, track.Clips)
		for ci := range clips {
			if clips[ci].Volume == 0 && !clips[ci].Muted && len(clips[ci].Keyframes) == 0 {
				// Zero-value clips default to unity gain; an explicit
				// zero is expressed via Muted or a keyframe.
				clips[ci].Volume = 1
			}
			if len(clips[ci].Keyframes) > 0 {
				kfs := make([]VolumeKeyframe, len(clips[ci].Keyframes))
				copy(kfs, clips[ci].Keyframes)
				sort.SliceStable(kfs, func(a, b int) bool { return kfs[a].Time < kfs[b].Time })
				clips[ci].Keyframes = kfs
			}
		}
		out.AudioTracks[ti] = AudioTrack{Clips: clips}
	}
	return out
}

// OutputDuration returns the total rendered duration: the sum of every video
// clip's speed-adjusted duration.
func (t Timeline) OutputDuration() time.Duration {
	var total time.Duration
	for _, c := range t.VideoClips {
		total += c.Duration()
	}
	return total
}

// EstimateFrameCount returns the expected number of rendered video frames at
// the given frame rate. Used for progress reporting.
func (t Timeline) EstimateFrameCount(frameRate float64) int64 {
	if frameRate <= 0 {
		return 0
	}
	var total int64
	for _, c := range t.VideoClips {
		frames := int64(math.Round(c.Duration().Seconds() * frameRate))
		if frames < 1 {
			frames = 1
		}
		total += frames
	}
	return total
}

// HasAudio reports whether any clip in the timeline contributes audio.
func (t Timeline) HasAudio() bool {
	for i := range t.VideoClips {
		if _, ok := t.audioClipFor(i); ok {
			return true
		}
	}
	return false
}

// audioClipFor resolves the audio material for the i-th video clip: the
// first audio track's clip at the same index wins; otherwise a clip that
// carries its own audio plays it at unity gain.
func (t Timeline) audioClipFor(i int) (AudioClip, bool) {
	if len(t.AudioTracks) > 0 && i < len(t.AudioTracks[0].Clips) {
		return t.AudioTracks[0].Clips[i], true
	}
	vc := t.VideoClips[i]
	if !vc.HasAudio {
		return AudioClip{}, false
	}
	return AudioClip{
		Source:   vc.Source,
		TrimIn:   vc.TrimIn,
		TrimOut:  vc.TrimOut,
		Position: vc.Position,
		Volume:   1,
	}, true
}
