// Volume automation: clip gain, mute, fades and keyframe envelopes applied
// to decoded PCM before encoding. Pure functions, no I/O.
package clipexport

import "time"

// VolumeEnvelope evaluates the effective gain of an audio clip over its
// clip-local output time: keyframe curve x fade-in x fade-out x clip gain,
// with mute forcing silence.
type VolumeEnvelope struct {
	volume    float64
	muted     bool
	fadeIn    time.Duration
	fadeOut   time.Duration
	duration  time.Duration
	keyframes []VolumeKeyframe // sorted by time
}

// NewVolumeEnvelope builds the envelope for one audio clip. Keyframes are
// assumed sorted (Timeline.Normalized guarantees it).
func NewVolumeEnvelope(clip AudioClip) *VolumeEnvelope {
	return &VolumeEnvelope{
		volume:    clip.Volume,
		muted:     clip.Muted,
		fadeIn:    clip.FadeIn,
		fadeOut:   clip.FadeOut,
		duration:  clip.Duration(),
		keyframes: clip.Keyframes,
	}
}

// GainAt returns the effective gain at clip-local time t.
func (e *VolumeEnvelope) GainAt(t time.Duration) float64 {
	if e.muted {
		return 0
	}
	gain := e.volume * e.keyframeGain(t)
	if e.fadeIn > 0 && t < e.fadeIn {
		if t < 0 {
			t = 0
		}
		gain *= float64(t) / float64(e.fadeIn)
	}
	if e.fadeOut > 0 && e.duration > 0 {
		start := e.duration - e.fadeOut
		if t > start {
			remain := e.duration - t
			if remain < 0 {
				remain = 0
			}
			gain *= float64(remain) / float64(e.fadeOut)
		}
	}
	return gain
}

// keyframeGain interpolates the keyframe curve at t. Between two keyframes
// the value is linear; outside all keyframes the nearest keyframe's value
// holds constant. No keyframes means unity.
func (e *VolumeEnvelope) keyframeGain(t time.Duration) float64 {
	kfs := e.keyframes
	if len(kfs) == 0 {
		return 1
	}
	if t <= kfs[0].Time {
		return kfs[0].Value
	}
	last := kfs[len(kfs)-1]
	if t >= last.Time {
		return last.Value
	}
	for i := 1; i < len(kfs); i++ {
		if t < kfs[i].Time {
			a, b := kfs[i-1], kfs[i]
			span := b.Time - a.Time
			if span <= 0 {
				return b.Value
			}
			frac := float64(t-a.Time) / float64(span)
			return a.Value + (b.Value-a.Value)*frac
		}
	}
	return last.Value
}

// ApplyGain scales buf in place using the envelope, with clipStart giving
// the clip-local time of the buffer's first frame. Samples are clamped to
// the S16 range so overdriven gain cannot wrap around.
func ApplyGain(buf *PCMBuffer, env *VolumeEnvelope, clipStart time.Duration) {
	if buf == nil || env == nil || len(buf.Data) == 0 || buf.SampleRate <= 0 || buf.Channels <= 0 {
		return
	}
	frames := buf.Frames()
	for f := 0; f < frames; f++ {
		t := clipStart + time.Duration(f)*time.Second/time.Duration(buf.SampleRate)
		gain := env.GainAt(t)
		if gain == 1 {
			continue
		}
		base := f * buf.Channels
		for ch := 0; ch < buf.Channels; ch++ {
			scaled := float64(buf.Data[base+ch]) * gain
			if scaled > 32767 {
				scaled = 32767
			} else if scaled < -32768 {
				scaled = -32768
			}
			buf.Data[base+ch] = int16(scaled)
		}
	}
}
