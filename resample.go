// PCM resampling: sample-rate and channel-layout conversion for the audio
// path. Pure functions, no I/O.
package clipexport

import "math"

// maxResampleSeconds bounds the output of a single rate conversion so one
// oversized input buffer cannot balloon memory.
const maxResampleSeconds = 10

// ConvertChannels adapts interleaved S16 PCM between channel counts.
// Multi-channel input collapses to mono by averaging; mono expands by
// duplication. There is no positional matrixing.
func ConvertChannels(data []int16, channels, target int) []int16 {
	if channels <= 0 || target <= 0 || len(data) == 0 {
		return nil
	}
	if channels == target {
		out := make([]int16, len(data))
		copy(out, data)
		return out
	}

	frames := len(data) / channels
	mono := data
	if channels > 1 {
		mono = make([]int16, frames)
		for f := 0; f < frames; f++ {
			var sum int
			for ch := 0; ch < channels; ch++ {
				sum += int(data[f*channels+ch])
			}
			mono[f] = int16(sum / channels)
		}
	}
	if target == 1 {
		return mono
	}

	out := make([]int16, frames*target)
	for f := 0; f < frames; f++ {
		s := mono[f]
		for ch := 0; ch < target; ch++ {
			out[f*target+ch] = s
		}
	}
	return out
}

// ResampleRate converts interleaved S16 PCM from srcRate to dstRate using
// linear interpolation between the nearest input frames. The output holds
// round(inputFrames * dstRate / srcRate) frames, capped at
// maxResampleSeconds worth of output.
func ResampleRate(data []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || len(data) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]int16, len(data))
		copy(out, data)
		return out
	}

	inFrames := len(data) / channels
	outFrames := int(math.Round(float64(inFrames) * float64(dstRate) / float64(srcRate)))
	if outFrames <= 0 {
		return nil
	}
	if limit := maxResampleSeconds * dstRate; outFrames > limit {
		outFrames = limit
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]int16, outFrames*channels)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if idx >= inFrames-1 {
			idx = inFrames - 1
			next = idx
			frac = 0
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(data[idx*channels+ch])
			b := float64(data[next*channels+ch])
			out[f*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// ResamplePCM conforms a decoded buffer to the export's target sample rate
// and channel count. Channel adaptation runs first so the rate conversion
// interpolates the fewest samples. PTS carries over unchanged.
func ResamplePCM(buf *PCMBuffer, targetRate, targetChannels int) *PCMBuffer {
	if buf == nil || len(buf.Data) == 0 || targetRate <= 0 || targetChannels <= 0 {
		return nil
	}

	data := buf.Data
	channels := buf.Channels
	if channels != targetChannels && channels > targetChannels {
		data = ConvertChannels(data, channels, targetChannels)
		channels = targetChannels
	}
	if buf.SampleRate != targetRate {
		data = ResampleRate(data, channels, buf.SampleRate, targetRate)
	}
	if channels != targetChannels {
		data = ConvertChannels(data, channels, targetChannels)
		channels = targetChannels
	}
	if data == nil {
		return nil
	}

	return &PCMBuffer{
		Data:       data,
		SampleRate: targetRate,
		Channels:   targetChannels,
		PTS:        buf.PTS,
	}
}
