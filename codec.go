package clipexport

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH265
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the platform engine MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264:
		return "video/avc"
	case VideoCodecH265:
		return "video/hevc"
	case VideoCodecVP8:
		return "video/x-vnd.on2.vp8"
	case VideoCodecVP9:
		return "video/x-vnd.on2.vp9"
	case VideoCodecAV1:
		return "video/av01"
	default:
		return ""
	}
}

// MatroskaID returns the Matroska/WebM CodecID for this codec.
// H.264/H.265 are Matroska-only; WebM proper allows VP8/VP9/AV1.
func (c VideoCodec) MatroskaID() string {
	switch c {
	case VideoCodecH264:
		return "V_MPEG4/ISO/AVC"
	case VideoCodecH265:
		return "V_MPEGH/ISO/HEVC"
	case VideoCodecVP8:
		return "V_VP8"
	case VideoCodecVP9:
		return "V_VP9"
	case VideoCodecAV1:
		return "V_AV1"
	default:
		return ""
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecAAC
	AudioCodecOpus
	AudioCodecPCM // uncompressed S16LE
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "AAC"
	case AudioCodecOpus:
		return "Opus"
	case AudioCodecPCM:
		return "PCM"
	default:
		return "Unknown"
	}
}

// MimeType returns the platform engine MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecAAC:
		return "audio/mp4a-latm"
	case AudioCodecOpus:
		return "audio/opus"
	case AudioCodecPCM:
		return "audio/raw"
	default:
		return ""
	}
}

// MatroskaID returns the Matroska/WebM CodecID for this codec.
func (c AudioCodec) MatroskaID() string {
	switch c {
	case AudioCodecAAC:
		return "A_AAC"
	case AudioCodecOpus:
		return "A_OPUS"
	case AudioCodecPCM:
		return "A_PCM/INT/LIT"
	default:
		return ""
	}
}

// RateControlMode defines the encoder rate control mode.
type RateControlMode int

const (
	RateControlVBR RateControlMode = iota // Variable bitrate
	RateControlCBR                        // Constant bitrate
)

func (r RateControlMode) String() string {
	switch r {
	case RateControlVBR:
		return "VBR"
	case RateControlCBR:
		return "CBR"
	default:
		return "Unknown"
	}
}

// TrackKind distinguishes the two track types an export produces.
type TrackKind int

const (
	TrackKindVideo TrackKind = iota
	TrackKindAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackKindVideo:
		return "video"
	case TrackKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}
