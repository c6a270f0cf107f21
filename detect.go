// Bitstream probing: codec and dimension detection from the first compressed
// sample of a clip, used when a source does not declare its track format.
package clipexport

// DetectVideoCodec detects the video codec from raw bitstream data.
// Supports:
//   - H.264/AVC: Annex-B format (ITU-T H.264) and AVCC format (ISO/IEC 14496-15)
//   - VP8: RFC 6386 keyframe signature
//   - VP9: frame-marker heuristic
//
// Returns VideoCodecUnknown if the codec cannot be determined.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}

	if isAnnexBStartCode(data) {
		nalType := annexBNALType(data)
		if isH264NALType(nalType) {
			return VideoCodecH264
		}
		return VideoCodecUnknown
	}

	// The VP8 start code is an exact 3-byte signature; it must be checked
	// before the AVCC heuristic, which a keyframe with a small first
	// partition size (frame tag 00 00 00) would otherwise satisfy.
	if isVP8Keyframe(data) {
		return VideoCodecVP8
	}

	if isAVCCFormat(data) {
		return VideoCodecH264
	}

	// VP9 frame marker is 2 bits = 0b10 at the top of the first byte. Weak
	// signal, so it is checked last.
	if (data[0]>>6)&0x03 == 0x02 {
		return VideoCodecVP9
	}

	return VideoCodecUnknown
}

// DetectAudioCodec detects the audio codec from raw bitstream data.
// Supports AAC (ADTS syncword per ISO/IEC 14496-3) and Opus (OggS page with
// an OpusHead payload, RFC 7845).
func DetectAudioCodec(data []byte) AudioCodec {
	if len(data) < 4 {
		return AudioCodecUnknown
	}

	if string(data[0:4]) == "OggS" {
		if len(data) >= 36 && string(data[28:36]) == "OpusHead" {
			return AudioCodecOpus
		}
		return AudioCodecUnknown
	}

	if isAACAdts(data) {
		return AudioCodecAAC
	}

	return AudioCodecUnknown
}

// DetectVideoDimensions extracts the coded width and height from the first
// compressed sample when the bitstream exposes them: the H.264 SPS for
// Annex-B/AVCC data, the keyframe header for VP8. Returns ok=false when the
// sample carries no parseable dimensions (VP9 and delta frames included).
func DetectVideoDimensions(data []byte) (width, height int, ok bool) {
	switch DetectVideoCodec(data) {
	case VideoCodecH264:
		sps := findH264SPS(data)
		if sps == nil {
			return 0, 0, false
		}
		return parseSPSDimensions(sps)
	case VideoCodecVP8:
		return parseVP8Dimensions(data)
	default:
		return 0, 0, false
	}
}

// isAnnexBStartCode checks for H.264 Annex-B start codes: 0x00000001 at
// stream start or 0x000001 between NAL units.
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// annexBNALType extracts the NAL unit type following the first start code.
func annexBNALType(data []byte) byte {
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// isH264NALType checks nal_unit_type against ITU-T H.264 Table 7-1.
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 12) || (nalType >= 19 && nalType <= 21)
}

// isAVCCFormat checks for AVCC (length-prefixed) H.264 data: a plausible
// 32-bit big-endian NALU length followed by that many bytes.
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	length := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if length <= 0 || length > 10*1024*1024 || 4+length > len(data) {
		return false
	}
	return isH264NALType(data[4] & 0x1F)
}

// isVP8Keyframe checks the RFC 6386 keyframe signature: frame tag with
// frame_type bit 0, then the 0x9D 0x01 0x2A start code.
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// parseVP8Dimensions reads width/height from a VP8 keyframe header
// (RFC 6386 section 9.1: 14-bit dimensions after the start code).
func parseVP8Dimensions(data []byte) (int, int, bool) {
	if !isVP8Keyframe(data) {
		return 0, 0, false
	}
	width := int(data[6]) | int(data[7])<<8
	height := int(data[8]) | int(data[9])<<8
	return width & 0x3FFF, height & 0x3FFF, true
}

// isAACAdts checks the ADTS header: 0xFFF syncword with layer 0b00.
func isAACAdts(data []byte) bool {
	if len(data) < 7 {
		return false
	}
	if data[0] != 0xFF || (data[1]&0xF0) != 0xF0 {
		return false
	}
	return (data[1]>>1)&0x03 == 0
}

// findH264SPS locates the first SPS NAL unit payload in Annex-B or AVCC
// data and returns it with emulation-prevention bytes removed.
func findH264SPS(data []byte) []byte {
	if isAnnexBStartCode(data) {
		for _, nalu := range splitAnnexB(data) {
			if len(nalu) > 0 && nalu[0]&0x1F == 7 {
				return stripEmulationPrevention(nalu)
			}
		}
		return nil
	}
	// AVCC: walk length-prefixed NAL units.
	for off := 0; off+4 <= len(data); {
		length := int(data[off])<<24 | int(data[off+1])<<16 | int(data[off+2])<<8 | int(data[off+3])
		off += 4
		if length <= 0 || off+length > len(data) {
			return nil
		}
		nalu := data[off : off+length]
		if nalu[0]&0x1F == 7 {
			return stripEmulationPrevention(nalu)
		}
		off += length
	}
	return nil
}

// splitAnnexB splits an Annex-B stream into NAL units (start codes removed).
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && (data[i+2] == 1 || (i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1)) {
			codeLen := 3
			if data[i+2] == 0 {
				codeLen = 4
			}
			if start >= 0 {
				nalus = append(nalus, data[start:i])
			}
			i += codeLen
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// stripEmulationPrevention removes 0x03 emulation-prevention bytes
// (00 00 03 xx sequences) from an RBSP.
func stripEmulationPrevention(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu))
	zeros := 0
	for i := 0; i < len(nalu); i++ {
		b := nalu[i]
		if zeros >= 2 && b == 0x03 && i+1 < len(nalu) && nalu[i+1] <= 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// bitReader reads MSB-first bit fields and Exp-Golomb codes from an RBSP.
type bitReader struct {
	data []byte
	pos  int // bit position
	err  bool
}

func (r *bitReader) readBit() uint {
	if r.err || r.pos >= len(r.data)*8 {
		r.err = true
		return 0
	}
	b := (r.data[r.pos/8] >> (7 - uint(r.pos%8))) & 1
	r.pos++
	return uint(b)
}

func (r *bitReader) readBits(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		v = v<<1 | r.readBit()
	}
	return v
}

// readUE reads an unsigned Exp-Golomb code (ITU-T H.264 section 9.1).
func (r *bitReader) readUE() uint {
	zeros := 0
	for r.readBit() == 0 && !r.err {
		zeros++
		if zeros > 31 {
			r.err = true
			return 0
		}
	}
	if r.err {
		return 0
	}
	return (1 << uint(zeros)) - 1 + r.readBits(zeros)
}

// readSE reads a signed Exp-Golomb code.
func (r *bitReader) readSE() int {
	ue := r.readUE()
	if ue%2 == 0 {
		return -int(ue / 2)
	}
	return int(ue+1) / 2
}

// parseSPSDimensions extracts the coded picture size from an H.264 SPS
// (ITU-T H.264 section 7.3.2.1.1). Streams using scaling matrices are rare
// in this pipeline's sources and are reported as unparseable rather than
// risking a misread.
func parseSPSDimensions(sps []byte) (int, int, bool) {
	if len(sps) < 4 {
		return 0, 0, false
	}
	r := &bitReader{data: sps[1:]} // skip the NAL header byte

	profileIDC := r.readBits(8)
	r.readBits(8) // constraint flags + reserved
	r.readBits(8) // level_idc
	r.readUE()    // seq_parameter_set_id

	chromaFormatIDC := uint(1)
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIDC = r.readUE()
		if chromaFormatIDC == 3 {
			r.readBit() // separate_colour_plane_flag
		}
		r.readUE()  // bit_depth_luma_minus8
		r.readUE()  // bit_depth_chroma_minus8
		r.readBit() // qpprime_y_zero_transform_bypass_flag
		if r.readBit() == 1 { // seq_scaling_matrix_present_flag
			return 0, 0, false
		}
	}

	r.readUE() // log2_max_frame_num_minus4
	pocType := r.readUE()
	switch pocType {
	case 0:
		r.readUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.readBit() // delta_pic_order_always_zero_flag
		r.readSE()  // offset_for_non_ref_pic
		r.readSE()  // offset_for_top_to_bottom_field
		n := r.readUE()
		if n > 255 {
			return 0, 0, false
		}
		for i := uint(0); i < n; i++ {
			r.readSE()
		}
	}

	r.readUE()  // max_num_ref_frames
	r.readBit() // gaps_in_frame_num_value_allowed_flag

	widthInMBs := r.readUE() + 1
	heightInMapUnits := r.readUE() + 1
	frameMBsOnly := r.readBit()
	if frameMBsOnly == 0 {
		r.readBit() // mb_adaptive_frame_field_flag
	}
	r.readBit() // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if r.readBit() == 1 { // frame_cropping_flag
		cropLeft = r.readUE()
		cropRight = r.readUE()
		cropTop = r.readUE()
		cropBottom = r.readUE()
	}
	if r.err {
		return 0, 0, false
	}

	// Crop units per Table 6-1; this pipeline only meets 4:2:0 sources.
	cropUnitX, cropUnitY := uint(1), 2-frameMBsOnly
	if chromaFormatIDC == 1 || chromaFormatIDC == 2 {
		cropUnitX = 2
	}
	if chromaFormatIDC == 1 {
		cropUnitY *= 2
	}

	width := int(widthInMBs*16 - (cropLeft+cropRight)*cropUnitX)
	height := int((2-frameMBsOnly)*heightInMapUnits*16 - (cropTop+cropBottom)*cropUnitY)
	if width <= 0 || height <= 0 || width > 8192 || height > 8192 {
		return 0, 0, false
	}
	return width, height, true
}
