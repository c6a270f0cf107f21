// Package clipexport renders an edited timeline (ordered clips with trims,
// speed changes, audio tracks, volume automation and fades) into a single
// output media file, backed by a native platform media engine (libclipengine).
//
// Key pieces include:
//   - Timeline/VideoClip/AudioClip: the immutable edit description
//   - Exporter: one cancellable export run with progress reporting
//   - Video/Audio encoders and decoders behind a provider registry
//   - Muxer implementations (platform MP4, pure-Go WebM)
//   - Render surfaces bridging hardware decode output to encoder input on
//     one shared GPU context chain
//
// # Architecture
//
//	Video: ClipSource -> VideoDecoder -> DecoderSurface -> blit -> EncoderSurface -> VideoEncoder -> Muxer
//	Audio: ClipSource -> AudioDecoder -> Resample/Automation -> AudioEncoder -> Muxer
//
// Both tracks converge at the muxer behind a start gate (MuxerCoordinator)
// that opens exactly once, after the video track is registered and the audio
// track is registered or marked permanently failed.
//
// # Native Engine
//
// Hardware codec, GPU surface and MP4 muxer bindings load libclipengine at
// runtime via purego (CGO_ENABLED=0 works). Set CLIPENGINE_LIB_PATH to the
// directory containing the library. Without it, the platform provider reports
// unavailable and the software providers (WebM muxer, Opus encoder) remain
// usable.
//
// # Build Tags
//
//   - cgo: enables the software Opus audio encoder (gopkg.in/hraban/opus.v2)
//
// # Supported Codecs
//
// Video: H.264, HEVC, VP8, VP9 (platform engine)
// Audio: AAC (platform engine), Opus (platform engine or software)
// Availability depends on the native engine present at runtime.
package clipexport
