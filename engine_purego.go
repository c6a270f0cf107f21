//go:build darwin || linux

// Platform media engine binding via purego (libclipengine): hardware video
// and audio codecs, the GL surface/fence driver, and the MP4 muxer. The
// library is loaded at runtime, so CGO_ENABLED=0 builds work; when it is
// absent the platform provider reports unavailable and the software
// providers carry the export.
package clipexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	engineOnce    sync.Once
	engineHandle  uintptr
	engineInitErr error
	engineLoaded  bool
)

// Engine status codes shared by every clipengine_* call.
const (
	engineStatusOK       = 0
	engineStatusTryAgain = 1 // feed: no input buffer free yet
	engineStatusFrame    = 1 // vdec drain: frame released to the surface
	engineStatusEOS      = 2
)

// Engine sample flag bits, matching SampleFlags bit for bit.
const (
	engineFlagKeyframe = 1 << iota
	engineFlagConfig
	engineFlagEOS
	engineFlagFormatChanged
)

// engineDrainBufferSize bounds one drained output sample.
const engineDrainBufferSize = 1 << 20

// libclipengine function pointers
var (
	clipengineVersion func() uintptr

	// GL display/context/surface/fence ops
	engineGLDisplayInit         func() uintptr
	engineGLDisplayTerminate    func(display uintptr) int32
	engineGLContextCreate       func(display, shared uintptr) uintptr
	engineGLContextDestroy      func(display, context uintptr) int32
	engineGLSurfaceCreate       func(display, window uintptr) uintptr
	engineGLSurfaceDestroy      func(display, surface uintptr) int32
	engineGLMakeCurrent         func(display, surface, context uintptr) int32
	engineGLFrameTextureCreate  func(display, context, outTexture, outWindow uintptr) int32
	engineGLFrameTextureDestroy func(texture uintptr) int32
	engineGLFrameLatch          func(texture, outMatrix uintptr) int32
	engineGLDrawQuad            func(context, texture, matrix, quad uintptr) int32
	engineGLPresentationTime    func(display, surface uintptr, nanos int64) int32
	engineGLSwap                func(display, surface uintptr) int32
	engineGLFenceInsert         func(display uintptr) uintptr
	engineGLFenceWait           func(display, fence uintptr, timeoutNanos int64) int32
	engineGLFenceDestroy        func(display, fence uintptr) int32

	// Hardware video decoder
	engineVDecCreate    func(mime string, width, height int32, window uintptr) uintptr
	engineVDecCodecData func(decoder, data uintptr, size, index int32) int32
	engineVDecFeed      func(decoder, data uintptr, size int32, pts int64, flags uint32) int32
	engineVDecEOS       func(decoder uintptr) int32
	engineVDecDrain     func(decoder, outPTS, outFlags uintptr) int32
	engineVDecDestroy   func(decoder uintptr)

	// Hardware video encoder
	engineVEncCreate  func(mime string, width, height, fpsMilli, bitrate, rateMode, keyintSec int32) uintptr
	engineVEncWindow  func(encoder uintptr) uintptr
	engineVEncEOS     func(encoder uintptr) int32
	engineVEncDrain   func(encoder, buf uintptr, bufCap int32, outPTS, outFlags uintptr) int32
	engineVEncCSD     func(encoder uintptr, index int32, buf uintptr, bufCap int32) int32
	engineVEncDestroy func(encoder uintptr)

	// Hardware audio decoder
	engineADecCreate    func(mime string, sampleRate, channels int32) uintptr
	engineADecCodecData func(decoder, data uintptr, size, index int32) int32
	engineADecFeed      func(decoder, data uintptr, size int32, pts int64, flags uint32) int32
	engineADecEOS       func(decoder uintptr) int32
	engineADecDrain     func(decoder, buf uintptr, bufCap int32, outPTS, outRate, outChannels, outFlags uintptr) int32
	engineADecDestroy   func(decoder uintptr)

	// Hardware audio encoder
	engineAEncCreate  func(mime string, sampleRate, channels, bitrate int32) uintptr
	engineAEncFeed    func(encoder, pcm uintptr, size int32, pts int64) int32
	engineAEncEOS     func(encoder uintptr) int32
	engineAEncDrain   func(encoder, buf uintptr, bufCap int32, outPTS, outFlags uintptr) int32
	engineAEncCSD     func(encoder uintptr, index int32, buf uintptr, bufCap int32) int32
	engineAEncDestroy func(encoder uintptr)

	// MP4 muxer (writes through a native file handle)
	engineMuxCreate   func(path string) uintptr
	engineMuxAddVideo func(muxer uintptr, mime string, width, height, fpsMilli int32, csd uintptr, csdSize int32) int32
	engineMuxAddAudio func(muxer uintptr, mime string, sampleRate, channels int32, csd uintptr, csdSize int32) int32
	engineMuxStart    func(muxer uintptr) int32
	engineMuxWrite    func(muxer uintptr, track int32, data uintptr, size int32, pts int64, flags uint32) int32
	engineMuxStop     func(muxer uintptr) int32
	engineMuxDestroy  func(muxer uintptr)
)

// loadEngine loads libclipengine once.
func loadEngine() error {
	engineOnce.Do(func() {
		engineInitErr = loadEngineLib()
		if engineInitErr == nil {
			engineLoaded = true
		}
	})
	return engineInitErr
}

func loadEngineLib() error {
	paths := engineLibPaths()

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			engineHandle = handle
			loadEngineSymbols()
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libclipengine: %w", lastErr)
	}
	return errors.New("libclipengine not found in any standard location")
}

func engineLibPaths() []string {
	var paths []string

	libName := "libclipengine.so"
	if runtime.GOOS == "darwin" {
		libName = "libclipengine.dylib"
	}

	// Environment variable overrides
	if envPath := os.Getenv("CLIPENGINE_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName), envPath)
	}

	// Next to the executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Build directory under the working directory or module root
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, "build", libName))
	}
	if root := findModuleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", libName))
	}

	// System paths
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}

	return paths
}

func loadEngineSymbols() {
	purego.RegisterLibFunc(&clipengineVersion, engineHandle, "clipengine_version")

	purego.RegisterLibFunc(&engineGLDisplayInit, engineHandle, "clipengine_gl_display_init")
	purego.RegisterLibFunc(&engineGLDisplayTerminate, engineHandle, "clipengine_gl_display_terminate")
	purego.RegisterLibFunc(&engineGLContextCreate, engineHandle, "clipengine_gl_context_create")
	purego.RegisterLibFunc(&engineGLContextDestroy, engineHandle, "clipengine_gl_context_destroy")
	purego.RegisterLibFunc(&engineGLSurfaceCreate, engineHandle, "clipengine_gl_surface_create")
	purego.RegisterLibFunc(&engineGLSurfaceDestroy, engineHandle, "clipengine_gl_surface_destroy")
	purego.RegisterLibFunc(&engineGLMakeCurrent, engineHandle, "clipengine_gl_make_current")
	purego.RegisterLibFunc(&engineGLFrameTextureCreate, engineHandle, "clipengine_gl_frame_texture_create")
	purego.RegisterLibFunc(&engineGLFrameTextureDestroy, engineHandle, "clipengine_gl_frame_texture_destroy")
	purego.RegisterLibFunc(&engineGLFrameLatch, engineHandle, "clipengine_gl_frame_latch")
	purego.RegisterLibFunc(&engineGLDrawQuad, engineHandle, "clipengine_gl_draw_quad")
	purego.RegisterLibFunc(&engineGLPresentationTime, engineHandle, "clipengine_gl_presentation_time")
	purego.RegisterLibFunc(&engineGLSwap, engineHandle, "clipengine_gl_swap")
	purego.RegisterLibFunc(&engineGLFenceInsert, engineHandle, "clipengine_gl_fence_insert")
	purego.RegisterLibFunc(&engineGLFenceWait, engineHandle, "clipengine_gl_fence_wait")
	purego.RegisterLibFunc(&engineGLFenceDestroy, engineHandle, "clipengine_gl_fence_destroy")

	purego.RegisterLibFunc(&engineVDecCreate, engineHandle, "clipengine_vdec_create")
	purego.RegisterLibFunc(&engineVDecCodecData, engineHandle, "clipengine_vdec_codec_data")
	purego.RegisterLibFunc(&engineVDecFeed, engineHandle, "clipengine_vdec_feed")
	purego.RegisterLibFunc(&engineVDecEOS, engineHandle, "clipengine_vdec_eos")
	purego.RegisterLibFunc(&engineVDecDrain, engineHandle, "clipengine_vdec_drain")
	purego.RegisterLibFunc(&engineVDecDestroy, engineHandle, "clipengine_vdec_destroy")

	purego.RegisterLibFunc(&engineVEncCreate, engineHandle, "clipengine_venc_create")
	purego.RegisterLibFunc(&engineVEncWindow, engineHandle, "clipengine_venc_window")
	purego.RegisterLibFunc(&engineVEncEOS, engineHandle, "clipengine_venc_eos")
	purego.RegisterLibFunc(&engineVEncDrain, engineHandle, "clipengine_venc_drain")
	purego.RegisterLibFunc(&engineVEncCSD, engineHandle, "clipengine_venc_csd")
	purego.RegisterLibFunc(&engineVEncDestroy, engineHandle, "clipengine_venc_destroy")

	purego.RegisterLibFunc(&engineADecCreate, engineHandle, "clipengine_adec_create")
	purego.RegisterLibFunc(&engineADecCodecData, engineHandle, "clipengine_adec_codec_data")
	purego.RegisterLibFunc(&engineADecFeed, engineHandle, "clipengine_adec_feed")
	purego.RegisterLibFunc(&engineADecEOS, engineHandle, "clipengine_adec_eos")
	purego.RegisterLibFunc(&engineADecDrain, engineHandle, "clipengine_adec_drain")
	purego.RegisterLibFunc(&engineADecDestroy, engineHandle, "clipengine_adec_destroy")

	purego.RegisterLibFunc(&engineAEncCreate, engineHandle, "clipengine_aenc_create")
	purego.RegisterLibFunc(&engineAEncFeed, engineHandle, "clipengine_aenc_feed")
	purego.RegisterLibFunc(&engineAEncEOS, engineHandle, "clipengine_aenc_eos")
	purego.RegisterLibFunc(&engineAEncDrain, engineHandle, "clipengine_aenc_drain")
	purego.RegisterLibFunc(&engineAEncCSD, engineHandle, "clipengine_aenc_csd")
	purego.RegisterLibFunc(&engineAEncDestroy, engineHandle, "clipengine_aenc_destroy")

	purego.RegisterLibFunc(&engineMuxCreate, engineHandle, "clipengine_mux_create")
	purego.RegisterLibFunc(&engineMuxAddVideo, engineHandle, "clipengine_mux_add_video")
	purego.RegisterLibFunc(&engineMuxAddAudio, engineHandle, "clipengine_mux_add_audio")
	purego.RegisterLibFunc(&engineMuxStart, engineHandle, "clipengine_mux_start")
	purego.RegisterLibFunc(&engineMuxWrite, engineHandle, "clipengine_mux_write")
	purego.RegisterLibFunc(&engineMuxStop, engineHandle, "clipengine_mux_stop")
	purego.RegisterLibFunc(&engineMuxDestroy, engineHandle, "clipengine_mux_destroy")
}

// EngineAvailable reports whether libclipengine loaded.
func EngineAvailable() bool {
	if err := loadEngine(); err != nil {
		return false
	}
	return engineLoaded
}

// EngineVersion returns the loaded engine's version string, or "".
func EngineVersion() string {
	if !EngineAvailable() || clipengineVersion == nil {
		return ""
	}
	return goStringFromPtr(clipengineVersion())
}

func engineFlagsToSample(flags uint32) SampleFlags {
	var out SampleFlags
	if flags&engineFlagKeyframe != 0 {
		out |= SampleFlagKeyframe
	}
	if flags&engineFlagConfig != 0 {
		out |= SampleFlagCodecConfig
	}
	if flags&engineFlagEOS != 0 {
		out |= SampleFlagEndOfStream
	}
	return out
}

func sampleFlagsToEngine(flags SampleFlags) uint32 {
	var out uint32
	if flags.IsKeyframe() {
		out |= engineFlagKeyframe
	}
	if flags.IsCodecConfig() {
		out |= engineFlagConfig
	}
	if flags.IsEndOfStream() {
		out |= engineFlagEOS
	}
	return out
}

// --- Surface driver ---

// engineSurfaceDriver implements SurfaceDriver over the engine's GL ops.
type engineSurfaceDriver struct{}

func (engineSurfaceDriver) InitDisplay() (uintptr, error) {
	display := engineGLDisplayInit()
	if display == 0 {
		return 0, errors.New("engine display init failed")
	}
	return display, nil
}

func (engineSurfaceDriver) TerminateDisplay(display uintptr) error {
	return engineStatusErr("display terminate", engineGLDisplayTerminate(display))
}

func (engineSurfaceDriver) CreateContext(display, shared uintptr) (uintptr, error) {
	context := engineGLContextCreate(display, shared)
	if context == 0 {
		return 0, errors.New("engine context create failed")
	}
	return context, nil
}

func (engineSurfaceDriver) DestroyContext(display, context uintptr) error {
	return engineStatusErr("context destroy", engineGLContextDestroy(display, context))
}

func (engineSurfaceDriver) CreateWindowSurface(display, window uintptr) (uintptr, error) {
	surface := engineGLSurfaceCreate(display, window)
	if surface == 0 {
		return 0, errors.New("engine window surface create failed")
	}
	return surface, nil
}

func (engineSurfaceDriver) DestroySurface(display, surface uintptr) error {
	return engineStatusErr("surface destroy", engineGLSurfaceDestroy(display, surface))
}

func (engineSurfaceDriver) MakeCurrent(display, surface, context uintptr) error {
	return engineStatusErr("make current", engineGLMakeCurrent(display, surface, context))
}

func (engineSurfaceDriver) CreateFrameTexture(display, context uintptr) (uintptr, uintptr, error) {
	var texture, window uintptr
	status := engineGLFrameTextureCreate(display, context,
		uintptr(unsafe.Pointer(&texture)), uintptr(unsafe.Pointer(&window)))
	if status != engineStatusOK {
		return 0, 0, fmt.Errorf("engine frame texture create failed: status %d", status)
	}
	return texture, window, nil
}

func (engineSurfaceDriver) DestroyFrameTexture(texture uintptr) error {
	return engineStatusErr("frame texture destroy", engineGLFrameTextureDestroy(texture))
}

func (engineSurfaceDriver) LatchFrame(texture uintptr) ([16]float32, error) {
	var matrix [16]float32
	status := engineGLFrameLatch(texture, uintptr(unsafe.Pointer(&matrix[0])))
	if status != engineStatusOK {
		return matrix, fmt.Errorf("engine frame latch failed: status %d", status)
	}
	return matrix, nil
}

func (engineSurfaceDriver) DrawQuad(context, texture uintptr, matrix [16]float32, quad [8]float32) error {
	return engineStatusErr("draw quad", engineGLDrawQuad(context, texture,
		uintptr(unsafe.Pointer(&matrix[0])), uintptr(unsafe.Pointer(&quad[0]))))
}

func (engineSurfaceDriver) SetPresentationTime(display, surface uintptr, nanos int64) error {
	return engineStatusErr("set presentation time", engineGLPresentationTime(display, surface, nanos))
}

func (engineSurfaceDriver) SwapBuffers(display, surface uintptr) error {
	return engineStatusErr("swap buffers", engineGLSwap(display, surface))
}

func (engineSurfaceDriver) InsertFence(display uintptr) (uintptr, error) {
	fence := engineGLFenceInsert(display)
	if fence == 0 {
		return 0, errors.New("engine fence insert failed")
	}
	return fence, nil
}

func (engineSurfaceDriver) WaitFence(display, fence uintptr, timeout time.Duration) (bool, error) {
	status := engineGLFenceWait(display, fence, timeout.Nanoseconds())
	switch {
	case status > 0: // signaled
		return true, nil
	case status == 0: // still pending at timeout
		return false, nil
	default:
		return false, fmt.Errorf("engine fence wait failed: status %d", status)
	}
}

func (engineSurfaceDriver) DestroyFence(display, fence uintptr) error {
	return engineStatusErr("fence destroy", engineGLFenceDestroy(display, fence))
}

func engineStatusErr(op string, status int32) error {
	if status == engineStatusOK {
		return nil
	}
	return fmt.Errorf("engine %s failed: status %d", op, status)
}

// --- Hardware video decoder ---

type engineVideoDecoder struct {
	config VideoDecoderConfig
	handle uintptr

	mu     sync.Mutex
	closed bool

	statsMu sync.Mutex
	stats   DecoderStats
}

func newEngineVideoDecoder(config VideoDecoderConfig) (VideoDecoder, error) {
	if config.Output == nil {
		return nil, errors.New("engine video decoder requires an output surface")
	}
	mime := config.Codec.MimeType()
	if mime == "" {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	handle := engineVDecCreate(mime, int32(config.Width), int32(config.Height), config.Output.NativeWindow())
	if handle == 0 {
		return nil, fmt.Errorf("engine decoder create failed for %s", config.Codec)
	}
	for i, blob := range config.CodecData {
		if len(blob) == 0 {
			continue
		}
		status := engineVDecCodecData(handle, uintptr(unsafe.Pointer(&blob[0])), int32(len(blob)), int32(i))
		if status != engineStatusOK {
			engineVDecDestroy(handle)
			return nil, fmt.Errorf("engine decoder codec data %d rejected: status %d", i, status)
		}
	}
	return &engineVideoDecoder{config: config, handle: handle}, nil
}

func (d *engineVideoDecoder) Feed(ctx context.Context, sample *MediaSample) error {
	if len(sample.Data) == 0 {
		return nil
	}
	deadline := time.Now().Add(feedTimeoutOr(d.config.FeedTimeout))
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return fmt.Errorf("engine video decoder: %w", io.ErrClosedPipe)
		}
		status := engineVDecFeed(d.handle,
			uintptr(unsafe.Pointer(&sample.Data[0])), int32(len(sample.Data)),
			sample.PTS, sampleFlagsToEngine(sample.Flags))
		d.mu.Unlock()

		switch {
		case status == engineStatusOK:
			d.statsMu.Lock()
			d.stats.SamplesFed++
			d.stats.BytesFed += uint64(len(sample.Data))
			d.statsMu.Unlock()
			return nil
		case status == engineStatusTryAgain:
			// No free input buffer yet.
		case status < 0:
			d.statsMu.Lock()
			d.stats.CorruptedSamples++
			d.statsMu.Unlock()
			return fmt.Errorf("engine video decoder rejected sample: status %d", status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("engine video decoder feed: %w", ErrCodecStalled)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

func (d *engineVideoDecoder) SignalEndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("engine video decoder: %w", io.ErrClosedPipe)
	}
	return engineStatusErr("decoder eos", engineVDecEOS(d.handle))
}

func (d *engineVideoDecoder) Drain() (*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("engine video decoder: %w", io.ErrClosedPipe)
	}
	var pts int64
	var flags uint32
	status := engineVDecDrain(d.handle,
		uintptr(unsafe.Pointer(&pts)), uintptr(unsafe.Pointer(&flags)))
	switch {
	case status == engineStatusFrame:
		// The engine released the frame to the output surface before
		// returning; notify the surface's frame wait.
		d.config.Output.FrameAvailable()
		d.statsMu.Lock()
		d.stats.UnitsDecoded++
		d.statsMu.Unlock()
		return &DecodedFrame{PTS: pts}, nil
	case status == engineStatusEOS:
		return &DecodedFrame{EndOfStream: true}, nil
	case status == engineStatusOK:
		return nil, nil
	default:
		return nil, fmt.Errorf("engine video decoder drain failed: status %d", status)
	}
}

func (d *engineVideoDecoder) Provider() Provider { return ProviderPlatform }
func (d *engineVideoDecoder) Config() VideoDecoderConfig { return d.config }
func (d *engineVideoDecoder) Codec() VideoCodec { return d.config.Codec }

func (d *engineVideoDecoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *engineVideoDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	engineVDecDestroy(d.handle)
	d.handle = 0
	return nil
}

// --- Hardware video encoder ---

type engineVideoEncoder struct {
	config VideoEncoderConfig
	handle uintptr
	window uintptr

	mu         sync.Mutex
	buf        []byte
	formatSent bool
	closed     bool

	statsMu sync.Mutex
	stats   VideoEncoderStats
}

func newEngineVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	mime := config.Codec.MimeType()
	if mime == "" {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	handle := engineVEncCreate(mime,
		int32(config.Width), int32(config.Height),
		int32(config.FrameRate*1000), int32(config.BitrateBps),
		int32(config.RateControlMode), int32(config.KeyframeIntervalSec))
	if handle == 0 {
		return nil, fmt.Errorf("engine encoder create failed for %s", config.Codec)
	}
	window := engineVEncWindow(handle)
	if window == 0 {
		engineVEncDestroy(handle)
		return nil, errors.New("engine encoder exposed no input window")
	}
	return &engineVideoEncoder{
		config: config,
		handle: handle,
		window: window,
		buf:    make([]byte, engineDrainBufferSize),
	}, nil
}

func (e *engineVideoEncoder) InputWindow() uintptr { return e.window }

func (e *engineVideoEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine video encoder: %w", io.ErrClosedPipe)
	}
	return engineStatusErr("encoder eos", engineVEncEOS(e.handle))
}

func (e *engineVideoEncoder) Drain() (*EncoderOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine video encoder: %w", io.ErrClosedPipe)
	}

	var pts int64
	var flags uint32
	n := engineVEncDrain(e.handle,
		uintptr(unsafe.Pointer(&e.buf[0])), int32(len(e.buf)),
		uintptr(unsafe.Pointer(&pts)), uintptr(unsafe.Pointer(&flags)))
	if n < 0 {
		return nil, fmt.Errorf("engine video encoder drain failed: status %d", n)
	}

	if flags&engineFlagFormatChanged != 0 && !e.formatSent {
		e.formatSent = true
		format := TrackFormat{
			Kind:       TrackKindVideo,
			VideoCodec: e.config.Codec,
			Width:      e.config.Width,
			Height:     e.config.Height,
			FrameRate:  e.config.FrameRate,
			CodecData:  engineCodecData(e.handle, engineVEncCSD),
		}
		return &EncoderOutput{Format: &format}, nil
	}
	if flags&engineFlagEOS != 0 {
		return &EncoderOutput{EndOfStream: true}, nil
	}
	if n == 0 {
		return nil, nil
	}

	// The engine reuses its output buffer immediately; copy before return.
	sample := &EncodedSample{
		Data:  append([]byte(nil), e.buf[:n]...),
		PTS:   pts,
		Flags: engineFlagsToSample(flags),
	}
	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(n)
	if sample.IsKeyframe() {
		e.stats.KeyframesEncoded++
	}
	e.statsMu.Unlock()
	return &EncoderOutput{Sample: sample}, nil
}

func (e *engineVideoEncoder) Provider() Provider { return ProviderPlatform }
func (e *engineVideoEncoder) Config() VideoEncoderConfig { return e.config }
func (e *engineVideoEncoder) Codec() VideoCodec { return e.config.Codec }

func (e *engineVideoEncoder) Stats() VideoEncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *engineVideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	engineVEncDestroy(e.handle)
	e.handle = 0
	return nil
}

// engineCodecData fetches an encoder's out-of-band config blobs, indexed
// until the engine reports none left.
func engineCodecData(handle uintptr, fetch func(uintptr, int32, uintptr, int32) int32) [][]byte {
	var blobs [][]byte
	buf := make([]byte, 64*1024)
	for i := int32(0); ; i++ {
		n := fetch(handle, i, uintptr(unsafe.Pointer(&buf[0])), int32(len(buf)))
		if n <= 0 {
			break
		}
		blobs = append(blobs, append([]byte(nil), buf[:n]...))
	}
	return blobs
}

// --- Hardware audio decoder ---

type engineAudioDecoder struct {
	config AudioDecoderConfig
	handle uintptr

	mu     sync.Mutex
	buf    []byte
	closed bool

	statsMu sync.Mutex
	stats   DecoderStats
}

func newEngineAudioDecoder(config AudioDecoderConfig) (AudioDecoder, error) {
	mime := config.Codec.MimeType()
	if mime == "" {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	handle := engineADecCreate(mime, int32(config.SampleRate), int32(config.Channels))
	if handle == 0 {
		return nil, fmt.Errorf("engine audio decoder create failed for %s", config.Codec)
	}
	for i, blob := range config.CodecData {
		if len(blob) == 0 {
			continue
		}
		status := engineADecCodecData(handle, uintptr(unsafe.Pointer(&blob[0])), int32(len(blob)), int32(i))
		if status != engineStatusOK {
			engineADecDestroy(handle)
			return nil, fmt.Errorf("engine audio decoder codec data %d rejected: status %d", i, status)
		}
	}
	return &engineAudioDecoder{
		config: config,
		handle: handle,
		buf:    make([]byte, engineDrainBufferSize),
	}, nil
}

func (d *engineAudioDecoder) Feed(ctx context.Context, sample *MediaSample) error {
	if len(sample.Data) == 0 {
		return nil
	}
	deadline := time.Now().Add(feedTimeoutOr(d.config.FeedTimeout))
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return fmt.Errorf("engine audio decoder: %w", io.ErrClosedPipe)
		}
		status := engineADecFeed(d.handle,
			uintptr(unsafe.Pointer(&sample.Data[0])), int32(len(sample.Data)),
			sample.PTS, sampleFlagsToEngine(sample.Flags))
		d.mu.Unlock()

		switch {
		case status == engineStatusOK:
			d.statsMu.Lock()
			d.stats.SamplesFed++
			d.stats.BytesFed += uint64(len(sample.Data))
			d.statsMu.Unlock()
			return nil
		case status == engineStatusTryAgain:
		case status < 0:
			d.statsMu.Lock()
			d.stats.CorruptedSamples++
			d.statsMu.Unlock()
			return fmt.Errorf("engine audio decoder rejected sample: status %d", status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("engine audio decoder feed: %w", ErrCodecStalled)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

func (d *engineAudioDecoder) SignalEndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("engine audio decoder: %w", io.ErrClosedPipe)
	}
	return engineStatusErr("audio decoder eos", engineADecEOS(d.handle))
}

func (d *engineAudioDecoder) Drain() (*DecodedAudio, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("engine audio decoder: %w", io.ErrClosedPipe)
	}

	var pts int64
	var rate, channels int32
	var flags uint32
	n := engineADecDrain(d.handle,
		uintptr(unsafe.Pointer(&d.buf[0])), int32(len(d.buf)),
		uintptr(unsafe.Pointer(&pts)),
		uintptr(unsafe.Pointer(&rate)), uintptr(unsafe.Pointer(&channels)),
		uintptr(unsafe.Pointer(&flags)))
	if n < 0 {
		return nil, fmt.Errorf("engine audio decoder drain failed: status %d", n)
	}
	if flags&engineFlagEOS != 0 {
		return &DecodedAudio{EndOfStream: true}, nil
	}
	if n == 0 {
		return nil, nil
	}
	if rate <= 0 {
		rate = int32(d.config.SampleRate)
	}
	if channels <= 0 {
		channels = int32(d.config.Channels)
	}
	d.statsMu.Lock()
	d.stats.UnitsDecoded++
	d.statsMu.Unlock()
	return &DecodedAudio{PCM: &PCMBuffer{
		Data:       pcmBytesToSamples(d.buf[:n]),
		SampleRate: int(rate),
		Channels:   int(channels),
		PTS:        pts,
	}}, nil
}

func (d *engineAudioDecoder) Provider() Provider { return ProviderPlatform }
func (d *engineAudioDecoder) Config() AudioDecoderConfig { return d.config }
func (d *engineAudioDecoder) Codec() AudioCodec { return d.config.Codec }

func (d *engineAudioDecoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *engineAudioDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	engineADecDestroy(d.handle)
	d.handle = 0
	return nil
}

// --- Hardware audio encoder ---

type engineAudioEncoder struct {
	config AudioEncoderConfig
	handle uintptr

	mu         sync.Mutex
	buf        []byte
	formatSent bool
	closed     bool

	statsMu sync.Mutex
	stats   AudioEncoderStats
}

func newEngineAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	mime := config.Codec.MimeType()
	if mime == "" {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	handle := engineAEncCreate(mime, int32(config.SampleRate), int32(config.Channels), int32(config.BitrateBps))
	if handle == 0 {
		return nil, fmt.Errorf("engine audio encoder create failed for %s", config.Codec)
	}
	return &engineAudioEncoder{
		config: config,
		handle: handle,
		buf:    make([]byte, engineDrainBufferSize),
	}, nil
}

func (e *engineAudioEncoder) Feed(ctx context.Context, pcm *PCMBuffer) error {
	data := pcmSamplesToBytes(pcm.Data)
	if len(data) == 0 {
		return nil
	}
	deadline := time.Now().Add(feedTimeoutOr(e.config.FeedTimeout))
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return fmt.Errorf("engine audio encoder: %w", io.ErrClosedPipe)
		}
		status := engineAEncFeed(e.handle,
			uintptr(unsafe.Pointer(&data[0])), int32(len(data)), pcm.PTS)
		e.mu.Unlock()

		switch {
		case status == engineStatusOK:
			e.statsMu.Lock()
			e.stats.SamplesEncoded += uint64(len(pcm.Data))
			e.statsMu.Unlock()
			return nil
		case status == engineStatusTryAgain:
		case status < 0:
			return fmt.Errorf("engine audio encoder rejected buffer: status %d", status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("engine audio encoder feed: %w", ErrCodecStalled)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

func (e *engineAudioEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine audio encoder: %w", io.ErrClosedPipe)
	}
	return engineStatusErr("audio encoder eos", engineAEncEOS(e.handle))
}

func (e *engineAudioEncoder) Drain() (*EncoderOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine audio encoder: %w", io.ErrClosedPipe)
	}

	var pts int64
	var flags uint32
	n := engineAEncDrain(e.handle,
		uintptr(unsafe.Pointer(&e.buf[0])), int32(len(e.buf)),
		uintptr(unsafe.Pointer(&pts)), uintptr(unsafe.Pointer(&flags)))
	if n < 0 {
		return nil, fmt.Errorf("engine audio encoder drain failed: status %d", n)
	}

	if flags&engineFlagFormatChanged != 0 && !e.formatSent {
		e.formatSent = true
		format := TrackFormat{
			Kind:       TrackKindAudio,
			AudioCodec: e.config.Codec,
			SampleRate: e.config.SampleRate,
			Channels:   e.config.Channels,
			CodecData:  engineCodecData(e.handle, engineAEncCSD),
		}
		return &EncoderOutput{Format: &format}, nil
	}
	if flags&engineFlagEOS != 0 {
		return &EncoderOutput{EndOfStream: true}, nil
	}
	if n == 0 {
		return nil, nil
	}

	sample := &EncodedSample{
		Data:  append([]byte(nil), e.buf[:n]...),
		PTS:   pts,
		Flags: engineFlagsToSample(flags),
	}
	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(n)
	e.statsMu.Unlock()
	return &EncoderOutput{Sample: sample}, nil
}

func (e *engineAudioEncoder) Provider() Provider { return ProviderPlatform }
func (e *engineAudioEncoder) Config() AudioEncoderConfig { return e.config }
func (e *engineAudioEncoder) Codec() AudioCodec { return e.config.Codec }

func (e *engineAudioEncoder) Stats() AudioEncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *engineAudioEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	engineAEncDestroy(e.handle)
	e.handle = 0
	return nil
}

// --- Platform MP4 muxer ---

type engineMuxer struct {
	config MuxerConfig

	mu      sync.Mutex
	handle  uintptr
	tracks  int
	started bool
	stopped bool

	samplesWritten uint64
	bytesWritten   uint64
}

func newEngineMuxer(config MuxerConfig) (Muxer, error) {
	if config.Path == "" {
		return nil, errors.New("engine muxer requires an output path")
	}
	handle := engineMuxCreate(config.Path)
	if handle == 0 {
		return nil, fmt.Errorf("engine muxer create failed for %q", config.Path)
	}
	return &engineMuxer{config: config, handle: handle}, nil
}

func (m *engineMuxer) AddTrack(format TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, ErrMuxerStarted
	}

	var csd []byte
	if len(format.CodecData) > 0 {
		csd = format.CodecData[0]
	}
	var csdPtr uintptr
	if len(csd) > 0 {
		csdPtr = uintptr(unsafe.Pointer(&csd[0]))
	}

	var index int32
	switch format.Kind {
	case TrackKindVideo:
		index = engineMuxAddVideo(m.handle, format.VideoCodec.MimeType(),
			int32(format.Width), int32(format.Height), int32(format.FrameRate*1000),
			csdPtr, int32(len(csd)))
	case TrackKindAudio:
		index = engineMuxAddAudio(m.handle, format.AudioCodec.MimeType(),
			int32(format.SampleRate), int32(format.Channels),
			csdPtr, int32(len(csd)))
	default:
		return -1, fmt.Errorf("unknown track kind %v", format.Kind)
	}
	if index < 0 {
		return -1, fmt.Errorf("engine muxer rejected %s track: status %d", format.Kind, index)
	}
	m.tracks++
	return int(index), nil
}

func (m *engineMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrMuxerStarted
	}
	if err := engineStatusErr("muxer start", engineMuxStart(m.handle)); err != nil {
		return err
	}
	m.started = true
	return nil
}

func (m *engineMuxer) WriteSample(trackIndex int, sample *EncodedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return ErrMuxerStopped
	}
	if len(sample.Data) == 0 {
		return nil
	}
	status := engineMuxWrite(m.handle, int32(trackIndex),
		uintptr(unsafe.Pointer(&sample.Data[0])), int32(len(sample.Data)),
		sample.PTS, sampleFlagsToEngine(sample.Flags))
	if status != engineStatusOK {
		return fmt.Errorf("engine muxer write track %d failed: status %d", trackIndex, status)
	}
	m.samplesWritten++
	m.bytesWritten += uint64(len(sample.Data))
	return nil
}

func (m *engineMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return ErrMuxerStopped
	}
	m.stopped = true
	return engineStatusErr("muxer stop", engineMuxStop(m.handle))
}

func (m *engineMuxer) Stats() MuxerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MuxerStats{
		Tracks:         m.tracks,
		SamplesWritten: m.samplesWritten,
		BytesWritten:   m.bytesWritten,
		Started:        m.started,
		Stopped:        m.stopped,
	}
}

func (m *engineMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == 0 {
		return nil
	}
	engineMuxDestroy(m.handle)
	m.handle = 0
	return nil
}

func init() {
	if !EngineAvailable() {
		return
	}
	setProviderAvailable(ProviderPlatform)
	RegisterSurfaceDriver(engineSurfaceDriver{})

	for _, codec := range []VideoCodec{VideoCodecH264, VideoCodecH265, VideoCodecVP8, VideoCodecVP9, VideoCodecAV1} {
		registerVideoDecoder(codec, ProviderPlatform, newEngineVideoDecoder)
		registerVideoEncoder(codec, ProviderPlatform, newEngineVideoEncoder)
	}
	for _, codec := range []AudioCodec{AudioCodecAAC, AudioCodecOpus} {
		registerAudioDecoder(codec, ProviderPlatform, newEngineAudioDecoder)
		registerAudioEncoder(codec, ProviderPlatform, newEngineAudioEncoder)
	}
	registerMuxer(ContainerMP4, newEngineMuxer)
}
