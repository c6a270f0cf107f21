package clipexport

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Surface errors
var (
	ErrNoSurfaceDriver  = errors.New("no surface driver available")
	ErrSurfaceReleased  = errors.New("surface released")
	ErrFrameWaitTimeout = errors.New("decoded frame wait timed out")
	ErrFenceTimeout     = errors.New("gpu fence wait timed out")
	ErrWorkerClosed     = errors.New("gpu worker closed")
)

const (
	// defaultFrameWaitTimeout bounds AwaitFrame. A stalled decoder that
	// produces no frame within this window is a hard clip failure.
	defaultFrameWaitTimeout = 2500 * time.Millisecond

	// fencePollInterval and fenceWaitCap bound the post-swap fence wait
	// that guards the decoder's buffer recycling.
	fencePollInterval = 50 * time.Millisecond
	fenceWaitCap      = 5 * time.Second
)

// SurfaceDriver is the native contract behind the render surfaces: display
// and context management, the decoder's external frame texture, the draw
// call, and fences. The platform engine registers the real implementation;
// tests substitute fakes.
//
// Every method is called from the chain's dedicated GPU thread.
type SurfaceDriver interface {
	InitDisplay() (uintptr, error)
	TerminateDisplay(display uintptr) error

	CreateContext(display, shared uintptr) (uintptr, error)
	DestroyContext(display, context uintptr) error

	// CreateWindowSurface wraps a native window (an encoder's input) in a
	// renderable surface.
	CreateWindowSurface(display, window uintptr) (uintptr, error)
	DestroySurface(display, surface uintptr) error
	MakeCurrent(display, surface, context uintptr) error

	// CreateFrameTexture allocates the external texture a decoder renders
	// into, returning the texture handle and the native window to configure
	// the decoder with.
	CreateFrameTexture(display, context uintptr) (texture, window uintptr, err error)
	DestroyFrameTexture(texture uintptr) error

	// LatchFrame advances the external texture to the newest decoded frame
	// and returns its texture transform matrix (column-major).
	LatchFrame(texture uintptr) ([16]float32, error)

	DrawQuad(context, texture uintptr, matrix [16]float32, quad [8]float32) error
	SetPresentationTime(display, surface uintptr, nanos int64) error
	SwapBuffers(display, surface uintptr) error

	InsertFence(display uintptr) (uintptr, error)
	// WaitFence reports whether the fence signaled within the timeout.
	WaitFence(display, fence uintptr, timeout time.Duration) (bool, error)
	DestroyFence(display, fence uintptr) error
}

var (
	surfaceDriverMu sync.RWMutex
	surfaceDriver   SurfaceDriver
)

// RegisterSurfaceDriver installs the platform surface driver. Called by the
// native engine's init when its library loads.
func RegisterSurfaceDriver(driver SurfaceDriver) {
	surfaceDriverMu.Lock()
	defer surfaceDriverMu.Unlock()
	surfaceDriver = driver
}

// SurfaceDriverAvailable reports whether a platform driver is registered.
func SurfaceDriverAvailable() bool {
	surfaceDriverMu.RLock()
	defer surfaceDriverMu.RUnlock()
	return surfaceDriver != nil
}

// gpuWorker serializes driver calls onto one locked OS thread. GPU contexts
// are affine to the thread that made them current, so every call from the
// coordinating task is dispatched here and awaited.
type gpuWorker struct {
	jobs      chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func newGPUWorker() *gpuWorker {
	w := &gpuWorker{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *gpuWorker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.done:
			return
		}
	}
}

// run executes fn on the GPU thread and waits for its result.
func (w *gpuWorker) run(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case w.jobs <- func() { errc <- fn() }:
		return <-errc
	case <-w.done:
		return ErrWorkerClosed
	}
}

func (w *gpuWorker) close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// countedDisplay shares one display connection between the chain and its
// surfaces. The last release terminates the display; earlier releases only
// drop the count, so surfaces and chain can tear down in any order without
// double-terminating.
type countedDisplay struct {
	driver SurfaceDriver

	mu     sync.Mutex
	handle uintptr
	refs   int
}

func (d *countedDisplay) acquire() (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		handle, err := d.driver.InitDisplay()
		if err != nil {
			return 0, fmt.Errorf("init display: %w", err)
		}
		d.handle = handle
	}
	d.refs++
	return d.handle, nil
}

func (d *countedDisplay) release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return nil
	}
	d.refs--
	if d.refs > 0 {
		return nil
	}
	handle := d.handle
	d.handle = 0
	if err := d.driver.TerminateDisplay(handle); err != nil {
		return fmt.Errorf("terminate display: %w", err)
	}
	return nil
}

// ContextChainConfig configures the shared GPU context chain.
type ContextChainConfig struct {
	// Driver overrides the registered platform driver.
	Driver SurfaceDriver
	// Logger defaults to the standard logger.
	Logger *logrus.Logger
	// FencePollInterval and FenceWaitCap bound Present's fence wait.
	// Zero values use the defaults.
	FencePollInterval time.Duration
	FenceWaitCap      time.Duration
}

// ContextChain owns the GPU resources one export shares: the display, the
// root context both surfaces live in, and the single worker thread all
// driver calls run on. Frames decoded onto a DecoderSurface can be drawn
// onto an EncoderSurface without leaving the GPU.
type ContextChain struct {
	driver  SurfaceDriver
	worker  *gpuWorker
	display *countedDisplay
	logger  *logrus.Logger

	fencePoll time.Duration
	fenceCap  time.Duration

	displayHandle uintptr
	context       uintptr

	closed atomic.Bool
}

// NewContextChain creates the shared context chain for one export.
func NewContextChain(config ContextChainConfig) (*ContextChain, error) {
	driver := config.Driver
	if driver == nil {
		surfaceDriverMu.RLock()
		driver = surfaceDriver
		surfaceDriverMu.RUnlock()
	}
	if driver == nil {
		return nil, ErrNoSurfaceDriver
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	fencePoll := config.FencePollInterval
	if fencePoll <= 0 {
		fencePoll = fencePollInterval
	}
	fenceCap := config.FenceWaitCap
	if fenceCap <= 0 {
		fenceCap = fenceWaitCap
	}

	chain := &ContextChain{
		driver:    driver,
		worker:    newGPUWorker(),
		display:   &countedDisplay{driver: driver},
		logger:    logger,
		fencePoll: fencePoll,
		fenceCap:  fenceCap,
	}
	err := chain.worker.run(func() error {
		handle, err := chain.display.acquire()
		if err != nil {
			return err
		}
		context, err := driver.CreateContext(handle, 0)
		if err != nil {
			chain.display.release()
			return fmt.Errorf("create context: %w", err)
		}
		chain.displayHandle = handle
		chain.context = context
		return nil
	})
	if err != nil {
		chain.worker.close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"display": fmt.Sprintf("%#x", chain.displayHandle),
		"context": fmt.Sprintf("%#x", chain.context),
	}).Debug("GPU context chain ready")
	return chain, nil
}

// Close releases the chain's context and display. Surfaces created from the
// chain must be released first.
func (c *ContextChain) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.worker.run(func() error {
		var errs []error
		if c.context != 0 {
			if derr := c.driver.DestroyContext(c.displayHandle, c.context); derr != nil {
				errs = append(errs, derr)
			}
			c.context = 0
		}
		if derr := c.display.release(); derr != nil {
			errs = append(errs, derr)
		}
		if len(errs) > 0 {
			return errs[0]
		}
		return nil
	})
	c.worker.close()
	return err
}

// SurfaceFrame is a latched decoder frame: the external texture and its
// corrected transform matrix, ready to draw.
type SurfaceFrame struct {
	Texture uintptr
	Matrix  [16]float32
}

// DecoderSurfaceStats provides frame-wait metrics.
type DecoderSurfaceStats struct {
	FramesLatched     uint64
	FrameWaitTimeouts uint64
}

// DecoderSurface receives hardware-decoded frames as an external texture.
// The decoder is configured with NativeWindow; each released output buffer
// lands on the texture and triggers FrameAvailable.
type DecoderSurface struct {
	chain   *ContextChain
	texture uintptr
	window  uintptr

	frameC   chan struct{}
	released atomic.Bool

	statsMu sync.Mutex
	stats   DecoderSurfaceStats
}

// NewDecoderSurface creates the decode-output surface on the chain.
func (c *ContextChain) NewDecoderSurface() (*DecoderSurface, error) {
	s := &DecoderSurface{
		chain:  c,
		frameC: make(chan struct{}, 1),
	}
	err := c.worker.run(func() error {
		if _, err := c.display.acquire(); err != nil {
			return err
		}
		texture, window, err := c.driver.CreateFrameTexture(c.displayHandle, c.context)
		if err != nil {
			c.display.release()
			return fmt.Errorf("create frame texture: %w", err)
		}
		s.texture = texture
		s.window = window
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NativeWindow returns the window handle to configure the decoder with.
func (s *DecoderSurface) NativeWindow() uintptr { return s.window }

// FrameAvailable signals that the decoder released a frame to the surface.
// Callers run decode and render in lockstep, one frame at a time, so
// notifications never pile up.
func (s *DecoderSurface) FrameAvailable() {
	select {
	case s.frameC <- struct{}{}:
	default:
	}
}

// AwaitFrame blocks until the next frame notification, then latches the
// newest frame and returns it with the decoder's transform composed with a
// vertical flip. A timeout of 0 uses the default bound. Timing out is a
// hard failure for the clip being rendered.
func (s *DecoderSurface) AwaitFrame(timeout time.Duration) (*SurfaceFrame, error) {
	if s.released.Load() {
		return nil, ErrSurfaceReleased
	}
	if timeout <= 0 {
		timeout = defaultFrameWaitTimeout
	}
	select {
	case <-s.frameC:
	case <-time.After(timeout):
		s.statsMu.Lock()
		s.stats.FrameWaitTimeouts++
		s.statsMu.Unlock()
		return nil, fmt.Errorf("after %v: %w", timeout, ErrFrameWaitTimeout)
	}

	var frame *SurfaceFrame
	err := s.chain.worker.run(func() error {
		matrix, err := s.chain.driver.LatchFrame(s.texture)
		if err != nil {
			return fmt.Errorf("latch frame: %w", err)
		}
		frame = &SurfaceFrame{
			Texture: s.texture,
			Matrix:  mat4Multiply(verticalFlipMatrix, matrix),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.statsMu.Lock()
	s.stats.FramesLatched++
	s.statsMu.Unlock()
	return frame, nil
}

// Stats returns frame-wait metrics.
func (s *DecoderSurface) Stats() DecoderSurfaceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Release destroys the surface's texture and drops its display reference.
// Safe to call more than once.
func (s *DecoderSurface) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	return s.chain.worker.run(func() error {
		var errs []error
		if s.texture != 0 {
			if err := s.chain.driver.DestroyFrameTexture(s.texture); err != nil {
				errs = append(errs, err)
			}
			s.texture = 0
		}
		if err := s.chain.display.release(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errs[0]
		}
		return nil
	})
}

// EncoderSurfaceStats provides present metrics.
type EncoderSurfaceStats struct {
	FramesPresented uint64
	FenceTimeouts   uint64
}

// EncoderSurface wraps a video encoder's input window. Present draws a
// latched decoder frame onto it aspect-fit, stamps the presentation time
// and swaps, then blocks on a fence until the GPU has finished reading the
// source texture, at which point the decoder may recycle its buffer.
type EncoderSurface struct {
	chain   *ContextChain
	surface uintptr

	targetWidth  int
	targetHeight int

	mu   sync.Mutex
	quad [8]float32

	released atomic.Bool

	statsMu sync.Mutex
	stats   EncoderSurfaceStats
}

// NewEncoderSurface wraps the encoder input window in a renderable surface
// of the export's target dimensions.
func (c *ContextChain) NewEncoderSurface(window uintptr, targetWidth, targetHeight int) (*EncoderSurface, error) {
	if targetWidth <= 0 || targetHeight <= 0 {
		return nil, fmt.Errorf("encoder surface needs target dimensions, got %dx%d", targetWidth, targetHeight)
	}
	s := &EncoderSurface{
		chain:        c,
		targetWidth:  targetWidth,
		targetHeight: targetHeight,
		quad:         fullQuad,
	}
	err := c.worker.run(func() error {
		if _, err := c.display.acquire(); err != nil {
			return err
		}
		surface, err := c.driver.CreateWindowSurface(c.displayHandle, window)
		if err != nil {
			c.display.release()
			return fmt.Errorf("create window surface: %w", err)
		}
		s.surface = surface
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetSourceSize recomputes the aspect-fit quad for a newly detected source
// size. Until called, frames are drawn full-screen.
func (s *EncoderSurface) SetSourceSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	quad := aspectFitQuad(width, height, s.targetWidth, s.targetHeight)
	s.mu.Lock()
	s.quad = quad
	s.mu.Unlock()
}

// Present renders one latched frame and hands it to the encoder. ptsNanos
// is the frame's adjusted presentation time in nanoseconds. Present returns
// only after the GPU fence signals; ErrFenceTimeout reports a stalled GPU
// and fails the clip.
func (s *EncoderSurface) Present(frame *SurfaceFrame, ptsNanos int64) error {
	if s.released.Load() {
		return ErrSurfaceReleased
	}
	s.mu.Lock()
	quad := s.quad
	s.mu.Unlock()

	c := s.chain
	err := c.worker.run(func() error {
		if err := c.driver.MakeCurrent(c.displayHandle, s.surface, c.context); err != nil {
			return fmt.Errorf("make current: %w", err)
		}
		if err := c.driver.DrawQuad(c.context, frame.Texture, frame.Matrix, quad); err != nil {
			return fmt.Errorf("draw: %w", err)
		}
		if err := c.driver.SetPresentationTime(c.displayHandle, s.surface, ptsNanos); err != nil {
			return fmt.Errorf("set presentation time: %w", err)
		}
		if err := c.driver.SwapBuffers(c.displayHandle, s.surface); err != nil {
			return fmt.Errorf("swap: %w", err)
		}

		fence, err := c.driver.InsertFence(c.displayHandle)
		if err != nil {
			return fmt.Errorf("insert fence: %w", err)
		}
		defer c.driver.DestroyFence(c.displayHandle, fence)

		deadline := time.Now().Add(c.fenceCap)
		for {
			signaled, err := c.driver.WaitFence(c.displayHandle, fence, c.fencePoll)
			if err != nil {
				return fmt.Errorf("fence wait: %w", err)
			}
			if signaled {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("after %v: %w", c.fenceCap, ErrFenceTimeout)
			}
		}
	})
	if err != nil {
		if errors.Is(err, ErrFenceTimeout) {
			s.statsMu.Lock()
			s.stats.FenceTimeouts++
			s.statsMu.Unlock()
		}
		return err
	}
	s.statsMu.Lock()
	s.stats.FramesPresented++
	s.statsMu.Unlock()
	return nil
}

// Stats returns present metrics.
func (s *EncoderSurface) Stats() EncoderSurfaceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Release destroys the window surface and drops its display reference.
// Safe to call more than once.
func (s *EncoderSurface) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	return s.chain.worker.run(func() error {
		var errs []error
		if s.surface != 0 {
			if err := s.chain.driver.DestroySurface(s.chain.displayHandle, s.surface); err != nil {
				errs = append(errs, err)
			}
			s.surface = 0
		}
		if err := s.chain.display.release(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errs[0]
		}
		return nil
	})
}

// fullQuad covers the whole target in normalized device coordinates.
var fullQuad = [8]float32{-1, -1, 1, -1, -1, 1, 1, 1}

// verticalFlipMatrix converts between the codec's top-left frame origin and
// the GPU's bottom-left texture origin (column-major).
var verticalFlipMatrix = [16]float32{
	1, 0, 0, 0,
	0, -1, 0, 0,
	0, 0, 1, 0,
	0, 1, 0, 1,
}

// aspectFitQuad computes the NDC rectangle that shows a srcW x srcH frame
// inside a dstW x dstH target at uniform scale: sources wider than the
// target are letterboxed, taller ones pillarboxed.
func aspectFitQuad(srcW, srcH, dstW, dstH int) [8]float32 {
	srcAspect := float32(srcW) / float32(srcH)
	dstAspect := float32(dstW) / float32(dstH)

	sx, sy := float32(1), float32(1)
	if srcAspect > dstAspect {
		sy = dstAspect / srcAspect
	} else {
		sx = srcAspect / dstAspect
	}
	return [8]float32{-sx, -sy, sx, -sy, -sx, sy, sx, sy}
}

// mat4Multiply returns a x b for column-major 4x4 matrices.
func mat4Multiply(a, b [16]float32) [16]float32 {
	var out [16]float32
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}
