package clipexport

import (
	"errors"
	"testing"
	"time"
)

func newTestChain(t *testing.T, driver *fakeSurfaceDriver) *ContextChain {
	t.Helper()
	chain, err := NewContextChain(ContextChainConfig{
		Driver:            driver,
		Logger:            newTestLogger(),
		FencePollInterval: 5 * time.Millisecond,
		FenceWaitCap:      100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewContextChain: %v", err)
	}
	return chain
}

func TestNewContextChain_NoDriver(t *testing.T) {
	if SurfaceDriverAvailable() {
		t.Skip("platform surface driver registered")
	}
	if _, err := NewContextChain(ContextChainConfig{}); !errors.Is(err, ErrNoSurfaceDriver) {
		t.Fatalf("expected ErrNoSurfaceDriver, got %v", err)
	}
}

func TestContextChain_Lifecycle(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)

	inits, terms := driver.displayCounts()
	if inits != 1 || terms != 0 {
		t.Fatalf("after create: inits=%d terms=%d", inits, terms)
	}

	if err := chain.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := chain.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	inits, terms = driver.displayCounts()
	if inits != 1 || terms != 1 {
		t.Fatalf("after close: inits=%d terms=%d", inits, terms)
	}
	if n := driver.liveResources(); n != 0 {
		t.Fatalf("%d driver resources leaked", n)
	}
}

func TestContextChain_SharedDisplayTeardown(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)

	decSurf, err := chain.NewDecoderSurface()
	if err != nil {
		t.Fatalf("NewDecoderSurface: %v", err)
	}
	encSurf, err := chain.NewEncoderSurface(0x5AFE, 1280, 720)
	if err != nil {
		t.Fatalf("NewEncoderSurface: %v", err)
	}

	// One shared display connection for chain plus both surfaces.
	if inits, _ := driver.displayCounts(); inits != 1 {
		t.Fatalf("display inits = %d, want 1", inits)
	}

	if err := decSurf.Release(); err != nil {
		t.Fatalf("decoder release: %v", err)
	}
	if _, terms := driver.displayCounts(); terms != 0 {
		t.Fatal("display terminated while references remain")
	}
	if err := encSurf.Release(); err != nil {
		t.Fatalf("encoder release: %v", err)
	}
	if _, terms := driver.displayCounts(); terms != 0 {
		t.Fatal("display terminated before chain closed")
	}
	if err := chain.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, terms := driver.displayCounts(); terms != 1 {
		t.Fatal("display not terminated exactly once")
	}
	if n := driver.liveResources(); n != 0 {
		t.Fatalf("%d driver resources leaked", n)
	}
}

func TestDecoderSurface_AwaitFrame(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewDecoderSurface()
	if err != nil {
		t.Fatalf("NewDecoderSurface: %v", err)
	}
	defer surf.Release()

	if surf.NativeWindow() == 0 {
		t.Fatal("surface has no native window for the decoder")
	}

	surf.FrameAvailable()
	frame, err := surf.AwaitFrame(0)
	if err != nil {
		t.Fatalf("AwaitFrame: %v", err)
	}
	if frame.Texture == 0 {
		t.Fatal("frame has no texture")
	}
	// Identity latch matrix composed with the flip is the flip itself.
	if frame.Matrix != verticalFlipMatrix {
		t.Fatalf("matrix = %v, want vertical flip", frame.Matrix)
	}
	if stats := surf.Stats(); stats.FramesLatched != 1 || stats.FrameWaitTimeouts != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDecoderSurface_AwaitFrameTimeout(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewDecoderSurface()
	if err != nil {
		t.Fatalf("NewDecoderSurface: %v", err)
	}
	defer surf.Release()

	if _, err := surf.AwaitFrame(30 * time.Millisecond); !errors.Is(err, ErrFrameWaitTimeout) {
		t.Fatalf("expected ErrFrameWaitTimeout, got %v", err)
	}
	if stats := surf.Stats(); stats.FrameWaitTimeouts != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDecoderSurface_ComposesDecoderTransform(t *testing.T) {
	driver := newFakeSurfaceDriver()
	// A decoder transform that crops to the left half: scale x by 0.5.
	driver.latchMatrix[0] = 0.5
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewDecoderSurface()
	if err != nil {
		t.Fatalf("NewDecoderSurface: %v", err)
	}
	defer surf.Release()

	surf.FrameAvailable()
	frame, err := surf.AwaitFrame(0)
	if err != nil {
		t.Fatalf("AwaitFrame: %v", err)
	}
	want := mat4Multiply(verticalFlipMatrix, driver.latchMatrix)
	if frame.Matrix != want {
		t.Fatalf("matrix = %v, want %v", frame.Matrix, want)
	}
}

func TestDecoderSurface_UseAfterRelease(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewDecoderSurface()
	if err != nil {
		t.Fatalf("NewDecoderSurface: %v", err)
	}
	if err := surf.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := surf.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := surf.AwaitFrame(time.Millisecond); !errors.Is(err, ErrSurfaceReleased) {
		t.Fatalf("expected ErrSurfaceReleased, got %v", err)
	}
}

func TestEncoderSurface_Present(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewEncoderSurface(0x5AFE, 1280, 720)
	if err != nil {
		t.Fatalf("NewEncoderSurface: %v", err)
	}
	defer surf.Release()

	frame := &SurfaceFrame{Texture: 42, Matrix: verticalFlipMatrix}
	if err := surf.Present(frame, 33_000_000); err != nil {
		t.Fatalf("Present: %v", err)
	}

	draws := driver.drawLog()
	if len(draws) != 1 {
		t.Fatalf("draws = %d, want 1", len(draws))
	}
	if draws[0].texture != 42 {
		t.Fatalf("drew texture %d, want 42", draws[0].texture)
	}
	if draws[0].quad != fullQuad {
		t.Fatalf("quad = %v, want full quad before source size is known", draws[0].quad)
	}
	if times := driver.presentTimeLog(); len(times) != 1 || times[0] != 33_000_000 {
		t.Fatalf("presentation times = %v", times)
	}
	if stats := surf.Stats(); stats.FramesPresented != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// Context, window surface and nothing else: the fence must be gone.
	if n := driver.liveResources(); n != 2 {
		t.Fatalf("live resources = %d, want 2", n)
	}
}

func TestEncoderSurface_AspectFitQuad(t *testing.T) {
	cases := []struct {
		name                   string
		srcW, srcH, dstW, dstH int
		wantSX, wantSY         float32
	}{
		{"same aspect", 1920, 1080, 1280, 720, 1, 1},
		{"wider source letterboxed", 2560, 1080, 1280, 720, 1, 0.75},
		{"taller source pillarboxed", 1080, 1920, 1280, 720, 0.31640625, 1},
		{"portrait target", 720, 720, 720, 1280, 1, 0.5625},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quad := aspectFitQuad(tc.srcW, tc.srcH, tc.dstW, tc.dstH)
			want := [8]float32{
				-tc.wantSX, -tc.wantSY,
				tc.wantSX, -tc.wantSY,
				-tc.wantSX, tc.wantSY,
				tc.wantSX, tc.wantSY,
			}
			for i := range quad {
				if diff := quad[i] - want[i]; diff > 1e-6 || diff < -1e-6 {
					t.Fatalf("quad = %v, want %v", quad, want)
				}
			}
		})
	}
}

func TestEncoderSurface_SetSourceSize(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewEncoderSurface(0x5AFE, 1280, 720)
	if err != nil {
		t.Fatalf("NewEncoderSurface: %v", err)
	}
	defer surf.Release()

	surf.SetSourceSize(2560, 1080)
	frame := &SurfaceFrame{Texture: 7, Matrix: verticalFlipMatrix}
	if err := surf.Present(frame, 0); err != nil {
		t.Fatalf("Present: %v", err)
	}

	draws := driver.drawLog()
	want := aspectFitQuad(2560, 1080, 1280, 720)
	if draws[len(draws)-1].quad != want {
		t.Fatalf("quad = %v, want %v", draws[len(draws)-1].quad, want)
	}

	// Degenerate sizes leave the quad untouched.
	surf.SetSourceSize(0, 1080)
	if err := surf.Present(frame, 0); err != nil {
		t.Fatalf("Present: %v", err)
	}
	draws = driver.drawLog()
	if draws[len(draws)-1].quad != want {
		t.Fatalf("quad changed on degenerate source size: %v", draws[len(draws)-1].quad)
	}
}

func TestEncoderSurface_FenceTimeout(t *testing.T) {
	driver := newFakeSurfaceDriver()
	driver.neverSignal = true
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewEncoderSurface(0x5AFE, 1280, 720)
	if err != nil {
		t.Fatalf("NewEncoderSurface: %v", err)
	}
	defer surf.Release()

	frame := &SurfaceFrame{Texture: 1, Matrix: verticalFlipMatrix}
	if err := surf.Present(frame, 0); !errors.Is(err, ErrFenceTimeout) {
		t.Fatalf("expected ErrFenceTimeout, got %v", err)
	}
	if stats := surf.Stats(); stats.FenceTimeouts != 1 || stats.FramesPresented != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	// The fence is destroyed even when it never signals.
	if n := driver.liveResources(); n != 2 {
		t.Fatalf("live resources = %d, want 2", n)
	}
}

func TestEncoderSurface_FenceSignalsAfterPolls(t *testing.T) {
	driver := newFakeSurfaceDriver()
	driver.signalAfterPolls = 3
	chain := newTestChain(t, driver)
	defer chain.Close()

	surf, err := chain.NewEncoderSurface(0x5AFE, 1280, 720)
	if err != nil {
		t.Fatalf("NewEncoderSurface: %v", err)
	}
	defer surf.Release()

	frame := &SurfaceFrame{Texture: 1, Matrix: verticalFlipMatrix}
	if err := surf.Present(frame, 0); err != nil {
		t.Fatalf("Present: %v", err)
	}
	driver.mu.Lock()
	polls := driver.fencePolls
	driver.mu.Unlock()
	if polls != 4 {
		t.Fatalf("fence polls = %d, want 4", polls)
	}
}

func TestEncoderSurface_RejectsBadTarget(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)
	defer chain.Close()

	if _, err := chain.NewEncoderSurface(0x5AFE, 0, 720); err == nil {
		t.Fatal("expected error for zero target width")
	}
}

func TestGPUWorker_ClosedChain(t *testing.T) {
	driver := newFakeSurfaceDriver()
	chain := newTestChain(t, driver)

	surf, err := chain.NewEncoderSurface(0x5AFE, 1280, 720)
	if err != nil {
		t.Fatalf("NewEncoderSurface: %v", err)
	}
	if err := surf.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := chain.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	other, err := NewContextChain(ContextChainConfig{Driver: driver, Logger: newTestLogger()})
	if err != nil {
		t.Fatalf("NewContextChain: %v", err)
	}
	defer other.Close()
	if err := chain.worker.run(func() error { return nil }); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}
}

func TestVerticalFlipMatrix(t *testing.T) {
	// Applying the flip to texture coordinates maps the top row to the
	// bottom and back.
	apply := func(m [16]float32, x, y float32) (float32, float32) {
		ox := m[0]*x + m[4]*y + m[12]
		oy := m[1]*x + m[5]*y + m[13]
		return ox, oy
	}
	if _, y := apply(verticalFlipMatrix, 0, 0); y != 1 {
		t.Fatalf("flip(0,0).y = %v, want 1", y)
	}
	if _, y := apply(verticalFlipMatrix, 0, 1); y != 0 {
		t.Fatalf("flip(0,1).y = %v, want 0", y)
	}
	if x, _ := apply(verticalFlipMatrix, 0.25, 0.5); x != 0.25 {
		t.Fatalf("flip must not move x, got %v", x)
	}
}

func TestMat4Multiply_Identity(t *testing.T) {
	identity := [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	m := verticalFlipMatrix
	if got := mat4Multiply(identity, m); got != m {
		t.Fatalf("I*m = %v, want %v", got, m)
	}
	if got := mat4Multiply(m, identity); got != m {
		t.Fatalf("m*I = %v, want %v", got, m)
	}
	// The flip is its own inverse.
	if got := mat4Multiply(m, m); got != identity {
		t.Fatalf("flip*flip = %v, want identity", got)
	}
}
