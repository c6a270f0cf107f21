package clipexport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// newTestLogger returns a logger that stays quiet unless a test fails.
func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// scriptedSource is a ClipSource that replays a fixed sample script.
type scriptedSource struct {
	info    TrackInfo
	samples []MediaSample

	mu      sync.Mutex
	next    int
	seeks   []time.Duration
	closed  bool
	readErr error // returned instead of samples when set
}

func (s *scriptedSource) Info() TrackInfo { return s.info }

func (s *scriptedSource) SeekTo(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, t)
	// Reposition at the first sample at or after t.
	target := t.Microseconds()
	s.next = len(s.samples)
	for i, sm := range s.samples {
		if sm.PTS >= target {
			s.next = i
			break
		}
	}
	return nil
}

func (s *scriptedSource) ReadSample(ctx context.Context) (*MediaSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	if s.next >= len(s.samples) {
		return nil, io.EOF
	}
	sample := s.samples[s.next]
	s.next++
	return &sample, nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// scriptedOpener hands out scripted sources by handle and kind.
type scriptedOpener struct {
	mu      sync.Mutex
	sources map[string]func(kind TrackKind) (ClipSource, error)
	opens   []string
}

func newScriptedOpener() *scriptedOpener {
	return &scriptedOpener{sources: make(map[string]func(TrackKind) (ClipSource, error))}
}

func (o *scriptedOpener) add(source string, fn func(kind TrackKind) (ClipSource, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[source] = fn
}

func (o *scriptedOpener) OpenSource(source string, kind TrackKind) (ClipSource, error) {
	o.mu.Lock()
	fn, ok := o.sources[source]
	o.opens = append(o.opens, source)
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no scripted source %q", source)
	}
	return fn(kind)
}

// failingOpener refuses every open.
type failingOpener struct{}

func (failingOpener) OpenSource(source string, kind TrackKind) (ClipSource, error) {
	return nil, fmt.Errorf("open %q: unreadable", source)
}

// fakeMuxer records the muxer protocol for assertions and lets tests inject
// failures at each step.
type fakeMuxer struct {
	mu         sync.Mutex
	tracks     []TrackFormat
	written    map[int][]*EncodedSample
	startCalls int
	started    bool
	stopped    bool

	addErr   error
	startErr error
	writeErr error
}

func newFakeMuxer() *fakeMuxer {
	return &fakeMuxer{written: make(map[int][]*EncodedSample)}
}

func (m *fakeMuxer) AddTrack(format TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return -1, m.addErr
	}
	if m.started {
		return -1, ErrMuxerStarted
	}
	m.tracks = append(m.tracks, *format.Clone())
	return len(m.tracks) - 1, nil
}

func (m *fakeMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return m.startErr
	}
	if m.started {
		return ErrMuxerStarted
	}
	m.started = true
	return nil
}

func (m *fakeMuxer) WriteSample(trackIndex int, sample *EncodedSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return ErrMuxerStopped
	}
	if trackIndex < 0 || trackIndex >= len(m.tracks) {
		return ErrTrackIndex
	}
	m.written[trackIndex] = append(m.written[trackIndex], sample.Clone())
	return nil
}

func (m *fakeMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrMuxerNotStarted
	}
	if m.stopped {
		return ErrMuxerStopped
	}
	m.stopped = true
	return nil
}

func (m *fakeMuxer) Stats() MuxerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var samples uint64
	for _, w := range m.written {
		samples += uint64(len(w))
	}
	return MuxerStats{
		Tracks:         len(m.tracks),
		SamplesWritten: samples,
		Started:        m.started,
		Stopped:        m.stopped,
	}
}

func (m *fakeMuxer) Close() error { return nil }

func (m *fakeMuxer) samplesOn(trackIndex int) []*EncodedSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*EncodedSample, len(m.written[trackIndex]))
	copy(out, m.written[trackIndex])
	return out
}

// videoSampleScript builds n video samples at the given frame rate with a
// keyframe every keyEvery frames.
func videoSampleScript(n int, frameRate float64, keyEvery int) []MediaSample {
	samples := make([]MediaSample, n)
	for i := range samples {
		samples[i] = MediaSample{
			Data: []byte{byte(i), byte(i >> 8), 0xAA},
			PTS:  int64(float64(i) * 1e6 / frameRate),
		}
		if keyEvery > 0 && i%keyEvery == 0 {
			samples[i].Flags = SampleFlagKeyframe
		}
	}
	return samples
}

// pcmSampleScript builds n raw S16LE audio samples of frames frames each.
func pcmSampleScript(n, frames, sampleRate, channels int) []MediaSample {
	samples := make([]MediaSample, n)
	for i := range samples {
		data := make([]byte, frames*channels*2)
		for j := range data {
			data[j] = byte(i + j)
		}
		samples[i] = MediaSample{
			Data: data,
			PTS:  int64(i) * int64(frames) * 1e6 / int64(sampleRate),
		}
	}
	return samples
}

// fakeDraw records one DrawQuad call.
type fakeDraw struct {
	texture uintptr
	matrix  [16]float32
	quad    [8]float32
}

// fakeSurfaceDriver is an in-memory SurfaceDriver that tracks handle
// lifecycles and records draw activity.
type fakeSurfaceDriver struct {
	mu sync.Mutex

	nextHandle   uintptr
	displayInits int
	displayTerms int

	liveContexts map[uintptr]bool
	liveSurfaces map[uintptr]bool
	liveTextures map[uintptr]bool
	liveFences   map[uintptr]bool

	latchMatrix [16]float32
	latchErr    error
	latches     int

	draws        []fakeDraw
	presentTimes []int64
	lastPresent  int64
	swaps        int

	// onSwap is invoked after every buffer swap with the presentation time
	// stamped on the frame. Tests wire it to a fake encoder so rendered
	// frames turn into encoder output.
	onSwap func(ptsNanos int64)

	// signalAfterPolls delays fence signaling by that many WaitFence
	// calls; neverSignal keeps the fence unsignaled forever.
	signalAfterPolls int
	neverSignal      bool
	fencePolls       int
	pollsThisFence   int

	currentSurface uintptr
}

func newFakeSurfaceDriver() *fakeSurfaceDriver {
	return &fakeSurfaceDriver{
		liveContexts: make(map[uintptr]bool),
		liveSurfaces: make(map[uintptr]bool),
		liveTextures: make(map[uintptr]bool),
		liveFences:   make(map[uintptr]bool),
		latchMatrix: [16]float32{
			1, 0, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		},
	}
}

func (d *fakeSurfaceDriver) newHandle() uintptr {
	d.nextHandle++
	return d.nextHandle
}

func (d *fakeSurfaceDriver) InitDisplay() (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayInits++
	return d.newHandle(), nil
}

func (d *fakeSurfaceDriver) TerminateDisplay(display uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayTerms++
	return nil
}

func (d *fakeSurfaceDriver) CreateContext(display, shared uintptr) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.newHandle()
	d.liveContexts[h] = true
	return h, nil
}

func (d *fakeSurfaceDriver) DestroyContext(display, context uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.liveContexts[context] {
		return fmt.Errorf("destroy of unknown context %#x", context)
	}
	delete(d.liveContexts, context)
	return nil
}

func (d *fakeSurfaceDriver) CreateWindowSurface(display, window uintptr) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.newHandle()
	d.liveSurfaces[h] = true
	return h, nil
}

func (d *fakeSurfaceDriver) DestroySurface(display, surface uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.liveSurfaces[surface] {
		return fmt.Errorf("destroy of unknown surface %#x", surface)
	}
	delete(d.liveSurfaces, surface)
	return nil
}

func (d *fakeSurfaceDriver) MakeCurrent(display, surface, context uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentSurface = surface
	return nil
}

func (d *fakeSurfaceDriver) CreateFrameTexture(display, context uintptr) (uintptr, uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	texture := d.newHandle()
	window := d.newHandle()
	d.liveTextures[texture] = true
	return texture, window, nil
}

func (d *fakeSurfaceDriver) DestroyFrameTexture(texture uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.liveTextures[texture] {
		return fmt.Errorf("destroy of unknown texture %#x", texture)
	}
	delete(d.liveTextures, texture)
	return nil
}

func (d *fakeSurfaceDriver) LatchFrame(texture uintptr) ([16]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latchErr != nil {
		return [16]float32{}, d.latchErr
	}
	d.latches++
	return d.latchMatrix, nil
}

func (d *fakeSurfaceDriver) DrawQuad(context, texture uintptr, matrix [16]float32, quad [8]float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draws = append(d.draws, fakeDraw{texture: texture, matrix: matrix, quad: quad})
	return nil
}

func (d *fakeSurfaceDriver) SetPresentationTime(display, surface uintptr, nanos int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presentTimes = append(d.presentTimes, nanos)
	d.lastPresent = nanos
	return nil
}

func (d *fakeSurfaceDriver) SwapBuffers(display, surface uintptr) error {
	d.mu.Lock()
	d.swaps++
	onSwap := d.onSwap
	pts := d.lastPresent
	d.mu.Unlock()
	if onSwap != nil {
		onSwap(pts)
	}
	return nil
}

func (d *fakeSurfaceDriver) InsertFence(display uintptr) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.newHandle()
	d.liveFences[h] = true
	d.pollsThisFence = 0
	return h, nil
}

func (d *fakeSurfaceDriver) WaitFence(display, fence uintptr, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	d.fencePolls++
	d.pollsThisFence++
	signaled := !d.neverSignal && d.pollsThisFence > d.signalAfterPolls
	d.mu.Unlock()
	if !signaled {
		time.Sleep(timeout)
	}
	return signaled, nil
}

func (d *fakeSurfaceDriver) DestroyFence(display, fence uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.liveFences[fence] {
		return fmt.Errorf("destroy of unknown fence %#x", fence)
	}
	delete(d.liveFences, fence)
	return nil
}

// liveResources counts handles that were created but never destroyed.
func (d *fakeSurfaceDriver) liveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.liveContexts) + len(d.liveSurfaces) + len(d.liveTextures) + len(d.liveFences)
}

func (d *fakeSurfaceDriver) drawLog() []fakeDraw {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]fakeDraw, len(d.draws))
	copy(out, d.draws)
	return out
}

func (d *fakeSurfaceDriver) presentTimeLog() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, len(d.presentTimes))
	copy(out, d.presentTimes)
	return out
}

func (d *fakeSurfaceDriver) setOnSwap(fn func(ptsNanos int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSwap = fn
}

func (d *fakeSurfaceDriver) displayCounts() (inits, terms int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.displayInits, d.displayTerms
}

// Fake VP8 codec pair, registered under the platform provider so pipeline
// tests resolve it the way a real export resolves hardware codecs. The hooks
// let a test intercept the instance a pipeline creates internally.
var (
	fakeCodecOnce        sync.Once
	fakeVideoDecoderHook func(*fakeVideoDecoder)
	fakeVideoEncoderHook func(*fakeVideoEncoder)
)

func registerFakeVideoCodec() {
	fakeCodecOnce.Do(func() {
		registerVideoDecoder(VideoCodecVP8, ProviderPlatform, func(config VideoDecoderConfig) (VideoDecoder, error) {
			d := &fakeVideoDecoder{config: config}
			if fakeVideoDecoderHook != nil {
				fakeVideoDecoderHook(d)
			}
			return d, nil
		})
		registerVideoEncoder(VideoCodecVP8, ProviderPlatform, func(config VideoEncoderConfig) (VideoEncoder, error) {
			e := newFakeVideoEncoder(config)
			if fakeVideoEncoderHook != nil {
				fakeVideoEncoderHook(e)
			}
			return e, nil
		})
		setProviderAvailable(ProviderPlatform)
	})
}

// fakeVideoDecoder turns every fed sample into one decoded frame with the
// same PTS and notifies its output surface, mimicking a hardware decoder
// releasing a buffer to the external texture.
type fakeVideoDecoder struct {
	config VideoDecoderConfig

	// suppressNotify keeps FrameAvailable from firing, simulating a decoder
	// that claims a frame but never delivers it to the surface.
	suppressNotify bool

	mu           sync.Mutex
	queue        []int64
	eosSignaled  bool
	eosDelivered bool
	closed       bool

	stats DecoderStats
}

func (d *fakeVideoDecoder) Feed(ctx context.Context, sample *MediaSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.ErrClosedPipe
	}
	if d.eosSignaled {
		return ErrStreamEnded
	}
	d.queue = append(d.queue, sample.PTS)
	d.stats.SamplesFed++
	d.stats.BytesFed += uint64(len(sample.Data))
	return nil
}

func (d *fakeVideoDecoder) SignalEndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eosSignaled = true
	return nil
}

func (d *fakeVideoDecoder) Drain() (*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, io.ErrClosedPipe
	}
	if len(d.queue) > 0 {
		pts := d.queue[0]
		d.queue = d.queue[1:]
		d.stats.UnitsDecoded++
		if d.config.Output != nil && !d.suppressNotify {
			d.config.Output.FrameAvailable()
		}
		return &DecodedFrame{PTS: pts}, nil
	}
	if d.eosSignaled && !d.eosDelivered {
		d.eosDelivered = true
		return &DecodedFrame{EndOfStream: true}, nil
	}
	return nil, nil
}

func (d *fakeVideoDecoder) Provider() Provider { return ProviderPlatform }

func (d *fakeVideoDecoder) Config() VideoDecoderConfig { return d.config }

func (d *fakeVideoDecoder) Codec() VideoCodec { return d.config.Codec }

func (d *fakeVideoDecoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *fakeVideoDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
	return nil
}

// fakeVideoEncoder emits one encoded sample per frame a fake surface driver
// swaps onto it (wired through the driver's onSwap hook), with the stamped
// presentation time converted back to microseconds.
type fakeVideoEncoder struct {
	config VideoEncoderConfig

	mu           sync.Mutex
	queue        []*EncodedSample
	formatSent   bool
	eosSignaled  bool
	eosDelivered bool
	closed       bool

	stats VideoEncoderStats
}

func newFakeVideoEncoder(config VideoEncoderConfig) *fakeVideoEncoder {
	return &fakeVideoEncoder{config: config}
}

// ingest records one presented frame as encoder output.
func (e *fakeVideoEncoder) ingest(ptsNanos int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.eosSignaled {
		return
	}
	var flags SampleFlags
	if e.stats.FramesEncoded == 0 {
		flags = SampleFlagKeyframe
		e.stats.KeyframesEncoded++
	}
	sample := &EncodedSample{
		Data:  []byte{0xE0, byte(e.stats.FramesEncoded)},
		PTS:   ptsNanos / 1000,
		Flags: flags,
	}
	e.queue = append(e.queue, sample)
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(len(sample.Data))
}

func (e *fakeVideoEncoder) InputWindow() uintptr { return 0xE1C }

func (e *fakeVideoEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eosSignaled = true
	return nil
}

func (e *fakeVideoEncoder) Drain() (*EncoderOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, io.ErrClosedPipe
	}
	if !e.formatSent {
		e.formatSent = true
		return &EncoderOutput{Format: &TrackFormat{
			Kind:       TrackKindVideo,
			VideoCodec: e.config.Codec,
			Width:      e.config.Width,
			Height:     e.config.Height,
			FrameRate:  e.config.FrameRate,
		}}, nil
	}
	if len(e.queue) > 0 {
		sample := e.queue[0]
		e.queue = e.queue[1:]
		return &EncoderOutput{Sample: sample}, nil
	}
	if e.eosSignaled && !e.eosDelivered {
		e.eosDelivered = true
		return &EncoderOutput{EndOfStream: true}, nil
	}
	return nil, nil
}

func (e *fakeVideoEncoder) Provider() Provider { return ProviderPlatform }

func (e *fakeVideoEncoder) Config() VideoEncoderConfig { return e.config }

func (e *fakeVideoEncoder) Codec() VideoCodec { return e.config.Codec }

func (e *fakeVideoEncoder) Stats() VideoEncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *fakeVideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
	return nil
}
