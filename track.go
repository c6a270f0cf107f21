package clipexport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// pendingSampleCap bounds samples buffered per track while the muxer
	// gate is closed. Overflow drops the oldest buffered sample.
	pendingSampleCap = 300

	// drainTimeout bounds the post-EOS drain of an encoder. A track that
	// cannot drain within this window is force-completed.
	drainTimeout = 4 * time.Second

	// drainPollInterval paces drain polling while the encoder has nothing
	// ready.
	drainPollInterval = 10 * time.Millisecond
)

// pendingQueue buffers encoded samples that arrive before the muxer can
// accept them. Not safe for concurrent use; each track's processor owns
// its queue.
type pendingQueue struct {
	kind    TrackKind
	logger  *logrus.Logger
	samples []*EncodedSample
	dropped uint64
}

func newPendingQueue(kind TrackKind, logger *logrus.Logger) *pendingQueue {
	return &pendingQueue{kind: kind, logger: logger}
}

// push appends a sample, dropping the oldest buffered one when full.
func (q *pendingQueue) push(sample *EncodedSample) {
	if len(q.samples) >= pendingSampleCap {
		oldest := q.samples[0]
		copy(q.samples, q.samples[1:])
		q.samples = q.samples[:len(q.samples)-1]
		q.dropped++
		q.logger.WithFields(logrus.Fields{
			"track":   q.kind,
			"pts_us":  oldest.PTS,
			"dropped": q.dropped,
		}).Warn("Pending sample buffer full, dropping oldest")
	}
	q.samples = append(q.samples, sample)
}

// drainTo writes buffered samples oldest-first. Samples already handed to
// write are gone from the queue even when write fails partway.
func (q *pendingQueue) drainTo(write func(*EncodedSample) error) error {
	for len(q.samples) > 0 {
		sample := q.samples[0]
		q.samples = q.samples[1:]
		if err := write(sample); err != nil {
			return err
		}
	}
	q.samples = nil
	return nil
}

func (q *pendingQueue) len() int { return len(q.samples) }

// trackWriter routes one track's encoded samples to the muxer: buffered
// while the gate is closed, flushed oldest-first once it opens, written
// straight through after that.
type trackWriter struct {
	kind    TrackKind
	gate    *MuxerCoordinator
	pending *pendingQueue
	logger  *logrus.Logger
	written uint64
}

func newTrackWriter(kind TrackKind, gate *MuxerCoordinator, logger *logrus.Logger) *trackWriter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &trackWriter{
		kind:    kind,
		gate:    gate,
		pending: newPendingQueue(kind, logger),
		logger:  logger,
	}
}

// write delivers one sample, buffering it when the muxer is not started.
func (w *trackWriter) write(sample *EncodedSample) error {
	if !w.gate.Started() {
		w.pending.push(sample)
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.gate.WriteSample(w.kind, sample); err != nil {
		return err
	}
	w.written++
	return nil
}

// flush empties the pending buffer into the muxer. A no-op while the gate
// is closed or when nothing is buffered.
func (w *trackWriter) flush() error {
	if w.pending.len() == 0 || !w.gate.Started() {
		return nil
	}
	n := w.pending.len()
	err := w.pending.drainTo(func(sample *EncodedSample) error {
		if werr := w.gate.WriteSample(w.kind, sample); werr != nil {
			return werr
		}
		w.written++
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush pending %s samples: %w", w.kind, err)
	}
	w.logger.WithFields(logrus.Fields{
		"track":   w.kind,
		"samples": n,
	}).Debug("Flushed pending samples to muxer")
	return nil
}

type trackWriterStats struct {
	Written uint64
	Pending int
	Dropped uint64
}

func (w *trackWriter) stats() trackWriterStats {
	return trackWriterStats{
		Written: w.written,
		Pending: w.pending.len(),
		Dropped: w.pending.dropped,
	}
}

// encoderDrain pumps one encoder's output side: the format event registers
// the track with the muxer gate, samples go through the track writer, and
// the end-of-stream marker completes the drain.
type encoderDrain struct {
	kind   TrackKind
	drain  func() (*EncoderOutput, error)
	writer *trackWriter
	gate   *MuxerCoordinator
	logger *logrus.Logger

	registered bool
	eos        bool
}

func newEncoderDrain(kind TrackKind, drain func() (*EncoderOutput, error), writer *trackWriter, gate *MuxerCoordinator, logger *logrus.Logger) *encoderDrain {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &encoderDrain{
		kind:   kind,
		drain:  drain,
		writer: writer,
		gate:   gate,
		logger: logger,
	}
}

// pump consumes everything the encoder has ready and returns without
// blocking once nothing is pending. Safe to call after end of stream.
func (d *encoderDrain) pump() error {
	for {
		if d.eos {
			return nil
		}
		out, err := d.drain()
		if err != nil {
			return fmt.Errorf("drain %s encoder: %w", d.kind, err)
		}
		if out == nil {
			return nil
		}
		if out.Format != nil && !d.registered {
			if err := d.register(*out.Format); err != nil {
				return err
			}
		}
		if out.Sample != nil {
			if err := d.writer.write(out.Sample); err != nil {
				return err
			}
		}
		if out.EndOfStream {
			d.eos = true
			d.logger.WithField("track", d.kind).Debug("Encoder end of stream reached")
			return nil
		}
	}
}

func (d *encoderDrain) register(format TrackFormat) error {
	var err error
	switch d.kind {
	case TrackKindAudio:
		_, err = d.gate.RegisterAudioTrack(format)
	default:
		_, err = d.gate.RegisterVideoTrack(format)
	}
	if err != nil {
		return fmt.Errorf("register %s track: %w", d.kind, err)
	}
	d.registered = true
	// The gate may have opened on registration; move anything buffered.
	return d.writer.flush()
}

// finish pumps until the encoder reports end of stream. The wait is
// bounded; on timeout the track is force-completed and finish reports
// drained=false.
func (d *encoderDrain) finish(ctx context.Context, timeout time.Duration) (drained bool, err error) {
	if timeout <= 0 {
		timeout = drainTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := d.pump(); err != nil {
			return false, err
		}
		if d.eos {
			return true, nil
		}
		if time.Now().After(deadline) {
			d.logger.WithFields(logrus.Fields{
				"track":   d.kind,
				"timeout": timeout,
			}).Warn("Encoder drain timed out, forcing track completion")
			d.eos = true
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}
