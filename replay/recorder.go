// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"sync"

	"github.com/danjacques/caltrace/frame"
	"github.com/danjacques/caltrace/support/logging"
	"github.com/danjacques/caltrace/tracefile"

	"github.com/pkg/errors"
)

// OverflowPolicy dictates what Record does when the recorder's internal
// queue is full.
//
// There is deliberately no default: silently picking one hides a capture
// fidelity decision from the operator. RecorderOptions with a queue must
// name a policy.
type OverflowPolicy int

const (
	// OverflowUnset is the invalid zero value.
	OverflowUnset OverflowPolicy = iota
	// OverflowBlock blocks the capture source until the writer catches up.
	// Capture sees backpressure; no frames are lost.
	OverflowBlock
	// OverflowDropOldest discards the oldest queued frame to admit the new
	// one. Capture never blocks; the drop count is surfaced in Status and
	// metrics.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "BLOCK"
	case OverflowDropOldest:
		return "DROP_OLDEST"
	default:
		return "UNSET"
	}
}

// RecorderOptions configures a Recorder's capture hand-off.
type RecorderOptions struct {
	// QueueSize, if > 0, inserts an ordered bounded queue and a dedicated
	// append worker between Record and the Writer, so that capture is never
	// blocked by block compression. 0 appends synchronously.
	QueueSize int

	// Overflow is the full-queue policy. Required when QueueSize > 0.
	Overflow OverflowPolicy

	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	Logger logging.L
}

// RecorderStatus is a snapshot of the current recorder status.
type RecorderStatus struct {
	Path    string
	Error   error
	Frames  int64
	Bytes   int64
	Blocks  int64
	Dropped int64
}

// A Recorder is the capture front-end for a trace file Writer.
//
// It serializes concurrent Record calls, isolates the capture source from
// write errors, and optionally decouples capture from compression with a
// bounded worker queue. The underlying Writer's single-writer discipline is
// preserved: only the Recorder (or its worker) touches it.
type Recorder struct {
	mu sync.Mutex
	// w is the currently-active writer.
	w *tracefile.Writer
	// recvErr is a sticky error from a failed append.
	recvErr error

	logger logging.L

	queue        chan *frame.Frame
	workerDone   chan struct{}
	overflowDrop bool
	dropped      int64
}

// Start starts recording to w.
//
// Start takes ownership of w and will close it on Stop. Recording continues
// until Stop is called.
func (r *Recorder) Start(w *tracefile.Writer, opts RecorderOptions) error {
	if opts.QueueSize > 0 && opts.Overflow == OverflowUnset {
		return errors.New("a queue overflow policy is required")
	}
	if opts.QueueSize < 0 {
		return errors.Errorf("invalid queue size %d", opts.QueueSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w != nil {
		panic("already started")
	}

	r.w = w
	r.logger = logging.Must(opts.Logger)
	r.recvErr = nil
	r.dropped = 0

	r.overflowDrop = opts.Overflow == OverflowDropOldest
	if opts.QueueSize > 0 {
		r.queue = make(chan *frame.Frame, opts.QueueSize)
		r.workerDone = make(chan struct{})
		go r.appendWorker(r.queue, r.workerDone)
	}

	recorderRecordingGauge.Inc()
	return nil
}

// Stop stops the Recorder, finalizing its trace file and releasing its
// resources. It returns the first error encountered while recording or
// closing.
//
// The capture source must be detached first: no Record call may be in
// flight when Stop is invoked.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	queue, workerDone := r.queue, r.workerDone
	r.queue = nil
	r.mu.Unlock()

	// Drain the worker before touching the writer.
	if queue != nil {
		close(queue)
		<-workerDone
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}

	err := r.w.Close()
	r.w = nil
	r.workerDone = nil

	// Propagate a recording error if Close itself succeeded.
	if err == nil {
		err = r.recvErr
	}
	r.recvErr = nil

	recorderRecordingGauge.Dec()
	return err
}

// Status returns a snapshot of the current Recorder status, or nil if the
// Recorder is not recording.
func (r *Recorder) Status() *RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}

	return &RecorderStatus{
		Path:    r.w.Path(),
		Error:   r.recvErr,
		Frames:  r.w.NumFrames(),
		Bytes:   r.w.NumBytes(),
		Blocks:  r.w.NumBlocks(),
		Dropped: r.dropped,
	}
}

// Record adds f to the recording.
//
// In queued mode, Record never blocks under OverflowDropOldest and blocks
// only while the queue is full under OverflowBlock; append errors surface
// asynchronously through Status and Stop. In synchronous mode, append
// errors are returned directly.
//
// If the Recorder has been stopped, Record drops the frame and returns nil.
func (r *Recorder) Record(f *frame.Frame) error {
	recorderFrames.Inc()

	r.mu.Lock()
	if r.w == nil {
		r.mu.Unlock()
		return nil
	}
	queue := r.queue
	dropOldest := r.overflowDrop
	r.mu.Unlock()

	if queue == nil {
		return r.appendLocked(f)
	}

	if !dropOldest {
		queue <- f
		return nil
	}

	for {
		select {
		case queue <- f:
			return nil
		default:
		}

		// Queue is full: evict the oldest queued frame and retry.
		select {
		case <-queue:
			r.noteDropped()
		default:
			// The worker drained it first; retry the send.
		}
	}
}

func (r *Recorder) appendWorker(queue <-chan *frame.Frame, done chan<- struct{}) {
	defer close(done)
	for f := range queue {
		_ = r.appendLocked(f)
	}
}

func (r *Recorder) appendLocked(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}

	switch err := r.w.Append(f); errors.Cause(err) {
	case nil:
		return nil

	case tracefile.ErrFrameTooLarge, tracefile.ErrTimestampRegression:
		// This frame can't be recorded, but the capture itself is fine.
		recorderErrors.WithLabelValues("frame").Inc()
		r.logger.Warnf("Frame not recordable: %s", err)
		return err

	default:
		// Record the error; we're done wasting time on further frames.
		recorderErrors.WithLabelValues("unknown").Inc()
		if r.recvErr == nil {
			r.recvErr = err
		}
		return err
	}
}

// Dropped returns the number of frames discarded by the overflow policy
// since the last Start. Unlike Status, it remains available after Stop.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) noteDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	recorderDroppedFrames.Inc()
}
