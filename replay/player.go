// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/danjacques/caltrace/frame"
	"github.com/danjacques/caltrace/support/logging"

	"github.com/pkg/errors"
)

// Sink is the destination capability that accepts frames during replay.
//
// Emit calls are made synchronously and in frame order. The Player
// propagates Emit errors to its caller without retry; retry policy belongs
// to the Sink.
type Sink interface {
	Emit(f *frame.Frame) error
}

// FrameSource produces frames in capture order, returning io.EOF when
// exhausted. *tracefile.Reader implements FrameSource; so does any live
// capture front-end.
type FrameSource interface {
	Next() (*frame.Frame, error)
}

// AsFastAsPossible is a Speed value that disables inter-frame waiting
// entirely. Any Speed <= 0 behaves the same way.
const AsFastAsPossible = 0

// Player replays a frame sequence to a Sink, preserving or scaling the
// original inter-frame timing.
//
// A Player's exported fields must not be changed once Play has been called.
// Play itself is synchronous; Pause, Resume, and Status may be called from
// other goroutines while a Play is in progress.
type Player struct {
	// Sink receives all replayed frames. It must not be nil.
	Sink Sink

	// Speed is the playback speed multiplier: 1 replays with original
	// timing, 2 at double speed, 0.5 at half speed. AsFastAsPossible (or
	// any value <= 0) disables waiting entirely.
	Speed float64

	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	Logger logging.L

	mu       sync.Mutex
	playback *playerPlayback
}

// PlayerStatus describes the player's current status.
type PlayerStatus struct {
	// Emitted is the number of frames emitted so far.
	Emitted int
	// Position is the capture-clock offset of the latest emitted frame from
	// the first frame, unscaled.
	Position time.Duration
	// Paused is true if playback is currently paused.
	Paused bool
}

// Play consumes src in order, emitting each frame to the Sink and waiting
// out the scaled inter-frame gap in between.
//
// Play returns the number of frames emitted. It ends when src is exhausted
// (nil error), when ctx is cancelled mid-wait or between frames (the
// context's error), or when the Sink or source fails. Play never rewinds
// and never reorders.
func (p *Player) Play(ctx context.Context, src FrameSource) (int, error) {
	if p.Sink == nil {
		return 0, errors.New("player has no sink")
	}

	pp := &playerPlayback{
		player:     p,
		logger:     logging.Must(p.Logger),
		commandC:   make(chan *playerCommand),
		immediateC: make(chan time.Time),
		finishedC:  make(chan struct{}),
	}
	close(pp.immediateC) // Always closed; see waitForCommandOrDeadline.

	p.mu.Lock()
	if p.playback != nil {
		p.mu.Unlock()
		return 0, errors.New("player is already playing")
	}
	p.playback = pp
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.playback = nil
		p.mu.Unlock()

		if pp.timer != nil {
			pp.timer.Stop()
		}

		// Signal that we've finished; pending and future commands will be
		// dropped.
		close(pp.finishedC)
	}()

	playerPlayingGauge.Set(1)
	playerPausedGauge.Set(0)
	defer func() {
		playerPlayingGauge.Set(0)
		playerPausedGauge.Set(0)
	}()

	return pp.play(ctx, src)
}

// Pause pauses a current Play. If nothing is playing, or if playback is
// already paused, Pause does nothing.
func (p *Player) Pause() { p.current().sendCommand(&playerCommand{pause: true}) }

// Resume resumes a paused Play. If nothing is playing, or if playback is
// not paused, Resume does nothing.
func (p *Player) Resume() { p.current().sendCommand(&playerCommand{resume: true}) }

// Status returns the current player status, or nil if nothing is playing.
func (p *Player) Status() *PlayerStatus {
	pp := p.current()
	if pp == nil {
		return nil
	}

	statusC := make(chan *PlayerStatus, 1)
	pp.sendCommand(&playerCommand{status: statusC})

	select {
	case status := <-statusC:
		return status
	case <-pp.finishedC:
		return nil
	}
}

func (p *Player) current() *playerPlayback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playback
}

// playerCommand is a command sent to the playing goroutine.
type playerCommand struct {
	pause  bool
	resume bool

	status chan<- *PlayerStatus
}

type playerPlayback struct {
	player *Player
	logger logging.L

	commandC   chan *playerCommand
	immediateC chan time.Time // Looks like an expired timer channel.
	finishedC  chan struct{}

	// startTime is the wall-clock moment the first frame was emitted.
	startTime time.Time
	// firstTimestamp is the capture-clock base for scheduling.
	firstTimestamp uint64
	haveFirst      bool
	// realtimeOffset is the cumulative time spent paused. It shifts the
	// schedule so that pauses don't turn into frame drops.
	realtimeOffset time.Duration
	// timer is the reusable timer for inter-frame waits.
	timer *time.Timer

	emitted      int
	lastPosition time.Duration
}

// sendCommand issues a command to the playback.
//
// For convenience, if pp is nil, the command is dropped; this avoids a nil
// check at every issuance point.
func (pp *playerPlayback) sendCommand(cmd *playerCommand) {
	if pp == nil {
		return
	}

	select {
	case pp.commandC <- cmd:
	case <-pp.finishedC:
	}
}

func (pp *playerPlayback) play(ctx context.Context, src FrameSource) (int, error) {
	for {
		f, err := src.Next()
		if err != nil {
			if err == io.EOF {
				pp.logger.Debugf("Frame source exhausted after %d frame(s).", pp.emitted)
				return pp.emitted, nil
			}

			playerErrors.Inc()
			return pp.emitted, errors.Wrap(err, "reading next frame")
		}

		if !pp.haveFirst {
			pp.haveFirst = true
			pp.firstTimestamp = f.Timestamp
			pp.startTime = time.Now()
		}
		pp.lastPosition = time.Duration(f.Timestamp - pp.firstTimestamp)

		if err := pp.waitForCommandOrDeadline(ctx, f.Timestamp); err != nil {
			return pp.emitted, err
		}

		if err := pp.player.Sink.Emit(f); err != nil {
			playerErrors.Inc()
			return pp.emitted, errors.Wrap(err, "emitting frame")
		}

		pp.emitted++
		playerSentFrames.Inc()
		playerSentBytes.Add(float64(len(f.Payload)))
	}
}

// scheduleFor returns the wall-clock time at which the frame with the given
// capture timestamp should be emitted, or a zero time if waiting is
// disabled.
func (pp *playerPlayback) scheduleFor(timestamp uint64) time.Time {
	speed := pp.player.Speed
	if speed <= AsFastAsPossible {
		return time.Time{}
	}

	captureDelta := time.Duration(timestamp - pp.firstTimestamp)
	scaled := time.Duration(float64(captureDelta) / speed)
	return pp.startTime.Add(scaled + pp.realtimeOffset)
}

// waitForCommandOrDeadline blocks until the frame's scheduled emission time
// has passed, processing pause/resume/status commands while it waits.
//
// This is the main control point for the player. Pause is implemented by
// removing the schedule timer from the set of unblockers, leaving the loop
// waiting for a command (potentially resume) or cancellation. Waits are the
// only intentional suspension points in replay, and they are cancellable
// mid-wait via ctx.
func (pp *playerPlayback) waitForCommandOrDeadline(ctx context.Context, timestamp uint64) error {
	// If pausedStart is not zero, then we are paused. We never return while
	// paused, so clear the paused state on the way out.
	pausedStart := time.Time{}
	defer playerPausedGauge.Set(0)

	timerRunning := false
	resetTimer := func() {
		// If the timer was started and hasn't fired, drain its channel so it
		// can be reused.
		if timerRunning && !pp.timer.Stop() {
			<-pp.timer.C
		}
		timerRunning = false
	}

	processCommand := func(cmd *playerCommand) {
		switch {
		case cmd.pause:
			if pausedStart.IsZero() {
				pp.logger.Info("Player is paused.")
				pausedStart = time.Now()
				playerPausedGauge.Set(1)
			}

		case cmd.resume:
			if !pausedStart.IsZero() {
				pp.logger.Info("Player is resuming.")

				// Add the time spent paused to the schedule offset.
				pp.realtimeOffset += time.Since(pausedStart)
				pausedStart = time.Time{}
				playerPausedGauge.Set(0)
			}

		case cmd.status != nil:
			cmd.status <- &PlayerStatus{
				Emitted:  pp.emitted,
				Position: pp.lastPosition,
				Paused:   !pausedStart.IsZero(),
			}
		}
	}

	for {
		// Quick pass to see if there's a command ready.
		select {
		case cmd := <-pp.commandC:
			processCommand(cmd)
			continue
		case <-ctx.Done():
			return ctx.Err()
		default:
			// No pending commands.
		}

		var timerC <-chan time.Time
		switch deadline := pp.scheduleFor(timestamp); {
		case !pausedStart.IsZero():
			// Paused: the timer never triggers; only a command or
			// cancellation can unblock us.

		case deadline.IsZero(), !deadline.After(time.Now()):
			// As-fast-as-possible, or the deadline has already passed.
			timerC = pp.immediateC

		default:
			sleep := time.Until(deadline)
			pp.logger.Debugf("Sleeping %s until next frame.", sleep)
			if pp.timer == nil {
				pp.timer = time.NewTimer(sleep)
			} else {
				pp.timer.Reset(sleep)
			}
			timerC = pp.timer.C
			timerRunning = true
		}

		select {
		case cmd := <-pp.commandC:
			resetTimer()
			processCommand(cmd)

		case <-ctx.Done():
			resetTimer()
			return ctx.Err()

		case _, ok := <-timerC:
			// The schedule deadline has passed. If !ok, this was the
			// always-closed immediateC, not the real timer.
			if ok {
				timerRunning = false
			}
			resetTimer()
			return nil
		}
	}
}
