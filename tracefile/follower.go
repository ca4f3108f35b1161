// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/danjacques/caltrace/frame"
	"github.com/danjacques/caltrace/support/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// followerSettleDelay batches bursts of write notifications before
// rescanning.
const followerSettleDelay = 50 * time.Millisecond

// Follower tails a trace file that is still being written, delivering each
// newly visible frame to a callback.
//
// The Writer's in-progress buffer is never visible to other file handles,
// so a Follower does not share any state with the Writer: on each change
// notification it re-opens the file and re-scans, skipping frames it has
// already delivered. Only fully flushed (and fsynced) blocks ever surface.
// A trailing block that is still being written simply ends a scan early and
// is picked up whole on a later scan.
type Follower struct {
	// Path is the trace file to follow.
	Path string

	// OnFrame receives each newly visible frame, in file order. A returned
	// error stops the Follower. It must not be nil.
	OnFrame func(*frame.Frame) error

	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	Logger logging.L

	delivered int64
}

// Run watches the trace file until ctx is cancelled or OnFrame returns an
// error.
//
// The file does not need to exist yet when Run is called; its parent
// directory does.
func (fl *Follower) Run(ctx context.Context) error {
	logger := logging.Must(fl.Logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer func() {
		_ = watcher.Close()
	}()

	// Watch the directory rather than the file so that creation and
	// rename-into-place are observed too.
	dir := filepath.Dir(fl.Path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %q", dir)
	}

	// Pick up anything already on disk.
	if err := fl.scan(logger); err != nil {
		return err
	}

	target, err := filepath.Abs(fl.Path)
	if err != nil {
		return errors.Wrap(err, "resolving path")
	}

	var settle *time.Timer
	var settleC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if evPath, err := filepath.Abs(ev.Name); err != nil || evPath != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce: writers emit many small writes per block burst.
			if settle == nil {
				settle = time.NewTimer(followerSettleDelay)
				settleC = settle.C
			} else {
				if !settle.Stop() {
					<-settle.C
				}
				settle.Reset(followerSettleDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			logger.Warnf("Watcher error: %s", err)

		case <-settleC:
			settleC = nil
			settle = nil
			if err := fl.scan(logger); err != nil {
				return err
			}
		}
	}
}

// scan re-opens the file and delivers frames past the high-water mark.
func (fl *Follower) scan(logger logging.L) error {
	r, err := Open(fl.Path)
	if err != nil {
		// Not created yet, or the header hasn't fully landed. Wait for more
		// writes.
		logger.Debugf("Trace file not readable yet: %s", err)
		return nil
	}
	defer func() {
		_ = r.Close()
	}()
	r.Logger = fl.Logger

	skip := fl.delivered
	for {
		f, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading trace file")
		}

		if skip > 0 {
			skip--
			continue
		}

		if err := fl.OnFrame(f); err != nil {
			return errors.Wrap(err, "delivering frame")
		}
		fl.delivered++
	}
}
