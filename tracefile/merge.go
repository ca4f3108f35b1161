// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"io"

	"github.com/danjacques/caltrace/frame"

	"github.com/pkg/errors"
)

// Merge concatenates the trace files at sources, in argument order, into a
// new trace file at dest.
//
// Frames are re-encoded through a fresh Writer, so dest may use a different
// codec or block size than its sources. Source timestamps are rebased where
// necessary: if a source begins earlier than the previous source ended, all
// of its timestamps are shifted forward so that the merged file keeps a
// monotonic clock. Corrupt blocks in the sources are skipped, as in any
// read.
func Merge(dest string, opts WriterOptions, sources ...string) error {
	if len(sources) == 0 {
		return errors.New("no sources to merge")
	}

	w, err := Create(dest, opts)
	if err != nil {
		return errors.Wrap(err, "creating merge destination")
	}
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()

	// lastOut is the timestamp of the most recent merged frame; shift is the
	// rebase applied to the current source.
	var lastOut uint64
	haveOut := false
	for _, src := range sources {
		if err := mergeOne(w, src, &lastOut, &haveOut); err != nil {
			return errors.Wrapf(err, "merging %q", src)
		}
	}

	err = w.Close()
	w = nil
	return err
}

func mergeOne(w *Writer, src string, lastOut *uint64, haveOut *bool) error {
	r, err := Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	r.Logger = w.logger

	var shift uint64
	first := true
	for {
		f, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if first {
			first = false
			if *haveOut && f.Timestamp < *lastOut {
				shift = *lastOut - f.Timestamp
			}
		}

		merged := frame.Frame{
			Timestamp: f.Timestamp + shift,
			Category:  f.Category,
			Channel:   f.Channel,
			Payload:   f.Payload,
		}
		if err := w.Append(&merged); err != nil {
			return err
		}
		*lastOut, *haveOut = merged.Timestamp, true
	}
}
