// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"github.com/pkg/errors"
)

var (
	// ErrFormat is returned when a file is not a trace container, or carries
	// an unsupported format version. This is fatal; the file is unusable.
	ErrFormat = errors.New("not a valid trace file")

	// ErrChecksum indicates a block whose decompressed contents do not match
	// their recorded checksum. The Reader recovers by skipping the block.
	ErrChecksum = errors.New("block checksum mismatch")

	// ErrFrameTooLarge is returned by Writer.Append for a frame whose
	// serialized size exceeds the configured maximum block size; such a frame
	// could never be flushed. The append fails, the file stays valid.
	ErrFrameTooLarge = errors.New("frame exceeds maximum block size")

	// ErrTimestampRegression is returned by Writer.Append when a frame's
	// timestamp precedes the previously appended frame's. The capture clock
	// is required to be monotonic.
	ErrTimestampRegression = errors.New("frame timestamp precedes previous frame")

	// ErrClosed is returned for operations on a closed Writer or Reader.
	ErrClosed = errors.New("trace file is closed")

	// ErrLocked is returned by Create when another Writer holds the trace
	// file's exclusive lock.
	ErrLocked = errors.New("trace file is locked by another writer")
)

// BlockError describes a block that could not be decoded and was skipped.
// It is delivered to a Reader's OnBlockError callback.
type BlockError struct {
	// Index is the zero-based position of the block in the file.
	Index int64
	// Offset is the byte offset of the block's header within the file.
	Offset int64
	// Err is the underlying failure (e.g. ErrChecksum, lzb.ErrCorrupt).
	Err error
}

func (e *BlockError) Error() string {
	return errors.Wrapf(e.Err, "block %d at offset %d", e.Index, e.Offset).Error()
}

// Cause returns the underlying block failure, conforming to pkg/errors.
func (e *BlockError) Cause() error { return e.Err }
