// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"hash/crc32"
	"os"

	"github.com/danjacques/caltrace/frame"
	"github.com/danjacques/caltrace/support/bufferpool"
	"github.com/danjacques/caltrace/support/logging"

	"github.com/pkg/errors"
)

// lockFileExt is appended to the trace file path to form its writer lock
// file.
const lockFileExt = ".lock"

// Writer appends captured frames to a trace file.
//
// Frames are serialized into a pending buffer and emitted as a compressed
// block when the buffer reaches the configured block size, on Flush, and on
// Close. Each block is written with exactly one contiguous write; the
// Writer never rewrites previously emitted bytes.
//
// A Writer is not safe for concurrent use; see replay.Recorder for a
// synchronized capture front-end.
type Writer struct {
	opts WriterOptions
	path string

	f        *os.File
	lockPath string

	logger logging.L

	// pending holds serialized frames awaiting the next block flush.
	pending       []byte
	pendingFrames uint32

	// lastTimestamp enforces the monotonic capture clock.
	lastTimestamp  uint64
	haveTimestamp  bool

	// scratch supplies compression and block-staging buffers.
	scratch bufferpool.Pool

	numFrames int64
	numBytes  int64
	numBlocks int64

	closed bool
}

// Create creates or truncates the trace file at path, acquires its
// exclusive writer lock, and writes the container header.
//
// Create fails with ErrLocked (per errors.Cause) if another Writer holds
// the lock.
func Create(path string, opts WriterOptions) (*Writer, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, errors.Wrap(err, "invalid writer options")
	}

	// Exclusive single-writer acquisition. The lock file is removed on
	// Close; a crashed writer leaves it behind for the operator to clear,
	// which is preferable to silently double-writing a capture.
	lockPath := path + lockFileExt
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrLocked, "lock file %q exists", lockPath)
		}
		return nil, errors.Wrap(err, "creating lock file")
	}
	_ = lf.Close()
	defer func() {
		// Clean up the lock if we fail before handing it to the Writer.
		if lockPath != "" {
			_ = os.Remove(lockPath)
		}
	}()

	fd, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating trace file")
	}
	defer func() {
		if fd != nil {
			_ = fd.Close()
		}
	}()

	hdr := containerHeader{
		Magic:     magic,
		Version:   FormatVersion,
		CreatedAt: uint64(opts.now().UnixNano()),
	}
	hdr.setCodec(opts.Codec)
	if !opts.DisableChecksum {
		hdr.Flags |= flagChecksum
	}

	raw, err := packHeader(nil, &hdr)
	if err != nil {
		return nil, err
	}
	if _, err := fd.Write(raw); err != nil {
		return nil, errors.Wrap(err, "writing container header")
	}

	w := Writer{
		opts:     opts,
		path:     path,
		f:        fd,
		lockPath: lockPath,
		logger:   logging.Must(opts.Logger),
		pending:  make([]byte, 0, opts.BlockSize),
		scratch:  bufferpool.Pool{Size: blockHeaderSize + opts.Codec.maxCompressedLen(opts.MaxBlockSize)},
	}

	fd, lockPath = nil, "" // Owned by w now; don't clean up in defers.
	return &w, nil
}

// Path returns the path of the trace file being written.
func (w *Writer) Path() string { return w.path }

// NumFrames is the number of frames appended so far.
func (w *Writer) NumFrames() int64 { return w.numFrames }

// NumBytes is the number of uncompressed frame bytes appended so far.
func (w *Writer) NumBytes() int64 { return w.numBytes }

// NumBlocks is the number of blocks emitted so far.
func (w *Writer) NumBlocks() int64 { return w.numBlocks }

// Append serializes f into the pending block, flushing a block first if the
// pending buffer has reached the configured block size.
//
// Append fails with ErrFrameTooLarge (per errors.Cause) if f could never
// fit in a block, with ErrTimestampRegression if f is older than the
// previously appended frame, and with ErrClosed after Close. None of these
// corrupt the file.
func (w *Writer) Append(f *frame.Frame) error {
	if w.closed {
		return errors.Wrap(ErrClosed, "append")
	}

	size := f.EncodedSize()
	if size > w.opts.MaxBlockSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d > %d bytes", size, w.opts.MaxBlockSize)
	}
	if w.haveTimestamp && f.Timestamp < w.lastTimestamp {
		return errors.Wrapf(ErrTimestampRegression, "%d < %d", f.Timestamp, w.lastTimestamp)
	}

	// If this frame would push the pending buffer past the block threshold,
	// cut the block first so blocks stay near their configured size.
	if len(w.pending) > 0 && len(w.pending)+size > w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	pending, err := f.AppendEncoded(w.pending)
	if err != nil {
		return err
	}
	w.pending = pending
	w.pendingFrames++

	w.lastTimestamp, w.haveTimestamp = f.Timestamp, true
	w.numFrames++
	w.numBytes += int64(size)

	if len(w.pending) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// Flush forces emission of the pending frames as a (possibly undersized)
// block. Flushing with no pending frames is a no-op.
func (w *Writer) Flush() error {
	if w.closed {
		return errors.Wrap(ErrClosed, "flush")
	}
	return w.flushBlock()
}

// Sync flushes pending frames and fsyncs the file, making all emitted
// blocks visible to concurrent Readers and Followers.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Wrap(w.f.Sync(), "syncing trace file")
}

// Close flushes remaining frames, finalizes the file, and releases the
// writer lock. Close is idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	flushErr := w.flushBlock()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	w.closed = true

	if err := os.Remove(w.lockPath); err != nil {
		w.logger.Warnf("Failed to remove lock file %q: %s", w.lockPath, err)
	}

	switch {
	case flushErr != nil:
		return flushErr
	case syncErr != nil:
		return errors.Wrap(syncErr, "syncing trace file")
	default:
		return errors.Wrap(closeErr, "closing trace file")
	}
}

// flushBlock compresses the pending buffer and appends it, preceded by its
// block header, as a single contiguous write.
func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}

	buf := w.scratch.Get(blockHeaderSize + w.opts.Codec.maxCompressedLen(len(w.pending)))
	defer buf.Release()

	compressed, err := w.opts.Codec.compress(buf.Bytes()[blockHeaderSize:blockHeaderSize], w.pending)
	if err != nil {
		return errors.Wrap(err, "compressing block")
	}

	hdr := blockHeader{
		UncompressedSize: uint32(len(w.pending)),
		CompressedSize:   uint32(len(compressed)),
		FrameCount:       w.pendingFrames,
	}
	if !w.opts.DisableChecksum {
		hdr.Checksum = crc32.ChecksumIEEE(w.pending)
	}

	// Assemble [BlockHeader][compressed_bytes] in one buffer. The compressed
	// bytes were produced in place after the header slot unless the codec
	// reallocated; in that case they are copied back.
	out, err := packHeader(buf.Bytes()[:0], &hdr)
	if err != nil {
		return err
	}
	out = append(out, compressed...)

	if _, err := w.f.Write(out); err != nil {
		return errors.Wrap(err, "writing block")
	}

	w.numBlocks++
	w.pending = w.pending[:0]
	w.pendingFrames = 0

	w.logger.Debugf("Flushed block #%d: %d frames, %d => %d bytes.",
		w.numBlocks-1, hdr.FrameCount, hdr.UncompressedSize, hdr.CompressedSize)
	return nil
}
