// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"bufio"
	"hash/crc32"
	"io"
	"os"

	"github.com/danjacques/caltrace/frame"
	"github.com/danjacques/caltrace/support/bufferpool"
	"github.com/danjacques/caltrace/support/byteslicereader"
	"github.com/danjacques/caltrace/support/dataio"
	"github.com/danjacques/caltrace/support/logging"

	"github.com/pkg/errors"
)

// readerBufferSize is the bufio size used for file reads.
const readerBufferSize = 1024 * 256

// maxSaneBlockSize rejects block headers whose declared sizes are
// implausible (far beyond any configurable block size), so that a corrupted
// header cannot trigger a giant allocation.
const maxSaneBlockSize = 1 << 28

// Reader iterates over the frames of a trace file.
//
// Iteration is lazy, forward-only, and restartable from the file start via
// Reset. Blocks are decompressed one at a time into scratch buffers owned
// by this Reader; independent Readers share no state.
//
// A corrupt block (bad checksum, codec failure, bad frame data) is skipped
// and reported, not fatal: Next continues with the following block. A
// truncated trailing block, as left by a process that died mid-write, ends
// iteration cleanly with io.EOF.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	//
	// Logger may be set after Open, but not once iteration has begun.
	Logger logging.L

	// OnBlockError, if not nil, is invoked with a *BlockError for each block
	// that is skipped as corrupt.
	OnBlockError func(*BlockError)

	path string
	f    *os.File
	br   *bufio.Reader

	hdr containerHeader

	// cur iterates the decompressed frames of the current block; curBuf is
	// the pooled buffer backing it.
	cur       byteslicereader.R
	curFrames uint32
	curBuf    *bufferpool.Buffer

	// scratch supplies per-block read and decompression buffers.
	scratch bufferpool.Pool

	// offset is the file offset of the next unread block header.
	offset     int64
	blockIndex int64

	numFramesRead int64
	skippedBlocks int64

	closed bool
}

// Open opens the trace file at path for reading and validates its
// container header.
//
// Open fails with ErrFormat (per errors.Cause) on bad magic or an
// unsupported format version.
func Open(path string) (*Reader, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening trace file")
	}
	defer func() {
		if fd != nil {
			_ = fd.Close()
		}
	}()

	r := Reader{
		path: path,
		f:    fd,
		br:   bufio.NewReaderSize(fd, readerBufferSize),
	}

	var raw [containerHeaderSize]byte
	if err := dataio.ReadFull(r.br, raw[:]); err != nil {
		return nil, errors.Wrap(ErrFormat, "short container header")
	}
	if err := unpackHeader(raw[:], &r.hdr); err != nil {
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	if err := r.hdr.validate(); err != nil {
		return nil, err
	}

	r.offset = containerHeaderSize
	fd = nil // Owned by r now.
	return &r, nil
}

// Path returns the path of the trace file.
func (r *Reader) Path() string { return r.path }

// Codec returns the block codec recorded in the container header.
func (r *Reader) Codec() Codec { return r.hdr.codec() }

// Checksummed returns whether the file carries per-block checksums.
func (r *Reader) Checksummed() bool { return r.hdr.checksummed() }

// NumFramesRead is the number of frames yielded so far.
func (r *Reader) NumFramesRead() int64 { return r.numFramesRead }

// SkippedBlocks is the number of corrupt blocks skipped so far.
func (r *Reader) SkippedBlocks() int64 { return r.skippedBlocks }

// Reset restarts iteration from the first block. The underlying file stays
// open.
func (r *Reader) Reset() error {
	if r.closed {
		return errors.Wrap(ErrClosed, "reset")
	}

	if _, err := r.f.Seek(containerHeaderSize, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking to first block")
	}
	r.br.Reset(r.f)

	r.dropCurrentBlock()
	r.offset = containerHeaderSize
	r.blockIndex = 0
	r.numFramesRead = 0
	r.skippedBlocks = 0
	return nil
}

// Close closes the Reader, releasing its underlying file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.dropCurrentBlock()
	return errors.Wrap(r.f.Close(), "closing trace file")
}

// Next returns the next frame in the file.
//
// The returned Frame is independent of the Reader's internal buffers and
// remains valid after further Next calls. At the end of the file, Next
// returns io.EOF.
func (r *Reader) Next() (*frame.Frame, error) {
	if r.closed {
		return nil, errors.Wrap(ErrClosed, "next")
	}

	for {
		if r.curFrames > 0 {
			f, err := frame.Decode(&r.cur)
			if err != nil {
				// The block was checksum-valid but its frame data is bad;
				// drop the remainder of the block and move on.
				r.reportBlockError(errors.Wrap(err, "decoding frame"))
				r.dropCurrentBlock()
				continue
			}

			r.curFrames--
			if r.curFrames == 0 {
				r.dropCurrentBlock()
			}
			r.numFramesRead++
			return f, nil
		}

		if err := r.nextBlock(); err != nil {
			return nil, err
		}
	}
}

// nextBlock loads the next decodable block into r.cur. It returns io.EOF at
// the end of the file, including the truncated-trailing-block case.
func (r *Reader) nextBlock() error {
	for {
		var raw [blockHeaderSize]byte
		if err := dataio.ReadFull(r.br, raw[:]); err != nil {
			// End of file, or a partial trailing header from an interrupted
			// write. Either way, iteration ends here.
			return io.EOF
		}

		var bh blockHeader
		if err := unpackHeader(raw[:], &bh); err != nil {
			return io.EOF
		}

		blockOffset := r.offset
		r.offset += blockHeaderSize + int64(bh.CompressedSize)
		index := r.blockIndex
		r.blockIndex++

		if bh.UncompressedSize > maxSaneBlockSize || bh.CompressedSize > maxSaneBlockSize {
			// A header this implausible means the remainder of the file
			// can't be walked; treat it like a torn tail.
			r.logger().Warnf("Implausible block header at offset %d (%d/%d bytes); stopping.",
				blockOffset, bh.UncompressedSize, bh.CompressedSize)
			return io.EOF
		}

		compressed := r.scratch.Get(int(bh.CompressedSize))
		if err := dataio.ReadFull(r.br, compressed.Bytes()); err != nil {
			// The block body runs past the end of the file: a truncated
			// trailing write. Stop cleanly.
			compressed.Release()
			r.logger().Debugf("Truncated trailing block at offset %d; stopping.", blockOffset)
			return io.EOF
		}

		decompressed := r.scratch.Get(int(bh.UncompressedSize))
		out, err := r.hdr.codec().decompress(
			decompressed.Bytes()[:0], compressed.Bytes(), int(bh.UncompressedSize))
		compressed.Release()
		if err != nil {
			decompressed.Release()
			r.skipBlock(index, blockOffset, errors.Wrap(err, "decompressing block"))
			continue
		}
		decompressed.Adopt(out)

		if r.hdr.checksummed() {
			if sum := crc32.ChecksumIEEE(decompressed.Bytes()); sum != bh.Checksum {
				decompressed.Release()
				r.skipBlock(index, blockOffset,
					errors.Wrapf(ErrChecksum, "0x%08x != 0x%08x", sum, bh.Checksum))
				continue
			}
		}

		// Frames decoded from this block copy their payloads out, so the
		// scratch buffer can be reused as soon as the block is exhausted.
		r.curBuf = decompressed
		r.cur = byteslicereader.R{Buffer: decompressed.Bytes(), AlwaysCopy: true}
		r.curFrames = bh.FrameCount
		return nil
	}
}

func (r *Reader) skipBlock(index, offset int64, err error) {
	r.skippedBlocks++
	r.logger().Warnf("Skipping corrupt block #%d at offset %d: %s", index, offset, err)
	if r.OnBlockError != nil {
		r.OnBlockError(&BlockError{Index: index, Offset: offset, Err: err})
	}
}

// reportBlockError reports a failure in the current (already loaded) block.
func (r *Reader) reportBlockError(err error) {
	r.skippedBlocks++
	r.logger().Warnf("Abandoning block #%d: %s", r.blockIndex-1, err)
	if r.OnBlockError != nil {
		r.OnBlockError(&BlockError{Index: r.blockIndex - 1, Err: err})
	}
}

func (r *Reader) dropCurrentBlock() {
	if r.curBuf != nil {
		r.curBuf.Release()
		r.curBuf = nil
	}
	r.cur = byteslicereader.R{}
	r.curFrames = 0
}

func (r *Reader) logger() logging.L { return logging.Must(r.Logger) }
