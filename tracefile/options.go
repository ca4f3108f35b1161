// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"time"

	"github.com/danjacques/caltrace/support/logging"

	"github.com/pkg/errors"
)

// DefaultBlockSize is the uncompressed block size threshold used when
// WriterOptions does not specify one.
//
// Larger blocks compress better; smaller blocks decompress with less peak
// memory and give replay/tail finer granularity. 64 KiB is a reasonable
// middle ground for protocol traffic.
const DefaultBlockSize = 64 * 1024

// WriterOptions configures a trace file Writer.
//
// The zero value is usable: 64 KiB blocks, LZB compression, checksums
// enabled.
type WriterOptions struct {
	// BlockSize is the uncompressed byte threshold at which the Writer
	// flushes its pending buffer as a block. 0 means DefaultBlockSize.
	BlockSize int

	// MaxBlockSize caps a single frame's serialized size; a larger frame can
	// never be flushed and is rejected by Append. 0 means BlockSize.
	MaxBlockSize int

	// Codec selects the per-block compression algorithm.
	Codec Codec

	// DisableChecksum turns off per-block CRC32 checksums. The setting is
	// recorded in the container header.
	DisableChecksum bool

	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	Logger logging.L

	// NowFunc, if not nil, is the function used to stamp the container's
	// creation time. If nil, time.Now will be used.
	NowFunc func() time.Time
}

func (o *WriterOptions) now() time.Time {
	if o.NowFunc != nil {
		return o.NowFunc()
	}
	return time.Now()
}

// normalized fills in defaults and validates the result.
func (o WriterOptions) normalized() (WriterOptions, error) {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockSize < 0 {
		return o, errors.Errorf("invalid block size %d", o.BlockSize)
	}
	if o.MaxBlockSize == 0 {
		o.MaxBlockSize = o.BlockSize
	}
	if o.MaxBlockSize < o.BlockSize {
		return o, errors.Errorf("maximum block size %d is below block size %d",
			o.MaxBlockSize, o.BlockSize)
	}
	if !o.Codec.IsValid() {
		return o, errors.Errorf("invalid codec %d", o.Codec)
	}
	return o, nil
}
