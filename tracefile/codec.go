// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"github.com/danjacques/caltrace/support/lzb"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Codec selects the per-block compression algorithm for a trace file. The
// codec is recorded in the container header, so files are self-describing.
type Codec uint8

const (
	// CodecLZB compresses blocks with the in-tree LZ-family codec. It is the
	// zero value, and therefore the default.
	CodecLZB Codec = iota
	// CodecNone stores blocks uncompressed.
	CodecNone
	// CodecSnappy compresses blocks with Google's Snappy block format.
	CodecSnappy

	numCodecs
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "NONE"
	case CodecLZB:
		return "LZB"
	case CodecSnappy:
		return "SNAPPY"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true if c is a known codec.
func (c Codec) IsValid() bool { return c < numCodecs }

// maxCompressedLen returns the worst-case compressed size of n block bytes
// under c, used to size scratch buffers.
func (c Codec) maxCompressedLen(n int) int {
	switch c {
	case CodecLZB:
		return lzb.MaxCompressedLen(n)
	case CodecSnappy:
		return snappy.MaxEncodedLen(n)
	default:
		return n
	}
}

// compress appends the compressed form of src to dst[:0].
func (c Codec) compress(dst, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return append(dst[:0], src...), nil
	case CodecLZB:
		return lzb.Compress(dst, src), nil
	case CodecSnappy:
		return snappy.Encode(dst, src), nil
	default:
		return nil, errors.Errorf("unknown codec: %s", c)
	}
}

// decompress appends the decompressed form of src to dst[:0], failing if
// the result is not exactly uncompressedLen bytes.
func (c Codec) decompress(dst, src []byte, uncompressedLen int) ([]byte, error) {
	switch c {
	case CodecNone:
		if len(src) != uncompressedLen {
			return nil, errors.Errorf("stored block is %d bytes, expected %d", len(src), uncompressedLen)
		}
		return append(dst[:0], src...), nil

	case CodecLZB:
		return lzb.Decompress(dst, src, uncompressedLen)

	case CodecSnappy:
		// snappy sizes its output against len(dst), not cap(dst).
		out, err := snappy.Decode(dst[:cap(dst)], src)
		if err != nil {
			return nil, errors.Wrap(err, "snappy decode")
		}
		if len(out) != uncompressedLen {
			return nil, errors.Errorf("snappy block decoded to %d bytes, expected %d", len(out), uncompressedLen)
		}
		return out, nil

	default:
		return nil, errors.Errorf("unknown codec: %s", c)
	}
}
