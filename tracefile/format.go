// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// magic identifies trace container files. It is stored in the first 4 bytes
// of the file.
var magic = [4]byte{'C', 'T', 'R', 'C'}

// FormatVersion is the container format version written by this package.
// Readers reject files with a newer version.
const FormatVersion = 1

const (
	containerHeaderSize = 16
	blockHeaderSize     = 16
)

// Container header flag bits. Bits 1-2 carry the codec ID so that the file
// is self-describing.
const (
	flagChecksum uint16 = 1 << 0

	codecShift        = 1
	codecMask  uint16 = 0x3 << codecShift
)

// containerHeader is the fixed file header, written exactly once at file
// start. Fields are packed big-endian by struc.
type containerHeader struct {
	Magic     [4]byte
	Version   uint16
	Flags     uint16
	CreatedAt uint64
}

func (h *containerHeader) codec() Codec     { return Codec((h.Flags & codecMask) >> codecShift) }
func (h *containerHeader) checksummed() bool { return h.Flags&flagChecksum != 0 }

func (h *containerHeader) setCodec(c Codec) {
	h.Flags = (h.Flags &^ codecMask) | (uint16(c) << codecShift & codecMask)
}

func (h *containerHeader) validate() error {
	if h.Magic != magic {
		return errors.Wrap(ErrFormat, "bad magic")
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return errors.Wrapf(ErrFormat, "unsupported format version %d", h.Version)
	}
	if !h.codec().IsValid() {
		return errors.Wrapf(ErrFormat, "unknown codec %d", h.codec())
	}
	return nil
}

// blockHeader precedes each compressed block.
type blockHeader struct {
	UncompressedSize uint32
	CompressedSize   uint32
	FrameCount       uint32
	Checksum         uint32
}

func packHeader(dst []byte, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return dst, errors.Wrap(err, "packing header")
	}
	return append(dst, buf.Bytes()...), nil
}

func unpackHeader(raw []byte, v interface{}) error {
	return errors.Wrap(struc.Unpack(bytes.NewReader(raw), v), "unpacking header")
}
