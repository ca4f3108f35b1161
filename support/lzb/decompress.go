// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package lzb

import (
	"github.com/pkg/errors"
)

// ErrCorrupt is returned when compressed input is structurally invalid: a
// truncated sequence, a back-reference pointing before the start of the
// output, or a decoded length that does not match the expected length.
var ErrCorrupt = errors.New("lzb: corrupt input")

// Decompress appends the decompressed form of src to dst[:0] and returns the
// result, which will be exactly uncompressedLen bytes on success. dst may be
// nil; passing a buffer of uncompressedLen capacity avoids allocation.
//
// Decompression is a single linear pass. Every back-reference is validated
// against the output produced so far, so corrupt input yields ErrCorrupt
// rather than bad data or a panic.
func Decompress(dst, src []byte, uncompressedLen int) ([]byte, error) {
	if uncompressedLen < 0 {
		return nil, errors.Wrap(ErrCorrupt, "negative length")
	}
	if cap(dst) < uncompressedLen {
		dst = make([]byte, 0, uncompressedLen)
	}
	dst = dst[:0]

	i := 0
	for i < len(src) {
		token := src[i]
		i++

		// Literal run.
		litLen, next, err := readLength(src, i, int(token>>4))
		if err != nil {
			return nil, err
		}
		i = next
		if litLen > len(src)-i {
			return nil, errors.Wrap(ErrCorrupt, "literal run past end of input")
		}
		if litLen > uncompressedLen-len(dst) {
			return nil, errors.Wrap(ErrCorrupt, "literal run past declared length")
		}
		dst = append(dst, src[i:i+litLen]...)
		i += litLen

		if i == len(src) {
			// Final sequence: literals only.
			break
		}

		// Match copy.
		if len(src)-i < 2 {
			return nil, errors.Wrap(ErrCorrupt, "truncated match distance")
		}
		dist := int(src[i])<<8 | int(src[i+1])
		i += 2

		mlen, next, err := readLength(src, i, int(token&0x0F))
		if err != nil {
			return nil, err
		}
		i = next
		mlen += minMatch

		if dist == 0 || dist > len(dst) {
			return nil, errors.Wrapf(ErrCorrupt, "match distance %d outside output (%d)", dist, len(dst))
		}
		if mlen > uncompressedLen-len(dst) {
			return nil, errors.Wrap(ErrCorrupt, "match past declared length")
		}

		// Byte-wise copy; source and destination may overlap when
		// dist < mlen.
		for j := 0; j < mlen; j++ {
			dst = append(dst, dst[len(dst)-dist])
		}
	}

	if len(dst) != uncompressedLen {
		return nil, errors.Wrapf(ErrCorrupt, "decoded %d bytes, expected %d", len(dst), uncompressedLen)
	}
	return dst, nil
}

// readLength resolves a token nibble plus any extension bytes starting at
// src[i], returning the length and the next input position.
func readLength(src []byte, i, nib int) (int, int, error) {
	if nib < tokenMax {
		return nib, i, nil
	}

	v := nib
	for {
		if i >= len(src) {
			return 0, i, errors.Wrap(ErrCorrupt, "truncated length extension")
		}
		b := src[i]
		i++
		v += int(b)
		if b != 255 {
			return v, i, nil
		}
	}
}
