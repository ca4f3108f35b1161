// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package lzb implements the byte-oriented LZ-family block codec used to
// compress trace blocks.
//
// lzb is scoped to small/medium protocol payloads (one trace block at a
// time); it is not a general-purpose compression library. Each compressed
// block is self-contained: decompression needs no state beyond the block's
// bytes and its expected decoded length.
//
// # Encoded form
//
// A compressed block is a sequence of... sequences. Each sequence is:
//
//	token      1 byte: literal length (high nibble), match length (low nibble)
//	[litext]   0+ bytes: literal length extension, if the nibble is 15
//	literals   raw bytes, copied verbatim
//	distance   2 bytes, big-endian: match distance into prior output
//	[matchext] 0+ bytes: match length extension, if the nibble is 15
//
// A nibble value of 15 is extended by subsequent bytes, each adding its own
// value, terminating at the first byte below 255. The match length nibble
// stores length-minMatch. The final sequence of a block may end after its
// literals with no match, which is how incompressible input is expressed:
// one all-literal sequence. This caps worst-case expansion at
// MaxCompressedLen.
//
// Matches may self-overlap (distance smaller than length); decompression
// copies them byte-wise, which makes runs cheap to encode.
//
// The API mirrors the snappy block codec (Encode/Decode over byte slices)
// so that callers can treat the two interchangeably.
package lzb
