// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package tracefile defines the on-disk container for captured protocol
// traffic and the Writer/Reader that produce and consume it.
//
// A trace file is a single flat, append-only file:
//
//	ContainerHeader: magic[4] | version:u16 | flags:u16 | created_at:u64
//	repeated Block:
//	  BlockHeader: uncompressed_size:u32 | compressed_size:u32 |
//	               frame_count:u32 | checksum:u32
//	  compressed_bytes[compressed_size]
//
// All integers are big-endian. The header is written exactly once and never
// rewritten; previously written bytes are never mutated.
//
// A Block is the unit of atomicity. It either decodes to an exact set of
// frames or is treated as absent as a whole; partial block contents are
// never surfaced. Blocks hold frames in capture order, and frame timestamps
// are non-decreasing within and across blocks.
//
// Because the file is append-only, a crash mid-write leaves a readable
// prefix: the Reader detects a truncated trailing block and stops cleanly
// instead of failing. A corrupt block (checksum mismatch, codec error) is
// skipped and reported so that one bad block does not discard a multi-hour
// capture.
//
// tracefile supports per-block compression. The codec is recorded in the
// container header, so a reader needs no out-of-band knowledge:
//
//   - LZB is the in-tree LZ-family codec (support/lzb), the default. It is
//     tuned for small/medium protocol payloads and bounded worst-case
//     expansion.
//   - SNAPPY uses Google's Snappy block format for CPU-friendly reads and
//     writes.
//   - NONE stores blocks raw. This may be useful when the underlying
//     filesystem offers compression, as "btrfs" does.
//
// Exactly one Writer may hold a trace file open for append; this is
// enforced with an exclusive lock file at open time. A Reader may operate
// on a file concurrently with an active Writer, but only fully flushed (and
// fsynced) blocks are visible to it; live tailing should use a Follower,
// which re-scans rather than sharing Writer state.
package tracefile
