// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package bufferpool maintains reusable byte buffers for block staging and
// decompression scratch space.
package bufferpool

import (
	"sync"
	"sync/atomic"
)

// Pool maintains a pool of buffers. It offers a new buffer when one is
// unavailable.
//
// The zero Pool is ready for use.
type Pool struct {
	// Size is the initial capacity of buffers allocated by this pool. A Get
	// larger than Size will still be honored; the buffer grows to fit.
	Size int

	base sync.Pool
}

// Get returns a buffer with length n, allocating or growing one as needed.
// The returned buffer is returned with a reference count of 1. Its contents
// are unspecified.
//
// The caller should return the buffer to the pool by calling its Release
// method when done with it.
func (bp *Pool) Get(n int) *Buffer {
	b, ok := bp.base.Get().(*Buffer)
	if !ok {
		size := bp.Size
		if size < n {
			size = n
		}
		b = &Buffer{
			bytes: make([]byte, size),
		}
	}
	if cap(b.bytes) < n {
		b.bytes = make([]byte, n)
	}

	// Attune the allocated buffer.
	b.bytes = b.bytes[:cap(b.bytes)]
	b.pool = bp
	b.size = n
	b.refcount = 1
	return b
}

func (bp *Pool) releaseBuffer(b *Buffer) {
	bp.base.Put(b)
}

// Buffer contains a byte buffer that can be released into a Pool for reuse.
//
// Buffer is reference counted, and can be retained and released accordingly.
// Failure to release a Buffer will not cause a memory leak, but will prevent
// its reuse.
type Buffer struct {
	refcount int64

	bytes []byte
	size  int

	pool *Pool
}

// Bytes returns this buffer's byte slice, sized per Get/Truncate.
func (b *Buffer) Bytes() []byte { return b.bytes[:b.size] }

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int { return b.size }

// Truncate caps the number of bytes returned by Bytes.
func (b *Buffer) Truncate(size int) {
	if size < 0 || size > cap(b.bytes) {
		panic("truncation size out of range")
	}
	b.size = size
}

// Adopt replaces the buffer's backing slice with v, retaining v's length.
//
// This is used when an operation on the buffer's slice (e.g., an
// append-style compression call) may have reallocated it; adopting the
// result keeps the larger allocation pooled.
func (b *Buffer) Adopt(v []byte) {
	b.bytes = v[:cap(v)]
	b.size = len(v)
}

// Release returns the buffer to its buffer pool.
//
// Release is safe for concurrent use.
//
// A Buffer must only be released once per Get/Retain.
func (b *Buffer) Release() {
	if atomic.AddInt64(&b.refcount, -1) != 0 {
		return
	}

	var pool *Pool
	pool, b.pool = b.pool, nil
	pool.releaseBuffer(b)
}

// Retain increases the Buffer's reference count. It should be accompanied by
// a Release call when the holder is finished.
func (b *Buffer) Retain() { atomic.AddInt64(&b.refcount, 1) }
