// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package lzb

const (
	// minMatch is the shortest back-reference worth encoding. A match of
	// minMatch bytes costs at most 2 distance bytes against 4 bytes covered,
	// so anything shorter is emitted as literals instead. This is what keeps
	// incompressible input from expanding beyond MaxCompressedLen.
	minMatch = 4

	// maxDistance is the furthest back a match may reference, bounded by the
	// 2-byte distance field.
	maxDistance = 1<<16 - 1

	// hashBits sizes the match-finder hash table.
	hashBits      = 14
	hashTableSize = 1 << hashBits

	// maxChainDepth bounds hash-chain probing, capping worst-case compression
	// time on degenerate input.
	maxChainDepth = 16

	// tokenMax is the largest length a token nibble can hold directly; larger
	// values continue in extension bytes.
	tokenMax = 15
)

// hashPrime is Knuth's multiplicative hash constant.
const hashPrime = 2654435761

func hash4(src []byte, i int) uint32 {
	u := uint32(src[i]) | uint32(src[i+1])<<8 | uint32(src[i+2])<<16 | uint32(src[i+3])<<24
	return (u * hashPrime) >> (32 - hashBits)
}

// MaxCompressedLen returns the worst-case size of compressing n input bytes.
// Compress never produces more than this many bytes.
func MaxCompressedLen(n int) int {
	return n + n/255 + 16
}

// Compress appends the compressed form of src to dst[:0] and returns the
// result. dst may be nil; passing a buffer of MaxCompressedLen(len(src))
// capacity avoids allocation.
//
// Compress is a pure function; it retains no references to src or dst.
func Compress(dst, src []byte) []byte {
	if cap(dst) < MaxCompressedLen(len(src)) {
		dst = make([]byte, 0, MaxCompressedLen(len(src)))
	}
	dst = dst[:0]

	if len(src) == 0 {
		return dst
	}

	// table maps a 4-byte window hash to its most recent position + 1; chain
	// maps a position to the previous position + 1 with the same hash. Zero
	// means no entry.
	var table [hashTableSize]int32
	chain := make([]int32, len(src))

	insert := func(pos int) {
		h := hash4(src, pos)
		chain[pos] = table[h]
		table[h] = int32(pos) + 1
	}

	litStart := 0
	s := 0
	for s+minMatch <= len(src) {
		// Probe the chain for the longest match at s, bounded by
		// maxChainDepth.
		bestLen, bestDist := 0, 0
		for cand, depth := int(table[hash4(src, s)])-1, 0; cand >= 0 && depth < maxChainDepth; depth++ {
			dist := s - cand
			if dist > maxDistance {
				// Older entries are only further away.
				break
			}

			n := matchLen(src, cand, s)
			if n > bestLen {
				bestLen, bestDist = n, dist
			}
			cand = int(chain[cand]) - 1
		}

		if bestLen < minMatch {
			insert(s)
			s++
			continue
		}

		dst = emitSequence(dst, src[litStart:s], bestDist, bestLen)

		// Index the positions the match covered so later input can reference
		// them.
		end := s + bestLen
		for ; s < end && s+minMatch <= len(src); s++ {
			insert(s)
		}
		s = end
		litStart = s
	}

	// Trailing literals, if any, form a final match-less sequence.
	if litStart < len(src) {
		dst = emitLiterals(dst, src[litStart:])
	}
	return dst
}

// matchLen returns the length of the common prefix of src[cand:] and
// src[s:], with cand < s. The match may run past s (self-overlap).
func matchLen(src []byte, cand, s int) int {
	n := 0
	for s+n < len(src) && src[cand+n] == src[s+n] {
		n++
	}
	return n
}

func emitSequence(dst, lits []byte, dist, mlen int) []byte {
	mcode := mlen - minMatch

	token := byte(nibble(len(lits)) << 4)
	token |= byte(nibble(mcode))
	dst = append(dst, token)

	dst = appendExtension(dst, len(lits))
	dst = append(dst, lits...)
	dst = append(dst, byte(dist>>8), byte(dist))
	dst = appendExtension(dst, mcode)
	return dst
}

func emitLiterals(dst, lits []byte) []byte {
	dst = append(dst, byte(nibble(len(lits))<<4))
	dst = appendExtension(dst, len(lits))
	return append(dst, lits...)
}

func nibble(v int) int {
	if v >= tokenMax {
		return tokenMax
	}
	return v
}

// appendExtension appends the extension bytes for a length value whose
// nibble saturated at tokenMax.
func appendExtension(dst []byte, v int) []byte {
	if v < tokenMax {
		return dst
	}
	for v -= tokenMax; v >= 255; v -= 255 {
		dst = append(dst, 255)
	}
	return append(dst, byte(v))
}
