// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Forest construction runs in parallel across windows and trees, and a
// fixed seed must give bit-identical results for any thread count. So
// instead of a shared generator, each logical stream is a pure function of
// (seed, keys..., block counter): blake2b-512 over the little-endian words,
// eight uint64s per hash block.

// Domain key separating forest tree streams from any other consumer of
// keyed randomness.
const forestRNGKey = 0x949FC1AD

type rng struct {
	prefix []byte
	block  uint64
	buf    [8]uint64
	n      int
}

// newRNG returns a deterministic stream identified by seed and keys.
// Streams with distinct (seed, keys) never overlap.
func newRNG(seed uint64, keys ...uint64) *rng {
	r := &rng{prefix: make([]byte, 8*(len(keys)+1))}
	binary.LittleEndian.PutUint64(r.prefix, seed)
	for i, k := range keys {
		binary.LittleEndian.PutUint64(r.prefix[8*(i+1):], k)
	}
	return r
}

func (r *rng) refill() {
	msg := make([]byte, len(r.prefix)+8)
	copy(msg, r.prefix)
	binary.LittleEndian.PutUint64(msg[len(r.prefix):], r.block)
	r.block++
	sum := blake2b.Sum512(msg)
	for i := range r.buf {
		r.buf[i] = binary.LittleEndian.Uint64(sum[8*i:])
	}
	r.n = len(r.buf)
}

func (r *rng) Uint64() uint64 {
	if r.n == 0 {
		r.refill()
	}
	r.n--
	return r.buf[len(r.buf)-1-r.n]
}

// Float64 returns a uniform value in [0,1) with 53 bits of precision.
func (r *rng) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// Intn returns a uniform value in [0,n). Modulo bias is below 2^-32 for
// any n that fits training-set or feature counts.
func (r *rng) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn with non-positive n")
	}
	return int(r.Uint64() % uint64(n))
}

// Perm returns a random permutation of [0,n), Fisher-Yates.
func (r *rng) Perm(n int) []int {
	p := make([]int, n)
	for i := 1; i < n; i++ {
		j := r.Intn(i + 1)
		p[i] = p[j]
		p[j] = i
	}
	return p
}
