// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package mem

import (
	"golang.org/x/exp/constraints"
)

// UniformAlign is the alignment of allocations handed out by Ring. It matches
// the minimum uniform buffer offset alignment guaranteed by WebGPU, so ring
// slices can back uniform bindings directly.
const UniformAlign = 256

// Ring is a bounded, wrap-around allocator for short-lived, GPU-visible data
// such as per-pass constants. Alloc hands out independent, zeroed slices of
// the backing storage; Reset wraps the ring and reclaims everything at once.
// Slices must not be retained across a Reset.
//
// A Ring is not safe for concurrent use. Distinct recordings that run
// concurrently need distinct rings.
type Ring struct {
	data []byte
	head int
}

// NewRing returns a ring with the given capacity in bytes. The capacity is
// rounded up to the allocation alignment.
func NewRing(size int) *Ring {
	if size <= 0 {
		panic("mem: ring capacity must be positive")
	}
	return &Ring{
		data: make([]byte, alignUp(size, UniformAlign)),
	}
}

// Alloc returns a zeroed slice of exactly size bytes, or false if the ring
// cannot satisfy the request before the next Reset. Sizing the ring so that
// allocation never fails mid-frame is the caller's responsibility.
func (r *Ring) Alloc(size int) ([]byte, bool) {
	if size <= 0 {
		panic("mem: ring allocation size must be positive")
	}
	off := alignUp(r.head, UniformAlign)
	if len(r.data)-off < size {
		return nil, false
	}
	r.head = off + size
	b := r.data[off : off+size : off+size]
	clear(b)
	return b, true
}

// Reset wraps the ring back to its start. All previously allocated slices are
// invalidated.
func (r *Ring) Reset() {
	r.head = 0
}

// Cap returns the ring's capacity in bytes.
func (r *Ring) Cap() int {
	return len(r.data)
}

// Used returns the number of bytes consumed since the last Reset, including
// alignment padding.
func (r *Ring) Used() int {
	return r.head
}

// to has to be a power of two.
func alignUp[T constraints.Integer](v, to T) T {
	return v + (-v & (to - 1))
}
