// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions shared by the
// rest of the tracer: integer/pointer width and byte order. A live
// debugger's Architecture struct typically also carries
// breakpoint-instruction metadata; a post-mortem tracer never sets a
// breakpoint, so that part is dropped rather than carried as dead
// weight.
package arch

import "encoding/binary"

// Architecture defines the architecture-specific details for a given machine.
type Architecture struct {
	// IntSize is the size of the int type, in bytes.
	IntSize int
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder
}

func (a *Architecture) Int(buf []byte) int64 {
	return int64(a.Uint(buf))
}

func (a *Architecture) Uint(buf []byte) uint64 {
	if len(buf) != a.IntSize {
		panic("bad IntSize")
	}
	switch a.IntSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no IntSize")
}

func (a *Architecture) Uintptr(buf []byte) uint64 {
	if len(buf) != a.PointerSize {
		panic("bad PointerSize")
	}
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no PointerSize")
}

// CortexM is the sole supported target: a 32-bit, little-endian ARM core
// with an optional single-precision FPU.
var CortexM = Architecture{
	IntSize:     4,
	PointerSize: 4,
	ByteOrder:   binary.LittleEndian,
}
