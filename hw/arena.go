// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw provides DMA memory, physical address translation, volatile
// register access and bounded polling for ring drivers.
package hw

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrNoMemory = errors.New("dma memory exhausted")

// Translator converts between CPU virtual and device physical addresses.
type Translator interface {
	PhysAddr(virt uintptr) uint64
	VirtAddr(phys uint64) uintptr
}

// IdentityTranslator is used on platforms where devices see CPU addresses.
type IdentityTranslator struct{}

func (IdentityTranslator) PhysAddr(virt uintptr) uint64 { return uint64(virt) }
func (IdentityTranslator) VirtAddr(phys uint64) uintptr { return uintptr(phys) }

// OffsetTranslator maps a linear window: phys = virt - Offset.
type OffsetTranslator struct{ Offset uint64 }

func (t OffsetTranslator) PhysAddr(virt uintptr) uint64 { return uint64(virt) - t.Offset }
func (t OffsetTranslator) VirtAddr(phys uint64) uintptr { return uintptr(phys + t.Offset) }

// Chunk is an aligned piece of an Arena.
type Chunk struct {
	a      *Arena
	offset uint
	n      uint
}

func (c Chunk) Len() uint      { return c.n }
func (c Chunk) IsNil() bool    { return c.a == nil }
func (c Chunk) Bytes() []byte  { return c.a.mem[c.offset : c.offset+c.n : c.offset+c.n] }
func (c Chunk) Addr() uintptr  { return c.a.base + uintptr(c.offset) }
func (c Chunk) Phys() uint64   { return c.a.t.PhysAddr(c.Addr()) }
func (c Chunk) String() string { return fmt.Sprintf("%s[0x%x:0x%x]", c.a.name, c.offset, c.offset+c.n) }

// Arena is a region of DMA visible memory mapped outside the Go heap.
// Nothing in this package keeps a global arena; callers create one and hand it
// to the pools and rings that need it.
type Arena struct {
	name string
	t    Translator

	mu    sync.Mutex
	mem   []byte
	base  uintptr
	next  uint
	free  []Chunk
	inUse uint
}

// NewArena maps size bytes (rounded up to a page) of anonymous memory.
func NewArena(name string, size uint, t Translator) (*Arena, error) {
	if t == nil {
		t = IdentityTranslator{}
	}
	page := uint(unix.Getpagesize())
	size = (size + page - 1) &^ (page - 1)
	if size == 0 {
		return nil, fmt.Errorf("%s: zero sized arena: %w", name, ErrNoMemory)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap %d bytes: %w", name, size, err)
	}
	return &Arena{
		name: name,
		t:    t,
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}, nil
}

func (a *Arena) Name() string { return a.name }
func (a *Arena) Size() uint   { return uint(len(a.mem)) }

// InUse returns the number of bytes held by outstanding chunks.
func (a *Arena) InUse() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Alloc returns a zeroed chunk of n bytes aligned to 1<<log2Align.
// Returned chunks are reused first fit; otherwise memory is carved from the end.
func (a *Arena) Alloc(n uint, log2Align uint) (c Chunk, err error) {
	if n == 0 {
		err = fmt.Errorf("%s: zero sized alloc: %w", a.name, ErrNoMemory)
		return
	}
	align := uint(1) << log2Align
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		err = fmt.Errorf("%s: arena closed: %w", a.name, ErrNoMemory)
		return
	}
	for i := range a.free {
		f := a.free[i]
		if f.n >= n && (a.base+uintptr(f.offset))%uintptr(align) == 0 {
			copy(a.free[i:], a.free[i+1:])
			a.free = a.free[:len(a.free)-1]
			c = f
			break
		}
	}
	if c.a == nil {
		o := a.next
		if m := (a.base + uintptr(o)) % uintptr(align); m != 0 {
			o += align - uint(m)
		}
		if o+n > uint(len(a.mem)) {
			err = fmt.Errorf("%s: alloc %d bytes, %d of %d used: %w",
				a.name, n, a.next, len(a.mem), ErrNoMemory)
			return
		}
		c = Chunk{a: a, offset: o, n: n}
		a.next = o + n
	}
	b := c.Bytes()
	for i := range b {
		b[i] = 0
	}
	a.inUse += c.n
	return
}

// Free returns a chunk to the arena.
func (a *Arena) Free(c Chunk) {
	if c.a != a {
		panic(fmt.Errorf("%s: free of foreign chunk %v", a.name, c))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, c)
	a.inUse -= c.n
}

// Close unmaps the arena. All chunks must have been freed.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	if a.inUse != 0 {
		return fmt.Errorf("%s: close with %d bytes in use", a.name, a.inUse)
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.free = nil
	return err
}

// Phys returns the device address of the first byte of b, which must lie
// inside the arena.
func (a *Arena) Phys(b []byte) uint64 {
	p := uintptr(unsafe.Pointer(&b[0]))
	if p < a.base || p >= a.base+uintptr(len(a.mem)) {
		panic(fmt.Errorf("%s: address 0x%x outside arena", a.name, p))
	}
	return a.t.PhysAddr(p)
}

// Bytes returns the n bytes at device address phys, or false when the range
// is not inside the arena.
func (a *Arena) Bytes(phys uint64, n uint) ([]byte, bool) {
	v := a.t.VirtAddr(phys)
	if v < a.base {
		return nil, false
	}
	o := uint(v - a.base)
	if o > uint(len(a.mem)) || n > uint(len(a.mem))-o {
		return nil, false
	}
	return a.mem[o : o+n : o+n], true
}
