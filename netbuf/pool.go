// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package netbuf manages fixed size packet buffers in DMA memory.
package netbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/platinasystems/nicring/hw"
)

// Entries are laid out on cache line boundaries.
const log2EntryAlign = 6

type PoolConfig struct {
	Name      string
	Count     int
	EntrySize int
}

// Pool is a fixed number of equally sized entries carved from one arena chunk.
// It never grows and never blocks.
type Pool struct {
	name      string
	arena     *hw.Arena
	chunk     hw.Chunk
	base      uintptr
	entrySize int
	stride    int
	count     int

	// Owners plus outstanding entries; memory goes back to the arena at zero.
	refs int32

	mu     sync.Mutex
	free   []int32
	state  []State
	counts [nState]int
	// Bumped each time an entry returns to the free list or a ring, so a
	// Ptr from an earlier lease no longer attaches.
	gen []uint32
}

// NewPool allocates c.Count entries of c.EntrySize bytes from a.
// The caller holds the first reference.
func NewPool(a *hw.Arena, c PoolConfig) (p *Pool, err error) {
	if c.Count <= 0 || c.EntrySize <= 0 {
		err = fmt.Errorf("%s: pool of %d x %d bytes: %w", c.Name, c.Count, c.EntrySize, ErrNoMemory)
		return
	}
	stride := (c.EntrySize + 1<<log2EntryAlign - 1) &^ (1<<log2EntryAlign - 1)
	chunk, err := a.Alloc(uint(stride*c.Count), 12)
	if err != nil {
		err = fmt.Errorf("%s: %v: %w", c.Name, err, ErrNoMemory)
		return
	}
	p = &Pool{
		name:      c.Name,
		arena:     a,
		chunk:     chunk,
		base:      chunk.Addr(),
		entrySize: c.EntrySize,
		stride:    stride,
		count:     c.Count,
		refs:      1,
		free:      make([]int32, c.Count),
		state:     make([]State, c.Count),
		gen:       make([]uint32, c.Count),
	}
	// Pop order is entry 0 first.
	for i := range p.free {
		p.free[i] = int32(c.Count - 1 - i)
	}
	p.counts[Free] = c.Count
	return
}

func (p *Pool) Name() string     { return p.name }
func (p *Pool) Len() int         { return p.count }
func (p *Pool) EntrySize() int   { return p.entrySize }
func (p *Pool) Arena() *hw.Arena { return p.arena }

func (p *Pool) FreeLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Free:     p.counts[Free],
		Software: p.counts[Software],
		Hardware: p.counts[Hardware],
		Detached: p.counts[Detached],
	}
}

// Retain adds an owner reference.
func (p *Pool) Retain() { atomic.AddInt32(&p.refs, 1) }

// Release drops an owner reference. Entry memory stays mapped until the last
// outstanding entry is freed as well.
func (p *Pool) Release() { p.unref() }

func (p *Pool) unref() {
	switch n := atomic.AddInt32(&p.refs, -1); {
	case n == 0:
		p.arena.Free(p.chunk)
	case n < 0:
		panic(fmt.Errorf("%s: reference count underflow", p.name))
	}
}

func (p *Pool) entryBytes(i int32) []byte {
	o := int(i) * p.stride
	return p.chunk.Bytes()[o : o+p.entrySize : o+p.entrySize]
}

func (p *Pool) entryAddr(i int32) uintptr { return p.base + uintptr(int(i)*p.stride) }

// Alloc leases a free entry. Fails with ErrNoMemory when none are left.
func (p *Pool) Alloc() (*Buf, error) {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: all %d entries in use: %w", p.name, p.count, ErrNoMemory)
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]
	p.transition(i, Free, Software)
	p.mu.Unlock()
	atomic.AddInt32(&p.refs, 1)
	return &Buf{pool: p, index: i}, nil
}

// transition moves entry i between states. Called with mu held.
// The free list and state tags disagreeing is corruption, not caller error.
func (p *Pool) transition(i int32, from, to State) {
	if got := p.state[i]; got != from {
		panic(fmt.Errorf("%s: entry %d: want %s != got %s", p.name, i, from, got))
	}
	p.state[i] = to
	if to == Free || to == Hardware {
		p.gen[i]++
	}
	p.counts[from]--
	p.counts[to]++
}

// move is transition for caller driven changes; a mismatch is ErrBadState.
func (p *Pool) move(i int32, to State, from ...State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	got := p.state[i]
	for _, f := range from {
		if got == f {
			p.transition(i, f, to)
			return nil
		}
	}
	return fmt.Errorf("%s: entry %d is %s, not %v: %w", p.name, i, got, from, ErrBadState)
}

func (p *Pool) put(i int32, from ...State) error {
	p.mu.Lock()
	got := p.state[i]
	ok := false
	for _, f := range from {
		if got == f {
			ok = true
		}
	}
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%s: free entry %d in state %s: %w", p.name, i, got, ErrBadState)
	}
	p.transition(i, got, Free)
	p.free = append(p.free, i)
	p.mu.Unlock()
	p.unref()
	return nil
}

// Attach turns a Ptr issued by Buf.Detach back into its Buf.
// Pointers not from this pool, altered pointers, pointers already attached and
// pointers from an earlier lease of the entry fail with ErrBadState.
func (p *Pool) Attach(r Ptr) (*Buf, error) {
	if r.entry < p.base || r.entry >= p.base+uintptr(p.count*p.stride) {
		return nil, fmt.Errorf("%s: %v: not a pool entry: %w", p.name, r, ErrBadState)
	}
	o := int(r.entry - p.base)
	if o%p.stride != 0 {
		return nil, fmt.Errorf("%s: %v: misaligned entry: %w", p.name, r, ErrBadState)
	}
	if r.data < r.entry || r.n < 0 || int(r.headerLen())+r.n > p.entrySize {
		return nil, fmt.Errorf("%s: %v: packet outside entry: %w", p.name, r, ErrBadState)
	}
	i := int32(o / p.stride)
	p.mu.Lock()
	defer p.mu.Unlock()
	if got := p.state[i]; got != Detached {
		return nil, fmt.Errorf("%s: entry %d is %s, not %s: %w", p.name, i, got, Detached, ErrBadState)
	}
	if g := p.gen[i]; g != r.gen {
		return nil, fmt.Errorf("%s: %v: stale, entry %d is at generation %d: %w", p.name, r, i, g, ErrBadState)
	}
	p.transition(i, Detached, Software)
	return &Buf{
		pool:   p,
		index:  i,
		hdrLen: int(r.headerLen()),
		pktLen: r.n,
	}, nil
}
