// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netbuf

import "fmt"

// Buf is a leased pool entry. The entry holds an optional header region
// followed by the packet.
type Buf struct {
	pool   *Pool
	index  int32
	hdrLen int
	pktLen int
}

func (b *Buf) String() string {
	if b.pool == nil {
		return "released buffer"
	}
	return fmt.Sprintf("%s[%d] %s hdr %d pkt %d", b.pool.name, b.index, b.State(), b.hdrLen, b.pktLen)
}

func (b *Buf) Pool() *Pool    { return b.pool }
func (b *Buf) Index() int     { return int(b.index) }
func (b *Buf) Capacity() int  { return b.pool.entrySize }
func (b *Buf) HeaderLen() int { return b.hdrLen }
func (b *Buf) PacketLen() int { return b.pktLen }

func (b *Buf) State() State {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.pool.state[b.index]
}

func (b *Buf) SetHeaderLen(n int) {
	if n < 0 || n+b.pktLen > b.Capacity() {
		panic(fmt.Errorf("%v: header length %d exceeds capacity", b, n))
	}
	b.hdrLen = n
}

func (b *Buf) SetPacketLen(n int) {
	if n < 0 || b.hdrLen+n > b.Capacity() {
		panic(fmt.Errorf("%v: packet length %d exceeds capacity", b, n))
	}
	b.pktLen = n
}

// RawBuf is the whole entry.
func (b *Buf) RawBuf() []byte           { return b.pool.entryBytes(b.index) }
func (b *Buf) Header() []byte           { return b.RawBuf()[:b.hdrLen] }
func (b *Buf) Packet() []byte           { return b.RawBuf()[b.hdrLen : b.hdrLen+b.pktLen] }
func (b *Buf) PacketWithHeader() []byte { return b.RawBuf()[:b.hdrLen+b.pktLen] }

func (b *Buf) RawPhys() uint64    { return b.pool.chunk.Phys() + uint64(int(b.index)*b.pool.stride) }
func (b *Buf) PacketPhys() uint64 { return b.RawPhys() + uint64(b.hdrLen) }

// ToHardware marks the entry as installed in a ring.
func (b *Buf) ToHardware() error { return b.pool.move(b.index, Hardware, Software) }

// FromHardware marks the entry as taken back from a ring.
func (b *Buf) FromHardware() error { return b.pool.move(b.index, Software, Hardware) }

// Free returns the entry to its pool. A Buf may be freed once.
func (b *Buf) Free() error {
	p := b.pool
	if p == nil {
		return fmt.Errorf("buffer already released: %w", ErrBadState)
	}
	if err := p.put(b.index, Software, Hardware); err != nil {
		return err
	}
	b.pool = nil
	return nil
}

// Detach hands the entry out as a Ptr. The Buf is no longer usable; Pool.Attach
// recovers an identical one from the Ptr until the entry is freed or given to
// hardware.
func (b *Buf) Detach() (Ptr, error) {
	p := b.pool
	if p == nil {
		return Ptr{}, fmt.Errorf("buffer already released: %w", ErrBadState)
	}
	p.mu.Lock()
	if got := p.state[b.index]; got != Software {
		p.mu.Unlock()
		return Ptr{}, fmt.Errorf("%s: entry %d is %s, not %s: %w", p.name, b.index, got, Software, ErrBadState)
	}
	p.transition(b.index, Software, Detached)
	g := p.gen[b.index]
	p.mu.Unlock()
	e := p.entryAddr(b.index)
	b.pool = nil
	return Ptr{entry: e, data: e + uintptr(b.hdrLen), n: b.pktLen, gen: g}, nil
}
