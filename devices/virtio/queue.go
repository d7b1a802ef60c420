// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtio implements split virtqueues and the virtio-mmio transport.
// Ring memory is little endian and is accessed as whole aligned words, so
// this package assumes a little endian host.
package virtio

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netdev"
)

var (
	// ErrQueueFull wraps netdev.ErrAgain.
	ErrQueueFull = fmt.Errorf("virtqueue full: %w", netdev.ErrAgain)
	ErrNotReady  = fmt.Errorf("no used buffer: %w", netdev.ErrAgain)
	// ErrBadLength wraps netdev.ErrBadState. The buffer was still taken back
	// from the device.
	ErrBadLength = fmt.Errorf("bad used length: %w", netdev.ErrBadState)
	errSize      = errors.New("queue size must be a power of 2")
)

const (
	DescFNext  = 1
	DescFWrite = 2

	// Set by the device in the used ring flags.
	UsedFNoNotify = 1
)

// Desc is a descriptor table entry.
type Desc struct {
	addr hw.Reg64
	// [31:0] length
	// [47:32] flags
	// [63:48] next
	len_flags_next hw.Reg64
}

func (d *Desc) Addr() uint64  { return d.addr.Get() }
func (d *Desc) Len() uint32   { return uint32(d.len_flags_next.Get()) }
func (d *Desc) Flags() uint16 { return uint16(d.len_flags_next.Get() >> 32) }
func (d *Desc) Next() uint16  { return uint16(d.len_flags_next.Get() >> 48) }

func (d *Desc) set(addr uint64, n uint32, flags, next uint16) {
	d.addr.Set(addr)
	d.len_flags_next.Set(uint64(n) | uint64(flags)<<32 | uint64(next)<<48)
}

func (d *Desc) String() string {
	s := fmt.Sprintf("addr %x len %d", d.Addr(), d.Len())
	if f := d.Flags(); f&DescFWrite != 0 {
		s += ", write"
	}
	if f := d.Flags(); f&DescFNext != 0 {
		s += fmt.Sprintf(", next %d", d.Next())
	}
	return s
}

// Ring byte sizes.
func descBytes(size uint16) uint  { return 16 * uint(size) }
func availBytes(size uint16) uint { return 4 + 2*uint(size) + 2 }
func usedBytes(size uint16) uint  { return 4 + 8*uint(size) + 2 }

// rings overlays the three areas of a split virtqueue.
type rings struct {
	size uint16
	desc []Desc
	// [0]: flags [15:0], idx [31:16]; then ring entries, two per word.
	avail []hw.Reg32
	// [0]: flags [15:0], idx [31:16]; then {id, len} word pairs.
	used []hw.Reg32
}

func newRings(size uint16, desc, avail, used []byte) (r rings) {
	r.size = size
	d := hw.Reg64s(desc)
	r.desc = unsafe.Slice((*Desc)(unsafe.Pointer(&d[0])), int(size))
	r.avail = hw.Reg32s(avail)
	r.used = hw.Reg32s(used)
	return
}

func (r *rings) availIdx() uint16 { return uint16(r.avail[0].Get() >> 16) }
func (r *rings) usedIdx() uint16  { return uint16(r.used[0].Get() >> 16) }
func (r *rings) usedFlags() uint16 {
	return uint16(r.used[0].Get())
}

func (r *rings) setIdx(w *hw.Reg32, idx uint16) {
	w.Set(w.Get()&0xffff | uint32(idx)<<16)
}

func (r *rings) availEntry(slot uint16) uint16 {
	w := &r.avail[1+slot/2]
	return uint16(w.Get() >> (16 * (slot % 2)))
}

func (r *rings) setAvailEntry(slot, v uint16) {
	w := &r.avail[1+slot/2]
	shift := 16 * uint(slot%2)
	w.Set(w.Get()&^(0xffff<<shift) | uint32(v)<<shift)
}

func (r *rings) usedElem(slot uint16) (id, n uint32) {
	return r.used[1+2*uint(slot)].Get(), r.used[2+2*uint(slot)].Get()
}

func (r *rings) setUsedElem(slot uint16, id, n uint32) {
	r.used[1+2*uint(slot)].Set(id)
	r.used[2+2*uint(slot)].Set(n)
}

// Queue is the driver side of a split virtqueue. Each submission is one
// buffer and one descriptor; the descriptor index is the token.
type Queue struct {
	rings

	index  uint16
	arena  *hw.Arena
	chunks [3]hw.Chunk

	free_head uint16
	num_free  uint16
	avail_idx uint16
	last_used uint16
	in_flight []bool
}

// NewQueue allocates queue index with size descriptors from a.
func NewQueue(a *hw.Arena, index, size uint16) (q *Queue, err error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtqueue %d: size %d: %v: %w", index, size, errSize, netdev.ErrInvalidParam)
	}
	q = &Queue{index: index, arena: a}
	for i, c := range []struct {
		n     uint
		align uint
	}{
		{descBytes(size), 4},
		{availBytes(size), 2},
		{usedBytes(size), 2},
	} {
		// Whole words only.
		if q.chunks[i], err = a.Alloc((c.n+7)&^7, c.align); err != nil {
			q.Free()
			return nil, fmt.Errorf("virtqueue %d: %v: %w", index, err, netdev.ErrNoMemory)
		}
	}
	q.rings = newRings(size, q.chunks[0].Bytes(), q.chunks[1].Bytes(), q.chunks[2].Bytes())
	// Free list 0, 1, ... so the first submissions get tokens in order.
	for i := range q.desc {
		q.desc[i].set(0, 0, 0, uint16(i+1))
	}
	q.num_free = size
	q.in_flight = make([]bool, size)
	return
}

// Free returns the ring memory to the arena.
func (q *Queue) Free() {
	for i := range q.chunks {
		if !q.chunks[i].IsNil() {
			q.arena.Free(q.chunks[i])
			q.chunks[i] = hw.Chunk{}
		}
	}
}

func (q *Queue) Index() uint16 { return q.index }
func (q *Queue) Size() uint16  { return q.size }
func (q *Queue) NumFree() int  { return int(q.num_free) }
func (q *Queue) CanAdd() bool  { return q.num_free > 0 }

func (q *Queue) DescPhys() uint64  { return q.chunks[0].Phys() }
func (q *Queue) AvailPhys() uint64 { return q.chunks[1].Phys() }
func (q *Queue) UsedPhys() uint64  { return q.chunks[2].Phys() }

// Add makes n bytes at phys available to the device and returns its token.
func (q *Queue) Add(phys uint64, n uint32, deviceWritable bool) (token uint16, err error) {
	if q.num_free == 0 {
		return 0, ErrQueueFull
	}
	token = q.free_head
	d := &q.desc[token]
	q.free_head = d.Next()
	q.num_free--
	var flags uint16
	if deviceWritable {
		flags |= DescFWrite
	}
	d.set(phys, n, flags, 0)
	q.in_flight[token] = true

	q.setAvailEntry(q.avail_idx%q.size, token)
	q.avail_idx++
	// Entry must be visible before the index; atomic stores keep the order.
	q.setIdx(&q.avail[0], q.avail_idx)
	return
}

// ShouldNotify reports whether the device wants a notification after Add.
func (q *Queue) ShouldNotify() bool { return q.usedFlags()&UsedFNoNotify == 0 }

// PeekUsed returns the token of the next used buffer.
func (q *Queue) PeekUsed() (token uint16, ok bool) {
	if q.last_used == q.usedIdx() {
		return
	}
	id, _ := q.usedElem(q.last_used % q.size)
	return uint16(id), true
}

// PopUsed takes the next used buffer, which must be token, and returns the
// number of bytes the device wrote. A length beyond the buffer fails with
// ErrBadLength after the descriptor is freed.
func (q *Queue) PopUsed(token uint16) (n uint32, err error) {
	if q.last_used == q.usedIdx() {
		return 0, ErrNotReady
	}
	id, n := q.usedElem(q.last_used % q.size)
	if id != uint32(token) {
		return 0, fmt.Errorf("virtqueue %d: used token %d, want %d: %w", q.index, id, token, netdev.ErrBadState)
	}
	if id >= uint32(q.size) || !q.in_flight[id] {
		return 0, fmt.Errorf("virtqueue %d: used token %d not in flight: %w", q.index, id, netdev.ErrBadState)
	}
	q.in_flight[id] = false
	d := &q.desc[id]
	dl := d.Len()
	d.set(0, 0, 0, q.free_head)
	q.free_head = uint16(id)
	q.num_free++
	q.last_used++
	if n > dl {
		return 0, fmt.Errorf("virtqueue %d: token %d used %d bytes of %d: %w", q.index, id, n, dl, ErrBadLength)
	}
	return
}
