// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Volatile register access
package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Reg32 is a 32 bit word shared with a device. It is only accessed with whole
// word atomic loads and stores so the compiler can neither elide nor merge them.
type Reg32 uint32

func (r *Reg32) Get() uint32     { return atomic.LoadUint32((*uint32)(r)) }
func (r *Reg32) Set(v uint32)    { atomic.StoreUint32((*uint32)(r), v) }
func (r *Reg32) Or(v uint32)     { r.Set(r.Get() | v) }
func (r *Reg32) AndNot(v uint32) { r.Set(r.Get() &^ v) }

// Reg64 is a 64 bit word shared with a device; it must be 8 byte aligned.
type Reg64 uint64

func (r *Reg64) Get() uint64     { return atomic.LoadUint64((*uint64)(r)) }
func (r *Reg64) Set(v uint64)    { atomic.StoreUint64((*uint64)(r), v) }
func (r *Reg64) Or(v uint64)     { r.Set(r.Get() | v) }
func (r *Reg64) AndNot(v uint64) { r.Set(r.Get() &^ v) }

// Reg32s overlays b with 32 bit registers.
func Reg32s(b []byte) []Reg32 {
	checkAligned(b, 4)
	return unsafe.Slice((*Reg32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Reg64s overlays b with 64 bit registers.
func Reg64s(b []byte) []Reg64 {
	checkAligned(b, 8)
	return unsafe.Slice((*Reg64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func checkAligned(b []byte, n uintptr) {
	if len(b) == 0 {
		panic("hw: empty register overlay")
	}
	if p := uintptr(unsafe.Pointer(&b[0])); p%n != 0 {
		panic(fmt.Errorf("hw: 0x%x not %d byte aligned", p, n))
	}
}

// MMIO is a device register block.
type MMIO interface {
	Read32(offset uint) uint32
	Write32(offset uint, v uint32)
}

// MapFunc maps the register block of size bytes at physical address phys.
type MapFunc func(phys uint64, size uint) (MMIO, error)

// MappedRegion is MMIO over a mapped byte region.
type MappedRegion struct {
	regs []Reg32
}

func NewMappedRegion(b []byte) *MappedRegion { return &MappedRegion{regs: Reg32s(b)} }

func (m *MappedRegion) Read32(offset uint) uint32     { return m.regs[offset/4].Get() }
func (m *MappedRegion) Write32(offset uint, v uint32) { m.regs[offset/4].Set(v) }
