// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netbuf

import (
	"fmt"
	"unsafe"
)

// Ptr is the opaque form of a pool buffer while it is outside the driver.
// It names the pool entry, the first packet byte, the packet length and the
// lease of the entry it was issued for.
// A Ptr is only valid until it is handed back to the driver that issued it.
type Ptr struct {
	entry uintptr
	data  uintptr
	n     int
	gen   uint32
}

func (p Ptr) IsNil() bool    { return p.entry == 0 }
func (p Ptr) Entry() uintptr { return p.entry }
func (p Ptr) Data() uintptr  { return p.data }
func (p Ptr) Len() int       { return p.n }
func (p Ptr) String() string {
	return fmt.Sprintf("entry 0x%x gen %d data +%d len %d", p.entry, p.gen, p.data-p.entry, p.n)
}
func (p Ptr) headerLen() uint { return uint(p.data - p.entry) }

// Packet returns the packet bytes in place. The memory belongs to a DMA
// arena mapped outside the Go heap, so it stays put while the Ptr is valid.
func (p Ptr) Packet() []byte {
	if p.n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p.data)), p.n)
}
