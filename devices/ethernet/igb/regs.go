// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package igb

// Register offsets into the 82576 register block.
type Reg uint

const (
	CTRL   Reg = 0x0000
	STATUS Reg = 0x0008
	IMC    Reg = 0x00d8
	RCTL   Reg = 0x0100
	TCTL   Reg = 0x0400
	RAL0   Reg = 0x5400
	RAH0   Reg = 0x5404
)

// Per queue registers, 0x40 apart.
func RDBAL(q uint) Reg  { return 0xc000 + 0x40*Reg(q) }
func RDBAH(q uint) Reg  { return RDBAL(q) + 0x04 }
func RDLEN(q uint) Reg  { return RDBAL(q) + 0x08 }
func SRRCTL(q uint) Reg { return RDBAL(q) + 0x0c }
func RDH(q uint) Reg    { return RDBAL(q) + 0x10 }
func RDT(q uint) Reg    { return RDBAL(q) + 0x18 }
func RXDCTL(q uint) Reg { return RDBAL(q) + 0x28 }

func TDBAL(q uint) Reg  { return 0xe000 + 0x40*Reg(q) }
func TDBAH(q uint) Reg  { return TDBAL(q) + 0x04 }
func TDLEN(q uint) Reg  { return TDBAL(q) + 0x08 }
func TDH(q uint) Reg    { return TDBAL(q) + 0x10 }
func TDT(q uint) Reg    { return TDBAL(q) + 0x18 }
func TXDCTL(q uint) Reg { return TDBAL(q) + 0x28 }

const (
	CTRL_SLU = 1 << 6
	CTRL_RST = 1 << 26

	STATUS_LU = 1 << 1

	RCTL_EN    = 1 << 1
	RCTL_BAM   = 1 << 15
	RCTL_SECRC = 1 << 26

	TCTL_EN  = 1 << 1
	TCTL_PSP = 1 << 3

	RAH_AV = 1 << 31

	// [6:0] packet buffer size in 1k units
	// [27:25] descriptor type
	// [31] drop when out of descriptors
	SRRCTL_BSIZEPACKET_MASK = 0x7f
	SRRCTL_DESCTYPE_ADV_ONE = 1 << 25
	SRRCTL_DESCTYPE_MASK    = 7 << 25
	SRRCTL_DROP_EN          = 1 << 31

	// Queue enable in RXDCTL and TXDCTL.
	DCTL_ENABLE = 1 << 25
)

func (r Reg) get(d *Device) uint32    { return d.regs.Read32(uint(r)) }
func (r Reg) set(d *Device, v uint32) { d.regs.Write32(uint(r), v) }
func (r Reg) or(d *Device, v uint32)  { r.set(d, r.get(d)|v) }
func (r Reg) andnot(d *Device, v uint32) {
	r.set(d, r.get(d)&^v)
}

// addr writes a 64 bit address to a lo/hi register pair.
func addr(lo, hi Reg, d *Device, v uint64) {
	lo.set(d, uint32(v))
	hi.set(d, uint32(v>>32))
}
