// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package igb

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/platinasystems/nicring/elib"
	"github.com/platinasystems/nicring/hw"
)

// Descriptors are 16 bytes; rings are 128 byte aligned.
const (
	DescriptorBytes              = 16
	log2DescriptorAlignmentBytes = 7
)

// Advanced receive descriptor. Software writes the read format; the device
// overwrites the same 16 bytes with the write-back format.
type RxDescriptor struct {
	// Read: packet buffer address.
	// Write-back:
	// [3:0] rss type
	// [16:4] packet type
	// [30:21] header length
	// [31] split header
	// [63:32] rss hash
	w0 hw.Reg64

	// Read: header buffer address.
	// Write-back:
	// [19:0] extended status
	// [31:20] extended error
	// [47:32] packet length
	// [63:48] vlan tag
	w1 hw.Reg64
}

const (
	RxStatusDD  = 1 << 0
	RxStatusEOP = 1 << 1
	RxStatusVP  = 1 << 3
)

var rx_status_strings = []string{
	0: "dd",
	1: "eop",
	3: "vlan",
	4: "udp-checksum",
	5: "l4-checksum",
	6: "ip4-checksum",
}

// bits returns x[hi:lo], inclusive.
func bits(x uint64, hi, lo uint) uint64 { return (x >> lo) & (1<<(hi-lo+1) - 1) }

func (d *RxDescriptor) Init() {
	d.w0.Set(0)
	d.w1.Set(0)
}

func (d *RxDescriptor) SetPacketAddress(a uint64) { d.w0.Set(a) }

// ResetStatus clears the header address word, which is where write-back
// status lands.
func (d *RxDescriptor) ResetStatus() { d.w1.Set(0) }

func (d *RxDescriptor) DescriptorDone() bool { return d.w1.Get()&RxStatusDD != 0 }
func (d *RxDescriptor) EndOfPacket() bool    { return d.w1.Get()&RxStatusEOP != 0 }
func (d *RxDescriptor) Length() uint16       { return uint16(bits(d.w1.Get(), 47, 32)) }
func (d *RxDescriptor) ExtStatus() uint32    { return uint32(bits(d.w1.Get(), 19, 0)) }
func (d *RxDescriptor) ExtError() uint16     { return uint16(bits(d.w1.Get(), 31, 20)) }
func (d *RxDescriptor) VlanTag() uint16      { return uint16(bits(d.w1.Get(), 63, 48)) }
func (d *RxDescriptor) RSSType() uint8       { return uint8(bits(d.w0.Get(), 3, 0)) }
func (d *RxDescriptor) PacketType() uint16   { return uint16(bits(d.w0.Get(), 16, 4)) }
func (d *RxDescriptor) HeaderLength() uint16 { return uint16(bits(d.w0.Get(), 30, 21)) }
func (d *RxDescriptor) RSSHash() uint32      { return uint32(bits(d.w0.Get(), 63, 32)) }

// Read format accessors, as seen by the device.
func (d *RxDescriptor) PacketAddress() uint64 { return d.w0.Get() }
func (d *RxDescriptor) HeaderAddress() uint64 { return d.w1.Get() }

// RxWriteBack is what the device reports for a received packet.
type RxWriteBack struct {
	RSSType      uint8
	PacketType   uint16
	HeaderLength uint16
	RSSHash      uint32
	Status       uint32
	Error        uint16
	Length       uint16
	Vlan         uint16
}

// WriteBack stores w in write-back format. Status lands last.
func (d *RxDescriptor) WriteBack(w RxWriteBack) {
	d.w0.Set(uint64(w.RSSType&0xf) |
		uint64(w.PacketType&0x1fff)<<4 |
		uint64(w.HeaderLength&0x3ff)<<21 |
		uint64(w.RSSHash)<<32)
	d.w1.Set(uint64(w.Status&0xfffff) |
		uint64(w.Error&0xfff)<<20 |
		uint64(w.Length)<<32 |
		uint64(w.Vlan)<<48)
}

func (d *RxDescriptor) String() (s string) {
	if !d.DescriptorDone() {
		return fmt.Sprintf("hw: buffer %x", d.PacketAddress())
	}
	s = fmt.Sprintf("sw: %d bytes", d.Length())
	if x := d.ExtStatus(); x != 0 {
		s += ", " + elib.FlagStringer(rx_status_strings, uint64(x))
	}
	if x := d.ExtError(); x != 0 {
		s += fmt.Sprintf(", error 0x%x", x)
	}
	if d.ExtStatus()&RxStatusVP != 0 {
		s += fmt.Sprintf(", vlan %d", d.VlanTag()&0xfff)
	}
	if x := d.HeaderLength(); x != 0 {
		s += fmt.Sprintf(", header %d", x)
	}
	if x := d.RSSType(); x != 0 {
		s += fmt.Sprintf(", rss type %d hash 0x%x", x, d.RSSHash())
	}
	return
}

// Advanced transmit data descriptor.
type TxDescriptor struct {
	// Buffer address.
	addr hw.Reg64

	// [15:0] data length
	// [23:16] descriptor type (advanced data = 0x30)
	// [31:24] command
	// [35:32] status, written back by the device
	// [45:40] packet options
	// [63:46] payload length
	cmd_type_len hw.Reg64
}

const (
	TxCmdEOP  = 1 << 0
	TxCmdIFCS = 1 << 1
	TxCmdRS   = 1 << 3
	TxCmdDEXT = 1 << 5
	TxCmdVLE  = 1 << 6
	TxCmdTSE  = 1 << 7

	TxStatusDD = 1 << 0

	TxDtypAdvancedData = 0x3 << 4

	// Within the upper 32 bit word.
	TxPaylenShift = 14
)

var tx_cmd_strings = []string{
	0: "eop",
	1: "insert-crc",
	3: "report-status",
	5: "advanced",
	6: "vlan-enable",
	7: "tse",
}

func (d *TxDescriptor) Init() {
	d.addr.Set(0)
	d.cmd_type_len.Set(0)
}

// Send sets up a single buffer packet of n bytes at address a.
// Lengths wider than the fields are truncated.
func (d *TxDescriptor) Send(a uint64, n uint16) {
	const cmd = TxCmdEOP | TxCmdIFCS | TxCmdRS | TxCmdDEXT
	d.addr.Set(a)
	olinfo := uint32(n) << TxPaylenShift
	d.cmd_type_len.Set(uint64(n) |
		uint64(TxDtypAdvancedData)<<16 |
		uint64(cmd)<<24 |
		uint64(olinfo)<<32)
}

func (d *TxDescriptor) Address() uint64    { return d.addr.Get() }
func (d *TxDescriptor) DataLen() uint16    { return uint16(bits(d.cmd_type_len.Get(), 15, 0)) }
func (d *TxDescriptor) Type() uint8        { return uint8(bits(d.cmd_type_len.Get(), 23, 16)) }
func (d *TxDescriptor) Cmd() uint8         { return uint8(bits(d.cmd_type_len.Get(), 31, 24)) }
func (d *TxDescriptor) Status() uint8      { return uint8(bits(d.cmd_type_len.Get(), 35, 32)) }
func (d *TxDescriptor) PayloadLen() uint32 { return uint32(bits(d.cmd_type_len.Get(), 63, 46)) }

// Done reports whether the device has written back descriptor done.
func (d *TxDescriptor) Done() bool { return d.Status()&TxStatusDD != 0 }

// WaitDone polls Done under policy p.
func (d *TxDescriptor) WaitDone(ctx context.Context, p hw.PollPolicy) error {
	return hw.Poll(ctx, p, d.Done)
}

// Complete is the device side write-back of descriptor done.
func (d *TxDescriptor) Complete() { d.cmd_type_len.Or(TxStatusDD << 32) }

func (d *TxDescriptor) String() (s string) {
	if d.Done() {
		s = "sw: "
	} else {
		s = "hw: "
	}
	s += fmt.Sprintf("buffer %x, bytes %d", d.Address(), d.DataLen())
	if x := d.Cmd(); x != 0 {
		s += ", " + elib.FlagStringer(tx_cmd_strings, uint64(x))
	}
	if x := d.PayloadLen(); x != 0 {
		s += fmt.Sprintf(", payload %d", x)
	}
	return
}

// RxDescriptors overlays b with receive descriptors.
func RxDescriptors(b []byte) []RxDescriptor {
	r := hw.Reg64s(b)
	return unsafe.Slice((*RxDescriptor)(unsafe.Pointer(&r[0])), len(b)/DescriptorBytes)
}

// TxDescriptors overlays b with transmit descriptors.
func TxDescriptors(b []byte) []TxDescriptor {
	r := hw.Reg64s(b)
	return unsafe.Slice((*TxDescriptor)(unsafe.Pointer(&r[0])), len(b)/DescriptorBytes)
}
