// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package igbsim is a software model of an igb NIC. It implements the
// register block and processes descriptor rings in arena memory each time
// Step is called, so tests decide exactly when hardware makes progress.
package igbsim

import (
	"sync"

	"github.com/platinasystems/nicring/devices/ethernet/igb"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netdev"
)

const NumQueues = 4

type Device struct {
	arena *hw.Arena
	mac   netdev.EthernetAddress

	mu   sync.Mutex
	regs map[igb.Reg]uint32

	// Transmitted frames are received back on queue 0.
	Loopback bool

	pending [][]byte
	sent    [][]byte

	// Descriptors naming memory outside the arena.
	DmaErrors int
}

var _ hw.MMIO = (*Device)(nil)

func New(a *hw.Arena, mac netdev.EthernetAddress) *Device {
	s := &Device{
		arena: a,
		mac:   mac,
	}
	s.reset()
	return s
}

func (s *Device) reset() {
	s.regs = make(map[igb.Reg]uint32)
	m := s.mac
	s.regs[igb.RAL0] = uint32(m[0]) | uint32(m[1])<<8 | uint32(m[2])<<16 | uint32(m[3])<<24
	s.regs[igb.RAH0] = uint32(m[4]) | uint32(m[5])<<8 | igb.RAH_AV
}

// Map returns the register block regardless of address.
func (s *Device) Map(phys uint64, size uint) (hw.MMIO, error) { return s, nil }

func (s *Device) Read32(offset uint) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[igb.Reg(offset)]
}

func (s *Device) Write32(offset uint, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := igb.Reg(offset)
	switch r {
	case igb.CTRL:
		if v&igb.CTRL_RST != 0 {
			// Reset completes immediately.
			s.reset()
			v &^= igb.CTRL_RST
		}
		if v&igb.CTRL_SLU != 0 {
			s.regs[igb.STATUS] |= igb.STATUS_LU
		} else {
			s.regs[igb.STATUS] &^= igb.STATUS_LU
		}
	case igb.STATUS:
		return
	}
	s.regs[r] = v
}

// Inject queues a frame for reception on queue 0.
func (s *Device) Inject(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, append([]byte(nil), frame...))
}

// Pending returns the number of frames waiting for a receive descriptor.
func (s *Device) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// TakeSent returns and clears frames transmitted while not in loopback.
func (s *Device) TakeSent() (f [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, s.sent = s.sent, nil
	return
}

// Step transmits every queued tx descriptor and fills rx descriptors from
// pending frames. It returns the number of descriptors processed.
func (s *Device) Step() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for q := uint(0); q < NumQueues; q++ {
		n += s.tx(q)
	}
	n += s.rx(0)
	return
}

func (s *Device) ring(lo, hi, length igb.Reg) ([]byte, bool) {
	phys := uint64(s.regs[lo]) | uint64(s.regs[hi])<<32
	n := s.regs[length]
	if n == 0 {
		return nil, false
	}
	return s.arena.Bytes(phys, uint(n))
}

func (s *Device) tx(q uint) (n int) {
	if s.regs[igb.TCTL]&igb.TCTL_EN == 0 || s.regs[igb.TXDCTL(q)]&igb.DCTL_ENABLE == 0 {
		return
	}
	b, ok := s.ring(igb.TDBAL(q), igb.TDBAH(q), igb.TDLEN(q))
	if !ok {
		s.DmaErrors++
		return
	}
	ring := igb.TxDescriptors(b)
	head, tail := s.regs[igb.TDH(q)], s.regs[igb.TDT(q)]
	for head != tail && int(head) < len(ring) {
		t := &ring[head]
		if data, ok := s.arena.Bytes(t.Address(), uint(t.DataLen())); ok {
			frame := append([]byte(nil), data...)
			if s.Loopback {
				s.pending = append(s.pending, frame)
			} else {
				s.sent = append(s.sent, frame)
			}
		} else {
			s.DmaErrors++
		}
		if t.Cmd()&igb.TxCmdRS != 0 {
			t.Complete()
		}
		if head++; int(head) == len(ring) {
			head = 0
		}
		n++
	}
	s.regs[igb.TDH(q)] = head
	return
}

func (s *Device) rx(q uint) (n int) {
	if s.regs[igb.RCTL]&igb.RCTL_EN == 0 || s.regs[igb.RXDCTL(q)]&igb.DCTL_ENABLE == 0 {
		return
	}
	b, ok := s.ring(igb.RDBAL(q), igb.RDBAH(q), igb.RDLEN(q))
	if !ok {
		s.DmaErrors++
		return
	}
	ring := igb.RxDescriptors(b)
	size := uint(s.regs[igb.SRRCTL(q)]&igb.SRRCTL_BSIZEPACKET_MASK) * 1024
	head, tail := s.regs[igb.RDH(q)], s.regs[igb.RDT(q)]
	for head != tail && int(head) < len(ring) && len(s.pending) > 0 {
		frame := s.pending[0]
		s.pending = s.pending[1:]
		r := &ring[head]
		buf, ok := s.arena.Bytes(r.PacketAddress(), size)
		if !ok {
			s.DmaErrors++
			continue
		}
		l := copy(buf, frame)
		r.WriteBack(igb.RxWriteBack{
			Status: igb.RxStatusDD | igb.RxStatusEOP,
			Length: uint16(l),
		})
		if head++; int(head) == len(ring) {
			head = 0
		}
		n++
	}
	s.regs[igb.RDH(q)] = head
	return
}
