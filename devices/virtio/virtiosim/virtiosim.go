// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtiosim models a virtio-mmio network device. Queues are
// processed only when Step is called.
package virtiosim

import (
	"sync"

	"github.com/platinasystems/nicring/devices/virtio"
	"github.com/platinasystems/nicring/devices/virtio/virtionet"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netdev"
)

const (
	VendorID           = 0x554d4551 // "QEMU"
	DefaultQueueNumMax = 1024
	DefaultFeatures    = virtionet.FeatureMAC | virtionet.FeatureStatus | virtio.FeatureVersion1
	rxQueue, txQueue   = virtionet.QueueReceive, virtionet.QueueTransmit
	numQueues          = 2
)

type queue struct {
	num                  uint32
	ready                bool
	desc, driver, device uint64
	q                    *virtio.DeviceQueue
	notifies             int
}

type Device struct {
	arena *hw.Arena
	mac   netdev.EthernetAddress

	// Offered to the driver.
	Features    uint64
	QueueNumMax uint16
	LinkUp      bool
	// Transmitted frames are received back.
	Loopback bool
	// Reported as the used length of received frames when non-zero.
	RxUsedLen uint32

	mu                sync.Mutex
	status            uint32
	featuresSel       uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	queues            [numQueues]queue

	pending [][]byte
	sent    [][]byte

	// Descriptors the model could not use.
	DmaErrors int
}

var _ hw.MMIO = (*Device)(nil)

func New(a *hw.Arena, mac netdev.EthernetAddress) *Device {
	return &Device{
		arena:       a,
		mac:         mac,
		Features:    DefaultFeatures,
		QueueNumMax: DefaultQueueNumMax,
		LinkUp:      true,
	}
}

func (s *Device) Map(phys uint64, size uint) (hw.MMIO, error) { return s, nil }

func (s *Device) reset() {
	s.status = 0
	s.featuresSel, s.driverFeaturesSel, s.driverFeatures = 0, 0, 0
	s.queueSel = 0
	s.queues = [numQueues]queue{}
}

// DriverFeatures returns the features the driver accepted.
func (s *Device) DriverFeatures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driverFeatures
}

// Notifies returns the number of notifications received for queue.
func (s *Device) Notifies(queue uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[queue].notifies
}

func (s *Device) sel() *queue {
	if s.queueSel < numQueues {
		return &s.queues[s.queueSel]
	}
	return nil
}

func (s *Device) Read32(offset uint) (v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch offset {
	case virtio.MMIOMagicValue:
		v = virtio.MMIOMagic
	case virtio.MMIOVersion:
		v = 2
	case virtio.MMIODeviceID:
		v = uint32(virtio.DeviceNet)
	case virtio.MMIOVendorID:
		v = VendorID
	case virtio.MMIODeviceFeatures:
		v = uint32(s.Features >> (32 * (s.featuresSel & 1)))
	case virtio.MMIOQueueNumMax:
		if s.sel() != nil {
			v = uint32(s.QueueNumMax)
		}
	case virtio.MMIOQueueReady:
		if q := s.sel(); q != nil && q.ready {
			v = 1
		}
	case virtio.MMIOStatus:
		v = s.status
	case virtio.MMIOConfig:
		m := s.mac
		v = uint32(m[0]) | uint32(m[1])<<8 | uint32(m[2])<<16 | uint32(m[3])<<24
	case virtio.MMIOConfig + 4:
		m := s.mac
		v = uint32(m[4]) | uint32(m[5])<<8
		if s.LinkUp {
			v |= virtionet.StatusLinkUp << 16
		}
	}
	return
}

func setHalf(x *uint64, sel uint32, v uint32) {
	if sel&1 == 0 {
		*x = *x&^0xffffffff | uint64(v)
	} else {
		*x = *x&0xffffffff | uint64(v)<<32
	}
}

func (s *Device) Write32(offset uint, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.sel()
	switch offset {
	case virtio.MMIODeviceFeaturesSel:
		s.featuresSel = v
	case virtio.MMIODriverFeaturesSel:
		s.driverFeaturesSel = v
	case virtio.MMIODriverFeatures:
		setHalf(&s.driverFeatures, s.driverFeaturesSel, v)
	case virtio.MMIOQueueSel:
		s.queueSel = v
	case virtio.MMIOQueueNotify:
		if v < numQueues {
			s.queues[v].notifies++
		}
	case virtio.MMIOStatus:
		if v == 0 {
			s.reset()
			return
		}
		if v&uint32(virtio.StatusFeaturesOK) != 0 && s.driverFeatures&^s.Features != 0 {
			v &^= uint32(virtio.StatusFeaturesOK)
		}
		s.status = v
	}
	if q == nil {
		return
	}
	switch offset {
	case virtio.MMIOQueueNum:
		q.num = v
	case virtio.MMIOQueueDescLow:
		setHalf(&q.desc, 0, v)
	case virtio.MMIOQueueDescHigh:
		setHalf(&q.desc, 1, v)
	case virtio.MMIOQueueDriverLow:
		setHalf(&q.driver, 0, v)
	case virtio.MMIOQueueDriverHigh:
		setHalf(&q.driver, 1, v)
	case virtio.MMIOQueueDeviceLow:
		setHalf(&q.device, 0, v)
	case virtio.MMIOQueueDeviceHigh:
		setHalf(&q.device, 1, v)
	case virtio.MMIOQueueReady:
		q.ready, q.q = false, nil
		if v != 0 {
			dq, err := virtio.NewDeviceQueue(s.arena, uint16(q.num), q.desc, q.driver, q.device)
			if err != nil {
				s.DmaErrors++
				return
			}
			q.ready, q.q = true, dq
		}
	}
}

// Inject queues a frame for reception.
func (s *Device) Inject(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, append([]byte(nil), frame...))
}

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

// Step consumes every available transmit buffer, then fills receive buffers
// from pending frames. It returns the number of buffers used.
func (s *Device) Step() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status&uint32(virtio.StatusDriverOK) == 0 {
		return
	}
	if q := s.queues[txQueue].q; q != nil {
		for {
			head, d, ok := q.Next()
			if !ok {
				break
			}
			if data, ok := s.arena.Bytes(d.Addr(), uint(d.Len())); ok && len(data) >= virtionet.HeaderLen {
				frame := append([]byte(nil), data[virtionet.HeaderLen:]...)
				if s.Loopback {
					s.pending = append(s.pending, frame)
				} else {
					s.sent = append(s.sent, frame)
				}
			} else {
				s.DmaErrors++
			}
			q.Put(head, 0)
			n++
		}
	}
	if q := s.queues[rxQueue].q; q != nil {
		for len(s.pending) > 0 && q.Pending() > 0 {
			head, d, _ := q.Next()
			buf, ok := s.arena.Bytes(d.Addr(), uint(d.Len()))
			if !ok || d.Flags()&virtio.DescFWrite == 0 || len(buf) < virtionet.HeaderLen {
				s.DmaErrors++
				q.Put(head, 0)
				continue
			}
			frame := s.pending[0]
			s.pending = s.pending[1:]
			h := virtionet.Header{NumBuffers: 1}
			h.Encode(buf)
			l := uint32(virtionet.HeaderLen + copy(buf[virtionet.HeaderLen:], frame))
			if s.RxUsedLen != 0 {
				l = s.RxUsedLen
			}
			q.Put(head, l)
			n++
		}
	}
	return
}
