// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtionet drives virtio network devices.
package virtionet

import (
	"encoding/binary"
	"fmt"

	"github.com/platinasystems/nicring/devices/virtio"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netdev"
	"go.uber.org/multierr"
)

const (
	FeatureMAC    uint64 = 1 << 5
	FeatureStatus uint64 = 1 << 16

	supportedFeatures = FeatureMAC | FeatureStatus | virtio.FeatureVersion1

	QueueReceive  uint16 = 0
	QueueTransmit uint16 = 1

	// Header preceding every packet once VERSION_1 is negotiated.
	HeaderLen = 12

	StatusLinkUp = 1
)

// Header is the virtio-net packet header.
type Header struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CSumStart  uint16
	CSumOffset uint16
	NumBuffers uint16
}

func (h *Header) Encode(b []byte) {
	b[0] = h.Flags
	b[1] = h.GSOType
	binary.LittleEndian.PutUint16(b[2:], h.HdrLen)
	binary.LittleEndian.PutUint16(b[4:], h.GSOSize)
	binary.LittleEndian.PutUint16(b[6:], h.CSumStart)
	binary.LittleEndian.PutUint16(b[8:], h.CSumOffset)
	binary.LittleEndian.PutUint16(b[10:], h.NumBuffers)
}

func (h *Header) Decode(b []byte) {
	h.Flags = b[0]
	h.GSOType = b[1]
	h.HdrLen = binary.LittleEndian.Uint16(b[2:])
	h.GSOSize = binary.LittleEndian.Uint16(b[4:])
	h.CSumStart = binary.LittleEndian.Uint16(b[6:])
	h.CSumOffset = binary.LittleEndian.Uint16(b[8:])
	h.NumBuffers = binary.LittleEndian.Uint16(b[10:])
}

// Raw is a virtio-net device with one receive and one transmit queue.
// Buffers are identified by the token their submission returned.
type Raw struct {
	t        virtio.Transport
	arena    *hw.Arena
	mac      netdev.EthernetAddress
	features uint64
	recv     *virtio.Queue
	send     *virtio.Queue
}

// NewRaw initialises the device behind t with queues of size descriptors.
func NewRaw(t virtio.Transport, a *hw.Arena, size uint16) (r *Raw, err error) {
	if id := t.DeviceType(); id != virtio.DeviceNet {
		return nil, fmt.Errorf("virtio-net: %s device: %w", id, netdev.ErrUnsupported)
	}
	r = &Raw{t: t, arena: a}
	if r.features, err = virtio.Negotiate(t, supportedFeatures); err != nil {
		return nil, fmt.Errorf("virtio-net: %w", err)
	}
	if r.features&virtio.FeatureVersion1 == 0 {
		t.SetStatus(virtio.StatusFailed)
		return nil, fmt.Errorf("virtio-net: legacy device: %w", netdev.ErrUnsupported)
	}
	if r.features&FeatureMAC != 0 {
		lo, hi := t.ReadConfig(0), t.ReadConfig(4)
		binary.LittleEndian.PutUint32(r.mac[:4], lo)
		r.mac[4], r.mac[5] = byte(hi), byte(hi>>8)
	}
	if r.recv, err = r.queue(QueueReceive, size); err == nil {
		r.send, err = r.queue(QueueTransmit, size)
	}
	if err != nil {
		t.SetStatus(virtio.StatusFailed)
		r.free()
		return nil, err
	}
	virtio.FinishInit(t)
	return
}

func (r *Raw) queue(index, size uint16) (*virtio.Queue, error) {
	if r.t.QueueUsed(index) {
		return nil, fmt.Errorf("virtio-net: queue %d already in use: %w", index, netdev.ErrBadState)
	}
	limit := r.t.MaxQueueSize(index)
	if limit == 0 {
		return nil, fmt.Errorf("virtio-net: no queue %d: %w", index, netdev.ErrUnsupported)
	}
	if size > limit {
		return nil, fmt.Errorf("virtio-net: queue %d size %d > max %d: %w", index, size, limit, netdev.ErrInvalidParam)
	}
	q, err := virtio.NewQueue(r.arena, index, size)
	if err != nil {
		return nil, err
	}
	r.t.QueueSet(index, size, q.DescPhys(), q.AvailPhys(), q.UsedPhys())
	return q, nil
}

func (r *Raw) free() {
	for _, q := range []*virtio.Queue{r.recv, r.send} {
		if q != nil {
			q.Free()
		}
	}
	r.recv, r.send = nil, nil
}

func (r *Raw) MACAddress() netdev.EthernetAddress { return r.mac }
func (r *Raw) Features() uint64                   { return r.features }

func (r *Raw) LinkUp() bool {
	if r.features&FeatureStatus == 0 {
		return true
	}
	return (r.t.ReadConfig(4)>>16)&StatusLinkUp != 0
}

// FillBufferHeader writes an empty header at the start of buf and returns
// its length.
func (r *Raw) FillBufferHeader(buf []byte) (int, error) {
	if len(buf) < HeaderLen {
		return 0, fmt.Errorf("virtio-net: %d byte buffer: %w", len(buf), netdev.ErrInvalidParam)
	}
	var h Header
	h.Encode(buf)
	return HeaderLen, nil
}

func (r *Raw) add(q *virtio.Queue, buf []byte, write bool) (token uint16, err error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("virtio-net: empty buffer: %w", netdev.ErrInvalidParam)
	}
	if token, err = q.Add(r.arena.Phys(buf), uint32(len(buf)), write); err != nil {
		return
	}
	if q.ShouldNotify() {
		r.t.QueueNotify(q.Index())
	}
	return
}

// ReceiveBegin offers buf to the device for a packet and header.
func (r *Raw) ReceiveBegin(buf []byte) (uint16, error) { return r.add(r.recv, buf, true) }

// PollReceive returns the token of the next completed receive.
func (r *Raw) PollReceive() (uint16, bool) { return r.recv.PeekUsed() }

// ReceiveComplete finishes receive token and returns the header and packet
// lengths. Errors wrapping virtio.ErrBadLength still complete the token.
func (r *Raw) ReceiveComplete(token uint16) (hdrLen, pktLen int, err error) {
	n, err := r.recv.PopUsed(token)
	if err != nil {
		return
	}
	if n < HeaderLen {
		err = fmt.Errorf("virtio-net: %d byte receive: %w", n, virtio.ErrBadLength)
		return
	}
	return HeaderLen, int(n) - HeaderLen, nil
}

// TransmitBegin offers buf, header included, to the device.
func (r *Raw) TransmitBegin(buf []byte) (uint16, error) { return r.add(r.send, buf, false) }

func (r *Raw) PollTransmit() (uint16, bool) { return r.send.PeekUsed() }

func (r *Raw) TransmitComplete(token uint16) error {
	_, err := r.send.PopUsed(token)
	return err
}

func (r *Raw) CanSend() bool { return r.send.CanAdd() }

// Close resets the device and frees the queues.
func (r *Raw) Close() error {
	r.t.SetStatus(0)
	var err error
	for _, q := range []uint16{QueueReceive, QueueTransmit} {
		r.t.QueueUnset(q)
		if r.t.QueueUsed(q) {
			err = multierr.Append(err, fmt.Errorf("virtio-net: queue %d still in use", q))
		}
	}
	r.free()
	return err
}
