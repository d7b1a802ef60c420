// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package igb

import (
	"context"
	"fmt"

	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netbuf"
	"github.com/platinasystems/nicring/netdev"
	"go.uber.org/multierr"
)

const max_rx_fifo_len = 1024

// Nic implements netdev.Driver on queue 0 of a Device.
type Nic struct {
	*Device

	// Received packets not yet taken by the stack, oldest first.
	rx_fifo      []netbuf.Ptr
	rx_fifo_head int
}

var _ netdev.Driver = (*Nic)(nil)

func New(ctx context.Context, c Config, a *hw.Arena, regs hw.MMIO) (*Nic, error) {
	d, err := NewDevice(ctx, c, a, regs)
	if err != nil {
		return nil, err
	}
	return &Nic{
		Device:  d,
		rx_fifo: make([]netbuf.Ptr, 0, max_rx_fifo_len),
	}, nil
}

func (n *Nic) DeviceName() string            { return n.Device.Name }
func (n *Nic) DeviceType() netdev.DeviceType { return netdev.Net }
func (n *Nic) RxQueueSize() int              { return n.QueueSize }
func (n *Nic) TxQueueSize() int              { return n.QueueSize }
func (n *Nic) rx_fifo_len() int              { return len(n.rx_fifo) - n.rx_fifo_head }
func (n *Nic) CanTransmit() bool             { return n.CanSend(0) }
func (n *Nic) CanReceive() bool              { return n.rx_fifo_len() > 0 || n.Device.CanReceive(0) }

func (n *Nic) pop() (p netbuf.Ptr) {
	p = n.rx_fifo[n.rx_fifo_head]
	n.rx_fifo[n.rx_fifo_head] = netbuf.Ptr{}
	if n.rx_fifo_head++; n.rx_fifo_head == len(n.rx_fifo) {
		n.rx_fifo, n.rx_fifo_head = n.rx_fifo[:0], 0
	}
	return
}

// Receive returns the oldest queued packet, polling the ring for a batch when
// the queue is empty.
func (n *Nic) Receive() (netbuf.Ptr, error) {
	if n.rx_fifo_len() > 0 {
		return n.pop(), nil
	}
	if !n.Device.CanReceive(0) {
		return netbuf.Ptr{}, fmt.Errorf("%s: receive: %w", n.Device.Name, netdev.ErrAgain)
	}
	batch := n.RxBatch
	if room := max_rx_fifo_len - n.rx_fifo_len(); batch > room {
		batch = room
	}
	_, err := n.Device.Receive(0, batch, func(b *netbuf.Buf) error {
		p, err := b.Detach()
		if err != nil {
			return err
		}
		n.rx_fifo = append(n.rx_fifo, p)
		return nil
	})
	if n.rx_fifo_len() > 0 {
		return n.pop(), nil
	}
	return netbuf.Ptr{}, fmt.Errorf("receive: %w", err)
}

func (n *Nic) RecycleRxBuffer(p netbuf.Ptr) error {
	b, err := n.pool.Attach(p)
	if err != nil {
		return fmt.Errorf("%s: recycle rx: %w", n.Device.Name, err)
	}
	return b.Free()
}

func (n *Nic) RecycleTxBuffers() error {
	n.RecycleTx(0)
	return nil
}

func (n *Nic) AllocTxBuffer(size int) (netbuf.Ptr, error) {
	if size < 0 || size > n.pool.EntrySize() {
		return netbuf.Ptr{}, fmt.Errorf("%s: tx buffer of %d bytes, capacity %d: %w",
			n.Device.Name, size, n.pool.EntrySize(), netdev.ErrInvalidParam)
	}
	b, err := n.pool.Alloc()
	if err != nil {
		return netbuf.Ptr{}, fmt.Errorf("%s: alloc tx: %w", n.Device.Name, err)
	}
	b.SetPacketLen(size)
	return b.Detach()
}

// Transmit queues p. When the ring is full the error wraps netdev.ErrAgain
// and p stays valid for a retry.
func (n *Nic) Transmit(p netbuf.Ptr) error {
	b, err := n.pool.Attach(p)
	if err != nil {
		return fmt.Errorf("%s: transmit: %w", n.Device.Name, err)
	}
	err = n.Send(0, b)
	if err == nil {
		return nil
	}
	if isQueueFull(err) {
		if _, e := b.Detach(); e != nil {
			panic(e)
		}
		return err
	}
	return multierr.Append(err, b.Free())
}

// Close returns queued receive buffers to the pool and shuts the device down.
func (n *Nic) Close() (err error) {
	for n.rx_fifo_len() > 0 {
		err = multierr.Append(err, n.RecycleRxBuffer(n.pop()))
	}
	return multierr.Append(err, n.Device.Close())
}
