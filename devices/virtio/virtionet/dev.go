// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtionet

import (
	"errors"
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/nicring/devices/virtio"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netbuf"
	"github.com/platinasystems/nicring/netdev"
	"github.com/platinasystems/nicring/stats"
	"go.uber.org/multierr"
)

const (
	DefaultQueueSize = 256
	// Ethernet frame plus header, no merged buffers.
	DefaultBufferLen = 1526
)

type Config struct {
	Name          string
	QueueSize     int
	PoolEntrySize int
}

// Dev implements netdev.Driver over a Raw device. A pool of twice the queue
// size backs one receive buffer per rx descriptor and one pre-headered
// transmit buffer per tx descriptor; buffers never leave that set.
type Dev struct {
	Config

	raw  *Raw
	pool *netbuf.Pool

	// Indexed by token; nil means the slot has no buffer with the device.
	rx_buffers []*netbuf.Buf
	tx_buffers []*netbuf.Buf

	free_tx []*netbuf.Buf

	counters stats.Counters
}

var _ netdev.Driver = (*Dev)(nil)

func New(c Config, t virtio.Transport, a *hw.Arena) (d *Dev, err error) {
	if len(c.Name) == 0 {
		c.Name = "virtio-net"
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PoolEntrySize == 0 {
		c.PoolEntrySize = DefaultBufferLen
	}
	if c.QueueSize > 1<<15 || c.PoolEntrySize <= HeaderLen {
		return nil, fmt.Errorf("%s: queue size %d, buffer %d: %w",
			c.Name, c.QueueSize, c.PoolEntrySize, netdev.ErrInvalidParam)
	}
	d = &Dev{Config: c}
	d.pool, err = netbuf.NewPool(a, netbuf.PoolConfig{
		Name:      c.Name,
		Count:     2 * c.QueueSize,
		EntrySize: c.PoolEntrySize,
	})
	if err != nil {
		return nil, err
	}
	if d.raw, err = NewRaw(t, a, uint16(c.QueueSize)); err != nil {
		err = fmt.Errorf("%s: %w", c.Name, err)
		log.Print("daemon", "err", err)
		d.pool.Release()
		return nil, err
	}
	if err = d.init(); err != nil {
		log.Print("daemon", "err", err)
		return nil, multierr.Append(err, d.Close())
	}
	log.Print("daemon", "info", d.Name, ": ", d.raw.MACAddress(), " up, queues of ", d.QueueSize)
	return d, nil
}

func (d *Dev) init() error {
	n := d.QueueSize
	d.rx_buffers = make([]*netbuf.Buf, n)
	d.tx_buffers = make([]*netbuf.Buf, n)
	d.free_tx = make([]*netbuf.Buf, 0, n)
	for i := 0; i < n; i++ {
		b, err := d.pool.Alloc()
		if err != nil {
			return err
		}
		if err = d.post(b); err != nil {
			return multierr.Append(err, b.Free())
		}
		if d.rx_buffers[i] != b {
			return fmt.Errorf("%s: receive %d got another token: %w", d.Name, i, netdev.ErrBadState)
		}
	}
	for i := 0; i < n; i++ {
		b, err := d.pool.Alloc()
		if err != nil {
			return err
		}
		d.free_tx = append(d.free_tx, b)
		hdr, err := d.raw.FillBufferHeader(b.RawBuf())
		if err != nil {
			return err
		}
		b.SetHeaderLen(hdr)
	}
	return nil
}

func (d *Dev) DeviceName() string                 { return d.Name }
func (d *Dev) DeviceType() netdev.DeviceType      { return netdev.Net }
func (d *Dev) MACAddress() netdev.EthernetAddress { return d.raw.MACAddress() }
func (d *Dev) RxQueueSize() int                   { return d.QueueSize }
func (d *Dev) TxQueueSize() int                   { return d.QueueSize }
func (d *Dev) Pool() *netbuf.Pool                 { return d.pool }
func (d *Dev) Raw() *Raw                          { return d.raw }
func (d *Dev) LinkUp() bool                       { return d.raw.LinkUp() }

func (d *Dev) CanReceive() bool {
	_, ok := d.raw.PollReceive()
	return ok
}

func (d *Dev) CanTransmit() bool { return len(d.free_tx) > 0 && d.raw.CanSend() }

func (d *Dev) Counters() stats.Counters {
	c := d.counters
	s := d.pool.Stats()
	c.PoolFree = uint64(s.Free)
	c.PoolInUse = uint64(s.InUse())
	return c
}

func (d *Dev) badState(format string, args ...interface{}) error {
	err := fmt.Errorf("%s: %s: %w", d.Name, fmt.Sprintf(format, args...), netdev.ErrBadState)
	log.Print("daemon", "err", err)
	return err
}

func (d *Dev) Receive() (netbuf.Ptr, error) {
	token, ok := d.raw.PollReceive()
	if !ok {
		return netbuf.Ptr{}, fmt.Errorf("%s: receive: %w", d.Name, netdev.ErrAgain)
	}
	if int(token) >= len(d.rx_buffers) || d.rx_buffers[token] == nil {
		return netbuf.Ptr{}, d.badState("receive token %d has no buffer", token)
	}
	b := d.rx_buffers[token]
	hdr, n, err := d.raw.ReceiveComplete(token)
	if err != nil && !errors.Is(err, virtio.ErrBadLength) {
		return netbuf.Ptr{}, fmt.Errorf("%s: receive: %w", d.Name, err)
	}
	d.rx_buffers[token] = nil
	if e := b.FromHardware(); e != nil {
		panic(e)
	}
	if err != nil {
		// Drop the packet and give the buffer straight back.
		d.counters.RxDrops++
		if e := d.post(b); e != nil {
			err = multierr.Append(err, multierr.Append(e, b.Free()))
		}
		err = fmt.Errorf("%s: receive: %w", d.Name, err)
		log.Print("daemon", "err", err)
		return netbuf.Ptr{}, err
	}
	b.SetPacketLen(0)
	b.SetHeaderLen(hdr)
	b.SetPacketLen(n)
	d.counters.RxPackets++
	d.counters.RxBytes += uint64(n)
	return b.Detach()
}

// post offers b to the device for a packet. b stays with the caller on error.
func (d *Dev) post(b *netbuf.Buf) error {
	token, err := d.raw.ReceiveBegin(b.RawBuf())
	if err != nil {
		return err
	}
	if x := d.rx_buffers[token]; x != nil {
		// The device now holds two buffers for one token.
		panic(fmt.Errorf("%s: rx token %d already holds %v", d.Name, token, x))
	}
	if err = b.ToHardware(); err != nil {
		panic(err)
	}
	d.rx_buffers[token] = b
	return nil
}

func (d *Dev) RecycleRxBuffer(p netbuf.Ptr) error {
	b, err := d.pool.Attach(p)
	if err != nil {
		return fmt.Errorf("%s: recycle rx: %w", d.Name, err)
	}
	if err = d.post(b); err != nil {
		if _, e := b.Detach(); e != nil {
			panic(e)
		}
		return fmt.Errorf("%s: recycle rx: %w", d.Name, err)
	}
	return nil
}

func (d *Dev) RecycleTxBuffers() error {
	for {
		token, ok := d.raw.PollTransmit()
		if !ok {
			return nil
		}
		if int(token) >= len(d.tx_buffers) || d.tx_buffers[token] == nil {
			return d.badState("transmit token %d has no buffer", token)
		}
		if err := d.raw.TransmitComplete(token); err != nil {
			return fmt.Errorf("%s: recycle tx: %w", d.Name, err)
		}
		b := d.tx_buffers[token]
		d.tx_buffers[token] = nil
		if err := b.FromHardware(); err != nil {
			panic(err)
		}
		d.free_tx = append(d.free_tx, b)
	}
}

// AllocTxBuffer takes a pre-headered transmit buffer.
func (d *Dev) AllocTxBuffer(size int) (netbuf.Ptr, error) {
	n := len(d.free_tx)
	if n == 0 {
		return netbuf.Ptr{}, fmt.Errorf("%s: no free tx buffer: %w", d.Name, netdev.ErrNoMemory)
	}
	b := d.free_tx[n-1]
	if size < 0 || b.HeaderLen()+size > b.Capacity() {
		return netbuf.Ptr{}, fmt.Errorf("%s: tx buffer of %d bytes, capacity %d: %w",
			d.Name, size, b.Capacity()-b.HeaderLen(), netdev.ErrInvalidParam)
	}
	d.free_tx = d.free_tx[:n-1]
	b.SetPacketLen(size)
	return b.Detach()
}

// Transmit queues p. When the queue is full the error wraps netdev.ErrAgain
// and p stays valid for a retry.
func (d *Dev) Transmit(p netbuf.Ptr) error {
	b, err := d.pool.Attach(p)
	if err != nil {
		return fmt.Errorf("%s: transmit: %w", d.Name, err)
	}
	token, err := d.raw.TransmitBegin(b.PacketWithHeader())
	if err != nil {
		if errors.Is(err, virtio.ErrQueueFull) {
			d.counters.TxQueueFull++
		}
		if _, e := b.Detach(); e != nil {
			panic(e)
		}
		return fmt.Errorf("%s: transmit: %w", d.Name, err)
	}
	if x := d.tx_buffers[token]; x != nil {
		panic(fmt.Errorf("%s: tx token %d already holds %v", d.Name, token, x))
	}
	if err = b.ToHardware(); err != nil {
		panic(err)
	}
	d.tx_buffers[token] = b
	d.counters.TxPackets++
	d.counters.TxBytes += uint64(b.PacketLen())
	return nil
}

// Close resets the device and returns every buffer it holds to the pool.
// Buffers held by the stack keep the pool memory until they are recycled.
func (d *Dev) Close() (err error) {
	if d.raw != nil {
		err = d.raw.Close()
		d.raw = nil
	}
	for _, v := range [][]*netbuf.Buf{d.rx_buffers, d.tx_buffers, d.free_tx} {
		for i, b := range v {
			if b != nil {
				v[i] = nil
				err = multierr.Append(err, b.Free())
			}
		}
	}
	d.free_tx = d.free_tx[:0]
	if d.pool != nil {
		d.pool.Release()
		d.pool = nil
	}
	return
}
