// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package igb drives Intel 82576 class NICs through advanced rx/tx
// descriptor rings.
package igb

import (
	"context"
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netbuf"
	"github.com/platinasystems/nicring/netdev"
	"github.com/platinasystems/nicring/stats"
	"go.uber.org/multierr"
)

const (
	DefaultQueueSize     = 1024
	DefaultQueueCount    = 1
	DefaultRxBatch       = 64
	DefaultPoolEntries   = 4096
	DefaultPoolEntrySize = 2048
)

// Debug enables per batch tracing.
var Debug bool

type Config struct {
	Name string
	// Descriptors per rx ring; in flight packets per tx ring.
	QueueSize     int
	QueueCount    int
	RxBatch       int
	PoolEntries   int
	PoolEntrySize int
	Poll          hw.PollPolicy
}

func (c *Config) defaults() {
	if len(c.Name) == 0 {
		c.Name = "igb"
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.QueueCount == 0 {
		c.QueueCount = DefaultQueueCount
	}
	if c.RxBatch == 0 {
		c.RxBatch = DefaultRxBatch
	}
	if c.PoolEntries == 0 {
		c.PoolEntries = DefaultPoolEntries
	}
	if c.PoolEntrySize == 0 {
		c.PoolEntrySize = DefaultPoolEntrySize
	}
	if c.Poll == (hw.PollPolicy{}) {
		c.Poll = hw.DefaultPollPolicy
	}
}

// Device is the register and ring level driver. Each queue must be used by
// one goroutine at a time.
type Device struct {
	Config

	regs  hw.MMIO
	arena *hw.Arena
	pool  *netbuf.Pool
	mac   netdev.EthernetAddress

	rx_queues []rx_dma_queue
	tx_queues []tx_dma_queue
}

// NewDevice resets the NIC behind regs and brings up c.QueueCount rx and tx
// queues with buffers from a pool carved out of a.
func NewDevice(ctx context.Context, c Config, a *hw.Arena, regs hw.MMIO) (d *Device, err error) {
	c.defaults()
	d = &Device{Config: c, regs: regs, arena: a}
	if d.QueueSize < 2 {
		return nil, fmt.Errorf("%s: queue size %d: %w", d.Name, d.QueueSize, netdev.ErrInvalidParam)
	}
	if d.PoolEntrySize < 1024 || d.PoolEntrySize > 16*1024 {
		return nil, fmt.Errorf("%s: buffer size %d: %w", d.Name, d.PoolEntrySize, netdev.ErrInvalidParam)
	}
	if need := d.QueueCount * (d.QueueSize + 1); d.PoolEntries < need {
		return nil, fmt.Errorf("%s: %d buffers for %d rx descriptors: %w",
			d.Name, d.PoolEntries, need, netdev.ErrInvalidParam)
	}
	d.pool, err = netbuf.NewPool(a, netbuf.PoolConfig{
		Name:      d.Name,
		Count:     d.PoolEntries,
		EntrySize: d.PoolEntrySize,
	})
	if err != nil {
		return nil, err
	}
	if err = d.init(ctx); err != nil {
		log.Print("daemon", "err", d.Name, ": ", err)
		err = multierr.Append(err, d.Close())
		return nil, err
	}
	log.Print("daemon", "info", d.Name, ": ", d.mac, " up, ",
		d.QueueCount, " queues of ", d.QueueSize)
	return d, nil
}

func (d *Device) init(ctx context.Context) (err error) {
	// Polled driver: mask every interrupt before and after reset.
	IMC.set(d, ^uint32(0))
	CTRL.or(d, CTRL_RST)
	if err = hw.Poll(ctx, d.Poll, func() bool { return CTRL.get(d)&CTRL_RST == 0 }); err != nil {
		return fmt.Errorf("%s: reset: %w", d.Name, err)
	}
	IMC.set(d, ^uint32(0))

	d.mac = d.read_mac()

	CTRL.or(d, CTRL_SLU)

	d.rx_queues = make([]rx_dma_queue, d.QueueCount)
	d.tx_queues = make([]tx_dma_queue, d.QueueCount)
	for i := range d.rx_queues {
		if err = d.rx_dma_init(ctx, uint(i)); err != nil {
			return
		}
	}
	for i := range d.tx_queues {
		if err = d.tx_dma_init(ctx, uint(i)); err != nil {
			return
		}
	}
	RCTL.set(d, RCTL_EN|RCTL_BAM|RCTL_SECRC)
	TCTL.set(d, TCTL_EN|TCTL_PSP)
	return
}

func (d *Device) read_mac() (a netdev.EthernetAddress) {
	lo, hi := RAL0.get(d), RAH0.get(d)
	for i := 0; i < 4; i++ {
		a[i] = byte(lo >> (8 * uint(i)))
	}
	a[4] = byte(hi)
	a[5] = byte(hi >> 8)
	return
}

// enable_queue sets the queue enable bit and waits for the device to report it.
func (d *Device) enable_queue(ctx context.Context, r Reg) error {
	r.or(d, DCTL_ENABLE)
	return hw.Poll(ctx, d.Poll, func() bool { return r.get(d)&DCTL_ENABLE != 0 })
}

func (d *Device) MACAddress() netdev.EthernetAddress { return d.mac }
func (d *Device) Pool() *netbuf.Pool                 { return d.pool }
func (d *Device) LinkUp() bool                       { return STATUS.get(d)&STATUS_LU != 0 }

func (d *Device) rx_queue(q uint) *rx_dma_queue {
	if q >= uint(len(d.rx_queues)) {
		panic(fmt.Errorf("%s: rx queue %d out of range", d.Name, q))
	}
	return &d.rx_queues[q]
}

func (d *Device) tx_queue(q uint) *tx_dma_queue {
	if q >= uint(len(d.tx_queues)) {
		panic(fmt.Errorf("%s: tx queue %d out of range", d.Name, q))
	}
	return &d.tx_queues[q]
}

// Counters sums the queue counters.
func (d *Device) Counters() (c stats.Counters) {
	for i := range d.rx_queues {
		c.Add(&d.rx_queues[i].counters)
	}
	for i := range d.tx_queues {
		c.Add(&d.tx_queues[i].counters)
	}
	s := d.pool.Stats()
	c.PoolFree = uint64(s.Free)
	c.PoolInUse = uint64(s.InUse())
	return
}

// Close disables the queues and returns every ring buffer to the pool.
func (d *Device) Close() (err error) {
	RCTL.andnot(d, RCTL_EN)
	TCTL.andnot(d, TCTL_EN)
	for i := range d.rx_queues {
		err = multierr.Append(err, d.rx_queues[i].close())
	}
	for i := range d.tx_queues {
		err = multierr.Append(err, d.tx_queues[i].close())
	}
	d.rx_queues, d.tx_queues = nil, nil
	if d.pool != nil {
		d.pool.Release()
		d.pool = nil
	}
	return
}
