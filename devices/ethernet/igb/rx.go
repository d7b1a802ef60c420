// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package igb

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netbuf"
	"github.com/platinasystems/nicring/netdev"
	"github.com/platinasystems/nicring/stats"
	"go.uber.org/multierr"
)

var (
	errNotReady = errors.New("no packet ready")
	errDropped  = errors.New("only dropped packets ready")
)

type dma_queue struct {
	d *Device

	// Queue index.
	index uint

	// Descriptor ring memory.
	ring hw.Chunk

	// Next descriptor software looks at.
	head_index uint

	counters stats.Counters
}

type rx_dma_queue struct {
	dma_queue

	rx_desc []RxDescriptor

	// Buffer installed in each descriptor; all slots are hardware owned
	// except while receive is working on them.
	bufs []*netbuf.Buf
}

func (d *Device) rx_dma_init(ctx context.Context, queue uint) (err error) {
	q := &d.rx_queues[queue]
	q.d = d
	q.index = queue

	n := d.QueueSize
	if q.ring, err = d.arena.Alloc(uint(n*DescriptorBytes), log2DescriptorAlignmentBytes); err != nil {
		return fmt.Errorf("%s: rx ring %d: %v: %w", d.Name, queue, err, netdev.ErrNoMemory)
	}
	q.rx_desc = RxDescriptors(q.ring.Bytes())
	q.bufs = make([]*netbuf.Buf, n)
	for i := range q.rx_desc {
		q.rx_desc[i].Init()
		b, err := d.pool.Alloc()
		if err != nil {
			return err
		}
		q.install(uint(i), b)
	}

	addr(RDBAL(queue), RDBAH(queue), d, q.ring.Phys())
	RDLEN(queue).set(d, uint32(n*DescriptorBytes))
	{
		v := uint32(d.PoolEntrySize/1024) & SRRCTL_BSIZEPACKET_MASK
		// Advanced one buffer descriptors.
		v |= SRRCTL_DESCTYPE_ADV_ONE
		// Drop if out of descriptors.
		v |= SRRCTL_DROP_EN
		SRRCTL(queue).set(d, v)
	}
	RDH(queue).set(d, 0)
	RDT(queue).set(d, 0)
	if err = d.enable_queue(ctx, RXDCTL(queue)); err != nil {
		return fmt.Errorf("%s: rx queue %d enable: %w", d.Name, queue, err)
	}
	// Give hardware all but one descriptor; head == tail means ring is empty.
	RDT(queue).set(d, uint32(n-1))
	return
}

// install puts b in slot i and hands the slot to hardware.
func (q *rx_dma_queue) install(i uint, b *netbuf.Buf) {
	if x := q.bufs[i]; x != nil {
		panic(fmt.Errorf("%s: rx slot %d already holds %v", q.d.Name, i, x))
	}
	r := &q.rx_desc[i]
	r.SetPacketAddress(b.RawPhys())
	r.ResetStatus()
	if err := b.ToHardware(); err != nil {
		panic(err)
	}
	q.bufs[i] = b
}

func (q *rx_dma_queue) can_receive() bool {
	return q.rx_desc[q.head_index].DescriptorDone()
}

// receive hands up to n completed packets to f in ring order, refilling each
// slot with a fresh buffer before the packet leaves the ring.
// When the pool is empty the slot keeps its packet until a later pass.
func (q *rx_dma_queue) receive(n int, f func(b *netbuf.Buf) error) (done int, err error) {
	d := q.d
	i, size := q.head_index, uint(len(q.rx_desc))
	n_drop, advanced, last := 0, false, uint(0)
	for done < n {
		r := &q.rx_desc[i]
		if !r.DescriptorDone() {
			break
		}
		var nb *netbuf.Buf
		if nb, err = d.pool.Alloc(); err != nil {
			q.counters.RxNoBuffer++
			break
		}
		b := q.bufs[i]
		if b == nil {
			panic(fmt.Errorf("%s: rx slot %d empty with descriptor done", d.Name, i))
		}
		length, eop := int(r.Length()), r.EndOfPacket()
		q.bufs[i] = nil
		if e := b.FromHardware(); e != nil {
			panic(e)
		}
		q.install(i, nb)
		advanced, last = true, i
		if i++; i == size {
			i = 0
		}

		// Packets spanning descriptors are never set up by this driver.
		if !eop || length > b.Capacity() {
			n_drop++
			q.counters.RxDrops++
			if e := b.Free(); e != nil {
				panic(e)
			}
			continue
		}
		b.SetPacketLen(length)
		q.counters.RxPackets++
		q.counters.RxBytes += uint64(length)
		done++
		if err = f(b); err != nil {
			break
		}
	}
	if advanced {
		q.head_index = i
		RDT(q.index).set(d, uint32(last))
	}
	if Debug {
		log.Print("daemon", "debug", d.Name, ": rx queue ", q.index,
			": ", done, " packets, ", n_drop, " dropped, head ", q.head_index)
	}
	switch {
	case done > 0:
		q.counters.RxBatches++
		if errors.Is(err, netbuf.ErrNoMemory) {
			err = nil
		}
	case err != nil:
	case n_drop > 0:
		err = errDropped
	default:
		err = errNotReady
	}
	return
}

func (q *rx_dma_queue) close() (err error) {
	d := q.d
	if d == nil {
		return
	}
	RXDCTL(q.index).andnot(d, DCTL_ENABLE)
	for i, b := range q.bufs {
		if b == nil {
			continue
		}
		q.bufs[i] = nil
		err = multierr.Append(err, b.Free())
	}
	if !q.ring.IsNil() {
		d.arena.Free(q.ring)
	}
	q.d = nil
	return
}

// CanReceive reports whether the next descriptor of queue has completed.
func (d *Device) CanReceive(queue uint) bool { return d.rx_queue(queue).can_receive() }

// Receive passes up to n received packets on queue to f. The buffers become
// f's to free. It returns an error wrapping netdev.ErrAgain when no packet is
// ready and netdev.ErrNoMemory when no refill buffer could be had.
func (d *Device) Receive(queue uint, n int, f func(b *netbuf.Buf) error) (int, error) {
	done, err := d.rx_queue(queue).receive(n, f)
	switch {
	case err == nil:
	case errors.Is(err, errNotReady), errors.Is(err, errDropped):
		err = fmt.Errorf("%s: rx queue %d: %v: %w", d.Name, queue, err, netdev.ErrAgain)
	}
	return done, err
}
