// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package igb

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/nicring/netbuf"
	"github.com/platinasystems/nicring/netdev"
	"go.uber.org/multierr"
)

// ErrQueueFull is returned by Send when QueueSize packets are in flight.
// It wraps netdev.ErrAgain.
var ErrQueueFull = fmt.Errorf("tx queue full: %w", netdev.ErrAgain)

type tx_dma_queue struct {
	dma_queue

	tx_desc []TxDescriptor

	// Buffer owned by hardware in each in flight slot.
	bufs []*netbuf.Buf

	// Next descriptor to fill.
	tail_index uint

	n_in_flight int
}

// Hardware ring length. One extra slot so head == tail only when empty and
// rounded to a multiple of 8 descriptors (128 bytes).
func tx_ring_len(queue_size int) int { return (queue_size + 1 + 7) &^ 7 }

func (d *Device) tx_dma_init(ctx context.Context, queue uint) (err error) {
	q := &d.tx_queues[queue]
	q.d = d
	q.index = queue

	n := tx_ring_len(d.QueueSize)
	if q.ring, err = d.arena.Alloc(uint(n*DescriptorBytes), log2DescriptorAlignmentBytes); err != nil {
		return fmt.Errorf("%s: tx ring %d: %v: %w", d.Name, queue, err, netdev.ErrNoMemory)
	}
	q.tx_desc = TxDescriptors(q.ring.Bytes())
	for i := range q.tx_desc {
		q.tx_desc[i].Init()
	}
	q.bufs = make([]*netbuf.Buf, n)

	addr(TDBAL(queue), TDBAH(queue), d, q.ring.Phys())
	TDLEN(queue).set(d, uint32(n*DescriptorBytes))
	TDH(queue).set(d, 0)
	TDT(queue).set(d, 0)
	if err = d.enable_queue(ctx, TXDCTL(queue)); err != nil {
		return fmt.Errorf("%s: tx queue %d enable: %w", d.Name, queue, err)
	}
	return
}

func (q *tx_dma_queue) can_send() bool { return q.n_in_flight < q.d.QueueSize }

func (q *tx_dma_queue) send(b *netbuf.Buf) error {
	d := q.d
	if !q.can_send() {
		q.counters.TxQueueFull++
		return fmt.Errorf("%s: queue %d: %w", d.Name, q.index, ErrQueueFull)
	}
	i := q.tail_index
	if x := q.bufs[i]; x != nil {
		panic(fmt.Errorf("%s: tx ring full; slot %d holds %v", d.Name, i, x))
	}
	if err := b.ToHardware(); err != nil {
		return err
	}
	n := b.PacketLen()
	q.tx_desc[i].Send(b.PacketPhys(), uint16(n))
	q.bufs[i] = b
	q.n_in_flight++
	q.counters.TxPackets++
	q.counters.TxBytes += uint64(n)

	if i++; i == uint(len(q.tx_desc)) {
		i = 0
	}
	q.tail_index = i
	TDT(q.index).set(d, uint32(i))
	return nil
}

// recycle frees buffers of completed descriptors in ring order.
func (q *tx_dma_queue) recycle() (n int) {
	d := q.d
	for q.n_in_flight > 0 {
		i := q.head_index
		t := &q.tx_desc[i]
		if !t.Done() {
			break
		}
		b := q.bufs[i]
		if b == nil {
			panic(fmt.Errorf("%s: tx slot %d done without buffer", d.Name, i))
		}
		q.bufs[i] = nil
		t.Init()
		if err := multierr.Append(b.FromHardware(), b.Free()); err != nil {
			panic(err)
		}
		q.n_in_flight--
		n++
		if i++; i == uint(len(q.tx_desc)) {
			i = 0
		}
		q.head_index = i
	}
	if Debug && n > 0 {
		log.Print("daemon", "debug", d.Name, ": tx queue ", q.index,
			": ", n, " done, ", q.n_in_flight, " in flight")
	}
	return
}

func (q *tx_dma_queue) close() (err error) {
	d := q.d
	if d == nil {
		return
	}
	TXDCTL(q.index).andnot(d, DCTL_ENABLE)
	for i, b := range q.bufs {
		if b == nil {
			continue
		}
		q.bufs[i] = nil
		err = multierr.Append(err, b.Free())
	}
	q.n_in_flight = 0
	if !q.ring.IsNil() {
		d.arena.Free(q.ring)
	}
	q.d = nil
	return
}

func (d *Device) CanSend(queue uint) bool { return d.tx_queue(queue).can_send() }

// Send queues b for transmission. On error b remains the caller's.
func (d *Device) Send(queue uint, b *netbuf.Buf) error { return d.tx_queue(queue).send(b) }

// RecycleTx frees the buffers of completed transmissions on queue.
func (d *Device) RecycleTx(queue uint) int { return d.tx_queue(queue).recycle() }

// InFlight returns the number of packets queued but not yet recycled.
func (d *Device) InFlight(queue uint) int { return d.tx_queue(queue).n_in_flight }

func isQueueFull(err error) bool { return errors.Is(err, ErrQueueFull) }
