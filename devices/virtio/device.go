// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"fmt"

	"github.com/platinasystems/nicring/hw"
)

// DeviceQueue is the device side of a split virtqueue, used by device models.
type DeviceQueue struct {
	rings

	last_avail uint16
	used_idx   uint16
}

// NewDeviceQueue maps the rings a driver placed at desc, avail and used.
func NewDeviceQueue(a *hw.Arena, size uint16, desc, avail, used uint64) (*DeviceQueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errSize
	}
	words := func(n uint) uint { return (n + 3) &^ 3 }
	db, ok0 := a.Bytes(desc, descBytes(size))
	ab, ok1 := a.Bytes(avail, words(availBytes(size)))
	ub, ok2 := a.Bytes(used, words(usedBytes(size)))
	if !(ok0 && ok1 && ok2) {
		return nil, fmt.Errorf("virtqueue rings %x %x %x outside dma memory", desc, avail, used)
	}
	q := &DeviceQueue{rings: newRings(size, db, ab, ub)}
	q.last_avail = q.availIdx()
	q.used_idx = q.usedIdx()
	return q, nil
}

// Pending returns the number of buffers the driver has made available.
func (q *DeviceQueue) Pending() int { return int(q.availIdx() - q.last_avail) }

// Next takes the next available buffer.
func (q *DeviceQueue) Next() (head uint16, d *Desc, ok bool) {
	if q.last_avail == q.availIdx() {
		return
	}
	head = q.availEntry(q.last_avail % q.size)
	q.last_avail++
	if head >= q.size {
		panic(fmt.Errorf("virtqueue: available head %d out of range", head))
	}
	return head, &q.desc[head], true
}

// Put returns buffer head to the driver with n bytes written.
func (q *DeviceQueue) Put(head uint16, n uint32) {
	q.setUsedElem(q.used_idx%q.size, uint32(head), n)
	q.used_idx++
	q.setIdx(&q.used[0], q.used_idx)
}

// SetNoNotify asks the driver not to notify after adding buffers.
func (q *DeviceQueue) SetNoNotify(v bool) {
	w := &q.used[0]
	if v {
		w.Or(UsedFNoNotify)
	} else {
		w.AndNot(UsedFNoNotify)
	}
}
