// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats collects ring driver counters and publishes them to redis.
package stats

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/garyburd/redigo/redis"
)

const Timeout = 500 * time.Millisecond

type Counters struct {
	RxPackets   uint64
	RxBytes     uint64
	RxBatches   uint64
	RxNoBuffer  uint64
	RxDrops     uint64
	TxPackets   uint64
	TxBytes     uint64
	TxQueueFull uint64
	PoolFree    uint64
	PoolInUse   uint64
}

// Counted is implemented by drivers that keep Counters.
type Counted interface {
	Counters() Counters
}

func (c *Counters) Add(o *Counters) {
	c.RxPackets += o.RxPackets
	c.RxBytes += o.RxBytes
	c.RxBatches += o.RxBatches
	c.RxNoBuffer += o.RxNoBuffer
	c.RxDrops += o.RxDrops
	c.TxPackets += o.TxPackets
	c.TxBytes += o.TxBytes
	c.TxQueueFull += o.TxQueueFull
	c.PoolFree += o.PoolFree
	c.PoolInUse += o.PoolInUse
}

// Map names each counter as it appears in redis.
func (c *Counters) Map() map[string]uint64 {
	return map[string]uint64{
		"rx.packets":    c.RxPackets,
		"rx.bytes":      c.RxBytes,
		"rx.batches":    c.RxBatches,
		"rx.no-buffer":  c.RxNoBuffer,
		"rx.drops":      c.RxDrops,
		"tx.packets":    c.TxPackets,
		"tx.bytes":      c.TxBytes,
		"tx.queue-full": c.TxQueueFull,
		"pool.free":     c.PoolFree,
		"pool.in-use":   c.PoolInUse,
	}
}

// Names returns the counter names in sorted order.
func (c *Counters) Names() []string {
	m := c.Map()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Dial connects to the redis server at addr.
func Dial(addr string) (redis.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, Timeout)
	if err != nil {
		return nil, err
	}
	return redis.NewConn(conn, Timeout, Timeout), nil
}

type Publisher struct {
	conn   redis.Conn
	Prefix string
}

func NewPublisher(conn redis.Conn) *Publisher {
	return &Publisher{conn: conn, Prefix: "nicring"}
}

func (p *Publisher) Key(device string) string { return p.Prefix + ":" + device }

// Publish writes every counter as a field of the device's hash.
func (p *Publisher) Publish(device string, c Counters) error {
	key := p.Key(device)
	m := c.Map()
	for _, field := range c.Names() {
		if err := p.conn.Send("HSET", key, field, m[field]); err != nil {
			return fmt.Errorf("%s: hset %s: %w", key, field, err)
		}
	}
	if _, err := p.conn.Do(""); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.conn.Close() }
