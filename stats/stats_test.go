// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"errors"
	"testing"

	"github.com/platinasystems/nicring/internal/testenv"
)

type call struct {
	cmd  string
	args []interface{}
}

// conn records pipelined commands.
type conn struct {
	sent    []call
	flushed int
	err     error
}

func (c *conn) Close() error { return nil }
func (c *conn) Err() error   { return c.err }
func (c *conn) Flush() error { return c.err }

func (c *conn) Send(cmd string, args ...interface{}) error {
	c.sent = append(c.sent, call{cmd, args})
	return c.err
}

func (c *conn) Do(cmd string, args ...interface{}) (interface{}, error) {
	if cmd == "" {
		c.flushed = len(c.sent)
		return nil, c.err
	}
	c.sent = append(c.sent, call{cmd, args})
	return int64(1), c.err
}

func (c *conn) Receive() (interface{}, error) { return nil, c.err }

func TestPublish(t *testing.T) {
	assert, require := testenv.MakeAR(t)
	c := &conn{}
	p := NewPublisher(c)
	cnt := Counters{RxPackets: 3, TxBytes: 180}
	require.NoError(p.Publish("eth0", cnt))
	require.Len(c.sent, len(cnt.Map()))
	assert.Equal(len(c.sent), c.flushed)
	got := map[string]interface{}{}
	for _, s := range c.sent {
		assert.Equal("HSET", s.cmd)
		require.Len(s.args, 3)
		assert.Equal("nicring:eth0", s.args[0])
		got[s.args[1].(string)] = s.args[2]
	}
	assert.Equal(uint64(3), got["rx.packets"])
	assert.Equal(uint64(180), got["tx.bytes"])
	assert.Equal(uint64(0), got["tx.queue-full"])

	c.err = errors.New("broken pipe")
	assert.Error(p.Publish("eth0", cnt))
}

func TestAdd(t *testing.T) {
	assert, _ := testenv.MakeAR(t)
	a := Counters{RxPackets: 1, PoolFree: 2}
	a.Add(&Counters{RxPackets: 2, TxQueueFull: 5})
	assert.Equal(Counters{RxPackets: 3, PoolFree: 2, TxQueueFull: 5}, a)
	assert.Equal("pool.free", a.Names()[0])
}
