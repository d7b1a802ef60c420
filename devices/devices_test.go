// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devices_test

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/platinasystems/nicring/devices"
	"github.com/platinasystems/nicring/devices/ethernet/igb/igbsim"
	"github.com/platinasystems/nicring/devices/virtio"
	"github.com/platinasystems/nicring/devices/virtio/virtiosim"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/internal/testenv"
	"github.com/platinasystems/nicring/netdev"
)

var (
	makeAR = testenv.MakeAR
	mac    = netdev.EthernetAddress{0x02, 0, 0, 0, 0, 0x42}
)

func TestDefaultConfig(t *testing.T) {
	assert, require := makeAR(t)

	c, err := devices.DefaultConfig(devices.Igb)
	require.NoError(err)
	assert.Equal("igb", c.Name)
	assert.Equal(1024, c.QueueSize)
	assert.Equal(1, c.QueueCount)
	assert.Equal(64, c.RxBatch)
	assert.Equal(4096, c.PoolEntries)
	assert.Equal(2048, c.PoolEntrySize)
	assert.Equal(hw.DefaultPollPolicy, c.Poll)
	assert.NoError(c.Validate())

	c, err = devices.DefaultConfig(devices.VirtioNet)
	require.NoError(err)
	assert.Equal("virtio-net", c.Name)
	assert.Equal(256, c.QueueSize)
	assert.Equal(512, c.PoolEntries)
	assert.Equal(1526, c.PoolEntrySize)
	assert.NoError(c.Validate())

	_, err = devices.DefaultConfig("e1000")
	assert.True(errors.Is(err, netdev.ErrUnsupported))
}

func TestValidate(t *testing.T) {
	assert, _ := makeAR(t)
	for _, x := range []struct {
		name string
		edit func(c *devices.Config)
	}{
		{"qs 1", func(c *devices.Config) { c.QueueSize = 1 }},
		{"qs 100", func(c *devices.Config) { c.QueueSize = 100 }},
		{"qs 64k", func(c *devices.Config) { c.QueueSize = 1 << 16 }},
		{"small pool", func(c *devices.Config) { c.PoolEntries = c.QueueSize }},
		{"five queues", func(c *devices.Config) { c.QueueCount = 5 }},
		{"no batch", func(c *devices.Config) { c.RxBatch = -1 }},
	} {
		c, _ := devices.DefaultConfig(devices.Igb)
		x.edit(&c)
		assert.True(errors.Is(c.Validate(), netdev.ErrInvalidParam), x.name)
	}

	c, _ := devices.DefaultConfig(devices.VirtioNet)
	c.PoolEntries = 100
	assert.True(errors.Is(c.Validate(), netdev.ErrInvalidParam))
	c, _ = devices.DefaultConfig(devices.VirtioNet)
	c.PoolEntrySize = 12
	assert.True(errors.Is(c.Validate(), netdev.ErrInvalidParam))
}

func TestLoadConfig(t *testing.T) {
	assert, require := makeAR(t)
	dir := t.TempDir()

	fn := filepath.Join(dir, "eth0.yaml")
	require.NoError(ioutil.WriteFile(fn, []byte(`
kind: igb
name: eth0
queue_size: 64
pool_entries: 256
poll:
  attempts: 50
  min: 10us
  max: 2ms
  factor: 1.5
`), 0644))
	c, err := devices.LoadConfig(fn)
	require.NoError(err)
	assert.Equal(devices.Igb, c.Kind)
	assert.Equal("eth0", c.Name)
	assert.Equal(64, c.QueueSize)
	assert.Equal(256, c.PoolEntries)
	assert.Equal(2048, c.PoolEntrySize, "default")
	assert.Equal(hw.PollPolicy{MaxAttempts: 50, Min: 10 * time.Microsecond, Max: 2 * time.Millisecond, Factor: 1.5}, c.Poll)

	fn = filepath.Join(dir, "vn.yaml")
	require.NoError(ioutil.WriteFile(fn, []byte("kind: virtio-net\nqueue_size: 32\n"), 0644))
	c, err = devices.LoadConfig(fn)
	require.NoError(err)
	assert.Equal(64, c.PoolEntries)

	fn = filepath.Join(dir, "bad.yaml")
	require.NoError(ioutil.WriteFile(fn, []byte("kind: virtio-net\nqueue_size: 33\n"), 0644))
	_, err = devices.LoadConfig(fn)
	assert.True(errors.Is(err, netdev.ErrInvalidParam))

	require.NoError(ioutil.WriteFile(fn, []byte("kind: [\n"), 0644))
	_, err = devices.LoadConfig(fn)
	assert.True(errors.Is(err, netdev.ErrInvalidParam))

	require.NoError(ioutil.WriteFile(fn, []byte("kind: tap\n"), 0644))
	_, err = devices.LoadConfig(fn)
	assert.True(errors.Is(err, netdev.ErrUnsupported))

	_, err = devices.LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(err)
}

func TestOpen(t *testing.T) {
	assert, require := makeAR(t)
	ctx := context.Background()

	for _, kind := range devices.Kinds {
		c, err := devices.DefaultConfig(kind)
		require.NoError(err)
		c.QueueSize = 8
		c.PoolEntries = 16
		require.NoError(c.Validate(), kind)

		a := testenv.NewArena(t, devices.ArenaBytes(c))
		var regs hw.MMIO
		if kind == devices.Igb {
			regs = igbsim.New(a, mac)
		} else {
			regs = virtiosim.New(a, mac)
		}
		d, err := devices.Open(ctx, c, devices.Resources{Arena: a, MMIO: regs})
		require.NoError(err, kind)
		assert.Equal(string(kind), d.DeviceName())
		assert.Equal(netdev.Net, d.DeviceType())
		assert.Equal(mac, d.MACAddress())
		assert.Equal(8, d.RxQueueSize())
		assert.True(d.CanTransmit())
		require.NoError(d.Close())
		assert.Zero(a.InUse())
	}
}

func TestOpenMap(t *testing.T) {
	assert, require := makeAR(t)
	c, err := devices.DefaultConfig(devices.VirtioNet)
	require.NoError(err)
	c.QueueSize = 4
	c.PoolEntries = 8
	c.RegsAddr = 0xfeb00000

	a := testenv.NewArena(t, devices.ArenaBytes(c))
	sim := virtiosim.New(a, mac)
	var addr uint64
	var size uint
	d, err := devices.Open(context.Background(), c, devices.Resources{
		Arena: a,
		Map: func(phys uint64, n uint) (hw.MMIO, error) {
			addr, size = phys, n
			return sim.Map(phys, n)
		},
	})
	require.NoError(err)
	assert.Equal(c.RegsAddr, addr)
	assert.EqualValues(virtio.MMIOSize, size)
	assert.Equal(mac, d.MACAddress())
	require.NoError(d.Close())
}

func TestOpenErrors(t *testing.T) {
	assert, _ := makeAR(t)
	ctx := context.Background()
	a := testenv.NewArena(t, 1<<20)

	c, _ := devices.DefaultConfig(devices.VirtioNet)
	c.QueueSize, c.PoolEntries = 8, 16
	d, err := devices.Open(ctx, c, devices.Resources{Arena: a, MMIO: igbsim.New(a, mac)})
	assert.True(errors.Is(err, netdev.ErrUnsupported), "igb registers are not virtio")
	assert.Nil(d)

	_, err = devices.Open(ctx, c, devices.Resources{Arena: a})
	assert.True(errors.Is(err, netdev.ErrInvalidParam))

	failed := errors.New("no such device")
	_, err = devices.Open(ctx, c, devices.Resources{Arena: a, Map: func(uint64, uint) (hw.MMIO, error) {
		return nil, failed
	}})
	assert.True(errors.Is(err, failed))

	_, err = devices.Open(ctx, devices.Config{Kind: "tap"}, devices.Resources{})
	assert.True(errors.Is(err, netdev.ErrUnsupported))

	c, _ = devices.DefaultConfig(devices.Igb)
	c.QueueSize = 8
	c.PoolEntries = 4096
	d, err = devices.Open(ctx, c, devices.Resources{Arena: a, MMIO: igbsim.New(a, mac)})
	assert.True(errors.Is(err, netdev.ErrNoMemory), "pool larger than the arena")
	assert.Nil(d)
	assert.Zero(a.InUse())
}
