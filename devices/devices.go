// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devices opens a ring driver of either family from a YAML
// configuration.
package devices

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/platinasystems/nicring/devices/ethernet/igb"
	"github.com/platinasystems/nicring/devices/virtio"
	"github.com/platinasystems/nicring/devices/virtio/virtionet"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netdev"
	"gopkg.in/yaml.v2"
)

type Kind string

const (
	Igb       Kind = "igb"
	VirtioNet Kind = "virtio-net"
)

var Kinds = []Kind{Igb, VirtioNet}

type Config struct {
	Kind          Kind          `yaml:"kind"`
	Name          string        `yaml:"name,omitempty"`
	QueueSize     int           `yaml:"queue_size"`
	QueueCount    int           `yaml:"queue_count,omitempty"`
	RxBatch       int           `yaml:"rx_batch,omitempty"`
	PoolEntries   int           `yaml:"pool_entries"`
	PoolEntrySize int           `yaml:"pool_entry_size"`
	Poll          hw.PollPolicy `yaml:"poll,omitempty"`
	// Physical address of the register block when Resources.Map maps it.
	RegsAddr uint64 `yaml:"regs_addr,omitempty"`
}

// DefaultConfig returns the stock configuration of kind.
func DefaultConfig(kind Kind) (c Config, err error) {
	c.Kind = kind
	err = c.defaults()
	return
}

func (c *Config) defaults() error {
	switch c.Kind {
	case Igb:
		if len(c.Name) == 0 {
			c.Name = "igb"
		}
		if c.QueueSize == 0 {
			c.QueueSize = igb.DefaultQueueSize
		}
		if c.QueueCount == 0 {
			c.QueueCount = igb.DefaultQueueCount
		}
		if c.RxBatch == 0 {
			c.RxBatch = igb.DefaultRxBatch
		}
		if c.PoolEntries == 0 {
			c.PoolEntries = igb.DefaultPoolEntries
		}
		if c.PoolEntrySize == 0 {
			c.PoolEntrySize = igb.DefaultPoolEntrySize
		}
		if c.Poll == (hw.PollPolicy{}) {
			c.Poll = hw.DefaultPollPolicy
		}
	case VirtioNet:
		if len(c.Name) == 0 {
			c.Name = "virtio-net"
		}
		if c.QueueSize == 0 {
			c.QueueSize = virtionet.DefaultQueueSize
		}
		if c.QueueCount == 0 {
			c.QueueCount = 1
		}
		if c.PoolEntries == 0 {
			c.PoolEntries = 2 * c.QueueSize
		}
		if c.PoolEntrySize == 0 {
			c.PoolEntrySize = virtionet.DefaultBufferLen
		}
	default:
		return fmt.Errorf("device kind %q: %w", c.Kind, netdev.ErrUnsupported)
	}
	return nil
}

// LoadConfig reads a YAML configuration. Fields left out take the defaults of
// the configured kind.
func LoadConfig(path string) (c Config, err error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%s: %v: %w", path, err, netdev.ErrInvalidParam)
	}
	if err = c.defaults(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	if err = c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return
}

func (c *Config) invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s: %w", c.Name, fmt.Sprintf(format, args...), netdev.ErrInvalidParam)
}

// Validate checks c after defaults are applied.
func (c *Config) Validate() error {
	qs := c.QueueSize
	if qs < 2 || qs&(qs-1) != 0 || qs > 1<<15 {
		return c.invalid("queue size %d is not a power of 2 in [2, 32768]", qs)
	}
	switch c.Kind {
	case Igb:
		if c.QueueCount < 1 || c.QueueCount > 4 {
			return c.invalid("%d queues", c.QueueCount)
		}
		if c.RxBatch < 1 {
			return c.invalid("rx batch %d", c.RxBatch)
		}
		if need := c.QueueCount * (qs + 1); c.PoolEntries < need {
			return c.invalid("%d pool entries, need at least %d", c.PoolEntries, need)
		}
	case VirtioNet:
		if c.QueueCount != 1 {
			return c.invalid("%d queues", c.QueueCount)
		}
		if c.PoolEntries != 2*qs {
			return c.invalid("%d pool entries, need %d", c.PoolEntries, 2*qs)
		}
		if c.PoolEntrySize <= virtionet.HeaderLen {
			return c.invalid("pool entry of %d bytes", c.PoolEntrySize)
		}
	default:
		return fmt.Errorf("device kind %q: %w", c.Kind, netdev.ErrUnsupported)
	}
	return nil
}

func (c Config) String() string {
	b, _ := yaml.Marshal(&c)
	return string(b)
}

// ArenaBytes returns a DMA arena size large enough for the pool and rings.
func ArenaBytes(c Config) uint {
	round := func(n, a uint) uint { return (n + a - 1) &^ (a - 1) }
	qs := uint(c.QueueSize)
	n := round(uint(c.PoolEntries)*round(uint(c.PoolEntrySize), 64), 4096)
	switch c.Kind {
	case Igb:
		ring := round(qs*igb.DescriptorBytes, 128) + round(round(qs+1, 8)*igb.DescriptorBytes, 128)
		n += uint(c.QueueCount) * ring
	case VirtioNet:
		n += 2 * (16*qs + round(4+2*qs+2, 8) + round(4+8*qs+2, 8) + 16)
	}
	// Alignment slack.
	n += 64 << 10
	return round(n, 4096)
}

// Resources are what a driver needs from the platform.
type Resources struct {
	Arena *hw.Arena
	// Device register block.
	MMIO hw.MMIO
	// Maps Config.RegsAddr when MMIO is nil.
	Map hw.MapFunc
}

// Register block sizes.
var regsBytes = map[Kind]uint{
	Igb:       128 << 10,
	VirtioNet: virtio.MMIOSize,
}

// Open brings up the driver selected by c.Kind.
func Open(ctx context.Context, c Config, r Resources) (netdev.Driver, error) {
	if err := c.defaults(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if r.MMIO == nil && r.Map != nil {
		m, err := r.Map(c.RegsAddr, regsBytes[c.Kind])
		if err != nil {
			return nil, fmt.Errorf("%s: map registers at 0x%x: %w", c.Name, c.RegsAddr, err)
		}
		r.MMIO = m
	}
	if r.Arena == nil || r.MMIO == nil {
		return nil, c.invalid("missing arena or registers")
	}
	switch c.Kind {
	case Igb:
		n, err := igb.New(ctx, igb.Config{
			Name:          c.Name,
			QueueSize:     c.QueueSize,
			QueueCount:    c.QueueCount,
			RxBatch:       c.RxBatch,
			PoolEntries:   c.PoolEntries,
			PoolEntrySize: c.PoolEntrySize,
			Poll:          c.Poll,
		}, r.Arena, r.MMIO)
		if err != nil {
			return nil, err
		}
		return n, nil
	case VirtioNet:
		t, err := virtio.NewMMIOTransport(r.MMIO)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		d, err := virtionet.New(virtionet.Config{
			Name:          c.Name,
			QueueSize:     c.QueueSize,
			PoolEntrySize: c.PoolEntrySize,
		}, t, r.Arena)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	panic("unreachable")
}
