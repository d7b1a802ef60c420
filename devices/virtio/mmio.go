// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"fmt"

	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/netdev"
)

const MMIOMagic = 0x74726976 // "virt"

// virtio-mmio register offsets, version 2.
const (
	MMIOMagicValue        = 0x000
	MMIOVersion           = 0x004
	MMIODeviceID          = 0x008
	MMIOVendorID          = 0x00c
	MMIODeviceFeatures    = 0x010
	MMIODeviceFeaturesSel = 0x014
	MMIODriverFeatures    = 0x020
	MMIODriverFeaturesSel = 0x024
	MMIOQueueSel          = 0x030
	MMIOQueueNumMax       = 0x034
	MMIOQueueNum          = 0x038
	MMIOQueueReady        = 0x044
	MMIOQueueNotify       = 0x050
	MMIOInterruptStatus   = 0x060
	MMIOInterruptAck      = 0x064
	MMIOStatus            = 0x070
	MMIOQueueDescLow      = 0x080
	MMIOQueueDescHigh     = 0x084
	MMIOQueueDriverLow    = 0x090
	MMIOQueueDriverHigh   = 0x094
	MMIOQueueDeviceLow    = 0x0a0
	MMIOQueueDeviceHigh   = 0x0a4
	MMIOConfigGeneration  = 0x0fc
	MMIOConfig            = 0x100

	MMIOSize = 0x200
)

var errFeatures = fmt.Errorf("device rejected features: %w", netdev.ErrUnsupported)

// MMIOTransport is the virtio-mmio transport over a register block.
type MMIOTransport struct {
	regs hw.MMIO
	id   DeviceID
}

var _ Transport = (*MMIOTransport)(nil)

// NewMMIOTransport checks the magic value and version of the register block.
// Only modern (version 2) devices are supported.
func NewMMIOTransport(regs hw.MMIO) (*MMIOTransport, error) {
	if m := regs.Read32(MMIOMagicValue); m != MMIOMagic {
		return nil, fmt.Errorf("virtio-mmio: bad magic 0x%x: %w", m, netdev.ErrUnsupported)
	}
	if v := regs.Read32(MMIOVersion); v != 2 {
		return nil, fmt.Errorf("virtio-mmio: version %d: %w", v, netdev.ErrUnsupported)
	}
	t := &MMIOTransport{regs: regs, id: DeviceID(regs.Read32(MMIODeviceID))}
	if t.id == 0 {
		return nil, fmt.Errorf("virtio-mmio: no device: %w", netdev.ErrUnsupported)
	}
	return t, nil
}

func (t *MMIOTransport) DeviceType() DeviceID { return t.id }

func (t *MMIOTransport) ReadDeviceFeatures() uint64 {
	t.regs.Write32(MMIODeviceFeaturesSel, 0)
	lo := t.regs.Read32(MMIODeviceFeatures)
	t.regs.Write32(MMIODeviceFeaturesSel, 1)
	hi := t.regs.Read32(MMIODeviceFeatures)
	return uint64(hi)<<32 | uint64(lo)
}

func (t *MMIOTransport) WriteDriverFeatures(f uint64) {
	t.regs.Write32(MMIODriverFeaturesSel, 0)
	t.regs.Write32(MMIODriverFeatures, uint32(f))
	t.regs.Write32(MMIODriverFeaturesSel, 1)
	t.regs.Write32(MMIODriverFeatures, uint32(f>>32))
}

func (t *MMIOTransport) Status() DeviceStatus     { return DeviceStatus(t.regs.Read32(MMIOStatus)) }
func (t *MMIOTransport) SetStatus(s DeviceStatus) { t.regs.Write32(MMIOStatus, uint32(s)) }

func (t *MMIOTransport) MaxQueueSize(queue uint16) uint16 {
	t.regs.Write32(MMIOQueueSel, uint32(queue))
	return uint16(t.regs.Read32(MMIOQueueNumMax))
}

func (t *MMIOTransport) QueueUsed(queue uint16) bool {
	t.regs.Write32(MMIOQueueSel, uint32(queue))
	return t.regs.Read32(MMIOQueueReady) != 0
}

func (t *MMIOTransport) QueueSet(queue, size uint16, desc, avail, used uint64) {
	r := t.regs
	r.Write32(MMIOQueueSel, uint32(queue))
	r.Write32(MMIOQueueNum, uint32(size))
	r.Write32(MMIOQueueDescLow, uint32(desc))
	r.Write32(MMIOQueueDescHigh, uint32(desc>>32))
	r.Write32(MMIOQueueDriverLow, uint32(avail))
	r.Write32(MMIOQueueDriverHigh, uint32(avail>>32))
	r.Write32(MMIOQueueDeviceLow, uint32(used))
	r.Write32(MMIOQueueDeviceHigh, uint32(used>>32))
	r.Write32(MMIOQueueReady, 1)
}

func (t *MMIOTransport) QueueUnset(queue uint16) {
	r := t.regs
	r.Write32(MMIOQueueSel, uint32(queue))
	r.Write32(MMIOQueueReady, 0)
	r.Write32(MMIOQueueNum, 0)
	for _, o := range []uint{
		MMIOQueueDescLow, MMIOQueueDescHigh,
		MMIOQueueDriverLow, MMIOQueueDriverHigh,
		MMIOQueueDeviceLow, MMIOQueueDeviceHigh,
	} {
		r.Write32(o, 0)
	}
}

func (t *MMIOTransport) QueueNotify(queue uint16) { t.regs.Write32(MMIOQueueNotify, uint32(queue)) }

// ReadConfig reads a config space word, retrying until the generation is stable.
func (t *MMIOTransport) ReadConfig(offset uint) (v uint32) {
	for {
		g := t.regs.Read32(MMIOConfigGeneration)
		v = t.regs.Read32(MMIOConfig + offset)
		if t.regs.Read32(MMIOConfigGeneration) == g {
			return
		}
	}
}

func (t *MMIOTransport) AckInterrupt() bool {
	s := t.regs.Read32(MMIOInterruptStatus)
	if s == 0 {
		return false
	}
	t.regs.Write32(MMIOInterruptAck, s)
	return true
}
