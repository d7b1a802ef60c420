// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"github.com/platinasystems/nicring/elib"
)

type DeviceID uint32

const (
	DeviceNet     DeviceID = 1
	DeviceBlock   DeviceID = 2
	DeviceConsole DeviceID = 3
)

var deviceIDStrings = [...]string{
	DeviceNet:     "network",
	DeviceBlock:   "block",
	DeviceConsole: "console",
}

func (i DeviceID) String() string { return elib.Stringer(deviceIDStrings[:], int(i)) }

// DeviceStatus is the driver's progress through device initialisation.
type DeviceStatus uint32

const (
	StatusAcknowledge      DeviceStatus = 1 << 0
	StatusDriver           DeviceStatus = 1 << 1
	StatusDriverOK         DeviceStatus = 1 << 2
	StatusFeaturesOK       DeviceStatus = 1 << 3
	StatusDeviceNeedsReset DeviceStatus = 1 << 6
	StatusFailed           DeviceStatus = 1 << 7
)

var deviceStatusStrings = []string{
	0: "acknowledge",
	1: "driver",
	2: "driver-ok",
	3: "features-ok",
	6: "needs-reset",
	7: "failed",
}

func (s DeviceStatus) String() string { return elib.FlagStringer(deviceStatusStrings, uint64(s)) }

// Transport independent feature bits.
const (
	FeatureVersion1 uint64 = 1 << 32
)

// Transport is how a driver reaches a virtio device.
type Transport interface {
	DeviceType() DeviceID
	ReadDeviceFeatures() uint64
	WriteDriverFeatures(f uint64)
	Status() DeviceStatus
	SetStatus(s DeviceStatus)
	MaxQueueSize(queue uint16) uint16
	QueueUsed(queue uint16) bool
	// QueueSet hands the rings at the given device addresses to the device.
	QueueSet(queue, size uint16, desc, avail, used uint64)
	QueueUnset(queue uint16)
	QueueNotify(queue uint16)
	// ReadConfig reads the 32 bit word at offset of device config space.
	ReadConfig(offset uint) uint32
	AckInterrupt() bool
}

// Negotiate resets the device and agrees on the features both sides support.
// The device is left in FEATURES_OK state.
func Negotiate(t Transport, supported uint64) (uint64, error) {
	t.SetStatus(0)
	t.SetStatus(StatusAcknowledge | StatusDriver)
	f := t.ReadDeviceFeatures() & supported
	t.WriteDriverFeatures(f)
	t.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	if t.Status()&StatusFeaturesOK == 0 {
		t.SetStatus(StatusFailed)
		return 0, errFeatures
	}
	return f, nil
}

// FinishInit tells the device the driver is ready.
func FinishInit(t Transport) {
	t.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)
}
