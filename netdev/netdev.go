// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package netdev defines the contract between packet ring drivers and a
// network stack.
package netdev

import (
	"fmt"

	"github.com/platinasystems/nicring/elib"
	"github.com/platinasystems/nicring/netbuf"
)

type DeviceType uint8

const (
	Block DeviceType = iota
	Char
	Net
	Display
)

var deviceTypeStrings = [...]string{
	Block:   "block",
	Char:    "char",
	Net:     "network",
	Display: "display",
}

func (t DeviceType) String() string { return elib.Stringer(deviceTypeStrings[:], int(t)) }

type EthernetAddress [6]byte

func (a EthernetAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a EthernetAddress) IsZero() bool { return a == EthernetAddress{} }

// Driver is implemented by every packet ring driver.
//
// Buffers cross the boundary as netbuf.Ptr. A Ptr from Receive must come back
// through RecycleRxBuffer; a Ptr from AllocTxBuffer must come back through
// Transmit. Each Ptr is handed back exactly once. Calls on one Driver must not
// run concurrently.
type Driver interface {
	DeviceName() string
	DeviceType() DeviceType
	MACAddress() EthernetAddress

	RxQueueSize() int
	TxQueueSize() int

	CanReceive() bool
	CanTransmit() bool

	// Receive returns the next received packet; ErrAgain when none is ready.
	Receive() (netbuf.Ptr, error)
	// RecycleRxBuffer returns a buffer obtained from Receive.
	RecycleRxBuffer(p netbuf.Ptr) error

	// AllocTxBuffer leases a buffer with room for size packet bytes.
	AllocTxBuffer(size int) (netbuf.Ptr, error)
	// Transmit queues a buffer obtained from AllocTxBuffer. On ErrAgain the
	// Ptr remains the caller's to retry.
	Transmit(p netbuf.Ptr) error
	// RecycleTxBuffers reclaims buffers whose transmission completed.
	RecycleTxBuffers() error

	Close() error
}
