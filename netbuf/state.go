// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netbuf

import (
	"errors"

	"github.com/platinasystems/nicring/elib"
)

var (
	ErrNoMemory = errors.New("no memory")
	ErrBadState = errors.New("bad state")
)

// State tags who owns a pool entry.
type State uint8

const (
	// On the pool free list.
	Free State = iota
	// Held by driver code as a *Buf.
	Software
	// Installed in a ring slot or queue descriptor.
	Hardware
	// Handed across the driver boundary as a Ptr.
	Detached
	nState
)

var stateStrings = [...]string{
	Free:     "free",
	Software: "software",
	Hardware: "hardware",
	Detached: "detached",
}

func (s State) String() string { return elib.Stringer(stateStrings[:], int(s)) }

// Stats counts pool entries by state.
type Stats struct {
	Free, Software, Hardware, Detached int
}

func (s Stats) Total() int { return s.Free + s.Software + s.Hardware + s.Detached }
func (s Stats) InUse() int { return s.Software + s.Hardware + s.Detached }
