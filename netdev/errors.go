// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netdev

import (
	"errors"

	"github.com/platinasystems/nicring/netbuf"
)

// Error kinds. Every error a Driver returns wraps exactly one of these.
var (
	// Transient: nothing ready or no room; retry later.
	ErrAgain = errors.New("try again")
	// Buffer pool or DMA memory exhausted.
	ErrNoMemory = netbuf.ErrNoMemory
	// Request can never be satisfied, e.g. size over buffer capacity.
	ErrInvalidParam = errors.New("invalid parameter")
	// Ownership or bookkeeping inconsistency.
	ErrBadState = netbuf.ErrBadState
	// Device or feature not supported.
	ErrUnsupported = errors.New("unsupported")
)

var kinds = []error{ErrAgain, ErrNoMemory, ErrInvalidParam, ErrBadState, ErrUnsupported}

// Kind returns the error kind wrapped by err, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether the operation may succeed if repeated later.
func IsRetryable(err error) bool { return errors.Is(err, ErrAgain) }
