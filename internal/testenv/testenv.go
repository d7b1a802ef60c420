// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testenv provides general test utilities.
package testenv

import (
	"math/rand"
	"testing"

	"github.com/platinasystems/nicring/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MakeAR creates testify assert and require objects.
func MakeAR(t require.TestingT) (*assert.Assertions, *require.Assertions) {
	return assert.New(t), require.New(t)
}

// RandBytes fills p with non-crypto-safe random bytes.
func RandBytes(p []byte) {
	rand.Read(p)
}

// NewArena maps a DMA arena that is unmapped when the test ends.
// Chunks still in use at that point fail the test.
func NewArena(t testing.TB, size uint) *hw.Arena {
	a, err := hw.NewArena(t.Name(), size, hw.IdentityTranslator{})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})
	return a
}
