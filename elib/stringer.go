// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elib holds small helpers shared by the ring drivers.
package elib

import (
	"fmt"
	"math/bits"
	"strings"
)

func StringerWithFormat(n []string, i int, unknownFormat string) string {
	if i >= 0 && i < len(n) && len(n[i]) > 0 {
		return n[i]
	}
	return fmt.Sprintf(unknownFormat, i)
}

func Stringer(n []string, i int) string    { return StringerWithFormat(n, i, "%d") }
func StringerHex(n []string, i int) string { return StringerWithFormat(n, i, "0x%x") }

// FlagStringer names each set bit of x, lowest first, separated by ", ".
func FlagStringer(n []string, x uint64) string {
	var s []string
	for x != 0 {
		i := bits.TrailingZeros64(x)
		s = append(s, StringerWithFormat(n, i, "bit%d"))
		x &^= 1 << uint(i)
	}
	return strings.Join(s, ", ")
}
