// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Nicloop loops frames through a simulated nic; see "nicloop -help".
package main

import (
	"fmt"
	"os"

	"github.com/platinasystems/nicring/cmd/nicloop"
)

func main() {
	c := nicloop.Command{}
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-help" || args[0] == "--help") {
		fmt.Printf("usage:\t%s\n\n%s: %s\n%s\n", c.Usage(), c, c.Apropos(), c.Man())
		return
	}
	if err := c.Main(args...); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", c, err)
		os.Exit(1)
	}
}
