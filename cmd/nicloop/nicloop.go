// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nicloop loops ethernet frames through a ring driver and its
// simulated device.
package nicloop

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mattn/go-isatty"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/nicring/devices"
	"github.com/platinasystems/nicring/devices/ethernet/igb"
	"github.com/platinasystems/nicring/devices/ethernet/igb/igbsim"
	"github.com/platinasystems/nicring/devices/virtio/virtiosim"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/lang"
	"github.com/platinasystems/nicring/netdev"
	"github.com/platinasystems/nicring/stats"
	"github.com/platinasystems/parms"
)

const (
	DefaultCount = 64
	DefaultSize  = 60

	// Ethernet header and sequence number.
	minSize = 14 + 8
	// Steps without progress before giving up on outstanding frames.
	maxIdleSteps = 16
)

// EtherType of the generated frames (local experimental).
var EtherType = layers.EthernetType(0x88b5)

var Mac = netdev.EthernetAddress{0x02, 0x00, 0x00, 0x6e, 0x69, 0x63}

type Command struct {
	// Output, os.Stdout if nil.
	Stdout io.Writer
}

// model is the simulated device behind the driver.
type model interface {
	hw.MMIO
	Step() int
}

func (Command) String() string { return "nicloop" }

func (Command) Usage() string {
	return "nicloop [-v] [-debug] [-kind KIND] [-config FILE] [-count N] [-size BYTES] [-redis ADDR]"
}

func (Command) Apropos() lang.Alt {
	return lang.Alt{
		lang.EnUS: "loop frames through a simulated nic",
	}
}

func (Command) Man() lang.Alt {
	return lang.Alt{
		lang.EnUS: `
DESCRIPTION
	Bring up an igb or virtio-net ring driver over a software model of
	the device, transmit N ethernet frames with sequence numbers, loop
	them back through the model and check they are received in order.

	Counters are printed as a table on a terminal, otherwise as
	NAME=VALUE lines. With -redis they are also written to the hash
	nicring:DEVICE.

OPTIONS
	-kind	igb or virtio-net (default igb)
	-config	YAML device configuration
	-count	frames to loop (default 64)
	-size	frame size in bytes (default 60)
	-redis	redis server address
	-v	print each received frame
	-debug	trace ring batches`,
	}
}

func (c Command) Main(args ...string) error {
	flag, args := flags.New(args, "-v", "-debug")
	parm, args := parms.New(args, "-kind", "-config", "-count", "-size", "-redis")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected", args)
	}
	w := c.Stdout
	if w == nil {
		w = os.Stdout
	}

	cfg, err := config(parm.ByName["-kind"], parm.ByName["-config"])
	if err != nil {
		return err
	}
	count, err := intParm(parm.ByName["-count"], DefaultCount, 1)
	if err != nil {
		return fmt.Errorf("-count: %w", err)
	}
	size, err := intParm(parm.ByName["-size"], DefaultSize, minSize)
	if err != nil {
		return fmt.Errorf("-size: %w", err)
	}
	igb.Debug = flag.ByName["-debug"]

	a, err := hw.NewArena(c.String(), devices.ArenaBytes(cfg), hw.IdentityTranslator{})
	if err != nil {
		return err
	}
	var m model
	var mapRegs hw.MapFunc
	switch cfg.Kind {
	case devices.Igb:
		s := igbsim.New(a, Mac)
		s.Loopback = true
		m, mapRegs = s, s.Map
	case devices.VirtioNet:
		s := virtiosim.New(a, Mac)
		s.Loopback = true
		m, mapRegs = s, s.Map
	}
	d, err := devices.Open(context.Background(), cfg, devices.Resources{Arena: a, Map: mapRegs})
	if err != nil {
		a.Close()
		return err
	}

	l := &loop{d: d, m: m, w: w, size: size, verbose: flag.ByName["-v"]}
	err = l.run(count)
	if err == nil {
		log.Print("daemon", "info", d.DeviceName(), ": looped ", l.received, " frames")
	}
	var counters stats.Counters
	if x, ok := d.(stats.Counted); ok {
		counters = x.Counters()
	}
	if e := d.Close(); err == nil {
		err = e
	}
	if e := a.Close(); err == nil {
		err = e
	}
	if err != nil {
		return err
	}

	show(w, d.DeviceName(), &counters)
	if addr := parm.ByName["-redis"]; len(addr) > 0 {
		conn, err := stats.Dial(addr)
		if err != nil {
			return err
		}
		p := stats.NewPublisher(conn)
		defer p.Close()
		if err = p.Publish(d.DeviceName(), counters); err != nil {
			return err
		}
	}
	return nil
}

func config(kind, fn string) (cfg devices.Config, err error) {
	if len(fn) > 0 {
		if cfg, err = devices.LoadConfig(fn); err != nil {
			return
		}
		if len(kind) > 0 && devices.Kind(kind) != cfg.Kind {
			err = fmt.Errorf("-kind %s: %s configures %s: %w", kind, fn, cfg.Kind, netdev.ErrInvalidParam)
		}
		return
	}
	if len(kind) == 0 {
		kind = string(devices.Igb)
	}
	if cfg, err = devices.DefaultConfig(devices.Kind(kind)); err != nil {
		return
	}
	err = cfg.Validate()
	return
}

func intParm(s string, def, min int) (int, error) {
	if len(s) == 0 {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if i < min {
		return 0, fmt.Errorf("%d < %d: %w", i, min, netdev.ErrInvalidParam)
	}
	return i, nil
}

type loop struct {
	d       netdev.Driver
	m       model
	w       io.Writer
	size    int
	verbose bool

	sent, received int
}

// Frame builds the size byte ethernet frame carrying seq.
func Frame(seq uint64, size int) ([]byte, error) {
	payload := make([]byte, size-14)
	binary.BigEndian.PutUint64(payload, seq)
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr(Mac[:]),
			DstMAC:       layers.EthernetBroadcast,
			EthernetType: EtherType,
		},
		gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Seq returns the sequence number of a frame built by Frame.
func Seq(b []byte) (uint64, error) {
	p := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || eth.EthernetType != EtherType || len(eth.Payload) < 8 {
		return 0, fmt.Errorf("unexpected frame: %v", p)
	}
	return binary.BigEndian.Uint64(eth.Payload), nil
}

func (l *loop) run(count int) error {
	for l.sent < count {
		if err := l.d.RecycleTxBuffers(); err != nil {
			return err
		}
		if !l.d.CanTransmit() {
			l.m.Step()
			if err := l.receive(); err != nil {
				return err
			}
			continue
		}
		if err := l.transmit(uint64(l.sent)); err != nil {
			return err
		}
		l.m.Step()
		if err := l.receive(); err != nil {
			return err
		}
	}
	for idle := 0; l.received < count; {
		if l.m.Step() == 0 {
			if idle++; idle > maxIdleSteps {
				return fmt.Errorf("%s: %d of %d frames lost", l.d.DeviceName(), count-l.received, count)
			}
		}
		if err := l.receive(); err != nil {
			return err
		}
		if err := l.d.RecycleTxBuffers(); err != nil {
			return err
		}
	}
	return l.d.RecycleTxBuffers()
}

func (l *loop) transmit(seq uint64) error {
	b, err := Frame(seq, l.size)
	if err != nil {
		return err
	}
	p, err := l.d.AllocTxBuffer(len(b))
	if err != nil {
		return err
	}
	copy(p.Packet(), b)
	for idle := 0; ; idle++ {
		err = l.d.Transmit(p)
		if !netdev.IsRetryable(err) || idle > maxIdleSteps {
			break
		}
		// p stays valid after a full queue.
		l.m.Step()
		if err = l.receive(); err != nil {
			return err
		}
		if err = l.d.RecycleTxBuffers(); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	l.sent++
	return nil
}

func (l *loop) receive() error {
	for l.d.CanReceive() {
		p, err := l.d.Receive()
		if netdev.IsRetryable(err) {
			return nil
		}
		if err != nil {
			return err
		}
		seq, err := Seq(p.Packet())
		if err == nil && seq != uint64(l.received) {
			err = fmt.Errorf("received seq %d, want %d", seq, l.received)
		}
		if l.verbose {
			fmt.Fprintf(l.w, "rx %d: %d bytes\n", seq, p.Len())
		}
		if e := l.d.RecycleRxBuffer(p); err == nil {
			err = e
		}
		if err != nil {
			return fmt.Errorf("%s: %w", l.d.DeviceName(), err)
		}
		l.received++
	}
	return nil
}

func show(w io.Writer, device string, c *stats.Counters) {
	m := c.Map()
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	if tty {
		fmt.Fprintf(w, "%-16s %s\n", "COUNTER", device)
		for _, k := range c.Names() {
			fmt.Fprintf(w, "%-16s %d\n", k, m[k])
		}
		return
	}
	for _, k := range c.Names() {
		fmt.Fprintf(w, "%s.%s=%d\n", device, k, m[k])
	}
}
