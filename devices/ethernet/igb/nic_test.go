// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package igb_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/platinasystems/nicring/devices/ethernet/igb"
	"github.com/platinasystems/nicring/devices/ethernet/igb/igbsim"
	"github.com/platinasystems/nicring/hw"
	"github.com/platinasystems/nicring/internal/testenv"
	"github.com/platinasystems/nicring/netbuf"
	"github.com/platinasystems/nicring/netdev"
)

var (
	makeAR = testenv.MakeAR
	mac    = netdev.EthernetAddress{0x02, 0x00, 0x00, 0x5e, 0x10, 0x01}
)

type fixture struct {
	t     *testing.T
	arena *hw.Arena
	sim   *igbsim.Device
	nic   *igb.Nic
	cfg   igb.Config
}

func newFixture(t *testing.T, c igb.Config, loopback bool) *fixture {
	if c.QueueSize == 0 {
		c.QueueSize = 8
	}
	if c.PoolEntries == 0 {
		c.PoolEntries = 32
	}
	c.Poll = hw.PollPolicy{MaxAttempts: 10}
	f := &fixture{t: t, cfg: c}
	f.arena = testenv.NewArena(t, 1<<20)
	f.sim = igbsim.New(f.arena, mac)
	f.sim.Loopback = loopback
	nic, err := igb.New(context.Background(), c, f.arena, f.sim)
	if err != nil {
		t.Fatal(err)
	}
	f.nic = nic
	t.Cleanup(func() {
		if err := nic.Close(); err != nil {
			t.Error(err)
		}
	})
	return f
}

// conserved checks every pool entry is accounted for exactly once.
func (f *fixture) conserved() netbuf.Stats {
	s := f.nic.Pool().Stats()
	if s.Total() != f.cfg.PoolEntries {
		f.t.Fatalf("pool %+v does not add up to %d", s, f.cfg.PoolEntries)
	}
	return s
}

func frame(t *testing.T, seq uint64) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, seq)
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr(mac[:]),
			DstMAC:       layers.EthernetBroadcast,
			EthernetType: layers.EthernetType(0x88b5),
		},
		gopacket.Payload(payload))
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func seqOf(t *testing.T, b []byte) uint64 {
	p := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || len(eth.Payload) < 8 {
		t.Fatalf("not an ethernet frame: %x", b)
	}
	return binary.BigEndian.Uint64(eth.Payload)
}

func TestNicInit(t *testing.T) {
	assert, _ := makeAR(t)
	f := newFixture(t, igb.Config{}, false)
	n := f.nic

	assert.Equal("igb", n.DeviceName())
	assert.Equal(netdev.Net, n.DeviceType())
	assert.Equal(mac, n.MACAddress())
	assert.Equal(8, n.RxQueueSize())
	assert.Equal(8, n.TxQueueSize())
	assert.True(n.LinkUp())
	assert.True(n.CanTransmit())
	assert.False(n.CanReceive())

	assert.Equal(uint32(7), f.sim.Read32(uint(igb.RDT(0))))
	assert.Equal(uint32(0), f.sim.Read32(uint(igb.TDT(0))))
	assert.Equal(uint32(8*igb.DescriptorBytes), f.sim.Read32(uint(igb.RDLEN(0))))
	assert.NotZero(f.sim.Read32(uint(igb.RCTL)) & igb.RCTL_EN)
	assert.Equal(netbuf.Stats{Free: 24, Hardware: 8}, f.conserved())

	_, err := n.Receive()
	assert.True(errors.Is(err, netdev.ErrAgain))
}

func TestNicReceiveOrder(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{}, false)
	n := f.nic

	for i := uint64(0); i < 3; i++ {
		f.sim.Inject(frame(t, 100+i))
	}
	assert.Equal(3, f.sim.Step())
	assert.True(n.CanReceive())

	var got []netbuf.Ptr
	for i := uint64(0); i < 3; i++ {
		p, err := n.Receive()
		require.NoError(err)
		assert.Equal(60, p.Len())
		assert.Equal(100+i, seqOf(t, p.Packet()))
		got = append(got, p)
		f.conserved()
	}
	assert.False(n.CanReceive())
	_, err := n.Receive()
	assert.True(errors.Is(err, netdev.ErrAgain))
	assert.Equal(netbuf.Stats{Free: 21, Hardware: 8, Detached: 3}, f.conserved())

	for _, p := range got {
		require.NoError(n.RecycleRxBuffer(p))
	}
	assert.Equal(netbuf.Stats{Free: 24, Hardware: 8}, f.conserved())
	assert.Equal(uint32(2), f.sim.Read32(uint(igb.RDT(0))), "tail follows the last processed descriptor")

	c := n.Counters()
	assert.EqualValues(3, c.RxPackets)
	assert.EqualValues(180, c.RxBytes)
	assert.EqualValues(1, c.RxBatches)
}

func TestNicRingWrap(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{}, true)
	n := f.nic

	// Several laps of both rings.
	for seq := uint64(0); seq < 40; seq++ {
		require.NoError(n.RecycleTxBuffers())
		require.True(n.CanTransmit())
		data := frame(t, seq)
		p, err := n.AllocTxBuffer(len(data))
		require.NoError(err)
		copy(p.Packet(), data)
		require.NoError(n.Transmit(p))
		f.sim.Step()
		f.sim.Step()

		p, err = n.Receive()
		require.NoError(err)
		assert.Equal(seq, seqOf(t, p.Packet()))
		require.NoError(n.RecycleRxBuffer(p))
		f.conserved()
	}
	require.NoError(n.RecycleTxBuffers())
	assert.Zero(n.InFlight(0))
	assert.Equal(netbuf.Stats{Free: 24, Hardware: 8}, f.conserved())
}

func TestNicTransmit(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{}, false)
	n := f.nic

	data := frame(t, 7)
	p, err := n.AllocTxBuffer(len(data))
	require.NoError(err)
	require.Equal(len(data), p.Len())
	copy(p.Packet(), data)
	require.NoError(n.Transmit(p))
	assert.Equal(netbuf.Stats{Free: 23, Hardware: 9}, f.conserved())
	assert.Equal(uint32(1), f.sim.Read32(uint(igb.TDT(0))))

	// Nothing completes until the device runs.
	require.NoError(n.RecycleTxBuffers())
	assert.Equal(1, n.InFlight(0))

	assert.Equal(1, f.sim.Step())
	sent := f.sim.TakeSent()
	require.Len(sent, 1)
	assert.Equal(data, sent[0])

	require.NoError(n.RecycleTxBuffers())
	assert.Zero(n.InFlight(0))
	assert.Equal(netbuf.Stats{Free: 24, Hardware: 8}, f.conserved())
	assert.EqualValues(1, n.Counters().TxPackets)
}

func TestNicBackpressure(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{QueueSize: 4, PoolEntries: 16}, false)
	n := f.nic

	for i := 0; i < 4; i++ {
		p, err := n.AllocTxBuffer(64)
		require.NoError(err)
		require.NoError(n.Transmit(p))
	}
	assert.False(n.CanTransmit())

	p, err := n.AllocTxBuffer(64)
	require.NoError(err)
	err = n.Transmit(p)
	assert.True(errors.Is(err, netdev.ErrAgain))
	assert.True(netdev.IsRetryable(err))
	assert.EqualValues(1, n.Counters().TxQueueFull)
	assert.Equal(netbuf.Stats{Free: 7, Hardware: 8, Detached: 1}, f.conserved())

	f.sim.Step()
	require.NoError(n.RecycleTxBuffers())
	assert.True(n.CanTransmit())
	require.NoError(n.Transmit(p), "pointer stays valid after a full ring")
	assert.Len(f.sim.TakeSent(), 4)
}

func TestNicRecycleTwice(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{}, false)
	n := f.nic

	f.sim.Inject(frame(t, 1))
	f.sim.Step()
	p, err := n.Receive()
	require.NoError(err)
	require.NoError(n.RecycleRxBuffer(p))
	err = n.RecycleRxBuffer(p)
	assert.True(errors.Is(err, netdev.ErrBadState))

	tx, err := n.AllocTxBuffer(60)
	require.NoError(err)
	require.NoError(n.Transmit(tx))
	assert.True(errors.Is(n.Transmit(tx), netdev.ErrBadState))
	assert.Equal(netbuf.Stats{Free: 23, Hardware: 9}, f.conserved())
}

func TestNicStalePtr(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{}, false)
	n := f.nic

	f.sim.Inject(frame(t, 1))
	f.sim.Step()
	p, err := n.Receive()
	require.NoError(err)
	require.NoError(n.RecycleRxBuffer(p))

	tx, err := n.AllocTxBuffer(60)
	require.NoError(err)
	require.Equal(p.Entry(), tx.Entry(), "recycled entry is leased first")
	err = n.RecycleRxBuffer(p)
	assert.True(errors.Is(err, netdev.ErrBadState))
	assert.Equal(netbuf.Stats{Free: 23, Hardware: 8, Detached: 1}, f.conserved())

	require.NoError(n.Transmit(tx), "live buffer is untouched")
	assert.True(errors.Is(n.Transmit(p), netdev.ErrBadState))
	assert.Equal(netbuf.Stats{Free: 23, Hardware: 9}, f.conserved())
}

func TestNicReceiveDropped(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{}, false)
	n := f.nic

	f.sim.Inject(frame(t, 1))
	require.Equal(1, f.sim.Step())
	lo, hi := f.sim.Read32(uint(igb.RDBAL(0))), f.sim.Read32(uint(igb.RDBAH(0)))
	b, ok := f.arena.Bytes(uint64(hi)<<32|uint64(lo), 8*igb.DescriptorBytes)
	require.True(ok)
	// Done but not end of packet: the frame claims to span descriptors.
	igb.RxDescriptors(b)[0].WriteBack(igb.RxWriteBack{Status: igb.RxStatusDD, Length: 60})

	assert.True(n.CanReceive())
	_, err := n.Receive()
	assert.True(errors.Is(err, netdev.ErrAgain))
	assert.EqualValues(1, n.Counters().RxDrops)
	assert.False(n.CanReceive())
	assert.Equal(netbuf.Stats{Free: 24, Hardware: 8}, f.conserved())
	assert.Equal(uint32(0), f.sim.Read32(uint(igb.RDT(0))))

	f.sim.Inject(frame(t, 2))
	require.Equal(1, f.sim.Step())
	p, err := n.Receive()
	require.NoError(err)
	assert.Equal(uint64(2), seqOf(t, p.Packet()))
	require.NoError(n.RecycleRxBuffer(p))
}

func TestNicAllocTxBuffer(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{QueueSize: 4, PoolEntries: 6}, false)
	n := f.nic

	_, err := n.AllocTxBuffer(2049)
	assert.True(errors.Is(err, netdev.ErrInvalidParam))

	var held []netbuf.Ptr
	for i := 0; i < 2; i++ {
		p, err := n.AllocTxBuffer(2048)
		require.NoError(err)
		held = append(held, p)
	}
	_, err = n.AllocTxBuffer(60)
	assert.True(errors.Is(err, netdev.ErrNoMemory))
	for _, p := range held {
		require.NoError(n.Transmit(p))
	}
}

func TestNicRefillExhausted(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, igb.Config{QueueSize: 4, PoolEntries: 5}, false)
	n := f.nic

	for i := uint64(0); i < 4; i++ {
		f.sim.Inject(frame(t, i))
	}
	// Hardware owns three of the four descriptors.
	assert.Equal(3, f.sim.Step())

	p0, err := n.Receive()
	require.NoError(err)
	assert.Equal(uint64(0), seqOf(t, p0.Packet()))

	// The only spare buffer went to the refill; the next packet stays put.
	assert.True(n.CanReceive())
	_, err = n.Receive()
	assert.True(errors.Is(err, netdev.ErrNoMemory))
	assert.EqualValues(2, n.Counters().RxNoBuffer)
	f.conserved()

	require.NoError(n.RecycleRxBuffer(p0))
	p1, err := n.Receive()
	require.NoError(err)
	assert.Equal(uint64(1), seqOf(t, p1.Packet()))
	require.NoError(n.RecycleRxBuffer(p1))
}

func TestNicClose(t *testing.T) {
	assert, require := makeAR(t)
	a := testenv.NewArena(t, 1<<20)
	sim := igbsim.New(a, mac)
	n, err := igb.New(context.Background(), igb.Config{QueueSize: 8, PoolEntries: 16}, a, sim)
	require.NoError(err)

	sim.Inject(frame(t, 1))
	sim.Inject(frame(t, 2))
	sim.Step()
	p, err := n.Receive()
	require.NoError(err)
	tx, err := n.AllocTxBuffer(60)
	require.NoError(err)
	require.NoError(n.Transmit(tx))

	require.NoError(n.RecycleRxBuffer(p))
	require.NoError(n.Close())
	assert.Zero(a.InUse())
	assert.Zero(sim.Read32(uint(igb.RCTL)) & igb.RCTL_EN)
}

func TestNicInitErrors(t *testing.T) {
	assert, _ := makeAR(t)
	a := testenv.NewArena(t, 1<<20)
	sim := igbsim.New(a, mac)
	ctx := context.Background()

	_, err := igb.New(ctx, igb.Config{QueueSize: 8, PoolEntries: 8}, a, sim)
	assert.True(errors.Is(err, netdev.ErrInvalidParam))
	_, err = igb.New(ctx, igb.Config{QueueSize: 8, PoolEntrySize: 512}, a, sim)
	assert.True(errors.Is(err, netdev.ErrInvalidParam))
	_, err = igb.New(ctx, igb.Config{QueueSize: 8, PoolEntries: 1024}, a, sim)
	assert.True(errors.Is(err, netdev.ErrNoMemory))
	assert.Zero(a.InUse())
}

// stuck never finishes a reset.
type stuck struct{ *igbsim.Device }

func (s *stuck) Read32(offset uint) uint32 {
	if igb.Reg(offset) == igb.CTRL {
		return igb.CTRL_RST
	}
	return s.Device.Read32(offset)
}

func TestNicResetTimeout(t *testing.T) {
	assert, _ := makeAR(t)
	a := testenv.NewArena(t, 1<<20)
	s := &stuck{Device: igbsim.New(a, mac)}
	_, err := igb.New(context.Background(), igb.Config{QueueSize: 8, PoolEntries: 16, Poll: hw.PollPolicy{MaxAttempts: 3}}, a, s)
	assert.True(errors.Is(err, hw.ErrTimeout))
	assert.Zero(a.InUse())
}
