// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netbuf_test

import (
	"errors"
	"testing"

	"github.com/platinasystems/nicring/internal/testenv"
	"github.com/platinasystems/nicring/netbuf"
)

var makeAR = testenv.MakeAR

func newPool(t *testing.T, count, size int) *netbuf.Pool {
	a := testenv.NewArena(t, uint(count*size)+1<<16)
	p, err := netbuf.NewPool(a, netbuf.PoolConfig{Name: "pool", Count: count, EntrySize: size})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPoolAlloc(t *testing.T) {
	assert, require := makeAR(t)
	p := newPool(t, 4, 1526)
	defer p.Release()

	var bufs []*netbuf.Buf
	seen := map[uintptr]bool{}
	for i := 0; i < 4; i++ {
		b, err := p.Alloc()
		require.NoError(err)
		assert.Equal(i, b.Index())
		assert.Equal(1526, b.Capacity())
		assert.Len(b.RawBuf(), 1526)
		assert.Zero(b.RawPhys() % 64)
		assert.False(seen[uintptr(b.RawPhys())], "entry leased twice")
		seen[uintptr(b.RawPhys())] = true
		bufs = append(bufs, b)
	}
	_, err := p.Alloc()
	assert.True(errors.Is(err, netbuf.ErrNoMemory))
	assert.Equal(netbuf.Stats{Software: 4}, p.Stats())

	require.NoError(bufs[2].Free())
	assert.True(errors.Is(bufs[2].Free(), netbuf.ErrBadState), "double free")
	b, err := p.Alloc()
	require.NoError(err)
	assert.Equal(2, b.Index())
	bufs[2] = b

	for _, b := range bufs {
		require.NoError(b.Free())
	}
	assert.Equal(4, p.FreeLen())
	assert.Equal(netbuf.Stats{Free: 4}, p.Stats())
}

func TestPoolDetachAttach(t *testing.T) {
	assert, require := makeAR(t)
	p := newPool(t, 8, 2048)
	defer p.Release()

	b, err := p.Alloc()
	require.NoError(err)
	b.SetHeaderLen(12)
	b.SetPacketLen(60)
	copy(b.Packet(), "hello")
	assert.Len(b.PacketWithHeader(), 72)
	assert.Equal(b.RawPhys()+12, b.PacketPhys())

	r, err := b.Detach()
	require.NoError(err)
	assert.False(r.IsNil())
	assert.Equal(60, r.Len())
	assert.Equal(uintptr(12), r.Data()-r.Entry())
	assert.Equal("hello", string(r.Packet()[:5]))
	assert.Equal(netbuf.Stats{Free: 7, Detached: 1}, p.Stats())

	b2, err := p.Attach(r)
	require.NoError(err)
	assert.Equal(12, b2.HeaderLen())
	assert.Equal(60, b2.PacketLen())
	assert.Equal(netbuf.Software, b2.State())

	_, err = p.Attach(r)
	assert.True(errors.Is(err, netbuf.ErrBadState), "attach twice")

	r2, err := b2.Detach()
	require.NoError(err)
	assert.Equal(r, r2, "detach after attach is bit for bit identical")

	b3, err := p.Attach(r2)
	require.NoError(err)
	require.NoError(b3.Free())
	assert.Equal(netbuf.Stats{Free: 8}, p.Stats())
}

func TestPoolForeignPtr(t *testing.T) {
	assert, require := makeAR(t)
	p := newPool(t, 2, 256)
	defer p.Release()
	q := newPool(t, 2, 256)
	defer q.Release()

	b, err := q.Alloc()
	require.NoError(err)
	r, err := b.Detach()
	require.NoError(err)

	_, err = p.Attach(r)
	assert.True(errors.Is(err, netbuf.ErrBadState))
	_, err = p.Attach(netbuf.Ptr{})
	assert.True(errors.Is(err, netbuf.ErrBadState))

	b, err = q.Attach(r)
	require.NoError(err)
	require.NoError(b.Free())
}

func TestPoolStalePtr(t *testing.T) {
	assert, require := makeAR(t)
	p := newPool(t, 2, 256)
	defer p.Release()

	b, err := p.Alloc()
	require.NoError(err)
	old, err := b.Detach()
	require.NoError(err)
	b, err = p.Attach(old)
	require.NoError(err)
	require.NoError(b.Free())

	// The free list hands the same entry straight back out.
	b, err = p.Alloc()
	require.NoError(err)
	r, err := b.Detach()
	require.NoError(err)
	assert.Equal(old.Entry(), r.Entry())
	assert.NotEqual(old, r)
	_, err = p.Attach(old)
	assert.True(errors.Is(err, netbuf.ErrBadState), "earlier lease of the entry")
	assert.Equal(netbuf.Stats{Free: 1, Detached: 1}, p.Stats())

	// A trip through hardware starts a new lease too.
	b, err = p.Attach(r)
	require.NoError(err)
	require.NoError(b.ToHardware())
	require.NoError(b.FromHardware())
	r2, err := b.Detach()
	require.NoError(err)
	_, err = p.Attach(r)
	assert.True(errors.Is(err, netbuf.ErrBadState))

	b, err = p.Attach(r2)
	require.NoError(err)
	require.NoError(b.Free())
	assert.Equal(netbuf.Stats{Free: 2}, p.Stats())
}

func TestPoolOwnershipStates(t *testing.T) {
	assert, require := makeAR(t)
	p := newPool(t, 4, 512)
	defer p.Release()

	b, err := p.Alloc()
	require.NoError(err)
	require.NoError(b.ToHardware())
	assert.True(errors.Is(b.ToHardware(), netbuf.ErrBadState))
	_, err = b.Detach()
	assert.True(errors.Is(err, netbuf.ErrBadState), "hardware owned entries are not handed out")
	assert.Equal(netbuf.Stats{Free: 3, Hardware: 1}, p.Stats())
	require.NoError(b.FromHardware())
	assert.True(errors.Is(b.FromHardware(), netbuf.ErrBadState))
	require.NoError(b.Free())
	assert.Equal(4, p.Stats().Total())
}

func TestPoolRelease(t *testing.T) {
	assert, require := makeAR(t)
	a := testenv.NewArena(t, 1<<16)
	p, err := netbuf.NewPool(a, netbuf.PoolConfig{Name: "pool", Count: 4, EntrySize: 1024})
	require.NoError(err)
	assert.NotZero(a.InUse())

	b, err := p.Alloc()
	require.NoError(err)
	r, err := b.Detach()
	require.NoError(err)

	p.Release()
	assert.NotZero(a.InUse(), "outstanding entry keeps memory mapped")
	b, err = p.Attach(r)
	require.NoError(err)
	require.NoError(b.Free())
	assert.Zero(a.InUse())
}

func TestPoolConfig(t *testing.T) {
	assert, _ := makeAR(t)
	a := testenv.NewArena(t, 4096)
	_, err := netbuf.NewPool(a, netbuf.PoolConfig{Name: "big", Count: 64, EntrySize: 4096})
	assert.True(errors.Is(err, netbuf.ErrNoMemory))
	_, err = netbuf.NewPool(a, netbuf.PoolConfig{Name: "empty"})
	assert.True(errors.Is(err, netbuf.ErrNoMemory))
}
