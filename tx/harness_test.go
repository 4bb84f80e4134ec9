// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tx

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/illumos-go/viona/lease"
	"github.com/illumos-go/viona/mac"
	"github.com/illumos-go/viona/ring"
	"github.com/illumos-go/viona/wire"
)

type fakeHold struct {
	mu   sync.Mutex
	bufs map[uintptr][]byte
}

func (h *fakeHold) Closing() bool { return false }

func (h *fakeHold) MapGuest(gpa, length uint64) (uintptr, error) {
	buf := make([]byte, length)
	base := uintptr(unsafe.Pointer(&buf[0]))
	h.mu.Lock()
	if h.bufs == nil {
		h.bufs = make(map[uintptr][]byte)
	}
	h.bufs[base] = buf
	h.mu.Unlock()
	return base, nil
}

func (h *fakeHold) UnmapGuest(base uintptr, length uint64) {
	h.mu.Lock()
	delete(h.bufs, base)
	h.mu.Unlock()
}

func (h *fakeHold) InjectMSI(addr uint64, data uint32) error { return nil }

func (h *fakeHold) Release() error { return nil }

type fakeMACClient struct {
	mu     sync.Mutex
	sent   []*mac.Mblk
	txErr  error
	driver string
}

func (c *fakeMACClient) DriverName() string { return c.driver }
func (c *fakeMACClient) Caps() uint64       { return 0 }

func (c *fakeMACClient) Tx(chain *mac.Mblk) error {
	if c.txErr != nil {
		return c.txErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, chain)
	c.mu.Unlock()
	return nil
}

func (c *fakeMACClient) RxBarrier()                                   {}
func (c *fakeMACClient) SetRxHandlers(classified, multicast mac.RxFunc) {}
func (c *fakeMACClient) Close() error                                 { return nil }

// txHarness drives one mapped TX ring directly through its leased memory,
// standing in for a guest posting descriptor chains and reading
// completions.
type txHarness struct {
	t         *testing.T
	r         *ring.Ring
	lease     *lease.Lease
	size      uint16
	availAddr uint64
	usedAddr  uint64

	nextDesc    uint16
	nextAvail   uint16
	payloadNext uint64
}

func newTXHarness(t *testing.T, size uint16) *txHarness {
	t.Helper()
	guestBase := uint64(0x30000)
	_, availAddr, usedAddr := ring.ComputeLayout(size, guestBase)
	ringLen := usedAddr + 4 + uint64(size)*8 - guestBase
	total := ringLen + 16384

	hold := &fakeHold{}
	l, err := lease.Sign(hold, guestBase, total, nil)
	require.NoError(t, err)
	r := ring.New(ring.TX, size)
	require.NoError(t, r.Map(l, guestBase))
	r.AllocateTXScratch()

	return &txHarness{
		t:           t,
		r:           r,
		lease:       l,
		size:        size,
		availAddr:   availAddr,
		usedAddr:    usedAddr,
		payloadNext: guestBase + ringLen,
	}
}

func (h *txHarness) runRing() {
	h.r.PublishSetup()
	h.r.SetState(ring.StateInit)
	h.r.SetState(ring.StateRun)
}

func (h *txHarness) allocBuf(n int) (uint64, []byte) {
	gpa := h.payloadNext
	h.payloadNext += uint64(n)
	buf, err := h.lease.TranslateBytes(gpa, n)
	require.NoError(h.t, err)
	return gpa, buf
}

// postDescChain posts one available-ring entry for a guest-readable
// descriptor chain of the given segment lengths.
func (h *txHarness) postDescChain(lens []int) {
	head := h.nextDesc
	for i, n := range lens {
		idx := h.nextDesc
		h.nextDesc++
		gpa, _ := h.allocBuf(n)
		flags := uint16(0)
		if i < len(lens)-1 {
			flags |= wire.DescFlagNext
		}
		next := uint16(0)
		if i < len(lens)-1 {
			next = h.nextDesc
		}
		h.r.DescTable[idx] = wire.Desc{Addr: gpa, Len: uint32(n), Flags: flags, Next: next}
	}

	ringBytes, err := h.lease.TranslateBytes(h.availAddr+4, int(h.size)*2)
	require.NoError(h.t, err)
	binary.LittleEndian.PutUint16(ringBytes[h.nextAvail*2:], head)
	h.nextAvail++

	hdrBytes, err := h.lease.TranslateBytes(h.availAddr, 4)
	require.NoError(h.t, err)
	binary.LittleEndian.PutUint16(hdrBytes[2:4], h.nextAvail)
}

// postTXChain posts a standard header-plus-payload chain: a plain
// virtio-net header descriptor followed by one payload descriptor of
// payloadLen bytes filled with an incrementing byte pattern. It returns
// the guest-physical addresses of each so the caller can further
// customize header fields or payload content before draining.
func (h *txHarness) postTXChain(payloadLen int) (hdrGPA, payloadGPA uint64) {
	hdrGPA, hdrBuf := h.allocBuf(wire.NetHdrSizePlain)
	for i := range hdrBuf {
		hdrBuf[i] = 0
	}
	payloadGPA, payloadBuf := h.allocBuf(payloadLen)
	for i := range payloadBuf {
		payloadBuf[i] = byte(i)
	}

	head := h.nextDesc
	hIdx := h.nextDesc
	h.nextDesc++
	h.r.DescTable[hIdx] = wire.Desc{Addr: hdrGPA, Len: uint32(wire.NetHdrSizePlain), Flags: wire.DescFlagNext, Next: h.nextDesc}
	pIdx := h.nextDesc
	h.nextDesc++
	h.r.DescTable[pIdx] = wire.Desc{Addr: payloadGPA, Len: uint32(payloadLen)}

	ringBytes, err := h.lease.TranslateBytes(h.availAddr+4, int(h.size)*2)
	require.NoError(h.t, err)
	binary.LittleEndian.PutUint16(ringBytes[h.nextAvail*2:], head)
	h.nextAvail++

	hdrIdxBytes, err := h.lease.TranslateBytes(h.availAddr, 4)
	require.NoError(h.t, err)
	binary.LittleEndian.PutUint16(hdrIdxBytes[2:4], h.nextAvail)

	return hdrGPA, payloadGPA
}

func (h *txHarness) netHdr(gpa uint64) *wire.NetHdr {
	b, err := h.lease.TranslateBytes(gpa, wire.NetHdrSizePlain)
	require.NoError(h.t, err)
	return (*wire.NetHdr)(unsafe.Pointer(&b[0]))
}

func (h *txHarness) usedIdx() uint16 {
	hdrBytes, err := h.lease.TranslateBytes(h.usedAddr, 4)
	require.NoError(h.t, err)
	return binary.LittleEndian.Uint16(hdrBytes[2:4])
}

func (h *txHarness) usedEntry(i uint16) wire.UsedElem {
	b, err := h.lease.TranslateBytes(h.usedAddr+4+uint64(i)*8, 8)
	require.NoError(h.t, err)
	return wire.UsedElem{
		ID:  binary.LittleEndian.Uint32(b[0:4]),
		Len: binary.LittleEndian.Uint32(b[4:8]),
	}
}
