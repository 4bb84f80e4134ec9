// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rx

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/illumos-go/viona/lease"
	"github.com/illumos-go/viona/ring"
	"github.com/illumos-go/viona/wire"
)

// fakeHold is a minimal hypervisor.Hold backed by plain heap memory, as
// used across this module's ring-adjacent packages.
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

// rxHarness drives one mapped RX ring directly through its leased memory,
// standing in for a guest posting buffers and reading completions.
type rxHarness struct {
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

func newRXHarness(t *testing.T, size uint16) *rxHarness {
	t.Helper()
	guestBase := uint64(0x20000)
	_, availAddr, usedAddr := ring.ComputeLayout(size, guestBase)
	ringLen := usedAddr + 4 + uint64(size)*8 - guestBase
	total := ringLen + 16384

	hold := &fakeHold{}
	l, err := lease.Sign(hold, guestBase, total, nil)
	require.NoError(t, err)
	r := ring.New(ring.RX, size)
	require.NoError(t, r.Map(l, guestBase))

	return &rxHarness{
		t:           t,
		r:           r,
		lease:       l,
		size:        size,
		availAddr:   availAddr,
		usedAddr:    usedAddr,
		payloadNext: guestBase + ringLen,
	}
}

// runRing drives the ring RESET->SETUP->INIT->RUN the way the control
// surface and the worker goroutine would, without actually spawning one.
func (h *rxHarness) runRing() {
	h.r.PublishSetup()
	h.r.SetState(ring.StateInit)
	h.r.SetState(ring.StateRun)
}

func (h *rxHarness) allocPayload(n int) uint64 {
	gpa := h.payloadNext
	h.payloadNext += uint64(n)
	return gpa
}

// postRXBuffer offers one single-descriptor, guest-writable buffer of
// bufLen bytes as the next available-ring entry.
func (h *rxHarness) postRXBuffer(bufLen int) {
	idx := h.nextDesc
	h.nextDesc++
	gpa := h.allocPayload(bufLen)
	h.r.DescTable[idx] = wire.Desc{Addr: gpa, Len: uint32(bufLen), Flags: wire.DescFlagWrite}

	ringBytes, err := h.lease.TranslateBytes(h.availAddr+4, int(h.size)*2)
	require.NoError(h.t, err)
	binary.LittleEndian.PutUint16(ringBytes[h.nextAvail*2:], idx)
	h.nextAvail++

	hdrBytes, err := h.lease.TranslateBytes(h.availAddr, 4)
	require.NoError(h.t, err)
	binary.LittleEndian.PutUint16(hdrBytes[2:4], h.nextAvail)
}

func (h *rxHarness) usedIdx() uint16 {
	hdrBytes, err := h.lease.TranslateBytes(h.usedAddr, 4)
	require.NoError(h.t, err)
	return binary.LittleEndian.Uint16(hdrBytes[2:4])
}

func (h *rxHarness) usedEntry(i uint16) wire.UsedElem {
	b, err := h.lease.TranslateBytes(h.usedAddr+4+uint64(i)*8, 8)
	require.NoError(h.t, err)
	return wire.UsedElem{
		ID:  binary.LittleEndian.Uint32(b[0:4]),
		Len: binary.LittleEndian.Uint32(b[4:8]),
	}
}
