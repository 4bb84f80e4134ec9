// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import (
	"sync"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/illumos-go/viona/lease"
)

// fakeHold is a minimal hypervisor.Hold backed by plain Go heap memory:
// MapGuest allocates a buffer and hands back its address, ignoring the
// guest-physical address entirely since nothing in these tests cares about
// the real gpa<->hva mapping, only that translate-bounds-check against the
// leased range.
type fakeHold struct {
	mu      sync.Mutex
	closing bool
	bufs    map[uintptr][]byte
}

func (h *fakeHold) Closing() bool { return h.closing }

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

// testPayloadSize is extra headroom past the three ring regions that
// descriptor tests use as scratch space for payload bytes.
const testPayloadSize = 4096

type tHelper interface {
	Helper()
}

// newTestRing builds a fully mapped ring of size over a fakeHold-backed
// lease, with testPayloadSize bytes of extra leased space immediately past
// the used ring for descriptor tests to point payload descriptors at. It
// returns the ring and the guest-physical address of that payload area.
func newTestRing(t require.TestingT, dir Direction, size uint16) (*Ring, uint64) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	r := New(dir, size)
	guestBase := uint64(0x10000)
	_, _, usedAddr := ComputeLayout(size, guestBase)
	ringLen := usedAddr + 4 + uint64(size)*8 - guestBase
	total := ringLen + testPayloadSize

	hold := &fakeHold{}
	l, err := lease.Sign(hold, guestBase, total, nil)
	require.NoError(t, err)
	require.NoError(t, r.Map(l, guestBase))
	if dir == TX {
		r.AllocateTXScratch()
	}
	return r, guestBase + ringLen
}
