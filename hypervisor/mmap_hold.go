// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hypervisor

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapHold is a reference Hold implementation backing guest memory with an
// anonymous mmap region, as a real hypervisor would back it with a guest
// memory object. It exists for tests and for hosts that want a
// self-contained hold without a separate hypervisor driver.
type MmapHold struct {
	mu      sync.Mutex
	closing bool
	region  []byte
}

// NewMmapHold allocates size bytes of anonymous, page-aligned memory to
// stand in for guest-physical memory.
func NewMmapHold(size int) (*MmapHold, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap guest region: %w", err)
	}
	return &MmapHold{region: b}, nil
}

func (h *MmapHold) Closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Close marks the hold as closing; further MapGuest calls fail, so a
// lease sign attempted against a closing hold fails rather than racing
// the teardown.
func (h *MmapHold) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	region := h.region
	h.region = nil
	if region == nil {
		return nil
	}
	return unix.Munmap(region)
}

// Release implements hypervisor.Hold by unmapping the backing region,
// the same work Close does; the two names cover the two callers (an
// owner explicitly closing the hold, and a link dropping it at
// teardown).
func (h *MmapHold) Release() error { return h.Close() }

func (h *MmapHold) MapGuest(gpa, length uint64) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return 0, unix.EBUSY
	}
	if gpa+length > uint64(len(h.region)) || gpa+length < gpa {
		return 0, unix.EINVAL
	}
	return uintptr(unsafe.Pointer(&h.region[gpa])), nil
}

func (h *MmapHold) UnmapGuest(uintptr, uint64) {
	// The backing region is owned by the hold for its whole lifetime;
	// individual translations are never separately unmapped.
}

func (h *MmapHold) InjectMSI(addr uint64, data uint32) error {
	return nil
}

// Base returns the whole guest region as a byte slice (nil once closed),
// for tests that need to inspect guest memory directly.
func (h *MmapHold) Base() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.region
}
