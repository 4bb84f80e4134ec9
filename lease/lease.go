// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lease implements a revocable capability to translate
// guest-physical addresses to host-virtual addresses: a single
// hold-backed region with explicit expiry and renewal.
package lease

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"github.com/illumos-go/viona/hypervisor"
)

var ErrClosing = errors.New("hypervisor hold is closing")
var ErrOutOfRange = errors.New("guest address range not mapped")

// Lease is a revocable mapping of one guest-physical region into host
// virtual memory.
type Lease struct {
	hold      hypervisor.Hold
	gpa       uint64
	length    uint64
	onExpire  func()

	mu      sync.RWMutex
	base    uintptr
	expired atomic.Bool

	renewGroup singleflight.Group
}

// Sign acquires a lease over [gpa, gpa+length) under hold. It fails if the
// hold is being torn down.
func Sign(hold hypervisor.Hold, gpa, length uint64, onExpire func()) (*Lease, error) {
	if hold.Closing() {
		return nil, ErrClosing
	}
	base, err := hold.MapGuest(gpa, length)
	if err != nil {
		return nil, err
	}
	return &Lease{hold: hold, gpa: gpa, length: length, onExpire: onExpire, base: base}, nil
}

// Break revokes the lease: it marks the lease expired for future Translate
// calls, drops the mapping, and then calls the expiry callback passed to
// Sign. Only the first Break has any effect.
func (l *Lease) Break() {
	if !l.expired.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	base := l.base
	l.base = 0
	l.mu.Unlock()
	if base != 0 {
		l.hold.UnmapGuest(base, l.length)
	}
	if l.onExpire != nil {
		l.onExpire()
	}
}

// Expired reports whether the lease has been revoked. A reader observing
// true must drop cached pointers, quiesce outstanding users, then call
// Renew.
func (l *Lease) Expired() bool {
	return l.expired.Load()
}

// Translate returns a host pointer valid only while the lease is
// unexpired, or an error if len bytes at gpa do not lie entirely within
// the leased region.
func (l *Lease) Translate(gpa uint64, length int) (unsafe.Pointer, error) {
	if l.expired.Load() {
		return nil, ErrClosing
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.base == 0 {
		return nil, ErrClosing
	}
	if length < 0 {
		return nil, ErrOutOfRange
	}
	end := gpa + uint64(length)
	if gpa < l.gpa || end < gpa || end > l.gpa+l.length {
		return nil, ErrOutOfRange
	}
	off := gpa - l.gpa
	return unsafe.Pointer(l.base + uintptr(off)), nil
}

// TranslateBytes is Translate plus an unsafe.Slice wrap, for callers that
// want a []byte view rather than a pointer.
func (l *Lease) TranslateBytes(gpa uint64, length int) ([]byte, error) {
	p, err := l.Translate(gpa, length)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), length), nil
}

// Renew re-signs the lease over the same range after expiry. Concurrent
// renew attempts (the RX and TX workers can both observe expiry) are
// coalesced onto a single MapGuest call via singleflight: only one
// worker actually touches the hold per expiry event.
func (l *Lease) Renew() error {
	_, err, _ := l.renewGroup.Do("renew", func() (interface{}, error) {
		if !l.expired.Load() {
			return nil, nil
		}
		if l.hold.Closing() {
			return nil, ErrClosing
		}
		base, err := l.hold.MapGuest(l.gpa, l.length)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.base = base
		l.mu.Unlock()
		l.expired.Store(false)
		return nil, nil
	})
	return err
}
