// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hypervisor names the hypervisor driver facility by interface
// contract only: the guest-memory mapping primitive and the ioport-hook
// primitive are external collaborators, not implemented by this module.
package hypervisor

// Hold is a revocable handle on a guest's hypervisor-managed resources:
// its memory and its MSI injection path.
type Hold interface {
	// Closing reports whether the hold is being torn down; lease.Sign
	// must fail once this is true.
	Closing() bool

	// MapGuest maps the guest-physical range [gpa, gpa+length) into host
	// virtual memory for the lifetime of the returned mapping.
	MapGuest(gpa, length uint64) (hostBase uintptr, err error)

	// UnmapGuest reverses a prior MapGuest.
	UnmapGuest(hostBase uintptr, length uint64)

	// InjectMSI calls the hypervisor's MSI-injection primitive.
	InjectMSI(addr uint64, data uint32) error

	// Release drops this hold on the guest's hypervisor-managed
	// resources. Called once, last, during link teardown, after both
	// rings are in RESET and their workers have exited.
	Release() error
}

// IOPortHook is the ioport-hook primitive: installing it routes guest
// writes to a given ioport into fn.
type IOPortHook interface {
	// Hook installs (ioport != 0) or removes (ioport == 0) a write hook
	// that calls fn(queueIndex) on every 16-bit write to ioport.
	Hook(ioport uint16, fn func(queueIndex uint16)) error
}

// ReadySignal is the one-shot, edge-triggered wake primitive used when MSI
// injection is not configured and the guest must instead poll readiness.
type ReadySignal interface {
	// Raise wakes a waiter on a 0->1 transition. Safe to call with no
	// waiter present.
	Raise()
}
