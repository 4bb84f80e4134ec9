// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify implements the notification plane: the guest-to-host
// kick (an ioport write hook) and the host-to-guest interrupt (MSI
// injection or an edge-triggered readiness signal).
package notify

import (
	"syscall"

	"github.com/illumos-go/viona/hypervisor"
	"github.com/illumos-go/viona/ring"
)

// Kicker routes guest ioport writes of a 16-bit queue index to the
// matching ring's kick handling.
type Kicker struct {
	hook  hypervisor.IOPortHook
	rings []*ring.Ring
}

// NewKicker builds a kicker over rings, indexed by queue index.
func NewKicker(hook hypervisor.IOPortHook, rings []*ring.Ring) *Kicker {
	return &Kicker{hook: hook, rings: rings}
}

// Install hooks (ioport != 0) or unhooks (ioport == 0) the notify ioport.
func (k *Kicker) Install(ioport uint16) error {
	return k.hook.Hook(ioport, k.onWrite)
}

func (k *Kicker) onWrite(queueIndex uint16) {
	_ = k.Kick(queueIndex)
}

// Kick performs one ring's kick handling: based on state, set REQ_START
// (in SETUP/INIT) or broadcast the condition variable (in RUN). Invalid
// indices return EINVAL; a kick on a RESET ring returns EBUSY.
func (k *Kicker) Kick(queueIndex uint16) error {
	if int(queueIndex) >= len(k.rings) || k.rings[queueIndex] == nil {
		return syscall.EINVAL
	}
	return Kick(k.rings[queueIndex])
}

// Kick is the per-ring notification method, callable directly by the
// control surface's RING_KICK command as well as by the ioport hook.
func Kick(r *ring.Ring) error {
	switch r.State() {
	case ring.StateSetup, ring.StateInit:
		r.RequestStart()
	case ring.StateRun:
		r.Broadcast()
	default:
		return syscall.EBUSY
	}
	return nil
}

// RaiseInterrupt performs the host-to-guest notification: MSI injection
// if a vector is configured, otherwise the edge-triggered readiness
// signal on a 0->1 transition of the ring's interrupt-enabled flag.
func RaiseInterrupt(r *ring.Ring, hold hypervisor.Hold, signal hypervisor.ReadySignal) error {
	addr, data := r.MSI()

	if addr != 0 {
		return hold.InjectMSI(addr, data)
	}
	if r.RaiseEdge() {
		signal.Raise()
	}
	return nil
}
