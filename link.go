// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package viona

import (
	"sync"
	"syscall"

	"github.com/illumos-go/viona/hook"
	"github.com/illumos-go/viona/hypervisor"
	"github.com/illumos-go/viona/lease"
	"github.com/illumos-go/viona/mac"
	"github.com/illumos-go/viona/notify"
	"github.com/illumos-go/viona/ring"
	"github.com/illumos-go/viona/rx"
	"github.com/illumos-go/viona/tx"
	"github.com/illumos-go/viona/wire"
)

// HostCaps is the fixed feature set this module can negotiate, matching
// the wire bits named in the control surface's feature table.
const HostCaps = wire.FeatureCSUM | wire.FeatureGuestCSUM | wire.FeatureMAC |
	wire.FeatureGuestTSO4 | wire.FeatureHostTSO4 | wire.FeatureMrgRxBuf |
	wire.FeatureStatus | wire.FeatureNotifyOnEmpty | wire.FeatureIndirectDesc |
	wire.FeatureEventIdx

// ForceCopyDrivers names NIC drivers known unsafe for zero-copy transmit,
// mirroring viona_tx_copy_needed's driver-name string compare.
var ForceCopyDrivers = map[string]bool{
	"ixgbe": true,
	"igb":   true,
}

// Link aggregates one guest's two virtqueues, its negotiated feature
// bitmap, and the external collaborators (MAC client, hypervisor hold,
// hook context) that back them under one struct.
type Link struct {
	ID       uint32
	VMMFd    int
	MAC      mac.Client
	Hold     hypervisor.Hold
	HWCaps   uint64
	Features uint64

	Rings       [2]*ring.Ring
	NetInstance *hook.NetInstance

	ioHook       hypervisor.IOPortHook
	signal       hypervisor.ReadySignal
	kicker       *notify.Kicker
	notifyIOPort uint16

	rxEngine *rx.Engine
	txEngine *tx.Engine

	mu         sync.Mutex
	destroying bool
	destroyed  bool
}

// Create binds a new link: looks up the per-netstack hook context for
// id, captures the MAC client's hardware capability bits, and allocates
// two quiescent rings. Rings are not usable until RingInit.
func Create(id uint32, vmmFd int, client mac.Client, hold hypervisor.Hold, ioHook hypervisor.IOPortHook, signal hypervisor.ReadySignal) (*Link, error) {
	if vmmFd < 0 {
		return nil, syscall.EBADF
	}
	ni, ok := hook.Lookup(int(id))
	if !ok {
		return nil, syscall.EIO
	}

	l := &Link{
		ID:          id,
		VMMFd:       vmmFd,
		MAC:         client,
		Hold:        hold,
		HWCaps:      client.Caps(),
		ioHook:      ioHook,
		signal:      signal,
		NetInstance: ni,
	}
	l.Rings[ring.RX] = ring.New(ring.RX, 0)
	l.Rings[ring.TX] = ring.New(ring.TX, 0)
	return l, nil
}

func (l *Link) checkAlive() error {
	l.mu.Lock()
	dead := l.destroyed || l.destroying
	l.mu.Unlock()
	if dead || l.Hold.Closing() {
		return syscall.ENXIO
	}
	return nil
}

// GetFeatures returns host_caps | hw_caps, the bits a guest may request.
func (l *Link) GetFeatures() uint64 {
	return uint64(HostCaps) | l.HWCaps
}

// SetFeatures masks the client-requested bits by the advertised set and
// applies the CSUM/TSO4 dependency rule from the control surface's
// feature table.
func (l *Link) SetFeatures(requested uint64) uint64 {
	f := requested & l.GetFeatures()
	if f&wire.FeatureCSUM == 0 {
		f &^= wire.FeatureHostTSO4
	}
	if f&wire.FeatureGuestCSUM == 0 {
		f &^= wire.FeatureGuestTSO4
	}
	l.mu.Lock()
	l.Features = f
	l.mu.Unlock()
	return f
}

func (l *Link) mergeable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Features&wire.FeatureMrgRxBuf != 0
}

func (l *Link) notifyOnEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Features&wire.FeatureNotifyOnEmpty != 0
}

func (l *Link) forceCopy() bool {
	return ForceCopyDrivers[l.MAC.DriverName()]
}

func validIndex(index int) bool { return index == int(ring.RX) || index == int(ring.TX) }

// RingInit transitions ring[index] RESET->SETUP: signs a lease over the
// guest-supplied ring layout, maps the three regions, builds the
// matching engine, and spawns its worker goroutine.
func (l *Link) RingInit(index int, size uint16, guestBase uint64) error {
	if err := l.checkAlive(); err != nil {
		return err
	}
	if !validIndex(index) || !ring.IsValidSize(size) {
		return syscall.EINVAL
	}
	r := l.Rings[index]
	if r.State() != ring.StateReset {
		return syscall.EBUSY
	}

	_, _, usedAddr := ring.ComputeLayout(size, guestBase)
	length := usedAddr + 4 + uint64(size)*8 - guestBase
	if length == 0 || guestBase+length < guestBase {
		return syscall.EINVAL
	}

	ld, err := lease.Sign(l.Hold, guestBase, length, func() {
		r.SetFlag(ring.Renew)
	})
	if err != nil {
		return syscall.EINVAL
	}
	if err := r.Map(ld, guestBase); err != nil {
		return syscall.EINVAL
	}

	raise := func() { _ = notify.RaiseInterrupt(r, l.Hold, l.signal) }

	// PublishSetup must happen before the worker goroutine starts: Run's
	// first iteration reads the ring's state, and a ring fresh out of New
	// is still in RESET, which Run treats as "never start".
	r.PublishSetup()

	switch ring.Direction(index) {
	case ring.RX:
		eng := rx.New(r, l.mergeable(), l.NetInstance, raise)
		l.rxEngine = eng
		l.MAC.SetRxHandlers(eng.Classified, eng.Multicast)
		go eng.Run()
	case ring.TX:
		r.AllocateTXScratch()
		eng := tx.New(r, l.MAC, l.NetInstance, l.forceCopy())
		eng.NotifyOnEmpty = l.notifyOnEmpty()
		eng.RaiseIntr = raise
		l.txEngine = eng
		go eng.Run()
	}

	return nil
}

// RingReset resets ring[index], honoring a delivered signal via stopCh.
func (l *Link) RingReset(index int, stopCh <-chan struct{}) error {
	if err := l.checkAlive(); err != nil {
		return err
	}
	if !validIndex(index) {
		return syscall.EINVAL
	}
	r := l.Rings[index]
	if err := r.Reset(stopCh); err != nil {
		return err
	}
	if ring.Direction(index) == ring.TX {
		r.FreeTXScratch()
	}
	return nil
}

// RingKick performs the guest->host kick for ring[index].
func (l *Link) RingKick(index int) error {
	if err := l.checkAlive(); err != nil {
		return err
	}
	if !validIndex(index) {
		return syscall.EINVAL
	}
	return notify.Kick(l.Rings[index])
}

// RingSetMSI stores the MSI {addr, data} pair for ring[index].
func (l *Link) RingSetMSI(index int, addr uint64, data uint32) error {
	if err := l.checkAlive(); err != nil {
		return err
	}
	if !validIndex(index) {
		return syscall.EINVAL
	}
	l.Rings[index].SetMSI(addr, data)
	return nil
}

// RingIntrClear clears ring[index]'s edge-readiness flag.
func (l *Link) RingIntrClear(index int) error {
	if err := l.checkAlive(); err != nil {
		return err
	}
	if !validIndex(index) {
		return syscall.EINVAL
	}
	l.Rings[index].ClearIntr()
	return nil
}

// IntrPoll copies out each ring's interrupt-enabled status.
func (l *Link) IntrPoll() [2]bool {
	return [2]bool{l.Rings[ring.RX].IntrEnabled(), l.Rings[ring.TX].IntrEnabled()}
}

// SetNotifyIOPort installs (ioport != 0) or removes (ioport == 0) the
// guest kick ioport hook for this link's two rings.
func (l *Link) SetNotifyIOPort(ioport uint16) error {
	if err := l.checkAlive(); err != nil && ioport != 0 {
		return err
	}
	k := notify.NewKicker(l.ioHook, l.Rings[:])
	if err := k.Install(ioport); err != nil {
		return err
	}
	l.mu.Lock()
	l.kicker = k
	l.notifyIOPort = ioport
	l.mu.Unlock()
	return nil
}

// Delete performs idempotent teardown in the fixed order: drop the
// ioport hook, reset both rings uninterruptibly, close the MAC client,
// drop the hypervisor hold, and release the hook context. The
// hypervisor hold is dropped last, after both rings are in RESET and
// their workers have exited. A Delete racing an in-flight Delete
// returns EAGAIN rather than blocking.
func (l *Link) Delete() error {
	l.mu.Lock()
	switch {
	case l.destroyed:
		l.mu.Unlock()
		return nil
	case l.destroying:
		l.mu.Unlock()
		return syscall.EAGAIN
	}
	l.destroying = true
	l.mu.Unlock()

	_ = l.SetNotifyIOPort(0)
	_ = l.Rings[ring.RX].Reset(nil)
	_ = l.Rings[ring.TX].Reset(nil)
	l.Rings[ring.TX].FreeTXScratch()
	l.MAC.RxBarrier()
	_ = l.MAC.Close()
	_ = l.Hold.Release()
	if l.NetInstance != nil {
		l.NetInstance.Release()
	}

	l.mu.Lock()
	l.destroyed = true
	l.destroying = false
	l.mu.Unlock()
	return nil
}
