// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ring implements the per-virtqueue state machine and descriptor
// parser: a four-state machine driven by a condition variable, and a
// stricter, TOCTOU-defensive descriptor walk.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"

	"github.com/illumos-go/viona/lease"
	"github.com/illumos-go/viona/stats"
	"github.com/illumos-go/viona/wire"
)

// Direction selects which of a link's two rings this is.
type Direction int

const (
	RX Direction = iota
	TX
)

// State is a ring's lifecycle state.
type State int

const (
	StateReset State = iota
	StateSetup
	StateInit
	StateRun
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateSetup:
		return "SETUP"
	case StateInit:
		return "INIT"
	case StateRun:
		return "RUN"
	default:
		return "UNKNOWN"
	}
}

// StateFlags is an orthogonal bitmask layered on State.
type StateFlags uint32

const (
	ReqStart StateFlags = 1 << iota
	ReqStop
	Renew
)

// IOVec is one translated, bounds-checked host-virtual segment produced by
// PopChain.
type IOVec struct {
	Ptr []byte
}

// Ring is one virtqueue: descriptor table, available/used rings, lease,
// state machine, and (TX only) zero-copy reclamation storage.
type Ring struct {
	Dir       Direction
	Size      uint16
	Mask      uint16
	GuestBase uint64

	DescTable []wire.Desc
	availHdr  *wire.AvailHdr
	availRing []uint16
	usedHdr   *wire.UsedHdr
	usedRing  []wire.UsedElem

	CurAvailIdx uint16 // cur_aidx

	Lease *lease.Lease

	vrLock      sync.Mutex
	cond        *sync.Cond
	state       State
	stateFlags  StateFlags
	msiAddr     uint64
	msiData     uint32
	intrEnabled atomic.Uint32
	outstanding atomic.Int64
	hostExiting atomic.Bool

	availMu sync.Mutex
	usedMu  sync.Mutex

	// TX-only. Allocated at ring-init time, sized to the
	// ring, indexed by descriptor cookie.
	Reclaim []ReclaimDesc
	HdrBufs [][]byte

	Stats stats.Stats
}

// ReclaimDesc is the per-slot record tracking the lifetime of zero-copy
// blocks derived from one TX chain.
type ReclaimDesc struct {
	Ring    *Ring
	Cookie  uint16
	Len     uint32
	RefCnt  atomic.Int32
	InUse   bool
}

// ComputeLayout returns the guest-physical addresses of the descriptor
// table, available ring, and used ring for a ring of the given size based
// at guestBase, following the virtio legacy split-ring layout: the used
// ring is the only region padded to RingAlign.
func ComputeLayout(size uint16, guestBase uint64) (descAddr, availAddr, usedAddr uint64) {
	descAddr = guestBase
	availAddr = descAddr + uint64(size)*uint64(wire.DescSize)
	usedUnaligned := availAddr + 4 + uint64(size)*2 + 2 // hdr(4) + ring + used_event(2)
	usedAddr = (usedUnaligned + wire.RingAlign - 1) &^ (wire.RingAlign - 1)
	return
}

// IsValidSize reports whether size is a legal ring size: a power of two
// between 1 and 32768.
func IsValidSize(size uint16) bool {
	if size < wire.MinRingSize || uint32(size) > wire.MaxRingSize {
		return false
	}
	return size&(size-1) == 0
}

// New creates a quiescent ring in RESET. Mapping and lease binding happen
// in Map.
func New(dir Direction, size uint16) *Ring {
	r := &Ring{Dir: dir, Size: size, Mask: size - 1, state: StateReset}
	r.cond = sync.NewCond(&r.vrLock)
	return r
}

// Map binds the ring to l and publishes the three region views translated
// through the lease. Called by the control-surface RING_INIT operation
// before the worker starts, and by the worker itself after a lease
// renewal: a ring is mutated only by its own worker goroutine once that
// worker is started. Map takes no lock.
func (r *Ring) Map(l *lease.Lease, guestBase uint64) error {
	descAddr, availAddr, usedAddr := ComputeLayout(r.Size, guestBase)

	descBytes, err := l.TranslateBytes(descAddr, int(r.Size)*int(wire.DescSize))
	if err != nil {
		return err
	}
	availHdrBytes, err := l.TranslateBytes(availAddr, 4)
	if err != nil {
		return err
	}
	availRingBytes, err := l.TranslateBytes(availAddr+4, int(r.Size)*2)
	if err != nil {
		return err
	}
	usedHdrBytes, err := l.TranslateBytes(usedAddr, 4)
	if err != nil {
		return err
	}
	usedRingBytes, err := l.TranslateBytes(usedAddr+4, int(r.Size)*8)
	if err != nil {
		return err
	}

	r.GuestBase = guestBase
	r.Lease = l
	r.DescTable = bytesToDescs(descBytes, int(r.Size))
	r.availHdr = bytesToAvailHdr(availHdrBytes)
	r.availRing = bytesToU16s(availRingBytes, int(r.Size))
	r.usedHdr = bytesToUsedHdr(usedHdrBytes)
	r.usedRing = bytesToUsedElems(usedRingBytes, int(r.Size))
	return nil
}

// AllocateTXScratch preallocates the zero-copy reclamation descriptors and
// per-descriptor header buffers, one per ring slot, so the TX hot path
// never allocates.
func (r *Ring) AllocateTXScratch() {
	r.Reclaim = make([]ReclaimDesc, r.Size)
	r.HdrBufs = make([][]byte, r.Size)
	for i := range r.Reclaim {
		r.Reclaim[i].Ring = r
		r.HdrBufs[i] = make([]byte, wire.CopiedHeaderBudget)
	}
}

func (r *Ring) FreeTXScratch() {
	r.Reclaim = nil
	r.HdrBufs = nil
}

// --- state machine ---

func (r *Ring) Lock()   { r.vrLock.Lock() }
func (r *Ring) Unlock() { r.vrLock.Unlock() }

// State returns the current state, locking internally. Callers already
// holding the ring lock (between Lock and Unlock) must use StateLocked
// instead, since sync.Mutex is not reentrant.
func (r *Ring) State() State {
	r.vrLock.Lock()
	defer r.vrLock.Unlock()
	return r.state
}

// StateLocked is State's counterpart for callers already holding the lock.
func (r *Ring) StateLocked() State { return r.state }

// SetState is called only by the ring's own worker, once started, per the
// ownership rule that a ring is mutated only by its own worker after
// start. Locks internally; use SetStateLocked if the worker already holds
// the lock.
func (r *Ring) SetState(s State) {
	r.vrLock.Lock()
	r.setStateLocked(s)
	r.vrLock.Unlock()
}

// SetStateLocked is SetState's counterpart for callers already holding
// the lock, e.g. a worker transitioning state right before it calls Wait.
func (r *Ring) SetStateLocked(s State) { r.setStateLocked(s) }

func (r *Ring) setStateLocked(s State) {
	r.state = s
	r.cond.Broadcast()
}

// PublishSetup transitions RESET->SETUP. Called by the control thread
// after Map succeeds; RingInit allocates TX scratch after this call and
// before it starts the TX worker.
func (r *Ring) PublishSetup() {
	r.vrLock.Lock()
	r.state = StateSetup
	r.vrLock.Unlock()
}

// RequestStart sets REQ_START (outsiders only set flags, never state
// directly) and broadcasts. Used by the kick path when the ring is in
// SETUP or INIT.
func (r *Ring) RequestStart() {
	r.vrLock.Lock()
	r.stateFlags |= ReqStart
	r.cond.Broadcast()
	r.vrLock.Unlock()
}

// RequestStop sets REQ_STOP and broadcasts; used by Reset, the
// control-surface reset operation.
func (r *Ring) RequestStop() {
	r.vrLock.Lock()
	r.stateFlags |= ReqStop
	r.cond.Broadcast()
	r.vrLock.Unlock()
}

// NotifyHostExiting marks the owning host process as exiting, which the
// worker treats identically to REQ_STOP.
func (r *Ring) NotifyHostExiting() {
	r.hostExiting.Store(true)
	r.vrLock.Lock()
	r.cond.Broadcast()
	r.vrLock.Unlock()
}

func (r *Ring) HostExiting() bool { return r.hostExiting.Load() }

// SetFlag sets bits in stateFlags and broadcasts, locking internally.
// Used by the lease expiry callback to set RENEW.
func (r *Ring) SetFlag(f StateFlags) {
	r.vrLock.Lock()
	r.stateFlags |= f
	r.cond.Broadcast()
	r.vrLock.Unlock()
}

// ClearFlag clears bits from stateFlags, locking internally. Called by the
// worker; use ClearFlagLocked if it already holds the lock.
func (r *Ring) ClearFlag(f StateFlags) {
	r.vrLock.Lock()
	r.stateFlags &^= f
	r.vrLock.Unlock()
}

// ClearFlagLocked is ClearFlag's counterpart for callers already holding
// the lock.
func (r *Ring) ClearFlagLocked(f StateFlags) { r.stateFlags &^= f }

// Flags returns the current state-flags, locking internally.
func (r *Ring) Flags() StateFlags {
	r.vrLock.Lock()
	defer r.vrLock.Unlock()
	return r.stateFlags
}

// FlagsLocked is Flags's counterpart for callers already holding the lock.
func (r *Ring) FlagsLocked() StateFlags { return r.stateFlags }

// StopRequested reports whether REQ_STOP is set or the host process is
// exiting: the worker's unified "must leave RUN/INIT/SETUP" condition.
// Locks internally; use StopRequestedLocked if already holding the lock.
func (r *Ring) StopRequested() bool {
	r.vrLock.Lock()
	stop := r.stopRequestedLocked()
	r.vrLock.Unlock()
	return stop
}

// StopRequestedLocked is StopRequested's counterpart for callers already
// holding the lock.
func (r *Ring) StopRequestedLocked() bool { return r.stopRequestedLocked() }

func (r *Ring) stopRequestedLocked() bool {
	return r.stateFlags&ReqStop != 0 || r.hostExiting.Load()
}

// StartRequested reports whether REQ_START is set. Locks internally; use
// StartRequestedLocked if already holding the lock.
func (r *Ring) StartRequested() bool {
	r.vrLock.Lock()
	defer r.vrLock.Unlock()
	return r.stateFlags&ReqStart != 0
}

// StartRequestedLocked is StartRequested's counterpart for callers already
// holding the lock.
func (r *Ring) StartRequestedLocked() bool { return r.stateFlags&ReqStart != 0 }

// Wait blocks on the ring's condition variable. Callers must hold the lock
// (via Lock/Unlock) around the predicate check, per sync.Cond's contract.
func (r *Ring) Wait() { r.cond.Wait() }

// Broadcast wakes every waiter on the ring's condition variable.
func (r *Ring) Broadcast() {
	r.vrLock.Lock()
	r.cond.Broadcast()
	r.vrLock.Unlock()
}

// Reset drives the ring from its current state to RESET by requesting
// stop and waiting for the worker to acknowledge. A non-nil stopCh makes
// the wait interruptible, for the control-surface RING_RESET command
// honoring a delivered signal; closing stopCh stands in for that signal.
// A single value sent on stopCh, rather than a close, does not interrupt
// the wait.
func (r *Ring) Reset(stopCh <-chan struct{}) error {
	r.RequestStop()
	r.vrLock.Lock()
	defer r.vrLock.Unlock()
	for r.state != StateReset {
		if stopCh == nil {
			r.cond.Wait()
			continue
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-stopCh:
				r.Broadcast()
			case <-done:
			}
		}()
		r.cond.Wait()
		close(done)
		select {
		case <-stopCh:
			if r.state != StateReset {
				return errEINTR
			}
		default:
		}
	}
	return nil
}

// SetMSI stores the MSI address/data pair under the ring lock, for the
// RING_SET_MSI control-surface command.
func (r *Ring) SetMSI(addr uint64, data uint32) {
	r.vrLock.Lock()
	r.msiAddr, r.msiData = addr, data
	r.vrLock.Unlock()
}

func (r *Ring) MSI() (addr uint64, data uint32) {
	r.vrLock.Lock()
	defer r.vrLock.Unlock()
	return r.msiAddr, r.msiData
}

// IntrEnabled/RaiseEdge/ClearIntr implement the edge-readiness flag
// semantics consumed by the INTR_POLL and RING_INTR_CLR commands.
func (r *Ring) IntrEnabled() bool { return r.intrEnabled.Load() != 0 }

// RaiseEdge atomically sets intrEnabled 0->1, reporting whether this call
// performed the transition (the caller wakes the readiness signal only on
// a real transition).
func (r *Ring) RaiseEdge() bool {
	return r.intrEnabled.CompareAndSwap(0, 1)
}

func (r *Ring) ClearIntr() { r.intrEnabled.Store(0) }

// Outstanding is the TX in-flight transfer counter.
func (r *Ring) Outstanding() int64 { return r.outstanding.Load() }
func (r *Ring) IncOutstanding()    { r.outstanding.Add(1) }

// DecOutstanding decrements the outstanding counter, broadcasting the
// ring's condition variable when it reaches zero so workers waiting in
// WaitOutstandingZero wake up.
func (r *Ring) DecOutstanding() int64 {
	v := r.outstanding.Add(-1)
	if v == 0 {
		r.Broadcast()
	}
	return v
}

// WaitOutstandingZero blocks until Outstanding() reaches zero. Used before
// lease renewal and before ring reset.
func (r *Ring) WaitOutstandingZero() {
	r.vrLock.Lock()
	for r.outstanding.Load() != 0 {
		r.cond.Wait()
	}
	r.vrLock.Unlock()
}

// DebugDump formats the ring's state-machine fields for diagnostics; not
// on any hot path.
func (r *Ring) DebugDump() string {
	r.vrLock.Lock()
	defer r.vrLock.Unlock()
	return spew.Sdump(struct {
		Dir         Direction
		Size        uint16
		State       State
		StateFlags  StateFlags
		CurAvailIdx uint16
		Outstanding int64
	}{r.Dir, r.Size, r.state, r.stateFlags, r.CurAvailIdx, r.outstanding.Load()})
}
