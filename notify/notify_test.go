// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package notify

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/illumos-go/viona/ring"
)

type fakeIOPortHook struct {
	mu   sync.Mutex
	port uint16
	fn   func(uint16)
}

func (h *fakeIOPortHook) Hook(ioport uint16, fn func(queueIndex uint16)) error {
	h.mu.Lock()
	h.port, h.fn = ioport, fn
	h.mu.Unlock()
	return nil
}

func (h *fakeIOPortHook) write(queueIndex uint16) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(queueIndex)
	}
}

type fakeHold struct {
	msiAddr, msiData atomic.Uint64
	msiCalls         atomic.Int32
}

func (h *fakeHold) Closing() bool                                     { return false }
func (h *fakeHold) MapGuest(gpa, length uint64) (uintptr, error)      { return 0, nil }
func (h *fakeHold) UnmapGuest(base uintptr, length uint64)            {}
func (h *fakeHold) InjectMSI(addr uint64, data uint32) error {
	h.msiAddr.Store(addr)
	h.msiData.Store(uint64(data))
	h.msiCalls.Add(1)
	return nil
}

func (h *fakeHold) Release() error { return nil }

type fakeSignal struct {
	raises atomic.Int32
}

func (s *fakeSignal) Raise() { s.raises.Add(1) }

func TestKickSetsReqStartInSetupAndInit(t *testing.T) {
	r := ring.New(ring.RX, 0)
	r.PublishSetup()
	require.NoError(t, Kick(r))
	require.True(t, r.StartRequested())

	r2 := ring.New(ring.RX, 0)
	r2.PublishSetup()
	r2.SetState(ring.StateInit)
	require.NoError(t, Kick(r2))
	require.True(t, r2.StartRequested())
}

func TestKickBroadcastsInRun(t *testing.T) {
	r := ring.New(ring.TX, 0)
	r.PublishSetup()
	r.SetState(ring.StateInit)
	r.SetState(ring.StateRun)

	ready := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		r.Lock()
		close(ready)
		r.Wait()
		r.Unlock()
		close(woke)
	}()

	<-ready
	// r.Lock() below cannot succeed until the goroutine's Wait call has
	// released the mutex, which guarantees it is parked on the condition
	// variable before Kick broadcasts.
	r.Lock()
	r.Unlock()

	require.NoError(t, Kick(r))
	<-woke
}

func TestKickOnResetIsBusy(t *testing.T) {
	r := ring.New(ring.RX, 0)
	err := Kick(r)
	require.ErrorIs(t, err, syscall.EBUSY)
}

func TestKickerRoutesByQueueIndex(t *testing.T) {
	rx := ring.New(ring.RX, 0)
	rx.PublishSetup()
	tx := ring.New(ring.TX, 0)
	tx.PublishSetup()

	hook := &fakeIOPortHook{}
	k := NewKicker(hook, []*ring.Ring{rx, tx})
	require.NoError(t, k.Install(0x300))
	require.EqualValues(t, 0x300, hook.port)

	hook.write(1)
	require.True(t, tx.StartRequested())
	require.False(t, rx.StartRequested())
}

func TestKickerInvalidIndex(t *testing.T) {
	hook := &fakeIOPortHook{}
	k := NewKicker(hook, []*ring.Ring{ring.New(ring.RX, 0)})
	err := k.Kick(5)
	require.ErrorIs(t, err, syscall.EINVAL)
}

func TestRaiseInterruptPrefersMSI(t *testing.T) {
	r := ring.New(ring.RX, 0)
	r.SetMSI(0x1234, 0x5678)
	h := &fakeHold{}
	sig := &fakeSignal{}

	require.NoError(t, RaiseInterrupt(r, h, sig))
	require.EqualValues(t, 1, h.msiCalls.Load())
	require.EqualValues(t, 0, sig.raises.Load())
}

func TestRaiseInterruptFallsBackToReadySignalOnEdge(t *testing.T) {
	r := ring.New(ring.RX, 0)
	h := &fakeHold{}
	sig := &fakeSignal{}

	require.NoError(t, RaiseInterrupt(r, h, sig))
	require.EqualValues(t, 1, sig.raises.Load())

	// second call without ClearIntr between: no new 0->1 transition
	require.NoError(t, RaiseInterrupt(r, h, sig))
	require.EqualValues(t, 1, sig.raises.Load())

	r.ClearIntr()
	require.NoError(t, RaiseInterrupt(r, h, sig))
	require.EqualValues(t, 2, sig.raises.Load())
}
