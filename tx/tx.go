// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tx implements the transmit engine: the per-ring worker loop,
// zero-copy chain construction with deferred reclamation, and
// checksum/LSO offload programming, built around virtio-net's
// copied-header-plus-zero-copy-tail split.
package tx

import (
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/illumos-go/viona/hook"
	"github.com/illumos-go/viona/mac"
	"github.com/illumos-go/viona/ring"
	"github.com/illumos-go/viona/stats"
	"github.com/illumos-go/viona/wire"
)

// Engine drives one TX ring's worker loop.
type Engine struct {
	Ring   *ring.Ring
	Client mac.Client
	Hook   *hook.NetInstance

	// ForceCopy disables zero-copy transmit for NICs the control surface
	// has marked unsafe for it.
	ForceCopy bool

	// NotifyOnEmpty mirrors the guest's VIRTIO_NET_F_NOTIFY_ON_EMPTY
	// negotiation: when set, the drain loop raises an interrupt once the
	// available ring empties, in addition to the RX-side interrupt path.
	NotifyOnEmpty bool
	RaiseIntr     func()
}

// New builds a TX engine. r must already have AllocateTXScratch called.
func New(r *ring.Ring, client mac.Client, ni *hook.NetInstance, forceCopy bool) *Engine {
	return &Engine{Ring: r, Client: client, Hook: ni, ForceCopy: forceCopy}
}

// Run is the ring's worker goroutine body: it owns all state-machine
// transitions past SETUP (the control thread owns RESET->SETUP, per the
// ring-ownership rule) until the ring returns to RESET.
func (e *Engine) Run() {
	r := e.Ring
	r.Lock()
	for {
		switch r.StateLocked() {
		case ring.StateReset:
			r.Unlock()
			return

		case ring.StateSetup:
			if !r.StartRequestedLocked() && !r.StopRequestedLocked() {
				r.Wait()
				continue
			}
			r.ClearFlagLocked(ring.ReqStart)
			r.SetStateLocked(ring.StateInit)

		case ring.StateInit:
			r.SetStateLocked(ring.StateRun)

		case ring.StateRun:
			if r.StopRequestedLocked() {
				r.Unlock()
				r.WaitOutstandingZero()
				r.Lock()
				r.ClearFlagLocked(ring.ReqStop)
				r.SetStateLocked(ring.StateReset)
				continue
			}
			if r.FlagsLocked()&ring.Renew != 0 {
				r.Unlock()
				r.WaitOutstandingZero()
				err := r.Lease.Renew()
				if err == nil {
					err = r.Map(r.Lease, r.GuestBase)
				}
				r.Lock()
				if err == nil {
					r.ClearFlagLocked(ring.Renew)
				}
				continue
			}
			r.Unlock()
			e.drain()
			r.Lock()
			if !r.HasWork() && !r.StopRequestedLocked() && r.FlagsLocked()&ring.Renew == 0 {
				r.Wait()
			}
		}
	}
}

// drain implements the NO_NOTIFY toggle-and-repoll loop: process
// everything available, clear NO_NOTIFY, fence, and re-check avail_idx
// once more before yielding, so a kick racing the clear is never missed.
func (e *Engine) drain() {
	r := e.Ring
	for {
		r.SetNoNotify(true)
		for {
			segs, cookie, err := r.PopChain(wire.MaxSegmentsPerChain)
			if err == ring.ErrEmpty {
				break
			}
			if err != nil {
				// A malformed chain never advances CurAvailIdx; the ring
				// is effectively stalled at this entry rather than
				// guessing at recovery, the same fail-stop posture the
				// original driver takes on this class of guest error.
				break
			}
			e.txOne(segs, cookie)
		}
		r.SetNoNotify(false)
		ring.AcquireFence()
		if !r.HasWork() {
			if e.NotifyOnEmpty && e.RaiseIntr != nil {
				e.RaiseIntr()
			}
			return
		}
	}
}

// txOne transmits one descriptor chain: segs[0] is the virtio-net header,
// the rest is payload. Up to wire.CopiedHeaderBudget bytes are copied
// into ring-owned scratch so the guest cannot mutate header fields after
// they've been validated, defending against a guest racing its own
// descriptor; any remainder is referenced zero-copy with deferred
// reclamation.
func (e *Engine) txOne(segs []ring.IOVec, cookie uint16) {
	r := e.Ring
	if len(segs) == 0 || len(segs[0].Ptr) < wire.NetHdrSizePlain {
		r.Stats.BadLength.Add(1)
		r.PushUsed(cookie, 0)
		return
	}
	hdr := parseNetHdr(segs[0].Ptr)
	payload := segs[1:]

	total := 0
	for _, s := range payload {
		total += len(s.Ptr)
	}
	if total == 0 {
		r.PushUsed(cookie, 0)
		return
	}

	copyLen := wire.CopiedHeaderBudget
	if total < copyLen {
		copyLen = total
	}
	scratch := r.HdrBufs[cookie][:copyLen]
	n := copyFromSegs(payload, scratch)
	scratch = scratch[:n]
	zeroCopy, _ := skipSegs(payload, n)

	if hdr.Flags&wire.NetHdrFlagNeedsCsum != 0 {
		programChecksum(scratch, zeroCopy, hdr, &r.Stats)
	}

	if e.ForceCopy || len(zeroCopy) == 0 {
		chain := buildFullyCopiedMblk(scratch, zeroCopy)
		e.submit(chain, cookie, total, nil)
		return
	}

	rd := &r.Reclaim[cookie]
	rd.Cookie = cookie
	rd.Len = uint32(total)
	rd.RefCnt.Store(int32(len(zeroCopy)))
	rd.InUse = true
	r.IncOutstanding()

	reclaim := func() {
		if rd.RefCnt.Add(-1) == 0 {
			rd.InUse = false
			r.PushUsed(cookie, rd.Len)
			r.DecOutstanding()
		}
	}

	head := &mac.Mblk{Data: scratch, Owned: true}
	tail := head
	for _, s := range zeroCopy {
		blk := &mac.Mblk{Data: s.Ptr, FreeFunc: reclaim}
		tail.Next = blk
		tail = blk
	}

	e.submit(head, cookie, total, reclaim)
}

// submit runs the hook and hands the frame to the MAC client, reclaiming
// immediately on drop or submission failure rather than waiting for a
// FreeFunc callback that will now never come.
func (e *Engine) submit(chain *mac.Mblk, cookie uint16, total int, reclaim func()) {
	r := e.Ring
	// An extra reference protects the chain across the hook callout,
	// which may hand the frame off asynchronously before returning.
	if reclaim != nil {
		rd := &r.Reclaim[cookie]
		rd.RefCnt.Add(1)
	}

	frame := chain
	dropped := hook.Invoke(e.Hook, true, &frame)
	if reclaim != nil {
		reclaim() // releases the protective reference taken above
	}
	if dropped {
		if frame != nil {
			frame.Free()
		}
		if reclaim == nil {
			r.PushUsed(cookie, uint32(total))
		}
		return
	}
	if frame == nil {
		if reclaim == nil {
			r.PushUsed(cookie, uint32(total))
		}
		return
	}

	if err := e.Client.Tx(frame); err != nil {
		r.Stats.TxAllocFail.Add(1)
		frame.Free()
		if reclaim == nil {
			r.PushUsed(cookie, uint32(total))
		}
		return
	}

	if reclaim == nil {
		r.PushUsed(cookie, uint32(total))
	}
}

func parseNetHdr(b []byte) *wire.NetHdr {
	return (*wire.NetHdr)(unsafe.Pointer(&b[0]))
}

// copyFromSegs copies up to len(dst) bytes from the concatenation of segs
// into dst, returning the number of bytes copied.
func copyFromSegs(segs []ring.IOVec, dst []byte) int {
	n := 0
	for _, s := range segs {
		if n >= len(dst) {
			break
		}
		c := copy(dst[n:], s.Ptr)
		n += c
	}
	return n
}

// skipSegs returns the tail of segs starting skip bytes in, splitting a
// segment if skip lands in its interior.
func skipSegs(segs []ring.IOVec, skip int) ([]ring.IOVec, int) {
	total := 0
	for i, s := range segs {
		if skip < len(s.Ptr) {
			out := make([]ring.IOVec, 0, len(segs)-i)
			out = append(out, ring.IOVec{Ptr: s.Ptr[skip:]})
			out = append(out, segs[i+1:]...)
			for _, o := range out {
				total += len(o.Ptr)
			}
			return out, total
		}
		skip -= len(s.Ptr)
	}
	return nil, 0
}

// buildFullyCopiedMblk builds a single-block frame when zero-copy is
// disabled or unnecessary: scratch plus the remaining segments copied
// into one pooled allocation, released back to the pool once MAC (or a
// drop path) is done with the frame.
func buildFullyCopiedMblk(scratch []byte, rest []ring.IOVec) *mac.Mblk {
	total := len(scratch)
	for _, s := range rest {
		total += len(s.Ptr)
	}
	buf := mcache.Malloc(total)
	n := copy(buf, scratch)
	for _, s := range rest {
		n += copy(buf[n:], s.Ptr)
	}
	return &mac.Mblk{Data: buf, Owned: true, FreeFunc: func() { mcache.Free(buf) }}
}

// programChecksum computes the one's-complement checksum of the segment
// starting at csum_start (scratch plus any zero-copy tail) and combines
// it with the partial pseudo-header sum the guest already left at
// csum_start+csum_offset, per the NEEDS_CSUM convention. A
// csum_start/csum_offset pair that doesn't fit the copied header budget
// is a guest error recorded in stats rather than trusted; the frame is
// still sent; the guest sees an uncorrected checksum in that case.
func programChecksum(scratch []byte, tail []ring.IOVec, hdr *wire.NetHdr, st *stats.Stats) {
	start := int(hdr.CsumStart)
	offset := int(hdr.CsumOffset)
	if start < 0 || start+offset+2 > len(scratch) {
		st.FailHcksum.Add(1)
		return
	}

	sum := header.Checksum(scratch[start:], 0)
	for _, s := range tail {
		sum = header.ChecksumCombine(sum, header.Checksum(s.Ptr, 0))
	}

	existing := uint16(scratch[start+offset]) | uint16(scratch[start+offset+1])<<8
	final := header.ChecksumCombine(sum, existing)
	scratch[start+offset] = byte(final)
	scratch[start+offset+1] = byte(final >> 8)
}
