// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats holds the typed per-ring failure counters. They are read
// through Snapshot; the control surface has no statistics command.
package stats

import "sync/atomic"

// Stats holds per-ring counters, one per named failure kind. Every field
// is a sync/atomic counter so the RX/TX/control paths never need a lock
// purely to record a statistic.
type Stats struct {
	BadIndex     atomic.Uint64
	BadLength    atomic.Uint64
	BadAddress   atomic.Uint64
	IndirBadNest atomic.Uint64
	IndirBadNext atomic.Uint64
	TooManySegs  atomic.Uint64
	FailHcksum   atomic.Uint64
	NoSpace      atomic.Uint64
	MsgSize      atomic.Uint64
	Overflow     atomic.Uint64
	AvailSkew    atomic.Uint64 // avail-cur distance > size: logged, not fatal
	TxAllocFail  atomic.Uint64
	HookDrop     atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats, safe to compare in tests.
type Snapshot struct {
	BadIndex, BadLength, BadAddress        uint64
	IndirBadNest, IndirBadNext             uint64
	TooManySegs, FailHcksum                uint64
	NoSpace, MsgSize, Overflow             uint64
	AvailSkew, TxAllocFail, HookDrop       uint64
}

// Snapshot reads every counter. For tests and diagnostics, not the hot
// path.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BadIndex:     s.BadIndex.Load(),
		BadLength:    s.BadLength.Load(),
		BadAddress:   s.BadAddress.Load(),
		IndirBadNest: s.IndirBadNest.Load(),
		IndirBadNext: s.IndirBadNext.Load(),
		TooManySegs:  s.TooManySegs.Load(),
		FailHcksum:   s.FailHcksum.Load(),
		NoSpace:      s.NoSpace.Load(),
		MsgSize:      s.MsgSize.Load(),
		Overflow:     s.Overflow.Load(),
		AvailSkew:    s.AvailSkew.Load(),
		TxAllocFail:  s.TxAllocFail.Load(),
		HookDrop:     s.HookDrop.Load(),
	}
}
