// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import (
	"errors"

	"github.com/illumos-go/viona/wire"
)

// ErrEmpty means no new work was available (not a failure).
var ErrEmpty = errors.New("ring: no available descriptors")

// ErrParse is returned for any malformed-chain failure; the specific
// reason was already recorded in r.Stats. Parse failures never advance
// CurAvailIdx and never tear anything down.
var ErrParse = errors.New("ring: malformed descriptor chain")

// PopChain walks one descriptor chain rooted at the next available-ring
// entry, producing up to niov translated host-virtual segments. Every
// descriptor is copied by value before any field of it is trusted, to
// defend against the guest mutating it concurrently.
func (r *Ring) PopChain(niov int) (segs []IOVec, cookie uint16, err error) {
	r.availMu.Lock()
	defer r.availMu.Unlock()

	availIdx := r.availHdr.Idx // single read of shared memory
	if availIdx == r.CurAvailIdx {
		return nil, 0, ErrEmpty
	}

	if uint16(availIdx-r.CurAvailIdx) > r.Size {
		r.Stats.AvailSkew.Add(1)
		// a skewed index is recorded but not fatal; keep consuming
	}

	head := r.availRing[r.CurAvailIdx&r.Mask]
	if head >= r.Size {
		r.Stats.BadIndex.Add(1)
		return nil, 0, ErrParse
	}

	out := make([]IOVec, 0, niov)
	next := head
	for {
		if next >= r.Size {
			r.Stats.BadIndex.Add(1)
			return nil, 0, ErrParse
		}
		desc := r.DescTable[next] // value copy: defends against concurrent guest writes

		if desc.Flags&wire.DescFlagIndirect != 0 {
			if failErr := r.walkIndirect(desc, &out, niov); failErr != nil {
				return nil, 0, failErr
			}
			if desc.Flags&wire.DescFlagNext == 0 {
				break
			}
			next = desc.Next
			continue
		}

		if desc.Len == 0 {
			r.Stats.BadLength.Add(1)
			return nil, 0, ErrParse
		}
		buf, terr := r.Lease.TranslateBytes(desc.Addr, int(desc.Len))
		if terr != nil {
			r.Stats.BadAddress.Add(1)
			return nil, 0, ErrParse
		}
		if len(out) >= niov {
			r.Stats.TooManySegs.Add(1)
			return nil, 0, ErrParse
		}
		out = append(out, IOVec{Ptr: buf})

		if desc.Flags&wire.DescFlagNext == 0 {
			break
		}
		next = desc.Next
	}

	r.CurAvailIdx++
	return out, head, nil
}

// walkIndirect validates and walks a one-level indirect descriptor table,
// appending translated segments to out. Indirect chains may not nest,
// and next-index bounds are checked against the indirect table's own
// length, not the main ring's size.
func (r *Ring) walkIndirect(root wire.Desc, out *[]IOVec, niov int) error {
	if root.Len == 0 || root.Len%wire.DescSize != 0 {
		r.Stats.BadLength.Add(1)
		return ErrParse
	}
	tableBytes, err := r.Lease.TranslateBytes(root.Addr, int(root.Len))
	if err != nil {
		r.Stats.BadAddress.Add(1)
		return ErrParse
	}
	n := int(root.Len / wire.DescSize)
	table := bytesToDescs(tableBytes, n)

	next := uint16(0)
	for {
		if int(next) >= n {
			r.Stats.IndirBadNext.Add(1)
			return ErrParse
		}
		d := table[next] // value copy

		if d.Flags&wire.DescFlagIndirect != 0 {
			r.Stats.IndirBadNest.Add(1)
			return ErrParse
		}
		if d.Len == 0 {
			r.Stats.BadLength.Add(1)
			return ErrParse
		}
		buf, terr := r.Lease.TranslateBytes(d.Addr, int(d.Len))
		if terr != nil {
			r.Stats.BadAddress.Add(1)
			return ErrParse
		}
		if len(*out) >= niov {
			r.Stats.TooManySegs.Add(1)
			return ErrParse
		}
		*out = append(*out, IOVec{Ptr: buf})

		if d.Flags&wire.DescFlagNext == 0 {
			break
		}
		next = d.Next
	}
	return nil
}

// PushUsed publishes a single-element completion, the plain RX and TX
// push path. The release fence precedes the index store so a reader
// observing the new used_idx also observes the entry write.
func (r *Ring) PushUsed(cookie uint16, length uint32) {
	r.usedMu.Lock()
	defer r.usedMu.Unlock()

	idx := r.usedHdr.Idx
	r.usedRing[idx&r.Mask] = wire.UsedElem{ID: uint32(cookie), Len: length}
	releaseFence()
	r.usedHdr.Idx = idx + 1
}

// PushUsedMerged writes k consecutive used entries for the mergeable-RX
// path, under the same ordering rule as PushUsed.
func (r *Ring) PushUsedMerged(entries []wire.UsedElem) {
	if len(entries) == 0 {
		return
	}
	r.usedMu.Lock()
	defer r.usedMu.Unlock()

	idx := r.usedHdr.Idx
	for i, e := range entries {
		r.usedRing[(idx+uint16(i))&r.Mask] = e
	}
	releaseFence()
	r.usedHdr.Idx = idx + uint16(len(entries))
}

// NoInterrupt reports whether the guest has set AVAIL_F_NO_INTERRUPT.
func (r *Ring) NoInterrupt() bool {
	return r.availHdr.Flags&wire.AvailFlagNoInterrupt != 0
}

// SetNoNotify sets or clears the used-ring NO_NOTIFY flag, used by the TX
// drain loop to suppress guest notification while actively draining.
func (r *Ring) SetNoNotify(on bool) {
	if on {
		r.usedHdr.Flags |= wire.UsedFlagNoNotify
	} else {
		r.usedHdr.Flags &^= wire.UsedFlagNoNotify
	}
}

// AvailIdx reads the current guest-published available index, for the TX
// drain loop's re-poll after clearing NO_NOTIFY.
func (r *Ring) AvailIdx() uint16 { return r.availHdr.Idx }

// HasWork reports whether the guest has posted work not yet consumed.
func (r *Ring) HasWork() bool { return r.availHdr.Idx != r.CurAvailIdx }
