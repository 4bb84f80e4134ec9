// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hook implements the hook bridge: invoking packet-filter
// callouts for in-bound and out-bound frames. The callout framework
// itself and per-netstack instance tracking are external collaborators,
// named here by interface contract only. The registry is a small map
// guarded by one mutex, since lookup here is by opaque instance id
// rather than by address range.
package hook

import (
	"sync"

	"github.com/illumos-go/viona/mac"
)

// Callout is the packet-filter callout contract. Interested reports
// whether any consumer cares about frames in the given direction;
// Invoke is only called when Interested is true.
type Callout interface {
	Interested(out bool) bool

	// Invoke may replace *frame (including with nil) to signal that the
	// original frame was consumed or freed. A non-zero return is a drop;
	// callers must re-load *frame after return rather than assume it is
	// still live.
	Invoke(ni *NetInstance, out bool, frame **mac.Mblk) int
}

// NetInstance is a per-netstack-instance hook context, refcounted while
// in use by a link.
type NetInstance struct {
	ID      int
	Callout Callout

	mu   sync.Mutex
	refs int
}

var (
	registryMu sync.Mutex
	registry   = map[int]*NetInstance{}
)

// Register installs (or replaces) the hook context for a net-instance id.
// Called at module attach in a real deployment; tests call it directly.
func Register(id int, c Callout) *NetInstance {
	registryMu.Lock()
	defer registryMu.Unlock()
	ni := &NetInstance{ID: id, Callout: c}
	registry[id] = ni
	return ni
}

// Lookup finds and refcounts the hook context for id, mirroring
// viona_neti_lookup_by_zid. Callers must call Release when done.
func Lookup(id int) (*NetInstance, bool) {
	registryMu.Lock()
	ni, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return nil, false
	}
	ni.mu.Lock()
	ni.refs++
	ni.mu.Unlock()
	return ni, true
}

// Release drops one reference acquired by Lookup.
func (ni *NetInstance) Release() {
	ni.mu.Lock()
	ni.refs--
	ni.mu.Unlock()
}

// Unregister removes id from the registry. In a real deployment this runs
// at module detach after all dependents have released; it is the
// caller's responsibility to have quiesced users first.
func Unregister(id int) {
	registryMu.Lock()
	delete(registry, id)
	registryMu.Unlock()
}

// Invoke runs the hook for one frame if there is an interested consumer,
// reporting whether the frame was dropped. frame may be mutated by the
// callout (including set to nil); the caller must use the post-call
// value.
func Invoke(ni *NetInstance, out bool, frame **mac.Mblk) (dropped bool) {
	if ni == nil || ni.Callout == nil || !ni.Callout.Interested(out) {
		return false
	}
	rc := ni.Callout.Invoke(ni, out, frame)
	return rc != 0
}
