// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import "sync/atomic"

// fenceCounter backs releaseFence/AcquireFence: a throwaway atomic
// operation used purely for its memory-ordering guarantee under the Go
// memory model, standing in for an explicit producer memory barrier
// before the used-ring index publish.
var fenceCounter uint32

func releaseFence() {
	atomic.AddUint32(&fenceCounter, 1)
}

// AcquireFence is the TX drain loop's counterpart before re-polling
// avail_idx after clearing NO_NOTIFY.
func AcquireFence() {
	atomic.LoadUint32(&fenceCounter)
}
