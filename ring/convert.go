// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import (
	"unsafe"

	"github.com/illumos-go/viona/wire"
)

// The ring regions are guest memory viewed through the lease; these
// helpers reinterpret translated []byte windows as the wire-format
// structures without copying, via unsafe.Slice over a translated
// pointer.

func bytesToDescs(b []byte, n int) []wire.Desc {
	if len(b) < n*int(wire.DescSize) {
		return nil
	}
	return unsafe.Slice((*wire.Desc)(unsafe.Pointer(&b[0])), n)
}

func bytesToAvailHdr(b []byte) *wire.AvailHdr {
	if len(b) < 4 {
		return nil
	}
	return (*wire.AvailHdr)(unsafe.Pointer(&b[0]))
}

func bytesToU16s(b []byte, n int) []uint16 {
	if len(b) < n*2 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), n)
}

func bytesToUsedHdr(b []byte) *wire.UsedHdr {
	if len(b) < 4 {
		return nil
	}
	return (*wire.UsedHdr)(unsafe.Pointer(&b[0]))
}

func bytesToUsedElems(b []byte, n int) []wire.UsedElem {
	if len(b) < n*8 {
		return nil
	}
	return unsafe.Slice((*wire.UsedElem)(unsafe.Pointer(&b[0])), n)
}
