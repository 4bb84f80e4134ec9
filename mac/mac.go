// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mac names the host MAC/datalink client by interface contract
// only: the host MAC client used to send and receive frames is an
// external collaborator, not implemented by this module.
package mac

// Client is the host MAC layer collaborator.
type Client interface {
	// DriverName reports the underlying NIC driver name. The link checks
	// it against a named driver list at TX ring init to decide whether
	// the TX engine may use zero-copy transmit on this NIC.
	DriverName() string

	// Caps reports hardware offload capability bits, ORed into a link's
	// host capability bitmap.
	Caps() uint64

	// Tx submits a frame chain to the NIC with drop-on-no-descriptor
	// semantics: Tx never blocks waiting for NIC resources.
	Tx(chain *Mblk) error

	// RxBarrier blocks until any in-flight receive callback for this
	// client has returned. Callers must never hold a ring lock across
	// this call.
	RxBarrier()

	// SetRxHandlers installs the classified and multicast receive
	// callbacks.
	SetRxHandlers(classified, multicast RxFunc)

	// Close releases this client's binding to the host MAC layer. Called
	// once during link teardown, after both rings are reset and RxBarrier
	// has returned.
	Close() error
}

// RxFunc is the MAC receive callback signature.
type RxFunc func(chain *Mblk)

// Mblk is a minimal host frame-chain node, modeled on the original
// driver's mblk_t: Next links the buffers making up one frame; Frame
// links successive frames delivered in one callback.
type Mblk struct {
	Data  []byte
	Next  *Mblk
	Frame *Mblk

	// Owned reports whether Data was allocated (copied) by this module,
	// as opposed to referencing guest memory zero-copy.
	Owned bool
	// FreeFunc, if set, runs exactly once when this block is released.
	FreeFunc func()

	// Offload carries hardware checksum/segmentation metadata the host MAC
	// layer attached to an inbound frame, mirroring mac_hcksum_get and
	// mac_lso_get. The RX engine consults it before falling back to its
	// own header inspection.
	Offload Offload
}

// Offload is hardware offload metadata attached to one frame by the host
// MAC layer (the real DB_CKSUMFLAGS / LSO_MSS properties of an mblk).
type Offload struct {
	CksumFlags uint32
	CksumStart uint16
	CksumStuff uint16
	CksumEnd   uint16
	CksumValue uint16

	LSOFlags uint32
	LSOMss   uint16
}

// Hardware checksum flags, matching HCK_* in the original MAC framework.
const (
	HCKFullyChecksummed = uint32(1) << iota
	HCKPartialChecksum
	HCKChecksumNoFill
)

// LSO flags, matching the original LSO_TX_BASIC_TCP_IPV4 capability bit.
const (
	LSOTxBasicTCPIPv4 = uint32(1) << iota
)

// Len returns the total byte length of this block's frame (Next chain).
func (m *Mblk) Len() int {
	n := 0
	for b := m; b != nil; b = b.Next {
		n += len(b.Data)
	}
	return n
}

// Free releases every block of this frame, invoking each FreeFunc exactly
// once. It does not follow Frame.
func (m *Mblk) Free() {
	for b := m; b != nil; {
		next := b.Next
		if b.FreeFunc != nil {
			b.FreeFunc()
		}
		b = next
	}
}

// Append links frame onto the end of head's Frame chain, returning the
// (possibly new) head.
func Append(head, frame *Mblk) *Mblk {
	if head == nil {
		return frame
	}
	tail := head
	for tail.Frame != nil {
		tail = tail.Frame
	}
	tail.Frame = frame
	return head
}
