// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire defines the virtio 1.0 split-ring wire format and the
// virtio-net feature bits and header layouts used by the rest of the
// module.
package wire

import "unsafe"

// Ring and descriptor-table constants.
const (
	RingAlign = 4096

	DescFlagNext     = uint16(1)
	DescFlagWrite    = uint16(2)
	DescFlagIndirect = uint16(4)

	AvailFlagNoInterrupt = uint16(1)
	UsedFlagNoNotify     = uint16(1)

	NetHdrSizePlain     = 10
	NetHdrSizeMergeable = 12
	EthMinDeliveredLen  = 60
	CopiedHeaderBudget  = 138 // Ethernet+VLAN+IPv4-max+TCP-max
	MaxSegmentsPerChain = 32
	MinRingSize         = 1
	MaxRingSize         = 32768
)

// Feature bits negotiated between guest and host.
const (
	FeatureCSUM          = uint64(1) << 0
	FeatureGuestCSUM     = uint64(1) << 1
	FeatureMAC           = uint64(1) << 5
	FeatureGuestTSO4     = uint64(1) << 7
	FeatureHostTSO4      = uint64(1) << 11
	FeatureMrgRxBuf      = uint64(1) << 15
	FeatureStatus        = uint64(1) << 16
	FeatureNotifyOnEmpty = uint64(1) << 24
	FeatureIndirectDesc  = uint64(1) << 28
	FeatureEventIdx      = uint64(1) << 29 // advertised, event-idx semantics not honored
)

// Desc is the 16-byte on-the-wire descriptor table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// DescSize is sizeof(Desc); indirect descriptor tables must be a multiple
// of this.
const DescSize = uint32(unsafe.Sizeof(Desc{}))

// AvailHdr is the guest-written available ring header. The ring entries
// themselves ([]uint16, length Size) are mapped separately since Size is
// only known at ring-init time.
type AvailHdr struct {
	Flags uint16
	Idx   uint16
}

// UsedElem is one completion entry in the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// UsedHdr is the host-written used ring header; the ring entries
// ([]UsedElem, length Size) are mapped separately.
type UsedHdr struct {
	Flags uint16
	Idx   uint16
}

// NetHdr is the virtio-net per-packet header. Only the first 10 bytes
// (plain form) are defined on the wire for non-mergeable rings; mergeable
// rings add NumBuffers for 12 bytes total.
type NetHdr struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16 // mergeable rings only
}

const (
	NetHdrFlagNeedsCsum = uint8(1)
	NetHdrFlagDataValid = uint8(2)

	GSOTypeNone  = uint8(0)
	GSOTypeTCPv4 = uint8(1)
)

// HWLocalMAC is an internal-only marker value (never on the wire) for
// locally-originated frames. No code in this module sets or reads it: the
// RX engine decides checksum flags from mac.Offload and its software
// checksum check only.
const HWLocalMAC = uint8(0x80)
