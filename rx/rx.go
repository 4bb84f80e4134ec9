// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rx implements the receive engine: the MAC receive entry
// points, frame classification, checksum/GSO header synthesis, hook
// invocation, and placement into guest buffers in either the plain or
// mergeable layout.
package rx

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/illumos-go/viona/hook"
	"github.com/illumos-go/viona/mac"
	"github.com/illumos-go/viona/ring"
	"github.com/illumos-go/viona/wire"
)

// Engine drains host-originated frames into one RX ring.
type Engine struct {
	Ring      *ring.Ring
	Mergeable bool
	Hook      *hook.NetInstance
	RaiseIntr func()

	pad []byte
}

// New builds an RX engine bound to r. raiseIntr is called after used
// entries are published, when the guest has not masked interrupts.
func New(r *ring.Ring, mergeable bool, ni *hook.NetInstance, raiseIntr func()) *Engine {
	return &Engine{
		Ring:      r,
		Mergeable: mergeable,
		Hook:      ni,
		RaiseIntr: raiseIntr,
		pad:       make([]byte, wire.EthMinDeliveredLen),
	}
}

// Run is the RX ring's worker goroutine body. Unlike TX, the RX ring has
// no descriptor chains to actively drain: work arrives asynchronously
// through Classified/Multicast. The worker only owns the state-machine
// transitions, parking in RUN until stop is requested.
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
			r.Wait()
		}
	}
}

// Classified is installed as the MAC client's classified-traffic receive
// callback.
func (e *Engine) Classified(chain *mac.Mblk) { e.deliver(chain) }

// Multicast is installed as the MAC client's multicast receive callback.
// The host stack delivers both multicast- and broadcast-destined frames
// on this path, but broadcast is already delivered through Classified:
// each frame is re-classified by its L2 destination address and only
// genuine multicast destinations are forwarded, so broadcast frames are
// not delivered twice.
func (e *Engine) Multicast(chain *mac.Mblk) {
	var keep, keepTail *mac.Mblk
	for frame := chain; frame != nil; {
		next := frame.Frame
		frame.Frame = nil
		if destAddrIsMulticast(flatten(frame)) {
			if keepTail == nil {
				keep = frame
			} else {
				keepTail.Frame = frame
			}
			keepTail = frame
		} else {
			frame.Free()
		}
		frame = next
	}
	if keep != nil {
		e.deliver(keep)
	}
}

// destAddrIsMulticast parses the Ethernet destination address and
// reports whether it is a genuine multicast address, as opposed to the
// broadcast address (which also carries the multicast bit but is
// delivered separately) or a unicast address.
func destAddrIsMulticast(data []byte) bool {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || len(eth.DstMAC) != 6 {
		return false
	}
	dst := eth.DstMAC
	if dst[0] == 0xff && dst[1] == 0xff && dst[2] == 0xff && dst[3] == 0xff && dst[4] == 0xff && dst[5] == 0xff {
		return false
	}
	return dst[0]&0x01 != 0
}

// deliver is the MAC receive callback body. If the ring is not running,
// or a lease renewal is in progress, guest buffers cannot be touched
// safely: the whole batch is freed untouched.
func (e *Engine) deliver(chain *mac.Mblk) {
	r := e.Ring
	r.Lock()
	ready := r.StateLocked() == ring.StateRun && r.FlagsLocked()&ring.Renew == 0
	r.Unlock()
	if !ready {
		for frame := chain; frame != nil; {
			next := frame.Frame
			frame.Frame = nil
			frame.Free()
			frame = next
		}
		return
	}

	raised := false
	for frame := chain; frame != nil; {
		next := frame.Frame
		frame.Frame = nil
		if e.deliverOne(frame) {
			raised = true
		}
		frame = next
	}
	if raised && e.RaiseIntr != nil {
		e.RaiseIntr()
	}
}

// deliverOne processes one frame, reporting whether a used entry was
// published while the guest has interrupts unmasked (so the caller can
// decide whether to raise an interrupt).
func (e *Engine) deliverOne(frame *mac.Mblk) bool {
	dropped := hook.Invoke(e.Hook, false, &frame)
	if dropped {
		if frame != nil {
			frame.Free()
		}
		return false
	}
	if frame == nil {
		return false
	}
	defer frame.Free()

	payload := flatten(frame)
	hdr := e.synthesizeHeader(payload, frame.Offload)

	if e.Mergeable {
		return e.deliverMergeable(payload, hdr)
	}
	return e.deliverPlain(payload, hdr)
}

// flatten copies a (usually short) frame's Next chain into one
// contiguous buffer; RX frames from the host stack are typically already
// contiguous, but the chain form is preserved for the general case.
func flatten(frame *mac.Mblk) []byte {
	if frame.Next == nil {
		return frame.Data
	}
	out := make([]byte, 0, frame.Len())
	for b := frame; b != nil; b = b.Next {
		out = append(out, b.Data...)
	}
	return out
}

// synthesizeHeader builds the virtio-net header for one frame, preferring
// hardware offload metadata the MAC layer already attached and falling
// back to software classification otherwise.
func (e *Engine) synthesizeHeader(payload []byte, off mac.Offload) wire.NetHdr {
	var h wire.NetHdr

	switch {
	case off.CksumFlags&mac.HCKFullyChecksummed != 0:
		h.Flags |= wire.NetHdrFlagDataValid
	case off.CksumFlags&mac.HCKPartialChecksum != 0:
		h.Flags |= wire.NetHdrFlagNeedsCsum
		h.CsumStart = off.CksumStart
		h.CsumOffset = off.CksumStuff - off.CksumStart
	default:
		e.softwareChecksum(payload, &h)
	}

	if off.LSOFlags&mac.LSOTxBasicTCPIPv4 != 0 && off.LSOMss != 0 {
		h.GSOType = wire.GSOTypeTCPv4
		h.GSOSize = off.LSOMss
		h.HdrLen = classifyHeaderLen(payload)
	}
	return h
}

// softwareChecksum classifies the frame with gopacket and, for a TCP or
// UDP segment over IPv4, verifies its checksum using the gvisor header
// helpers. A good checksum is reported as DATA_VALID so the guest trusts
// it without recomputing; anything gopacket can't parse as IPv4 TCP/UDP,
// or whose checksum doesn't verify, is left with no checksum claim and
// the guest recomputes it itself.
func (e *Engine) softwareChecksum(payload []byte, h *wire.NetHdr) {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)

	var l4 []byte
	var pseudo uint16
	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		l4 = tcp.LayerContents()
		l4 = append(l4, tcp.LayerPayload()...)
		pseudo = header.PseudoHeaderChecksum(header.TCPProtocolNumber,
			tcpip.Address(string(ip.SrcIP.To4())), tcpip.Address(string(ip.DstIP.To4())), uint16(len(l4)))
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		l4 = udp.LayerContents()
		l4 = append(l4, udp.LayerPayload()...)
		pseudo = header.PseudoHeaderChecksum(header.UDPProtocolNumber,
			tcpip.Address(string(ip.SrcIP.To4())), tcpip.Address(string(ip.DstIP.To4())), uint16(len(l4)))
	default:
		return
	}

	if header.Checksum(l4, pseudo) == 0xffff {
		h.Flags |= wire.NetHdrFlagDataValid
	}
}

func classifyHeaderLen(payload []byte) uint16 {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeEthernet, gopacket.NoCopy)
	total := 0
	for _, l := range pkt.Layers() {
		total += len(l.LayerContents())
		if l.LayerType() == layers.LayerTypeTCP || l.LayerType() == layers.LayerTypeUDP {
			break
		}
	}
	if total == 0 || total > len(payload) {
		return 0
	}
	return uint16(total)
}

// deliverPlain places one frame into a single non-mergeable buffer.
func (e *Engine) deliverPlain(payload []byte, hdr wire.NetHdr) bool {
	segs, cookie, err := e.Ring.PopChain(wire.MaxSegmentsPerChain)
	if err != nil {
		return false
	}

	written := writeHeader(segs, hdr, wire.NetHdrSizePlain)
	written += writeAt(segs, written, payload)
	if written < wire.EthMinDeliveredLen {
		written += writeAt(segs, written, e.pad[:wire.EthMinDeliveredLen-written])
	}

	e.Ring.PushUsed(cookie, uint32(written))
	return !e.Ring.NoInterrupt()
}

// deliverMergeable places one frame across as many guest buffers as
// needed, writing the virtio-net header (with num_buffers) only into the
// first and publishing one used entry per buffer consumed.
func (e *Engine) deliverMergeable(payload []byte, hdr wire.NetHdr) bool {
	var entries []uint32
	var cookies []uint16
	var firstSegs []ring.IOVec

	remaining := payload
	for buffers := 0; ; buffers++ {
		if buffers >= wire.MaxSegmentsPerChain {
			for _, c := range cookies {
				e.Ring.PushUsed(c, 0)
			}
			e.Ring.Stats.Overflow.Add(1)
			return false
		}
		segs, cookie, err := e.Ring.PopChain(wire.MaxSegmentsPerChain)
		if err != nil {
			// Not enough buffers offered for this frame: the already
			// claimed buffers are pushed back as zero-length used
			// entries so the guest reclaims them, and the frame drops.
			for _, c := range cookies {
				e.Ring.PushUsed(c, 0)
			}
			e.Ring.Stats.MsgSize.Add(1)
			return false
		}
		cookies = append(cookies, cookie)

		written := 0
		if buffers == 0 {
			firstSegs = segs
			written = writeHeader(segs, hdr, wire.NetHdrSizeMergeable)
		}
		n := writeAt(segs, written, remaining)
		written += n
		remaining = remaining[n:]
		if len(remaining) == 0 && buffers == 0 && written < wire.EthMinDeliveredLen {
			pad := wire.EthMinDeliveredLen - written
			written += writeAt(segs, written, e.pad[:pad])
		}
		entries = append(entries, uint32(written))
		if len(remaining) == 0 {
			break
		}
	}

	numBuffers := make([]byte, 2)
	le16(numBuffers, uint16(len(cookies)))
	writeAt(firstSegs, 10, numBuffers)

	elems := make([]wire.UsedElem, len(cookies))
	for i, c := range cookies {
		elems[i] = wire.UsedElem{ID: uint32(c), Len: entries[i]}
	}
	e.Ring.PushUsedMerged(elems)
	return !e.Ring.NoInterrupt()
}

func writeHeader(segs []ring.IOVec, hdr wire.NetHdr, size int) int {
	buf := make([]byte, size)
	buf[0] = hdr.Flags
	buf[1] = hdr.GSOType
	le16(buf[2:4], hdr.HdrLen)
	le16(buf[4:6], hdr.GSOSize)
	le16(buf[6:8], hdr.CsumStart)
	le16(buf[8:10], hdr.CsumOffset)
	if size >= wire.NetHdrSizeMergeable {
		le16(buf[10:12], hdr.NumBuffers)
	}
	return writeAt(segs, 0, buf)
}

func le16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// writeAt copies data into segs starting at byte offset start (relative
// to the concatenated segment space), returning the number of bytes
// written to out-of-range data being silently truncated at ring capacity.
func writeAt(segs []ring.IOVec, start int, data []byte) int {
	written := 0
	pos := 0
	for _, s := range segs {
		segLen := len(s.Ptr)
		if pos+segLen <= start {
			pos += segLen
			continue
		}
		offset := 0
		if start > pos {
			offset = start - pos
		}
		n := copy(s.Ptr[offset:], data[written:])
		written += n
		pos += segLen
		if written >= len(data) {
			break
		}
	}
	return written
}
