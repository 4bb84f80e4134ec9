// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package control implements the character-device control surface's
// command dispatch: one handler per named command, returning
// syscall.Errno values exactly as the control surface's own table
// specifies. The character device itself (open/close/ioctl framing) is
// an external collaborator; this package starts at the decoded command.
package control

import (
	"sync"
	"syscall"

	viona "github.com/illumos-go/viona"
	"github.com/illumos-go/viona/hypervisor"
	"github.com/illumos-go/viona/mac"
)

// Command is one control-surface opcode.
type Command uint32

const (
	CmdCreate Command = iota
	CmdDelete
	CmdGetFeatures
	CmdSetFeatures
	CmdRingInit
	CmdRingReset
	CmdRingKick
	CmdRingSetMSI
	CmdRingIntrClear
	CmdIntrPoll
	CmdSetNotifyIOPort
)

// CreateRequest is CmdCreate's argument.
type CreateRequest struct {
	LinkID uint32
	VMMFd  int
	MAC    mac.Client
	Hold   hypervisor.Hold
	IOHook hypervisor.IOPortHook
	Signal hypervisor.ReadySignal
}

// RingInitRequest is CmdRingInit's argument.
type RingInitRequest struct {
	Index     int
	Size      uint16
	GuestBase uint64
}

// RingResetRequest is CmdRingReset's argument. StopCh, if non-nil, makes
// the reset wait interruptible by a delivered signal, matching the
// control surface's signal-honoring reset variant.
type RingResetRequest struct {
	Index  int
	StopCh <-chan struct{}
}

// RingSetMSIRequest is CmdRingSetMSI's argument.
type RingSetMSIRequest struct {
	Index int
	Addr  uint64
	Data  uint32
}

// State is the per-open soft state: at most one link, created by
// CmdCreate and torn down unconditionally by Close.
type State struct {
	mu   sync.Mutex
	link *viona.Link
}

// NewState allocates the soft state for a newly opened control handle.
func NewState() *State { return &State{} }

// Close performs the unconditional delete an fd close triggers.
func (s *State) Close() error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Delete()
}

// Dispatch runs one command against this handle's state, returning a
// command-specific response value and a syscall.Errno (or nil) per the
// control surface's error table.
func (s *State) Dispatch(cmd Command, req interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd != CmdCreate && s.link == nil {
		return nil, syscall.ENXIO
	}

	switch cmd {
	case CmdCreate:
		if s.link != nil {
			return nil, syscall.EEXIST
		}
		r := req.(CreateRequest)
		l, err := viona.Create(r.LinkID, r.VMMFd, r.MAC, r.Hold, r.IOHook, r.Signal)
		if err != nil {
			return nil, err
		}
		s.link = l
		return nil, nil

	case CmdDelete:
		return nil, s.link.Delete()

	case CmdGetFeatures:
		return s.link.GetFeatures(), nil

	case CmdSetFeatures:
		return s.link.SetFeatures(req.(uint64)), nil

	case CmdRingInit:
		r := req.(RingInitRequest)
		return nil, s.link.RingInit(r.Index, r.Size, r.GuestBase)

	case CmdRingReset:
		r := req.(RingResetRequest)
		return nil, s.link.RingReset(r.Index, r.StopCh)

	case CmdRingKick:
		return nil, s.link.RingKick(req.(int))

	case CmdRingSetMSI:
		r := req.(RingSetMSIRequest)
		return nil, s.link.RingSetMSI(r.Index, r.Addr, r.Data)

	case CmdRingIntrClear:
		return nil, s.link.RingIntrClear(req.(int))

	case CmdIntrPoll:
		return s.link.IntrPoll(), nil

	case CmdSetNotifyIOPort:
		return nil, s.link.SetNotifyIOPort(req.(uint16))

	default:
		return nil, syscall.EINVAL
	}
}
