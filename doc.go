// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package viona implements the data plane of a paravirtualized
// virtio-net device: the link container that binds a guest's two
// virtqueues (RX, TX) to a host MAC client and a hypervisor hold, and
// the feature-negotiation and ring lifecycle operations exposed to the
// control surface.
package viona
