// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hook

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/illumos-go/viona/mac"
)

type recordingCallout struct {
	interested bool
	rc         int
	replace    *mac.Mblk
	gotOut     bool
	invoked    bool
}

func (c *recordingCallout) Interested(out bool) bool { return c.interested }

func (c *recordingCallout) Invoke(ni *NetInstance, out bool, frame **mac.Mblk) int {
	c.invoked = true
	c.gotOut = out
	if c.replace != nil || *frame == nil {
		*frame = c.replace
	}
	return c.rc
}

func TestLookupRefcountsAndRelease(t *testing.T) {
	id := 101
	Register(id, &recordingCallout{})
	defer Unregister(id)

	ni, ok := Lookup(id)
	require.True(t, ok)
	require.Equal(t, 1, ni.refs)

	ni2, ok := Lookup(id)
	require.True(t, ok)
	require.Same(t, ni, ni2)
	require.Equal(t, 2, ni.refs)

	ni.Release()
	ni2.Release()
	require.Equal(t, 0, ni.refs)
}

func TestLookupMissingID(t *testing.T) {
	_, ok := Lookup(999999)
	require.False(t, ok)
}

func TestInvokeSkippedWhenNotInterested(t *testing.T) {
	c := &recordingCallout{interested: false}
	ni := Register(202, c)
	defer Unregister(202)

	frame := &mac.Mblk{}
	dropped := Invoke(ni, true, &frame)
	require.False(t, dropped)
	require.False(t, c.invoked)
	require.NotNil(t, frame)
}

func TestInvokeRunsCalloutAndReportsDrop(t *testing.T) {
	c := &recordingCallout{interested: true, rc: 1}
	ni := Register(303, c)
	defer Unregister(303)

	frame := &mac.Mblk{}
	dropped := Invoke(ni, false, &frame)
	require.True(t, dropped)
	require.True(t, c.invoked)
	require.False(t, c.gotOut)
}

func TestInvokeCalloutCanReplaceFrame(t *testing.T) {
	replacement := &mac.Mblk{Data: []byte("replaced")}
	c := &recordingCallout{interested: true, rc: 0, replace: replacement}
	ni := Register(404, c)
	defer Unregister(404)

	frame := &mac.Mblk{Data: []byte("original")}
	dropped := Invoke(ni, true, &frame)
	require.False(t, dropped)
	require.Same(t, replacement, frame)
}

func TestInvokeNilInstanceIsNoop(t *testing.T) {
	frame := &mac.Mblk{}
	dropped := Invoke(nil, true, &frame)
	require.False(t, dropped)
	require.NotNil(t, frame)
}
