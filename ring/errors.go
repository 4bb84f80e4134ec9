// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ring

import "syscall"

// errEINTR is returned by Reset when the signal-honoring variant observes
// a stop signal before the worker reaches RESET.
var errEINTR = syscall.Errno(syscall.EINTR)

// ErrEINTR exposes errEINTR to callers outside the package.
var ErrEINTR = errEINTR
