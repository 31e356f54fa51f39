// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spill

import (
	"runtime/debug"
	"sync"
)

// gc tracks the number of encodings in progress. The collector is
// disabled while any encoding is in progress, and the previous GC
// percentage restored when the last one completes.
var gc struct {
	sync.Mutex
	n       int
	percent int
}

// suspendGC disables the garbage collector until the returned
// function is called.
func suspendGC() (resume func()) {
	gc.Lock()
	if gc.n == 0 {
		gc.percent = debug.SetGCPercent(-1)
	}
	gc.n++
	gc.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			gc.Lock()
			gc.n--
			if gc.n == 0 {
				debug.SetGCPercent(gc.percent)
			}
			gc.Unlock()
		})
	}
}
