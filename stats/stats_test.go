// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
)

func TestStats(t *testing.T) {
	m := NewMap()
	var (
		chunks = m.Int(Chunks)
		_      = m.Int(Errors)
	)
	if got, want := chunks.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	chunks.Add(4)
	chunks.Add(4)
	if got, want := chunks.Get(), int64(8); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	m.AddAll(all)
	m.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all[Chunks], int64(16); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all[Errors], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.Snapshot().String(), "chunks:8 errors:0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMerge(t *testing.T) {
	m := NewMap()
	m.Int(Items).Set(3)
	m.Merge(Values{Items: 2, Spilled: 1})
	snap := m.Snapshot()
	if got, want := snap[Items], int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap[Spilled], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	cp := snap.Copy()
	cp.Add(Values{Items: 1})
	if got, want := snap[Items], int64(5); got != want {
		t.Errorf("copy aliases original: got %v, want %v", got, want)
	}
	if got, want := cp[Items], int64(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNilInt(t *testing.T) {
	var v *Int
	v.Add(1)
	v.Set(2)
	if got, want := v.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConcurrentAdd(t *testing.T) {
	m := NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Int(Items).Add(1)
			}
		}()
	}
	wg.Wait()
	if got, want := m.Int(Items).Get(), int64(1600); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
