// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats maintains the counters reported by dispatches and
// their workers. Counters are grouped into maps, which can be
// snapshotted and aggregated across sessions and worker processes.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Names of the counters maintained by dispatches.
const (
	// Dispatches counts completed dispatches, successful or not.
	Dispatches = "dispatches"
	// Chunks counts the chunks processed by workers.
	Chunks = "chunks"
	// Items counts the input items processed by workers.
	Items = "items"
	// Spilled counts the results that were spilled to files.
	Spilled = "spilled"
	// SpillBytes counts the encoded size of spilled results.
	SpillBytes = "spillbytes"
	// Errors counts chunks whose processing failed.
	Errors = "errors"
)

// Values is a snapshot of a set of counters.
type Values map[string]int64

// Copy returns a copy of v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, n := range v {
		w[k] = n
	}
	return w
}

// Add adds each counter in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the values in v as space-separated key:value pairs,
// sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of named counters.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// AddAll adds each counter in m to vals.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// Snapshot returns the current values of the counters in m.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// Merge adds the values in vals to the corresponding counters in m.
func (m *Map) Merge(vals Values) {
	for k, n := range vals {
		m.Int(k).Add(n)
	}
}

// An Int is an integer counter that may be updated atomically. A nil
// *Int discards updates and reads as zero.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets v to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of v.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
