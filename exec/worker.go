// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/spill"
	"github.com/grailbio/parallelize/stats"
)

// boxed carries values of interface type through spill files, since
// gob transmits interface values only as fields.
type boxed struct{ V interface{} }

// RunChunk applies inv to the items of a single chunk and returns the
// chunk's record. Panics and errors raised by the function are
// reported as WorkerFailure records. If store is nonempty, the
// function's result is spilled to it and the record carries the
// spill handle instead of the value. Counters are maintained in sm,
// which may be nil.
func runChunk(ctx context.Context, inv parallelize.Invocation, chunk parallelize.Chunk, items interface{}, store spill.Store, sm *stats.Map) (rec record) {
	rec.Index = chunk.Index
	defer func() {
		if e := recover(); e != nil {
			rec = record{
				Index: chunk.Index,
				Err: parallelize.ChunkError(parallelize.WorkerFailure, chunk.Index, errors.Fatal,
					fmt.Sprintf("panic while processing chunk: %v\n%s", e, string(debug.Stack()))),
			}
		}
		if rec.Err != nil && sm != nil {
			sm.Int(stats.Errors).Add(1)
		}
	}()
	if sm != nil {
		sm.Int(stats.Chunks).Add(1)
		sm.Int(stats.Items).Add(int64(chunk.Len()))
	}
	v, err := inv.Apply(ctx, items)
	if err != nil {
		rec.Err = parallelize.ChunkError(parallelize.WorkerFailure, chunk.Index, err)
		return
	}
	if store == "" {
		rec.Value = v
		return
	}
	if inv.FuncValue().Out().Kind() == reflect.Interface {
		if isNil(v) {
			v = nil
		}
		v = &boxed{v}
	}
	h, err := store.Spill(ctx, fmt.Sprintf("chunk-%04d", chunk.Index), v)
	if err != nil {
		rec.Err = parallelize.ChunkError(parallelize.SpillFailure, chunk.Index, err)
		return
	}
	rec.Handle = h
	if sm != nil {
		sm.Int(stats.Spilled).Add(1)
		sm.Int(stats.SpillBytes).Add(h.Size)
	}
	return
}

// LoadRecord loads the spilled value of record rec, which must be of
// type out. The record's spill file is removed.
func loadRecord(ctx context.Context, out reflect.Type, rec record) (interface{}, error) {
	if out.Kind() == reflect.Interface {
		var b boxed
		if err := spill.Load(ctx, rec.Handle, &b); err != nil {
			return nil, parallelize.ChunkError(parallelize.SpillFailure, rec.Index, err)
		}
		return b.V, nil
	}
	ptr := reflect.New(out)
	if err := spill.Load(ctx, rec.Handle, ptr.Interface()); err != nil {
		return nil, parallelize.ChunkError(parallelize.SpillFailure, rec.Index, err)
	}
	return ptr.Elem().Interface(), nil
}

// isNil tells whether v is nil or holds a nil pointer, map or slice.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
