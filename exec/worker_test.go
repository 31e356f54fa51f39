// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/spill"
	"github.com/grailbio/parallelize/stats"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

type shape interface{ Area() int }

type square int

func (s square) Area() int { return int(s * s) }

func init() {
	gob.Register(square(0))
}

var fnShape = parallelize.Func(func(chunk []int) shape {
	return square(len(chunk))
})

func TestRunChunk(t *testing.T) {
	ctx := context.Background()
	sm := stats.NewMap()
	inv, err := fnSum.Invocation()
	assert.NoError(t, err)
	chunk := parallelize.Chunk{Index: 2, Start: 4, End: 7}
	rec := runChunk(ctx, inv, chunk, []int{1, 2, 3}, "", sm)
	assert.NoError(t, rec.Err)
	if got, want := rec.Index, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := rec.Value, 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !rec.Handle.IsZero() {
		t.Errorf("unexpected handle %v", rec.Handle)
	}
	vals := sm.Snapshot()
	if got, want := vals[stats.Chunks], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.Items], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunChunkFailure(t *testing.T) {
	ctx := context.Background()
	sm := stats.NewMap()
	inv, err := fnPanic.Invocation()
	assert.NoError(t, err)
	rec := runChunk(ctx, inv, parallelize.Chunk{Index: 1, End: 1}, []int{1}, "", sm)
	if !parallelize.Is(parallelize.WorkerFailure, rec.Err) {
		t.Fatalf("got %v, want WorkerFailure", rec.Err)
	}
	if !strings.Contains(rec.Err.Error(), "bad chunk") {
		t.Errorf("panic value missing from %v", rec.Err)
	}
	inv, err = fnFailFirst.Invocation()
	assert.NoError(t, err)
	rec = runChunk(ctx, inv, parallelize.Chunk{Index: 0, End: 1}, []int{0}, "", sm)
	if !parallelize.Is(parallelize.WorkerFailure, rec.Err) {
		t.Fatalf("got %v, want WorkerFailure", rec.Err)
	}
	if got, want := sm.Int(stats.Errors).Get(), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunChunkSpill(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	store, err := spill.NewStore(dir, "test")
	assert.NoError(t, err)
	ctx := context.Background()
	sm := stats.NewMap()

	inv, err := fnIdentity.Invocation()
	assert.NoError(t, err)
	rec := runChunk(ctx, inv, parallelize.Chunk{Index: 0, End: 3}, []int{5, 6, 7}, store, sm)
	assert.NoError(t, rec.Err)
	if rec.Handle.IsZero() {
		t.Fatal("expected handle")
	}
	if got, want := sm.Int(stats.SpillBytes).Get(), rec.Handle.Size; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	v, err := loadRecord(ctx, fnIdentity.Out(), rec)
	assert.NoError(t, err)
	if got, want := v, []int{5, 6, 7}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	n, err := store.Len()
	assert.NoError(t, err)
	assert.EQ(t, n, 0)

	// Interface results are spilled in a box.
	inv, err = fnShape.Invocation()
	assert.NoError(t, err)
	rec = runChunk(ctx, inv, parallelize.Chunk{Index: 1, End: 3}, []int{1, 2, 3}, store, sm)
	assert.NoError(t, rec.Err)
	v, err = loadRecord(ctx, fnShape.Out(), rec)
	assert.NoError(t, err)
	if got, want := v.(shape).Area(), 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// A handle may be loaded only once.
	if _, err := loadRecord(ctx, fnShape.Out(), rec); !parallelize.Is(parallelize.SpillFailure, err) {
		t.Errorf("got %v, want SpillFailure", err)
	}
	assert.NoError(t, store.Cleanup())
}

func TestIsNil(t *testing.T) {
	for _, c := range []struct {
		v    interface{}
		want bool
	}{
		{nil, true},
		{(*point)(nil), true},
		{[]int(nil), true},
		{map[int]int(nil), true},
		{[]int{}, false},
		{&point{}, false},
		{0, false},
	} {
		if got := isNil(c.v); got != c.want {
			t.Errorf("%#v: got %v, want %v", c.v, got, c.want)
		}
	}
}
