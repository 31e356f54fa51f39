// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/spill"
	"github.com/grailbio/parallelize/stats"
)

func bigmachineTestExecutor(p int) (exec *bigmachineExecutor, stop func()) {
	x := newBigmachineExecutor(testsystem.New())
	shutdown := x.Start(&Session{p: p, stats: stats.NewMap()})
	return x, shutdown
}

func testTask(t *testing.T, fn *parallelize.FuncValue, items []int, index, n int) *Task {
	t.Helper()
	inv, err := fn.Invocation()
	if err != nil {
		t.Fatal(err)
	}
	return &Task{
		Chunk:      parallelize.Chunk{Index: index, Start: 0, End: len(items)},
		NumChunks:  n,
		Invocation: inv,
		Items:      items,
	}
}

func TestBigmachineExecutor(t *testing.T) {
	x, stop := bigmachineTestExecutor(2)
	defer stop()
	ctx := context.Background()
	q := newRecordQueue()
	tasks := []*Task{
		testTask(t, fnSum, []int{1, 2, 3}, 0, 3),
		testTask(t, fnSum, []int{4, 5}, 1, 3),
		testTask(t, fnSum, []int{6}, 2, 3),
	}
	for _, task := range tasks {
		x.Run(ctx, task, q)
	}
	want := []int{6, 9, 6}
	for range tasks {
		rec, err := q.pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Err != nil {
			t.Fatal(rec.Err)
		}
		if got, want := rec.Value, want[rec.Index]; got != want {
			t.Errorf("chunk %d: got %v, want %v", rec.Index, got, want)
		}
	}
	for _, task := range tasks {
		if got, want := task.State(), TaskOk; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	// Parallelism limits the number of machines.
	if got, want := len(x.machines), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals, err := x.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals[stats.Chunks], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.Items], int64(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineRemoteError(t *testing.T) {
	x, stop := bigmachineTestExecutor(0)
	defer stop()
	ctx := context.Background()
	q := newRecordQueue()

	task := testTask(t, fnFailFirst, []int{0, 1}, 0, 1)
	x.Run(ctx, task, q)
	rec, err := q.pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !parallelize.Is(parallelize.WorkerFailure, rec.Err) {
		t.Errorf("got %v, want WorkerFailure", rec.Err)
	}
	if got, want := task.State(), TaskErr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Spill failures retain their kind across the process boundary.
	task = testTask(t, fnSum, []int{1}, 0, 1)
	task.Spill = spill.Store("/nonexistent/spill/dir")
	x.Run(ctx, task, q)
	rec, err = q.pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !parallelize.Is(parallelize.SpillFailure, rec.Err) {
		t.Errorf("got %v, want SpillFailure", rec.Err)
	}
}

func TestCheckFuncLocations(t *testing.T) {
	locs := []string{"a.go:1", "a.go:2"}
	if err := checkFuncLocations(locs, locs); err != nil {
		t.Error(err)
	}
	for _, worker := range [][]string{
		{"a.go:1"},
		{"a.go:1", "a.go:3"},
		{"a.go:1", "a.go:2", "b.go:1"},
	} {
		err := checkFuncLocations(locs, worker)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want invalid", worker, err)
		}
	}
}

func TestWorkerService(t *testing.T) {
	w := new(worker)
	if err := w.Init(nil); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	inv, err := fnSum.Invocation()
	if err != nil {
		t.Fatal(err)
	}
	var reply chunkReply
	req := chunkRequest{Invocation: inv, Chunk: parallelize.Chunk{Index: 3, End: 2}, Items: []int{2, 3}}
	if err := w.Run(ctx, req, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply.Value, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if reply.Err != "" {
		t.Errorf("unexpected error %s", reply.Err)
	}
	for _, c := range []struct {
		fn        *parallelize.FuncValue
		items     []int
		nilValue  bool
		wantEmpty bool
	}{
		{fnPoint, []int{0, 1}, true, false},
		{fnEmpty, []int{0, 1}, true, true},
		{fnEmpty, []int{1, 2}, false, false},
	} {
		inv, err := c.fn.Invocation()
		if err != nil {
			t.Fatal(err)
		}
		var reply chunkReply
		req := chunkRequest{Invocation: inv, Chunk: parallelize.Chunk{End: len(c.items)}, Items: c.items}
		if err := w.Run(ctx, req, &reply); err != nil {
			t.Fatal(err)
		}
		if got, want := reply.Value == nil, c.nilValue; got != want {
			t.Errorf("%v%v: got nil value %v, want %v", c.fn, c.items, got, want)
		}
		if got, want := reply.Empty, c.wantEmpty; got != want {
			t.Errorf("%v%v: got empty %v, want %v", c.fn, c.items, got, want)
		}
	}
	req.Invocation.Func = 1 << 20
	if err := w.Run(ctx, req, &reply); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	var locs []string
	if err := w.FuncLocations(ctx, struct{}{}, &locs); err != nil {
		t.Fatal(err)
	}
	if got, want := len(locs), len(parallelize.FuncLocations()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var vals stats.Values
	if err := w.Stats(ctx, struct{}{}, &vals); err != nil {
		t.Fatal(err)
	}
	if got, want := vals[stats.Items], int64(8); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
