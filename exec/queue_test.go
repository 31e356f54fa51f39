// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestQueueOrder(t *testing.T) {
	q := newRecordQueue()
	for i := 0; i < 10; i++ {
		q.push(record{Index: i})
	}
	if got, want := q.len(), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		rec, err := q.pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := rec.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := q.len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQueueConcurrent(t *testing.T) {
	const N = 100
	q := newRecordQueue()
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func(i int) {
			defer wg.Done()
			q.push(record{Index: i})
		}(i)
	}
	ctx := context.Background()
	indices := make([]int, N)
	for i := range indices {
		rec, err := q.pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		indices[i] = rec.Index
	}
	wg.Wait()
	sort.Ints(indices)
	for i, index := range indices {
		if index != i {
			t.Fatalf("record %d missing", i)
		}
	}
}

func TestQueueBlocks(t *testing.T) {
	q := newRecordQueue()
	ctx := context.Background()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(record{Index: 7})
	}()
	rec, err := q.pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rec.Index, 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQueueCancel(t *testing.T) {
	q := newRecordQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.pop(ctx); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
}
