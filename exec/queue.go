// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/parallelize/spill"
)

// A record is the outcome of a single task. Exactly one of Value,
// Handle, or Err is meaningful: Err if the task failed; Handle if the
// task's result was spilled; Value otherwise.
type record struct {
	Index  int
	Value  interface{}
	Handle spill.Handle
	Err    error
}

// A recordQueue carries records from any number of producers to a
// single consumer. Pushes never block; the queue is unbounded.
// Records are popped in the order in which they were pushed, which is
// task completion order, not chunk order.
type recordQueue struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	q    []record
}

func newRecordQueue() *recordQueue {
	q := new(recordQueue)
	q.cond = ctxsync.NewCond(&q.mu)
	return q
}

// Push adds a record to the queue.
func (q *recordQueue) push(rec record) {
	q.mu.Lock()
	q.q = append(q.q, rec)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Pop removes and returns the oldest record in the queue, blocking
// until one is available. Pop returns the context's error if it is
// done before a record becomes available.
func (q *recordQueue) pop(ctx context.Context) (record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.q) == 0 {
		if err := q.cond.Wait(ctx); err != nil {
			return record{}, err
		}
	}
	rec := q.q[0]
	q.q[0] = record{}
	q.q = q.q[1:]
	return rec, nil
}

// Len returns the number of records in the queue.
func (q *recordQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}
