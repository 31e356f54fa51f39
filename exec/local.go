// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/stats"
)

// LocalExecutor is an executor that runs tasks in-process in
// separate goroutines. Results are returned in memory unless the
// task spills them.
type localExecutor struct {
	// Limiter caps the number of concurrently running tasks. It is nil
	// when the session's parallelism is unlimited.
	limiter *limiter.Limiter
	stats   *stats.Map
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{stats: stats.NewMap()}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	if p := sess.Parallelism(); p > 0 {
		l.limiter = limiter.New()
		l.limiter.Release(p)
	}
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, task *Task, q *recordQueue) {
	task.Set(TaskWaiting)
	if l.limiter != nil {
		if err := l.limiter.Acquire(ctx, 1); err != nil {
			// The context is done; the chunk is never started.
			rec := record{
				Index: task.Index,
				Err:   parallelize.ChunkError(parallelize.WorkerFailure, task.Index, err),
			}
			task.complete(rec)
			q.push(rec)
			return
		}
		defer l.limiter.Release(1)
	}
	task.Set(TaskRunning)
	rec := runChunk(ctx, task.Invocation, task.Chunk, task.Items, task.Spill, l.stats)
	task.complete(rec)
	q.push(rec)
}

func (l *localExecutor) Stats(context.Context) (stats.Values, error) {
	return l.stats.Snapshot(), nil
}
