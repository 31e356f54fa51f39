// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/parallelize/stats"
)

// Executor defines an interface used to provide implementations of
// task runners. An Executor is responsible for running single tasks
// and delivering their records to the dispatcher.
type Executor interface {
	// Name returns a human-friendly name for this executor.
	Name() string

	// Start starts the executor. It is called when the session is
	// started, after all funcs have been registered. Start need not
	// return: for example, the Bigmachine implementation of Executor
	// uses Start as an entry point for worker processes.
	Start(*Session) (shutdown func())

	// Run runs the task, returning once its record has been pushed
	// onto the queue. Run must push exactly one record for each
	// task, also when the context is done before the task starts.
	Run(ctx context.Context, task *Task, q *recordQueue)

	// Stats returns the counters maintained by the executor's
	// workers.
	Stats(ctx context.Context) (stats.Values, error)
}
