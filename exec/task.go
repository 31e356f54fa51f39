// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/spill"
)

// TaskState represents the runtime state of a Task. TaskState
// values are defined so that their magnitudes correspond with
// task progression.
type TaskState int

const (
	// TaskInit is the initial state of a task: it has been created by
	// the dispatcher but not yet handed to an executor.
	TaskInit TaskState = iota
	// TaskWaiting indicates that the task has been handed to an
	// executor but has not yet been allocated resources.
	TaskWaiting
	// TaskRunning is the state of a task whose function is being
	// applied to its chunk.
	TaskRunning

	// TaskOk indicates that the task's record was delivered to the
	// dispatcher.
	//
	// All TaskState values greater than TaskOk indicate task
	// errors.
	TaskOk

	// TaskErr indicates that the task's function failed, or that its
	// result could not be spilled.
	TaskErr

	maxState
)

var states = [...]string{
	TaskInit:    "INIT",
	TaskWaiting: "WAITING",
	TaskRunning: "RUNNING",
	TaskOk:      "OK",
	TaskErr:     "ERROR",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	if s < 0 || s >= maxState {
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
	return states[s]
}

// A Task is the unit of work handed to an executor: the application
// of an invocation to a single chunk of the dispatch's input.
type Task struct {
	parallelize.Chunk
	// NumChunks is the number of chunks in the task's dispatch.
	NumChunks int

	// Invocation is the function invocation applied to the chunk.
	Invocation parallelize.Invocation
	// Items holds the chunk's items, a slice of the function's chunk
	// type.
	Items interface{}
	// Spill is the store to which the task's result is spilled. Results
	// are returned inline if Spill is empty.
	Spill spill.Store

	// Status is the task's status, if the session reports status.
	Status *status.Task

	mu    sync.Mutex
	state TaskState
	err   error
}

// String returns a description of the task.
func (t *Task) String() string {
	return fmt.Sprintf("%s: %s", t.Chunk, t.State())
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the task's error, if it is in state TaskErr.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Set sets the task's state to the provided one.
func (t *Task) Set(state TaskState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	t.Printf("%s", state)
}

// Error marks the task as failed with the provided error.
func (t *Task) Error(err error) {
	t.mu.Lock()
	t.state = TaskErr
	t.err = err
	t.mu.Unlock()
	t.Printf("error: %v", err)
}

// Done marks the task as completed; its record has been delivered.
func (t *Task) Done() {
	t.Set(TaskOk)
	if t.Status != nil {
		t.Status.Done()
	}
}

// Printf updates the task's status, if any.
func (t *Task) Printf(format string, args ...interface{}) {
	if t.Status != nil {
		t.Status.Printf(format, args...)
	}
}

// complete transitions the task according to the outcome recorded in
// rec.
func (t *Task) complete(rec record) {
	if rec.Err != nil {
		t.Error(rec.Err)
		if t.Status != nil {
			t.Status.Done()
		}
		return
	}
	t.Done()
}
