// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/spill"
	"github.com/grailbio/parallelize/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(chunkRequest{})
	gob.Register(chunkReply{})
}

const (
	// maxStartRetries is the number of times machine startup is
	// retried on temporary errors.
	maxStartRetries = 3

	// statTimeout is the maximum amount of time allowed to retrieve
	// stats from a single machine.
	statTimeout = 5 * time.Second
)

// RetryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// BigmachineExecutor is an executor that runs each chunk in a worker
// process managed by bigmachine. Chunk items and results are
// transmitted over RPC; spilled results are written by the worker
// directly to the session's spill directory, which must thus be
// reachable from the worker's filesystem.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess    *Session
	b       *bigmachine.B
	status  *status.Group
	limiter *limiter.Limiter

	// mu serializes machine startup.
	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts the underlying bigmachine. In worker processes, Start
// does not return: the process serves the worker service until it is
// shut down.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if st := sess.Status(); st != nil {
		b.status = st.Group("bigmachine")
	}
	if p := sess.Parallelism(); p > 0 {
		b.limiter = limiter.New()
		b.limiter.Release(p)
	}
	return b.b.Shutdown
}

// Want returns the number of machines that should serve a dispatch of
// n chunks.
func (b *bigmachineExecutor) want(n int) int {
	if p := b.sess.Parallelism(); p > 0 && p < n {
		return p
	}
	return n
}

// Ensure returns at least n running machines, starting new ones as
// needed. Machines are retained for the lifetime of the session.
func (b *bigmachineExecutor) ensure(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if need := n - len(b.machines); need > 0 {
		machines, err := b.start(ctx, need)
		if err != nil {
			return nil, err
		}
		b.machines = append(b.machines, machines...)
	}
	return b.machines, nil
}

// Start starts n machines, each with its own worker service, and
// returns them once they are all running and have been verified to
// run the same binary as the driver.
func (b *bigmachineExecutor) start(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	machines := make([]*bigmachine.Machine, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		i := i
		g.Go(func() error {
			var task *status.Task
			if b.status != nil {
				task = b.status.Start()
				task.Print("waiting for machine to boot")
				defer task.Done()
			}
			m, err := b.startMachine(ctx)
			if err != nil {
				return err
			}
			machines[i] = m
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				return errors.E(fmt.Sprintf("machine %s failed to start", m.Addr), err)
			}
			var locs []string
			if err := m.RetryCall(ctx, "Worker.FuncLocations", struct{}{}, &locs); err != nil {
				return errors.E(fmt.Sprintf("machine %s: verify funcs", m.Addr), err)
			}
			if err := checkFuncLocations(parallelize.FuncLocations(), locs); err != nil {
				return errors.E(errors.Fatal, fmt.Sprintf("machine %s", m.Addr), err)
			}
			if task != nil {
				task.Title(m.Addr)
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			if m != nil {
				m.Cancel()
			}
		}
		return nil, err
	}
	return machines, nil
}

// StartMachine starts a single machine, retrying on temporary errors.
// Machines live for the duration of the session, and are thus not
// bound to ctx, which governs only retries.
func (b *bigmachineExecutor) startMachine(ctx context.Context) (*bigmachine.Machine, error) {
	params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, b.params...)
	for retries := 0; ; retries++ {
		machines, err := b.b.Start(context.Background(), 1, params...)
		if err == nil {
			return machines[0], nil
		}
		if !errors.Is(errors.Net, err) && !errors.IsTemporary(err) {
			return nil, errors.E("bigmachine: start machine", err)
		}
		log.Printf("bigmachine: start machine: %v; retrying", err)
		if werr := retry.Wait(ctx, retry.MaxRetries(retryPolicy, maxStartRetries), retries); werr != nil {
			return nil, errors.E("bigmachine: start machine", err)
		}
	}
}

// CheckFuncLocations verifies that a worker registered the same funcs,
// in the same order, as the driver.
func checkFuncLocations(driver, worker []string) error {
	n := len(driver)
	if len(worker) > n {
		n = len(worker)
	}
	var diffs int
	for i := 0; i < n; i++ {
		var d, w string
		if i < len(driver) {
			d = driver[i]
		}
		if i < len(worker) {
			w = worker[i]
		}
		if d != w {
			log.Printf("[funcsdiff] func %d: driver %q, worker %q", i, d, w)
			diffs++
		}
	}
	if diffs > 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("%d funcs differ; check for local or non-deterministic Func creation", diffs))
	}
	return nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, task *Task, q *recordQueue) {
	task.Set(TaskWaiting)
	rec := b.run(ctx, task)
	task.complete(rec)
	q.push(rec)
}

func (b *bigmachineExecutor) run(ctx context.Context, task *Task) record {
	fail := func(err error) record {
		return record{Index: task.Index, Err: parallelize.ChunkError(parallelize.WorkerFailure, task.Index, err)}
	}
	machines, err := b.ensure(ctx, b.want(task.NumChunks))
	if err != nil {
		return fail(err)
	}
	if b.limiter != nil {
		if err := b.limiter.Acquire(ctx, 1); err != nil {
			return fail(err)
		}
		defer b.limiter.Release(1)
	}
	m := machines[task.Index%len(machines)]
	task.Set(TaskRunning)
	task.Printf("running on %s", m.Addr)
	req := chunkRequest{
		Invocation: task.Invocation,
		Chunk:      task.Chunk,
		Items:      task.Items,
		Spill:      task.Spill,
	}
	var reply chunkReply
	// Chunks are not retried: a failed call is reported as the chunk's
	// failure.
	if err := m.Call(ctx, "Worker.Run", req, &reply); err != nil {
		return fail(errors.E(fmt.Sprintf("machine %s", m.Addr), err))
	}
	if reply.Err != "" {
		return record{
			Index: task.Index,
			Err:   parallelize.ChunkError(reply.Kind, task.Index, errors.Remote, fmt.Sprintf("machine %s: %s", m.Addr, reply.Err)),
		}
	}
	value := reply.Value
	if reply.Empty {
		out := task.Invocation.FuncValue().Out()
		switch out.Kind() {
		case reflect.Slice:
			value = reflect.MakeSlice(out, 0, 0).Interface()
		case reflect.Map:
			value = reflect.MakeMap(out).Interface()
		}
	}
	return record{Index: task.Index, Value: value, Handle: reply.Handle}
}

// Stats returns the sum of the counters of all running workers.
func (b *bigmachineExecutor) Stats(ctx context.Context) (stats.Values, error) {
	b.mu.Lock()
	machines := append([]*bigmachine.Machine(nil), b.machines...)
	b.mu.Unlock()
	all := make([]stats.Values, len(machines))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, statTimeout)
			defer cancel()
			return m.RetryCall(ctx, "Worker.Stats", struct{}{}, &all[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	vals := make(stats.Values)
	for _, v := range all {
		vals.Add(v)
	}
	return vals, nil
}

// ChunkRequest is the request to Worker.Run.
type chunkRequest struct {
	Invocation parallelize.Invocation
	Chunk      parallelize.Chunk
	// Items is a slice of the invoked func's chunk type.
	Items interface{}
	// Spill is the store to which the result is spilled, if nonempty.
	Spill spill.Store
}

// ChunkReply is the reply from Worker.Run. At most one of Value,
// Handle, and Err is set. Nil pointers, maps and slices are returned
// as a nil Value; Empty is set in place of an empty map or slice
// Value, since gob would decode either as nil.
type chunkReply struct {
	Value  interface{}
	Empty  bool
	Handle spill.Handle
	Kind   parallelize.Kind
	Err    string
}

// A worker is the bigmachine service that runs chunks on behalf of a
// driver process.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	stats *stats.Map
}

func (w *worker) Init(b *bigmachine.B) error {
	w.stats = stats.NewMap()
	return nil
}

// FuncLocations returns the locations of the funcs registered in the
// worker process.
func (w *worker) FuncLocations(ctx context.Context, _ struct{}, locs *[]string) error {
	*locs = parallelize.FuncLocations()
	return nil
}

// Run runs a single chunk. Chunk failures are reported in the reply;
// Run returns an error only if the request is malformed.
func (w *worker) Run(ctx context.Context, req chunkRequest, reply *chunkReply) error {
	if req.Invocation.Func >= uint64(len(parallelize.FuncLocations())) {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("invalid func %d", req.Invocation.Func))
	}
	rec := runChunk(ctx, req.Invocation, req.Chunk, req.Items, req.Spill, w.stats)
	if rec.Err != nil {
		reply.Kind = parallelize.WorkerFailure
		reply.Err = rec.Err.Error()
		if e, ok := rec.Err.(*parallelize.Error); ok {
			reply.Kind = e.Kind
			reply.Err = e.Err.Error()
		}
		log.Error.Printf("chunk %d: %v", req.Chunk.Index, rec.Err)
		return nil
	}
	reply.Handle = rec.Handle
	if isNil(rec.Value) {
		return nil
	}
	switch v := reflect.ValueOf(rec.Value); v.Kind() {
	case reflect.Slice, reflect.Map:
		if v.Len() == 0 {
			reply.Empty = true
			return nil
		}
	}
	reply.Value = rec.Value
	return nil
}

// Stats returns the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Snapshot()
	return nil
}
