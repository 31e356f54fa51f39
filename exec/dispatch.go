// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/spill"
	"github.com/grailbio/parallelize/stats"
)

// Phase is the phase of a dispatch. Dispatches progress through the
// phases in order; SpillRetrieval is entered only by spilling
// dispatches. A dispatch that fails leaves its phase unchanged.
type Phase int

const (
	// Partitioning validates the input and divides it into chunks.
	Partitioning Phase = iota
	// Spawning starts one task per chunk.
	Spawning
	// Awaiting collects exactly one record per chunk and joins the
	// tasks.
	Awaiting
	// SpillRetrieval loads spilled results.
	SpillRetrieval
	// Merging orders and merges the per-chunk results.
	Merging
	// Done indicates that the dispatch completed successfully.
	Done

	maxPhase
)

var phases = [...]string{
	Partitioning:   "partitioning",
	Spawning:       "spawning",
	Awaiting:       "awaiting",
	SpillRetrieval: "spill retrieval",
	Merging:        "merging",
	Done:           "done",
}

// String returns the phase's name.
func (p Phase) String() string {
	if p < 0 || p >= maxPhase {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phases[p]
}

// A dispatcher runs a single dispatch.
type dispatcher struct {
	runConfig
	sess  *Session
	funcv *parallelize.FuncValue
	id    string
	group *status.Group
	phase Phase
	stats stats.Values
}

func (d *dispatcher) enter(phase Phase) {
	d.phase = phase
	log.Debug.Printf("dispatch %s: %s", d.id, phase)
	if d.group != nil {
		d.group.Printf("%s", phase)
	}
}

func (s *Session) dispatch(ctx context.Context, funcv *parallelize.FuncValue, items interface{}, cfg runConfig) (*Result, error) {
	d := &dispatcher{
		runConfig: cfg,
		sess:      s,
		funcv:     funcv,
		id:        uuid.New().String()[:8],
		stats:     make(stats.Values),
	}
	if s.status != nil {
		d.group = s.status.Groupf("dispatch %s %s", d.id, funcv)
	}
	start := time.Now()
	value, err := d.run(ctx, items)
	elapsed := time.Since(start)
	d.stats[stats.Dispatches] = 1
	s.stats.Merge(d.stats)
	s.eventer.Event("parallelize:dispatch",
		"id", d.id,
		"func", fmt.Sprint(funcv),
		"jobs", d.jobs,
		"spill", d.spill,
		"phase", d.phase.String(),
		"ok", err == nil,
		"duration", elapsed.Seconds())
	if err != nil {
		log.Printf("dispatch %s: failed during %s after %s: %v", d.id, d.phase, elapsed, err)
		if d.group != nil {
			d.group.Printf("failed during %s: %v", d.phase, err)
		}
		return nil, err
	}
	log.Printf("dispatch %s: %d items in %d chunks: done in %s", d.id, d.stats[stats.Items], d.stats[stats.Chunks], elapsed)
	return &Result{Value: value, Stats: d.stats}, nil
}

func (d *dispatcher) run(ctx context.Context, items interface{}) (interface{}, error) {
	d.enter(Partitioning)
	inv, v, chunks, err := d.partition(items)
	if err != nil {
		return nil, err
	}
	n := len(chunks)
	d.stats[stats.Chunks] = int64(n)
	d.stats[stats.Items] = int64(v.Len())

	d.enter(Spawning)
	var store spill.Store
	if d.spill {
		store, err = spill.NewStore(d.sess.spillDir, d.id)
		if err != nil {
			return nil, parallelize.E(parallelize.SpillFailure, err)
		}
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		q  = newRecordQueue()
		wg sync.WaitGroup
	)
	tasks := make([]*Task, n)
	for i, chunk := range chunks {
		tasks[i] = &Task{
			Chunk:      chunk,
			NumChunks:  n,
			Invocation: inv,
			Items:      v.Slice3(chunk.Start, chunk.End, chunk.End).Interface(),
			Spill:      store,
		}
		if d.group != nil {
			tasks[i].Status = d.group.Startf("chunk %d", chunk.Index)
		}
	}
	wg.Add(n)
	for _, task := range tasks {
		go func(task *Task) {
			defer wg.Done()
			d.sess.executor.Run(wctx, task, q)
		}(task)
	}

	d.enter(Awaiting)
	var (
		records = make([]record, n)
		seen    = make([]bool, n)
		failed  record
	)
	for received := 0; received < n; received++ {
		rec, err := q.pop(ctx)
		if err != nil {
			// The dispatch is abandoned without joining its tasks. Spill
			// files are reclaimed once the tasks have returned.
			cancel()
			log.Printf("dispatch %s: abandoned: %v; %d of %d records pending", d.id, err, q.len(), n-received)
			if store != "" {
				go func() {
					wg.Wait()
					cleanup(store)
				}()
			}
			return nil, parallelize.E(parallelize.WorkerFailure,
				fmt.Sprintf("dispatch %s: %d of %d chunks outstanding", d.id, n-received, n), err)
		}
		if rec.Index < 0 || rec.Index >= n || seen[rec.Index] {
			panic(fmt.Sprintf("dispatch %s: unexpected record for chunk %d", d.id, rec.Index))
		}
		seen[rec.Index] = true
		records[rec.Index] = rec
		if rec.Err != nil {
			d.stats[stats.Errors]++
			if failed.Err == nil || preferErr(rec, failed) {
				failed = rec
			}
			// Fail fast: remaining chunks are canceled, but their
			// records are still collected.
			cancel()
		}
		if !rec.Handle.IsZero() {
			d.stats[stats.Spilled]++
			d.stats[stats.SpillBytes] += rec.Handle.Size
		}
	}
	wg.Wait()
	if store != "" {
		defer cleanup(store)
	}
	if failed.Err != nil {
		return nil, failed.Err
	}

	values := make([]interface{}, n)
	if store != "" {
		d.enter(SpillRetrieval)
		var loadErr error
		// Every handle is loaded, even after a failure, so that each
		// spill file is consumed exactly once.
		for i, rec := range records {
			if rec.Handle.IsZero() {
				values[i] = rec.Value
				continue
			}
			value, err := loadRecord(ctx, d.funcv.Out(), rec)
			if err != nil {
				if loadErr == nil {
					loadErr = err
				}
				continue
			}
			values[i] = value
		}
		if loadErr != nil {
			return nil, loadErr
		}
	} else {
		for i, rec := range records {
			values[i] = rec.Value
		}
	}

	d.enter(Merging)
	merged, err := d.funcv.Merge().Apply(d.funcv.Out(), values)
	if err != nil {
		return nil, parallelize.E(parallelize.Other, errors.Integrity, err)
	}
	d.enter(Done)
	return merged, nil
}

// Partition validates the dispatch's input and arguments and divides
// the input into chunks. The input is returned as a slice of the
// func's chunk type.
func (d *dispatcher) partition(items interface{}) (inv parallelize.Invocation, v reflect.Value, chunks []parallelize.Chunk, err error) {
	if d.funcv == nil {
		err = parallelize.E(parallelize.InvalidInput, "nil func")
		return
	}
	v = reflect.ValueOf(items)
	if !v.IsValid() {
		err = parallelize.E(parallelize.InvalidInput, "nil items")
		return
	}
	switch v.Kind() {
	case reflect.Slice:
	case reflect.Array:
		s := reflect.MakeSlice(reflect.SliceOf(v.Type().Elem()), v.Len(), v.Len())
		reflect.Copy(s, v)
		v = s
	default:
		err = parallelize.E(parallelize.InvalidInput, fmt.Sprintf("items of type %s are not a slice or array", v.Type()))
		return
	}
	if v, err = convertItems(v, d.funcv.Chunk()); err != nil {
		return
	}
	if inv, err = d.funcv.Invocation(d.args...); err != nil {
		return
	}
	boundaries, err := parallelize.Partition(v.Len(), d.jobs)
	if err != nil {
		return
	}
	chunks = parallelize.Chunks(boundaries)
	return
}

// ConvertItems returns the slice v as a value of the slice type typ.
// Slices with identical element types are converted in place; slices
// whose elements are assignable to typ's elements are copied.
func convertItems(v reflect.Value, typ reflect.Type) (reflect.Value, error) {
	switch elem := v.Type().Elem(); {
	case v.Type() == typ:
		return v, nil
	case elem == typ.Elem():
		return v.Convert(typ), nil
	case elem.AssignableTo(typ.Elem()):
		w := reflect.MakeSlice(typ, v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			w.Index(i).Set(v.Index(i))
		}
		return w, nil
	default:
		return reflect.Value{}, parallelize.E(parallelize.InvalidInput,
			fmt.Sprintf("items of type %s cannot be processed by a func taking %s", v.Type(), typ))
	}
}

// PreferErr tells whether error record r should be reported in place
// of error record s. Errors caused by cancellation are reported only
// in the absence of others; otherwise the error of the lowest chunk
// wins.
func preferErr(r, s record) bool {
	rc, sc := canceled(r.Err), canceled(s.Err)
	if rc != sc {
		return sc
	}
	return r.Index < s.Index
}

func canceled(err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *parallelize.Error:
			err = e.Err
		case *errors.Error:
			if e.Kind == errors.Canceled || e.Kind == errors.Timeout {
				return true
			}
			err = e.Err
		default:
			return err == context.Canceled || err == context.DeadlineExceeded
		}
	}
	return false
}

func cleanup(store spill.Store) {
	if err := store.Cleanup(); err != nil {
		log.Error.Printf("spill: cleanup %s: %v", store, err)
	}
}
