// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/stats"
)

// DefaultJobs is the number of chunks into which a dispatch's input is
// divided when the Jobs option is not provided.
const DefaultJobs = 2

// Session represents a parallelize compute session. A session shares
// a binary and executor, and is valid for the run of the binary. A
// session can run any number of dispatches, concurrently or in
// sequence.
//
// A session is started by the Start method. Some executors launch
// multiple copies of the binary: these additional binaries are called
// workers, and Start in these does not return.
//
// All funcs must be created before Start is called, and must be
// created in a deterministic order. This is provided by default when
// funcs are created as part of package initialization:
//
//	var square = parallelize.Func(func(chunk []int) []int {
//		out := make([]int, len(chunk))
//		for i, x := range chunk {
//			out[i] = x * x
//		}
//		return out
//	}).Flatten()
//
//	func main() {
//		sess := exec.Start(exec.Bigmachine(bigmachine.Local))
//		res, err := sess.Run(ctx, square, items, exec.Jobs(8))
//		if err != nil {
//			log.Fatal(err)
//		}
//		squares := res.Value.([]int)
//	}
type Session struct {
	index    int32
	shutdown func()
	p        int
	executor Executor
	status   *status.Status
	eventer  eventlog.Eventer
	spillDir string
	stats    *stats.Map
}

// nextSessionIndex is the index of the next session that will be
// started by Start.
var nextSessionIndex int32

func newSession() *Session {
	return &Session{
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
		stats:   stats.NewMap(),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor. Each
// chunk is processed in its own goroutine.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. Chunks are processed by worker
// processes. If any params are provided, they are applied to each
// machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the maximum number of
// chunks that are processed concurrently. The default, 0, places no
// limit: every chunk of a dispatch runs concurrently.
func Parallelism(p int) Option {
	if p < 0 {
		panic("exec.Parallelism: p < 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// dispatch statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("parallelize-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// SpillDir configures the directory in which spill stores are
// created. The default is the system's temporary directory.
func SpillDir(dir string) Option {
	return func(s *Session) {
		s.spillDir = dir
	}
}

// Start creates and starts a new session, configuring it according to
// the provided options. If no executor is configured, the session
// uses the local executor.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("parallelize:sessionStart",
		"executorType", s.executor.Name(),
		"parallelism", s.p)
	return s
}

// Run divides items into chunks and applies funcv to each of them
// concurrently, returning the merged per-chunk results. Items must be
// a slice or an array whose element type matches the element type of
// funcv's chunks. Run returns when all chunks have been processed, or
// else on error; on error no partial output is returned. It is safe
// to make concurrent calls to Run.
func (s *Session) Run(ctx context.Context, funcv *parallelize.FuncValue, items interface{}, opts ...RunOption) (*Result, error) {
	var cfg runConfig
	cfg.jobs = DefaultJobs
	for _, opt := range opts {
		opt(&cfg)
	}
	return s.dispatch(ctx, funcv, items, cfg)
}

// Must is a version of Run that panics if the dispatch fails.
func (s *Session) Must(ctx context.Context, funcv *parallelize.FuncValue, items interface{}, opts ...RunOption) *Result {
	res, err := s.Run(ctx, funcv, items, opts...)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// Parallelism returns the session's parallelism limit; 0 means
// unlimited.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Stats returns the counters accumulated by the session's dispatches.
func (s *Session) Stats() stats.Values {
	return s.stats.Snapshot()
}

// WorkerStats returns the counters maintained by the session's
// workers.
func (s *Session) WorkerStats(ctx context.Context) (stats.Values, error) {
	return s.executor.Stats(ctx)
}

// HandleDebug registers the session's diagnostic handlers on mux.
// The handler at /debug/parallelize/stats reports the counters of the
// session and its workers.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	mux.HandleFunc("/debug/parallelize/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "session: %s\n", s.Stats())
		workers, err := s.WorkerStats(r.Context())
		if err != nil {
			log.Error.Printf("exec.Session: /debug/parallelize/stats: %v", err)
			fmt.Fprintf(w, "workers: error: %v\n", err)
			return
		}
		fmt.Fprintf(w, "workers: %s\n", workers)
	})
}

// A RunOption configures a single dispatch.
type RunOption func(*runConfig)

type runConfig struct {
	jobs    int
	spill   bool
	args    []interface{}
	timeout time.Duration
}

// Jobs sets the number of chunks into which the dispatch's input is
// divided. It must be at least 1 and less than the number of items.
func Jobs(n int) RunOption {
	return func(c *runConfig) {
		c.jobs = n
	}
}

// Spill configures the dispatch to pass per-chunk results through
// files in the session's spill directory instead of memory. Result
// types must be encodable by encoding/gob. Nil and empty results are
// preserved; slices and maps nested within a result follow gob's
// rules, under which empty ones decode as nil. A nil pointer held by
// an interface-typed result is returned as a nil interface when it
// is spilled or crosses a process boundary.
var Spill RunOption = func(c *runConfig) {
	c.spill = true
}

// Args provides the extra arguments passed to each invocation of the
// dispatch's func, following the chunk.
func Args(args ...interface{}) RunOption {
	return func(c *runConfig) {
		c.args = args
	}
}

// Timeout bounds the duration of the dispatch. When the timeout
// expires, outstanding chunks are canceled and the dispatch fails.
// By default dispatches wait indefinitely.
func Timeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// A Result is the output of a dispatch.
type Result struct {
	// Value is the merged output: a slice of the per-chunk results
	// for funcs with the Collect strategy, or their concatenation
	// for funcs with the Flatten strategy.
	Value interface{}
	// Stats holds the dispatch's counters.
	Stats stats.Values
}

// Scan assigns the result's value to the value pointed to by ptr.
func (r *Result) Scan(ptr interface{}) error {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Scan: non-pointer %T", ptr))
	}
	v := reflect.ValueOf(r.Value)
	if !v.IsValid() {
		pv.Elem().Set(reflect.Zero(pv.Elem().Type()))
		return nil
	}
	if !v.Type().AssignableTo(pv.Elem().Type()) {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Scan: cannot assign %s to %s", v.Type(), pv.Elem().Type()))
	}
	pv.Elem().Set(v)
	return nil
}

var (
	defaultSessionOnce sync.Once
	defaultSession     *Session
)

// Parallel runs funcv over items with a process-wide local session,
// started on first use, and returns the merged output. It is a
// shorthand for Run when no session configuration is required.
func Parallel(ctx context.Context, funcv *parallelize.FuncValue, items interface{}, opts ...RunOption) (interface{}, error) {
	defaultSessionOnce.Do(func() {
		defaultSession = Start(Local)
	})
	res, err := defaultSession.Run(ctx, funcv, items, opts...)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
