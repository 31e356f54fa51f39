// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallelize

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"
)

func init() {
	gob.Register([]interface{}{})
}

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// Funcs is the global registry of chunk functions. Workers in other
	// processes find a function by its registration index, so
	// registration order must be deterministic. Registering funcs as
	// package-level variables guarantees this.
	funcs []*FuncValue
	// FuncsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue represents a chunk function, as returned by Func.
type FuncValue struct {
	fn reflect.Value
	// ctx tells whether the function takes a leading context.Context.
	ctx bool
	// err tells whether the function returns a trailing error.
	err   bool
	chunk reflect.Type
	args  []reflect.Type
	out   reflect.Type
	merge Merge
	index int
	// location is the file:line at which the func was registered.
	location string
}

// Func registers the provided function as a chunk function and
// returns its FuncValue. The function must have the form
//
//	func([ctx context.Context,] chunk []T, args...) (R[, error])
//
// It is invoked once per chunk with a subslice of the dispatch's
// input and the extra arguments of the invocation. Func panics with
// a *TypeError if fn does not have this form.
//
// Funcs must be registered before a session is started, and in a
// deterministic order: the simplest way to do this is to register
// them as package-level variables:
//
//	var sum = parallelize.Func(func(chunk []int) int {
//		var n int
//		for _, x := range chunk {
//			n += x
//		}
//		return n
//	})
//
// Argument, chunk and result types are registered with gob so that
// chunks can be dispatched to worker processes.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		panicf(1, "parallelize.Func: argument to func is a %T, not a func", fn)
	}
	ftype := fv.Type()
	if ftype.IsVariadic() {
		panicf(1, "parallelize.Func: variadic functions are not supported")
	}
	v := &FuncValue{fn: fv, location: "<unknown>"}
	if _, file, line, ok := runtime.Caller(1); ok {
		v.location = fmt.Sprintf("%s:%d", file, line)
	}
	in := make([]reflect.Type, ftype.NumIn())
	for i := range in {
		in[i] = ftype.In(i)
	}
	if len(in) > 0 && in[0] == typeOfContext {
		v.ctx = true
		in = in[1:]
	}
	if len(in) == 0 || in[0].Kind() != reflect.Slice {
		panicf(1, "parallelize.Func: func must take a slice of items as its first argument")
	}
	v.chunk, v.args = in[0], in[1:]
	switch ftype.NumOut() {
	case 2:
		if ftype.Out(1) != typeOfError {
			panicf(1, "parallelize.Func: second return value must be an error, not %s", ftype.Out(1))
		}
		v.err = true
		fallthrough
	case 1:
		v.out = ftype.Out(0)
	default:
		panicf(1, "parallelize.Func: func must return a single value, optionally followed by an error")
	}
	if v.out == typeOfError {
		panicf(1, "parallelize.Func: func must return a value before its error")
	}
	for _, typ := range append([]reflect.Type{v.chunk, v.out}, v.args...) {
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("parallelize.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("parallelize.Func: data race")
	}
	return v
}

// FuncLocations returns the registration locations of all funcs, in
// registration order. Processes of the same binary that register funcs
// deterministically return identical locations.
func FuncLocations() []string {
	locs := make([]string, len(funcs))
	for i, f := range funcs {
		locs[i] = f.location
	}
	return locs
}

// Flatten returns a copy of f whose per-chunk results are
// concatenated, in chunk order, into a single slice. The result type
// of f must be a slice. Flatten panics with a *TypeError
// otherwise.
func (f *FuncValue) Flatten() *FuncValue {
	if f.out.Kind() != reflect.Slice {
		panicf(1, "parallelize.Flatten: func returns %s, not a slice", f.out)
	}
	g := *f
	g.merge = Flatten
	return &g
}

// Merge returns the merge strategy used for f's results.
func (f *FuncValue) Merge() Merge { return f.merge }

// Chunk returns the slice type of the chunks accepted by f.
func (f *FuncValue) Chunk() reflect.Type { return f.chunk }

// Out returns the type of f's per-chunk result.
func (f *FuncValue) Out() reflect.Type { return f.out }

// NumArg returns the number of extra arguments taken by f.
func (f *FuncValue) NumArg() int { return len(f.args) }

// Arg returns the type of f's i'th extra argument.
func (f *FuncValue) Arg(i int) reflect.Type { return f.args[i] }

// String returns a description of f's signature.
func (f *FuncValue) String() string {
	return fmt.Sprintf("func#%d(%s)", f.index, f.fn.Type())
}

// Invocation returns an invocation of f with the provided extra
// arguments. An error of kind InvalidInput is returned if the
// arguments do not match f's signature in type or arity.
func (f *FuncValue) Invocation(args ...interface{}) (Invocation, error) {
	if len(args) != len(f.args) {
		return Invocation{}, E(InvalidInput,
			fmt.Sprintf("wrong number of arguments: function takes %d extra arguments, got %d", len(f.args), len(args)))
	}
	for i, arg := range args {
		expect := f.args[i]
		if arg == nil {
			switch expect.Kind() {
			case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map:
				continue
			}
			return Invocation{}, E(InvalidInput, fmt.Sprintf("argument %d: nil is not a valid %s", i, expect))
		}
		have := reflect.TypeOf(arg)
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				return Invocation{}, E(InvalidInput,
					fmt.Sprintf("wrong type for argument %d: type %s does not implement interface %s", i, have, expect))
			}
		default:
			if have != expect {
				return Invocation{}, E(InvalidInput,
					fmt.Sprintf("wrong type for argument %d: expected %s, got %s", i, expect, have))
			}
		}
	}
	return newInvocation(uint64(f.index), args...), nil
}

// Invocation represents an invocation of a chunk function with a set
// of extra arguments. Invocations can be transmitted across process
// boundaries, where they are applied to chunks by worker processes of
// the same binary.
//
// Invocations must be created by FuncValue.Invocation.
type Invocation struct {
	// Index is unique among the invocations of a process.
	Index uint64
	Func  uint64
	Args  []interface{}
}

var invocationIndex uint64

func newInvocation(fn uint64, args ...interface{}) Invocation {
	return Invocation{
		Index: atomic.AddUint64(&invocationIndex, 1),
		Func:  fn,
		Args:  args,
	}
}

// FuncValue returns the function invoked by inv.
func (inv Invocation) FuncValue() *FuncValue {
	return funcs[inv.Func]
}

// Apply applies the invocation's function to the provided chunk,
// which must be a slice of the function's chunk type. The context is
// passed to functions that accept one. Apply returns the function's
// error, if any; panics are not recovered.
func (inv Invocation) Apply(ctx context.Context, chunk interface{}) (interface{}, error) {
	f := inv.FuncValue()
	argv := make([]reflect.Value, 0, len(inv.Args)+2)
	if f.ctx {
		argv = append(argv, reflect.ValueOf(ctx))
	}
	cv := reflect.ValueOf(chunk)
	if !cv.IsValid() {
		cv = reflect.Zero(f.chunk)
	}
	if cv.Type() != f.chunk {
		return nil, E(InvalidInput, fmt.Sprintf("chunk of type %s passed to %s", cv.Type(), f))
	}
	argv = append(argv, cv)
	for i, arg := range inv.Args {
		if arg == nil {
			argv = append(argv, reflect.Zero(f.args[i]))
		} else {
			argv = append(argv, reflect.ValueOf(arg))
		}
	}
	out := f.fn.Call(argv)
	if f.err && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}
