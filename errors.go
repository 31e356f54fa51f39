// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallelize

import (
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
)

// Kind classifies the failures of a dispatch.
type Kind int

const (
	// Other is the kind of errors not otherwise classified.
	Other Kind = iota
	// InvalidInput indicates that the items passed to a dispatch are
	// not a slice, or that they (or the extra arguments) do not match
	// the function's signature. No worker is started.
	InvalidInput
	// InvalidPartition indicates that the requested job count cannot
	// partition the input: it must be at least 1 and strictly less
	// than the number of items. No worker is started.
	InvalidPartition
	// WorkerFailure indicates that a function returned an error or
	// panicked while processing a chunk.
	WorkerFailure
	// SpillFailure indicates that a chunk's result could not be
	// written to or read from its spill file.
	SpillFailure
)

var kinds = map[Kind]string{
	Other:            "unknown error",
	InvalidInput:     "invalid input",
	InvalidPartition: "invalid partition",
	WorkerFailure:    "worker failed",
	SpillFailure:     "spill i/o failed",
}

// String returns a short description of the kind.
func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error returned by dispatch operations. Err is the
// underlying cause, usually an *errors.Error carrying a
// github.com/grailbio/base/errors kind.
type Error struct {
	Kind Kind
	// Chunk is the index of the chunk that failed, or -1 if the
	// error is not attributable to a chunk.
	Chunk int
	Err   error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("chunk %d: %s: %v", e.Chunk, e.Kind, e.Err)
}

// E constructs a new Error of the given kind, not attributed to a
// chunk. The remaining arguments are passed to errors.E to construct
// the cause, which is classified as errors.Invalid for the kinds
// InvalidInput and InvalidPartition.
func E(kind Kind, args ...interface{}) error {
	return ChunkError(kind, -1, args...)
}

// ChunkError constructs a new Error of the given kind, attributed to
// the chunk with the provided index.
func ChunkError(kind Kind, chunk int, args ...interface{}) error {
	switch kind {
	case InvalidInput, InvalidPartition:
		args = append([]interface{}{errors.Invalid}, args...)
	}
	return &Error{Kind: kind, Chunk: chunk, Err: errors.E(args...)}
}

// Is tells whether err is, or wraps, an *Error of the provided kind.
// Wrapping through *errors.Error values is followed.
func Is(kind Kind, err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			if e.Kind == kind {
				return true
			}
			err = e.Err
		case *errors.Error:
			err = e.Err
		default:
			return false
		}
	}
	return false
}

// TypeError reports a malformed chunk function declaration. It is
// attributed to the source location of the declaration.
type TypeError struct {
	Err  error
	File string
	Line int
}

// Error implements error.
func (e *TypeError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

// Panicf panics with a *TypeError attributed to the caller at the
// given call depth.
func panicf(calldepth int, format string, args ...interface{}) {
	e := &TypeError{Err: fmt.Errorf(format, args...)}
	var ok bool
	_, e.File, e.Line, ok = runtime.Caller(calldepth + 1)
	if !ok {
		e.File = "<unknown>"
	}
	panic(e)
}
