// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallelize

import (
	"fmt"
	"reflect"
)

// Merge is the strategy used to reconcile per-chunk results into a
// dispatch's output. The strategy is declared with the function (see
// FuncValue.Flatten); it is never inferred from the results
// themselves.
type Merge int

const (
	// Collect returns the per-chunk results as a slice, one element
	// per chunk in chunk order. A function returning R produces a []R.
	Collect Merge = iota
	// Flatten concatenates the per-chunk results, which must be
	// slices, in chunk order. A function returning []T produces a []T.
	Flatten
)

// String returns the name of the strategy.
func (m Merge) String() string {
	switch m {
	case Collect:
		return "collect"
	case Flatten:
		return "flatten"
	default:
		return fmt.Sprintf("Merge(%d)", int(m))
	}
}

// Apply merges the provided per-chunk results, which must be ordered
// by chunk index, according to strategy m. Out is the per-chunk
// result type; nil results are treated as zero values of out.
func (m Merge) Apply(out reflect.Type, results []interface{}) (interface{}, error) {
	switch m {
	case Collect:
		merged := reflect.MakeSlice(reflect.SliceOf(out), len(results), len(results))
		for i, result := range results {
			if result == nil {
				continue
			}
			rv := reflect.ValueOf(result)
			if !rv.Type().AssignableTo(out) {
				return nil, fmt.Errorf("result %d: type %s is not assignable to %s", i, rv.Type(), out)
			}
			merged.Index(i).Set(rv)
		}
		return merged.Interface(), nil
	case Flatten:
		if out.Kind() != reflect.Slice {
			return nil, fmt.Errorf("cannot flatten results of type %s", out)
		}
		var n int
		values := make([]reflect.Value, len(results))
		for i, result := range results {
			if result == nil {
				continue
			}
			rv := reflect.ValueOf(result)
			if rv.Type() != out {
				return nil, fmt.Errorf("result %d: got type %s, want %s", i, rv.Type(), out)
			}
			values[i] = rv
			n += rv.Len()
		}
		merged := reflect.MakeSlice(out, 0, n)
		for _, rv := range values {
			if rv.IsValid() {
				merged = reflect.AppendSlice(merged, rv)
			}
		}
		return merged.Interface(), nil
	default:
		return nil, fmt.Errorf("invalid merge strategy %v", m)
	}
}
