// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallelize

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type testStruct0 struct{ field0 int }
type testStruct1 struct{ field1 int }

type testInterface interface{ FuncTestMethod() }
type testInterfaceImpl struct{}

func (s *testInterfaceImpl) FuncTestMethod() {}

var fnTestNilFuncArgs = Func(
	func(chunk []int, s string, ss []string, m map[int]int,
		ts0 testStruct0, pts1 *testStruct1, ti testInterface) int {

		return len(chunk)
	})

// TestNilFuncArgs verifies that invocations handle untyped nil arguments
// properly.
func TestNilFuncArgs(t *testing.T) {
	ts0 := testStruct0{field0: 0}
	pts1 := &testStruct1{field1: 0}
	ptii := &testInterfaceImpl{}
	for _, c := range []struct {
		name string
		args []interface{}
		ok   bool
	}{
		{
			name: "all non-nil",
			args: []interface{}{"", []string{}, map[int]int{0: 0}, ts0, pts1, ptii},
			ok:   true,
		},
		{
			name: "nil for types that can be nil",
			args: []interface{}{"", nil, nil, ts0, nil, nil},
			ok:   true,
		},
		{
			name: "nil for string",
			args: []interface{}{nil, []string{}, map[int]int{0: 0}, ts0, pts1, ptii},
		},
		{
			name: "nil for struct",
			args: []interface{}{"", []string{}, map[int]int{0: 0}, nil, pts1, ptii},
		},
		{
			name: "wrong type",
			args: []interface{}{1, []string{}, map[int]int{0: 0}, ts0, pts1, ptii},
		},
		{
			name: "too few args",
			args: []interface{}{},
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			inv, err := fnTestNilFuncArgs.Invocation(c.args...)
			if !c.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !Is(InvalidInput, err) {
					t.Errorf("got %v, want InvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			out, err := inv.Apply(context.Background(), []int{1, 2, 3})
			if err != nil {
				t.Fatal(err)
			}
			if got, want := out, 3; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

var (
	fnTestSum = Func(func(chunk []int, offset int) int {
		n := offset
		for _, x := range chunk {
			n += x
		}
		return n
	})
	fnTestContext = Func(func(ctx context.Context, chunk []string) ([]string, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := make([]string, len(chunk))
		for i := range chunk {
			out[i] = strings.ToUpper(chunk[i])
		}
		return out, nil
	})
	errTestFunc = errors.New("test error")
	fnTestErr   = Func(func(chunk []int) (int, error) { return 0, errTestFunc })
)

func TestFuncApply(t *testing.T) {
	inv, err := fnTestSum.Invocation(10)
	if err != nil {
		t.Fatal(err)
	}
	out, err := inv.Apply(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out, 16; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := inv.FuncValue(), fnTestSum; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fnTestSum.Merge(), Collect; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := inv.Apply(context.Background(), []string{"x"}); !Is(InvalidInput, err) {
		t.Errorf("got %v, want InvalidInput", err)
	}
}

func TestFuncContext(t *testing.T) {
	fn := fnTestContext.Flatten()
	if got, want := fn.Merge(), Flatten; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Flatten does not alter the registered func.
	if got, want := fnTestContext.Merge(), Collect; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	inv, err := fn.Invocation()
	if err != nil {
		t.Fatal(err)
	}
	out, err := inv.Apply(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out, []string{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inv.Apply(ctx, []string{"a"}); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestFuncError(t *testing.T) {
	inv, err := fnTestErr.Invocation()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inv.Apply(context.Background(), []int{1}); err != errTestFunc {
		t.Errorf("got %v, want %v", err, errTestFunc)
	}
}

func expectTypeError(t *testing.T, message string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		e := recover()
		if e == nil {
			t.Fatal("expected panic")
		}
		err, ok := e.(*TypeError)
		if !ok {
			t.Fatalf("expected *TypeError, got %T", e)
		}
		if !strings.Contains(err.Error(), message) {
			t.Errorf("error %q does not contain %q", err, message)
		}
		if !strings.HasSuffix(err.File, "func_test.go") {
			t.Errorf("error attributed to %s", err.File)
		}
	}()
	fn()
}

func TestFuncTypeError(t *testing.T) {
	expectTypeError(t, "not a func", func() { Func(1) })
	expectTypeError(t, "slice of items", func() { Func(func(x int) int { return x }) })
	expectTypeError(t, "slice of items", func() { Func(func(ctx context.Context) int { return 0 }) })
	expectTypeError(t, "must be an error", func() { Func(func(x []int) (int, int) { return 0, 0 }) })
	expectTypeError(t, "single value", func() { Func(func(x []int) {}) })
	expectTypeError(t, "variadic", func() { Func(func(x []int, y ...int) int { return 0 }) })
	expectTypeError(t, "not a slice", func() { fnTestSum.Flatten() })
}

func TestFuncLocations(t *testing.T) {
	locs := FuncLocations()
	if got, want := len(locs), len(funcs); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	loc := locs[fnTestSum.index]
	if !strings.Contains(loc, "func_test.go:") {
		t.Errorf("unexpected location %q", loc)
	}
}
