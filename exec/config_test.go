// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/config"
)

func TestConfig(t *testing.T) {
	profile := config.New()
	err := profile.Parse(strings.NewReader(`
param parallelize (
	parallelism = 3
	spill-dir = "/tmp"
)
`))
	if err != nil {
		t.Fatal(err)
	}
	var sess *Session
	if err := profile.Instance("parallelize", &sess); err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	if got, want := sess.Parallelism(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.spillDir, "/tmp"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.executor.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	res, err := sess.Run(context.Background(), fnSum, []int{1, 2, 3, 4}, Spill)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.Value, []int{3, 7}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConfigInvalid(t *testing.T) {
	profile := config.New()
	if err := profile.Parse(strings.NewReader(`param parallelize parallelism = -1`)); err != nil {
		t.Fatal(err)
	}
	var sess *Session
	if err := profile.Instance("parallelize", &sess); err == nil {
		t.Error("expected error")
	}
}
