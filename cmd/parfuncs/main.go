// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Parfuncs is a binary that exercises scenarios of Func creation that
// may fail to satisfy the invariant that all workers share common
// definitions of Funcs. When run with a bigmachine system, all
// scenarios should fail except for 'ok'.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/parconfig"
)

func count(chunk []int) int { return len(chunk) }

var makeFuncs = []func() *parallelize.FuncValue{
	func() *parallelize.FuncValue { return parallelize.Func(count) },
	func() *parallelize.FuncValue { return parallelize.Func(count) },
	func() *parallelize.FuncValue { return parallelize.Func(count) },
	func() *parallelize.FuncValue { return parallelize.Func(count) },
}

var items = []int{1, 2, 3, 4, 5, 6, 7, 8}

func ok() {
	funcs := make([]*parallelize.FuncValue, len(makeFuncs))
	for i, makeFunc := range makeFuncs {
		funcs[i] = makeFunc()
	}
	sess, shutdown := parconfig.Parse()
	defer shutdown()
	sess.Must(context.Background(), funcs[0], items)
}

func toolate() {
	sess, shutdown := parconfig.Parse()
	defer shutdown()
	f0 := makeFuncs[0]()
	sess.Must(context.Background(), f0, items)
}

func random() {
	rand.Seed(time.Now().UTC().UnixNano())
	rand.Shuffle(len(makeFuncs), func(i, j int) {
		makeFuncs[i], makeFuncs[j] = makeFuncs[j], makeFuncs[i]
	})
	funcs := make([]*parallelize.FuncValue, len(makeFuncs))
	for i, makeFunc := range makeFuncs {
		funcs[i] = makeFunc()
	}
	sess, shutdown := parconfig.Parse()
	defer shutdown()
	sess.Must(context.Background(), funcs[0], items)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: parfuncs test-name

Command parfuncs exercises scenarios of Func creation that may fail to
satisfy the invariant that all workers share common definitions of
Funcs. With a bigmachine system configured, all tests should fail
except for 'ok'.

Available tests are:

	ok
		Funcs are properly created.
	toolate
		Funcs are created after the session is started, so they are
		not available on workers.
	random
		Funcs are created in random order. (Note that this may not fail
		if all workers randomly produce the same funcs).

`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	if len(os.Args) < 2 {
		flag.Usage()
	}
	cmd := os.Args[len(os.Args)-1]
	switch cmd {
	case "ok":
		ok()
	case "toolate":
		toolate()
	case "random":
		random()
	default:
		fmt.Fprintf(os.Stderr, "unknown test %s\n", cmd)
		flag.Usage()
	}
}
