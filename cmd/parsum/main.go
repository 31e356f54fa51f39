// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Parsum is a demo program that sums the integers, one per line, in a
// set of files. The integers are divided into chunks that are summed
// in parallel. Files may be local or stored in S3.
//
// Usage:
//
//	parsum [-jobs n] [-spill] [-scale k] path...
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/parallelize"
	"github.com/grailbio/parallelize/exec"
	"github.com/grailbio/parallelize/parcmd"
)

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(session.Options{})))
}

var (
	sum = parallelize.Func(func(chunk []int64) int64 {
		var n int64
		for _, x := range chunk {
			n += x
		}
		return n
	})

	scale = parallelize.Func(func(ctx context.Context, chunk []int64, k int64) ([]int64, error) {
		out := make([]int64, len(chunk))
		for i, x := range chunk {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			out[i] = x * k
		}
		return out, nil
	}).Flatten()
)

func readInts(ctx context.Context, path string) (ints []int64, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	scan := bufio.NewScanner(f.Reader(ctx))
	for lineno := 1; scan.Scan(); lineno++ {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		x, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d", path, lineno), err)
		}
		ints = append(ints, x)
	}
	return ints, scan.Err()
}

func main() {
	var (
		jobs   = flag.Int("jobs", exec.DefaultJobs, "number of chunks")
		spill  = flag.Bool("spill", false, "pass chunk results through spill files")
		factor = flag.Int64("scale", 1, "multiply each integer by this factor before summing")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: parsum [flags] path...\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	parcmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) == 0 {
			flag.Usage()
		}
		ctx := context.Background()
		var ints []int64
		for _, path := range args {
			x, err := readInts(ctx, path)
			if err != nil {
				return err
			}
			ints = append(ints, x...)
		}
		opts := []exec.RunOption{exec.Jobs(*jobs)}
		if *spill {
			opts = append(opts, exec.Spill)
		}
		if *factor != 1 {
			res, err := sess.Run(ctx, scale, ints, append(opts, exec.Args(*factor))...)
			if err != nil {
				return err
			}
			ints = res.Value.([]int64)
		}
		res, err := sess.Run(ctx, sum, ints, opts...)
		if err != nil {
			return err
		}
		var total int64
		for _, n := range res.Value.([]int64) {
			total += n
		}
		log.Printf("summed %d integers in %d chunks: %s", len(ints), *jobs, res.Stats)
		fmt.Println(total)
		return nil
	})
}
