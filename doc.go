// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package parallelize implements chunked data parallelism. A
	dispatch divides a slice of items into contiguous chunks, applies
	a function to each chunk concurrently, and reassembles the
	per-chunk results in input order.

	Chunk functions are registered with Func and run by sessions
	(package github.com/grailbio/parallelize/exec). Sessions process
	chunks either in goroutines of the driver process or in worker
	processes managed by bigmachine. In either case user code does not
	change.

	Because Go cannot serialize code to be sent to another process,
	programs that use worker processes must follow a few rules:

	1. All chunk functions must be created by parallelize.Func, and all
	such functions must be created before exec.Start is called. If funcs
	are global variables, and exec.Start is called from a program's
	main, then the program is compliant.

	2. Chunk items, extra arguments, and results must be encodable by
	encoding/gob. Func registers the declared types; concrete types
	carried in interface values must be registered by the user.

	3. Results that are spilled are staged in files, which must be
	reachable by both the worker processes and the driver.

	Partitioning

	A dispatch of length items into n chunks places chunk boundaries at
	multiples of length/n. The last chunk absorbs the remainder, so it
	may be up to n-1 items larger than the others. The number of chunks
	must be at least 1 and less than the number of items.

	Merging

	Per-chunk results are merged according to the strategy declared
	with the function. By default (Collect) a function returning R
	produces a []R, one element per chunk. Functions marked with
	FuncValue.Flatten return slices, which are concatenated.
*/
package parallelize
