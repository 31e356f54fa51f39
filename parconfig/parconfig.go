// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package parconfig provides a mechanism to create a parallelize
// session from a shared configuration. Parconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.parallelize/config.
//
// A profile configures the "parallelize" instance, for example:
//
//	param parallelize (
//		parallelism = 8
//		spill-dir = "/mnt/scratch"
//	)
package parconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/parallelize/exec"
)

// Path determines the location of the parallelize profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.parallelize/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the parallelize configuration from Path. Parse returns a session as
// configured by the configuration and any flags provided, along with
// a function that shuts the session down. Parse panics if session
// creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("parallelize", &sess)
	return sess, sess.Shutdown
}
