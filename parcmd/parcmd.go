// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package parcmd provides utilities for implementing command line
// tools that run parallelize dispatches. The main entry point,
// parcmd.Main, configures a session according to a common set of
// flags, and then invokes the user's driver code.
//
// A parcmd tool follows this form:
//
//	func main() {
//		parcmd.Main(func(sess *exec.Session, args []string) error {
//			ctx := context.Background()
//			res, err := sess.Run(ctx, MyFunc, items, exec.Jobs(8))
//			if err != nil {
//				return err
//			}
//			// Do something with res.Value...
//			return nil
//		})
//	}
package parcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the diagnostic web server.
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/parallelize/exec"
)

var (
	mu      sync.Mutex
	systems = map[string]bigmachine.System{
		"local": bigmachine.Local,
	}
)

// RegisterSystem registers a bigmachine system for use in this
// parcmd. The named registration is recalled via the -system
// flag.
func RegisterSystem(name string, system bigmachine.System) {
	mu.Lock()
	defer mu.Unlock()
	if systems[name] != nil {
		log.Panicf("system %s is already registered", name)
	}
	systems[name] = system
}

// Flags holds the values of the flags registered by RegisterFlags.
type Flags struct {
	// Local processes chunks in goroutines of the driver process
	// instead of bigmachine worker processes.
	Local bool
	// System names the registered bigmachine system used when Local
	// is false.
	System string
	// Parallelism limits the number of concurrently processed chunks.
	Parallelism int
	// SpillDir is the directory in which spill files are staged.
	SpillDir string
	// ConsoleStatus displays dispatch status on the console.
	ConsoleStatus bool
	// HTTPAddress is the address of the diagnostic web server; it is
	// not started if empty.
	HTTPAddress string
}

// RegisterFlags registers parallelize flags in fs. Each flag name is
// prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, fl *Flags, prefix string) {
	fs.BoolVar(&fl.Local, prefix+"local", true, "process chunks in goroutines of this process")
	fs.StringVar(&fl.System, prefix+"system", "local", "bigmachine system used to process chunks when -"+prefix+"local=false; one of "+systemNames())
	fs.IntVar(&fl.Parallelism, prefix+"parallelism", 0, "maximum number of concurrently processed chunks; 0 means unlimited")
	fs.StringVar(&fl.SpillDir, prefix+"spill-dir", "", "directory in which spill files are staged")
	fs.BoolVar(&fl.ConsoleStatus, prefix+"status", false, "print dispatch status to stdout")
	fs.StringVar(&fl.HTTPAddress, prefix+"http", "", "address of the diagnostic web server")
}

func systemNames() string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(systems))
	for name := range systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Options returns the session options configured by fl.
func (fl Flags) Options() ([]exec.Option, error) {
	if fl.Parallelism < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid parallelism %d", fl.Parallelism))
	}
	options := []exec.Option{exec.Parallelism(fl.Parallelism), exec.SpillDir(fl.SpillDir)}
	if fl.Local {
		options = append(options, exec.Local)
	} else {
		mu.Lock()
		system := systems[fl.System]
		mu.Unlock()
		if system == nil {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("system %s not found; available systems: %s", fl.System, systemNames()))
		}
		options = append(options, exec.Bigmachine(system))
	}
	if fl.ConsoleStatus || fl.HTTPAddress != "" {
		options = append(options, exec.Status(new(status.Status)))
	}
	return options, nil
}

// Main is a convenient entry point for a parcmd. Main does not return;
// it should be called after other initialization is performed. Main
// parses (global) flags, and configures a session accordingly. Main
// then invokes the provided func with the session and the unparsed
// arguments.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl Flags
	RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session configured by the supplied flags.
func Init(fl Flags) (*exec.Session, error) {
	options, err := fl.Options()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(fl, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page, depending on the flags. The web page
// is hosted at /debug/status on http.DefaultServeMux.
func DisplayStatus(fl Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if fl.HTTPAddress != "" {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP status at: %v", fl.HTTPAddress)
			if err := http.ListenAndServe(fl.HTTPAddress, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", fl.HTTPAddress, err)
			}
		}()
	}
}
