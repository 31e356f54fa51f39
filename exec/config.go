// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("parallelize", func(inst *config.Instance) {
		var (
			parallelism int
			spillDir    string
			system      bigmachine.System
		)
		inst.IntVar(&parallelism, "parallelism", 0, "maximum number of concurrently processed chunks; 0 means unlimited")
		inst.StringVar(&spillDir, "spill-dir", "", "directory in which spill files are staged; defaults to the system's temporary directory")
		inst.InstanceVar(&system, "system", "", "the bigmachine system used to process chunks; chunks are processed in-process if empty")
		inst.Doc = "parallelize configures the parallelize runtime"
		inst.New = func() (interface{}, error) {
			if parallelism < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("parallelize: invalid parallelism %d", parallelism))
			}
			opts := []Option{Parallelism(parallelism), SpillDir(spillDir)}
			if system != nil {
				opts = append(opts, Bigmachine(system))
			} else {
				opts = append(opts, Local)
			}
			return Start(opts...), nil
		}
	})
}
