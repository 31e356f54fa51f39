// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package spill implements a file-backed staging area for large
// values. A value is spilled once, by its producer, to a new file;
// the returned handle is passed to the consumer, which loads the value
// exactly once. Loading removes the file.
package spill

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// A Handle names a spilled value.
type Handle struct {
	// Path is the location of the spill file.
	Path string
	// Size is the encoded size of the value, in bytes.
	Size int64
}

// IsZero tells whether h is the zero handle.
func (h Handle) IsZero() bool { return h.Path == "" }

// A Store manages a directory of spill files. Each file is owned by
// the holder of its handle, so a Store requires no locking; stores
// may be shared by concurrent producers.
type Store string

// NewStore creates and returns a new store backed by a fresh
// directory in dir. If dir is empty, the system's temporary
// directory is used.
func NewStore(dir, name string) (Store, error) {
	d, err := ioutil.TempDir(dir, fmt.Sprintf("spill-%s-", name))
	if err != nil {
		return "", errors.E("spill.NewStore", err)
	}
	return Store(d), nil
}

// Spill writes the provided value to a new, uniquely named file in
// the store and returns its handle. The value must be encodable by
// encoding/gob. Nil and empty slices, maps and pointers at the top
// level of v are restored as such by Load; below it, gob's rules
// apply. Garbage collection is suspended while the value is encoded.
// The prefix is included in the file's name. If encoding fails, the
// file is removed.
func (s Store) Spill(ctx context.Context, prefix string, v interface{}) (h Handle, err error) {
	h.Path = file.Join(string(s), fmt.Sprintf("%s-%s", prefix, uuid.New()))
	f, err := file.Create(ctx, h.Path)
	if err != nil {
		return Handle{}, errors.E(fmt.Sprintf("spill: create %s", h.Path), err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := file.Remove(ctx, h.Path); rmErr != nil {
			log.Error.Printf("spill: remove %s: %v", h.Path, rmErr)
		}
		h = Handle{}
	}()
	bw := bufio.NewWriter(f.Writer(ctx))
	w := &countingWriter{w: bw}
	err = func() error {
		resume := suspendGC()
		defer resume()
		return newEncoder(w).Encode(v)
	}()
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		_ = f.Close(ctx)
		return h, errors.E(fmt.Sprintf("spill: encode %s", h.Path), err)
	}
	if err = f.Close(ctx); err != nil {
		return h, errors.E(fmt.Sprintf("spill: close %s", h.Path), err)
	}
	h.Size = w.n
	return h, nil
}

// Load decodes the value named by the handle h into ptr, which must
// be a pointer to a value of the spilled type. The spill file is
// removed when Load returns, whether or not the value was decoded
// successfully.
func Load(ctx context.Context, h Handle, ptr interface{}) (err error) {
	if h.IsZero() {
		return errors.E(errors.Invalid, "spill: load of zero handle")
	}
	defer errors.CleanUpCtx(ctx, func(ctx context.Context) error {
		return file.Remove(ctx, h.Path)
	}, &err)
	f, err := file.Open(ctx, h.Path)
	if err != nil {
		return errors.E(fmt.Sprintf("spill: open %s", h.Path), err)
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	if err := newDecoder(f.Reader(ctx)).Decode(ptr); err != nil {
		return errors.E(fmt.Sprintf("spill: decode %s", h.Path), err)
	}
	return nil
}

// Len returns the number of spill files currently in the store.
func (s Store) Len() (int, error) {
	infos, err := ioutil.ReadDir(string(s))
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}

// Cleanup removes the store's directory along with any spill files
// that were not loaded.
func (s Store) Cleanup() error {
	return os.RemoveAll(string(s))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
