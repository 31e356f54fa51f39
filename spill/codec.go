// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package spill

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"reflect"

	"github.com/grailbio/base/errors"
)

// Frame tags precede each encoded value. Gob cannot encode nil
// pointers, and it decodes empty slices and maps as nil ones, so these
// are recorded in the tag instead.
const (
	frameNil uint8 = iota
	frameValue
	frameEmpty
)

// frameOf returns the frame tag for value v.
func frameOf(v interface{}) uint8 {
	if v == nil {
		return frameNil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return frameNil
		}
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return frameNil
		}
		if rv.Len() == 0 {
			return frameEmpty
		}
	}
	return frameValue
}

// An encoder writes a single value to a spill file. The value is
// gob-encoded and followed by a CRC32 checksum of its encoding. Nil
// and empty values are recorded as such.
type encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

func newEncoder(w io.Writer) *encoder {
	crc := crc32.NewIEEE()
	return &encoder{
		enc: gob.NewEncoder(io.MultiWriter(w, crc)),
		crc: crc,
	}
}

// Encode encodes v. Panics raised while encoding, for example by a
// GobEncode method, are returned as errors.
func (e *encoder) Encode(v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.E(errors.Invalid, fmt.Sprintf("spill: encode %T: %v", v, r))
		}
	}()
	e.crc.Reset()
	frame := frameOf(v)
	if err := e.enc.Encode(frame); err != nil {
		return err
	}
	if frame == frameValue {
		if err := e.enc.Encode(v); err != nil {
			return err
		}
	}
	return e.enc.Encode(e.crc.Sum32())
}

// A decoder reads a value written by an encoder and verifies its
// checksum.
type decoder struct {
	dec *gob.Decoder
	crc hash.Hash32
}

func newDecoder(r io.Reader) *decoder {
	// The checksum must cover exactly the bytes consumed by gob. Gob
	// buffers readers that do not implement io.ByteReader, which would
	// desynchronize the checksum from the stream position, so we buffer
	// below the tee and present gob with a (fake) io.ByteReader.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	return &decoder{dec: gob.NewDecoder(readerByteReader{Reader: r}), crc: crc}
}

// Decode decodes the value into ptr, which must be a non-nil pointer.
// A nil value leaves *ptr set to its zero value; an empty slice or map
// is decoded as a non-nil empty one.
func (d *decoder) Decode(ptr interface{}) error {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		return errors.E(errors.Invalid, fmt.Sprintf("spill: decode into non-pointer %T", ptr))
	}
	d.crc.Reset()
	var frame uint8
	if err := d.dec.Decode(&frame); err != nil {
		return err
	}
	elem := pv.Elem()
	switch frame {
	case frameNil:
		elem.Set(reflect.Zero(elem.Type()))
	case frameValue:
		if err := d.dec.Decode(ptr); err != nil {
			return err
		}
	case frameEmpty:
		switch elem.Kind() {
		case reflect.Slice:
			elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		case reflect.Map:
			elem.Set(reflect.MakeMap(elem.Type()))
		default:
			return errors.E(errors.Integrity, fmt.Sprintf("spill: empty value decoded into %s", elem.Type()))
		}
	default:
		return errors.E(errors.Integrity, fmt.Sprintf("spill: invalid frame %d", frame))
	}
	sum := d.crc.Sum32()
	var decoded uint32
	if err := d.dec.Decode(&decoded); err != nil {
		return err
	}
	if sum != decoded {
		return errors.E(errors.Integrity, fmt.Sprintf("computed checksum %x but expected checksum %x", sum, decoded))
	}
	return nil
}

// readerByteReader provides an (invalid) implementation of
// io.ByteReader to gob.Decoder. See newDecoder.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}
