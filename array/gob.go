// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package array

import (
	"bytes"
	"encoding/gob"
)

// GobEncode implements gob.GobEncoder. The backing slice is encoded
// through an interface so that the concrete element type travels
// with the data; element types beyond the scalars registered below
// must be registered by the caller.
func (a Array) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(a.IsZero()); err != nil {
		return nil, err
	}
	if a.IsZero() {
		return buf.Bytes(), nil
	}
	if err := enc.Encode(a.shape); err != nil {
		return nil, err
	}
	// Encoding through a pointer to interface transmits the backing
	// slice as an interface value, so the concrete slice type is
	// named in the stream and restored on decode.
	value := a.Interface()
	if err := enc.Encode(&value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (a *Array) GobDecode(p []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(p))
	var zero bool
	if err := dec.Decode(&zero); err != nil {
		return err
	}
	if zero {
		*a = Array{}
		return nil
	}
	var shape []int
	if err := dec.Decode(&shape); err != nil {
		return err
	}
	var slice interface{}
	if err := dec.Decode(&slice); err != nil {
		return err
	}
	*a = Of(slice, shape...)
	return nil
}

func init() {
	gob.Register(Array{})
	gob.Register([]bool{})
	gob.Register([]int{})
	gob.Register([]int32{})
	gob.Register([]int64{})
	gob.Register([]uint8{})
	gob.Register([]uint32{})
	gob.Register([]uint64{})
	gob.Register([]float32{})
	gob.Register([]float64{})
	gob.Register([]complex64{})
	gob.Register([]complex128{})
	gob.Register([]string{})
}
