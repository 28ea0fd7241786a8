// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package array provides a reflection-based representation of
// fixed-shape, rectangular arrays of scalar or struct values.
// Arrays are stored as flat Go slices together with a shape; the
// first dimension is the "row" dimension along which arrays are
// split and joined by the collective operations in package comm.
//
// Arrays of pointer-free element types expose their underlying
// storage as a contiguous byte block, permitting bulk transfer
// without per-element marshalling.
package array

import (
	"fmt"
	"reflect"
)

// An Array is a fixed-shape array backed by a flat Go slice.
// The zero Array is empty and has no type.
type Array struct {
	val   reflect.Value
	shape []int
}

// New creates a new, zeroed array of the provided element type
// and shape.
func New(elem reflect.Type, shape ...int) Array {
	n := volume(shape)
	return Array{
		val:   reflect.MakeSlice(reflect.SliceOf(elem), n, n),
		shape: append([]int{}, shape...),
	}
}

// Of returns an array backed by the provided slice, interpreted
// with the given shape. The slice's length must equal the shape's
// volume. If no shape is given, the array is one-dimensional with
// the slice's length. Of panics if slice is not a slice or if the
// shape does not account for all of the slice's elements.
func Of(slice interface{}, shape ...int) Array {
	v := reflect.ValueOf(slice)
	if v.Kind() != reflect.Slice {
		panic(fmt.Sprintf("array.Of: %T is not a slice", slice))
	}
	if len(shape) == 0 {
		shape = []int{v.Len()}
	}
	if n := volume(shape); n != v.Len() {
		panic(fmt.Sprintf("array.Of: shape %v accounts for %d elements; slice has %d", shape, n, v.Len()))
	}
	return Array{val: v, shape: append([]int{}, shape...)}
}

// IsZero tells whether the array a is the zero-valued array.
func (a Array) IsZero() bool { return !a.val.IsValid() }

// Len returns the length of the array's first dimension. Empty
// arrays have length 0.
func (a Array) Len() int {
	if len(a.shape) == 0 {
		return 0
	}
	return a.shape[0]
}

// Shape returns the array's shape. The caller must not modify
// the returned slice.
func (a Array) Shape() []int { return a.shape }

// Elem returns the array's element type.
func (a Array) Elem() reflect.Type { return a.val.Type().Elem() }

// Interface returns the array's backing slice as an interface{}.
func (a Array) Interface() interface{} { return a.val.Interface() }

// Value returns the array's backing slice as a reflect.Value.
func (a Array) Value() reflect.Value { return a.val }

// RowVolume returns the number of elements in one row, i.e., the
// product of the array's trailing dimensions.
func (a Array) RowVolume() int {
	if len(a.shape) == 0 {
		return 0
	}
	return volume(a.shape[1:])
}

// RowSize returns the size in bytes of one row of the array: the
// product of the trailing dimensions and the element size. Bulk
// transfers move whole rows as single opaque blocks.
func (a Array) RowSize() int {
	return a.RowVolume() * int(a.Elem().Size())
}

// Slice returns the sub-array of rows [i, j).
func (a Array) Slice(i, j int) Array {
	rv := a.RowVolume()
	shape := append([]int{j - i}, a.shape[1:]...)
	return Array{val: a.val.Slice(i*rv, j*rv), shape: shape}
}

// Reshape returns an array sharing a's storage with a new shape.
// The new shape's volume must match the old.
func (a Array) Reshape(shape ...int) Array {
	if volume(shape) != a.val.Len() {
		panic(fmt.Sprintf("array.Reshape: shape %v does not match length %d", shape, a.val.Len()))
	}
	return Array{val: a.val, shape: append([]int{}, shape...)}
}

// NumField returns the number of fields of the array's element
// type. It is 0 for non-struct elements.
func (a Array) NumField() int {
	if a.Elem().Kind() != reflect.Struct {
		return 0
	}
	return a.Elem().NumField()
}

// Field returns a new array holding a copy of field i of each
// element. The returned array has the same shape as a.
func (a Array) Field(i int) Array {
	ftyp := a.Elem().Field(i).Type
	out := New(ftyp, a.shape...)
	for j := 0; j < a.val.Len(); j++ {
		out.val.Index(j).Set(a.val.Index(j).Field(i))
	}
	return out
}

// SetField copies the values of the provided array into field i of
// each of a's elements. The arrays must have equal lengths.
func (a Array) SetField(i int, f Array) {
	if a.val.Len() != f.val.Len() {
		panic("array.SetField: length mismatch")
	}
	for j := 0; j < a.val.Len(); j++ {
		a.val.Index(j).Field(i).Set(f.val.Index(j))
	}
}

// AppendRows returns an array comprising the rows of the provided
// arrays, which must share element type and trailing dimensions.
func AppendRows(arrays ...Array) Array {
	var (
		n     int
		first = arrays[0]
	)
	for _, a := range arrays {
		n += a.Len()
	}
	shape := append([]int{n}, first.shape[1:]...)
	out := New(first.Elem(), shape...)
	off := 0
	for _, a := range arrays {
		reflect.Copy(out.val.Slice(off, off+a.val.Len()), a.val)
		off += a.val.Len()
	}
	return out
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
