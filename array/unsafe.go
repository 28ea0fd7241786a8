// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package array

import (
	"reflect"
	"unsafe"
)

// Pointers reports whether type t contains any pointers. Arrays of
// pointer-free types may be transferred as raw byte blocks.
func pointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return pointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if pointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// HasBytes tells whether the array's storage can be viewed as a
// contiguous byte block, i.e., whether its element type is free of
// pointers.
func (a Array) HasBytes() bool {
	return !a.IsZero() && !pointers(a.Elem())
}

// Bytes returns a byte slice aliasing the array's underlying
// storage. Writes to the returned slice are visible through the
// array and vice versa. Bytes panics if the element type contains
// pointers.
func (a Array) Bytes() []byte {
	if pointers(a.Elem()) {
		panic("array.Bytes: element type " + a.Elem().String() + " contains pointers")
	}
	n := a.val.Len() * int(a.Elem().Size())
	return unsafe.Slice((*byte)(unsafe.Pointer(a.val.Pointer())), n)
}
