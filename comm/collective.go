// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/array"
)

func init() {
	gob.Register(arrayMeta{})
	// AllGather broadcasts the gathered []interface{}; groups whose
	// transport gob-encodes messages need it and the composite
	// value types registered wherever comm is linked in.
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

// arrayMeta describes an array in flight. Proto carries an empty
// slice of the element type so that receivers can allocate storage
// of the right concrete type; gob transports the concrete type with
// the value, and in-process groups pass it through directly.
type arrayMeta struct {
	Proto  interface{}
	Shape  []int
	Scalar bool
	Value  interface{}
}

func metaOf(a array.Array) arrayMeta {
	return arrayMeta{
		Proto: reflect.MakeSlice(a.Value().Type(), 0, 0).Interface(),
		Shape: a.Shape(),
	}
}

func (m arrayMeta) elem() reflect.Type {
	return reflect.TypeOf(m.Proto).Elem()
}

func (m arrayMeta) alloc(shape []int) array.Array {
	return array.New(m.elem(), shape...)
}

// bulky tells whether arrays of elem move as raw byte blocks (true)
// or recurse field-by-field (false, struct elements with pointers).
func bulky(elem reflect.Type) (bool, error) {
	if a := array.New(elem, 0); a.HasBytes() {
		return true, nil
	}
	if elem.Kind() == reflect.Struct {
		return false, nil
	}
	return false, errors.E(errors.Fatal, fmt.Errorf("comm: array element type %s cannot be transferred in bulk", elem))
}

// BroadcastArray broadcasts value from root to all ranks of c. An
// array.Array payload is announced by its shape and element type
// first, then moved as one contiguous byte block per destination,
// avoiding per-element marshalling; struct-element arrays without a
// raw byte view recurse field by field. Any other value falls back
// to the generic Bcast. Every rank returns the broadcast value.
func BroadcastArray(ctx context.Context, c Comm, root int, value interface{}) (interface{}, error) {
	var meta arrayMeta
	if c.Rank() == root {
		if a, ok := value.(array.Array); ok {
			meta = metaOf(a)
		} else {
			meta = arrayMeta{Scalar: true, Value: value}
		}
	}
	v, err := Bcast(ctx, c, root, meta)
	if err != nil {
		return nil, err
	}
	meta = v.(arrayMeta)
	if meta.Scalar {
		return meta.Value, nil
	}
	var a array.Array
	if c.Rank() == root {
		a = value.(array.Array)
	} else {
		a = meta.alloc(meta.Shape)
	}
	raw, err := bulky(meta.elem())
	if err != nil {
		return nil, err
	}
	if !raw {
		for i := 0; i < meta.elem().NumField(); i++ {
			var f interface{}
			if c.Rank() == root {
				f = a.Field(i)
			}
			fv, err := BroadcastArray(ctx, c, root, f)
			if err != nil {
				return nil, err
			}
			if c.Rank() != root {
				a.SetField(i, fv.(array.Array))
			}
		}
		return a, nil
	}
	if c.Rank() == root {
		for rank := 0; rank < c.Size(); rank++ {
			if rank == root {
				continue
			}
			if err := c.Send(ctx, rank, tagArrayData, a.Bytes()); err != nil {
				return nil, err
			}
		}
		return a, nil
	}
	m, err := c.Recv(ctx, root, tagArrayData)
	if err != nil {
		return nil, err
	}
	if err := copyBlock(a, m.Value); err != nil {
		return nil, err
	}
	return a, nil
}

// GatherArray gathers the rows of each rank's array to root, which
// receives an array whose first dimension is the sum of the ranks'
// lengths, ordered by rank. Trailing dimensions and element types
// must agree across ranks. On non-root ranks the returned value is
// the zero Array. Non-array values fall back to the generic Gather
// and return the gathered []interface{} on root.
func GatherArray(ctx context.Context, c Comm, root int, value interface{}) (interface{}, error) {
	a, ok := value.(array.Array)
	if !ok {
		return Gather(ctx, c, root, value)
	}
	// Counts and offsets are computed once from the allgathered
	// per-rank lengths and reused for the block transfers.
	lens, err := AllGather(ctx, c, a.Len())
	if err != nil {
		return nil, err
	}
	counts := make([]int, c.Size())
	total := 0
	for i, v := range lens {
		counts[i] = v.(int)
		total += counts[i]
	}
	raw, err := bulky(a.Elem())
	if err != nil {
		return nil, err
	}
	if !raw {
		var recv array.Array
		if c.Rank() == root {
			recv = array.New(a.Elem(), append([]int{total}, a.Shape()[1:]...)...)
		}
		for i := 0; i < a.NumField(); i++ {
			fv, err := GatherArray(ctx, c, root, a.Field(i))
			if err != nil {
				return nil, err
			}
			if c.Rank() == root {
				recv.SetField(i, fv.(array.Array))
			}
		}
		if c.Rank() == root {
			return recv, nil
		}
		return array.Array{}, nil
	}
	if c.Rank() != root {
		if a.Len() > 0 {
			if err := c.Send(ctx, root, tagArrayData, a.Bytes()); err != nil {
				return nil, err
			}
		}
		return array.Array{}, nil
	}
	recv := array.New(a.Elem(), append([]int{total}, a.Shape()[1:]...)...)
	off := 0
	for rank := 0; rank < c.Size(); rank++ {
		dst := recv.Slice(off, off+counts[rank])
		switch {
		case rank == root:
			copy(dst.Bytes(), a.Bytes())
		case counts[rank] > 0:
			m, err := c.Recv(ctx, rank, tagArrayData)
			if err != nil {
				return nil, err
			}
			if err := copyBlock(dst, m.Value); err != nil {
				return nil, err
			}
		}
		off += counts[rank]
	}
	return recv, nil
}

// AllGatherArray gathers the rows of each rank's array and returns
// the concatenation, ordered by rank, on every rank.
func AllGatherArray(ctx context.Context, c Comm, value interface{}) (interface{}, error) {
	gathered, err := GatherArray(ctx, c, 0, value)
	if err != nil {
		return nil, err
	}
	return BroadcastArray(ctx, c, 0, gathered)
}

// ScatterArray splits the rows of root's array across the ranks of
// c. If counts is nil the rows are divided as evenly as possible,
// with earlier ranks receiving the remainder. Every rank returns
// its own chunk, which never aliases root's storage.
func ScatterArray(ctx context.Context, c Comm, root int, value interface{}, counts []int) (array.Array, error) {
	var meta arrayMeta
	if c.Rank() == root {
		a, ok := value.(array.Array)
		if !ok {
			return array.Array{}, fmt.Errorf("comm.ScatterArray: root value %T is not an array", value)
		}
		meta = metaOf(a)
	}
	v, err := Bcast(ctx, c, root, meta)
	if err != nil {
		return array.Array{}, err
	}
	meta = v.(arrayMeta)
	size := c.Size()
	if counts == nil {
		counts = make([]int, size)
		n, rem := meta.Shape[0]/size, meta.Shape[0]%size
		for i := range counts {
			counts[i] = n
			if i < rem {
				counts[i]++
			}
		}
	} else if len(counts) != size {
		return array.Array{}, fmt.Errorf("comm.ScatterArray: %d counts for group of size %d", len(counts), size)
	}
	sum := 0
	for _, n := range counts {
		sum += n
	}
	if sum != meta.Shape[0] {
		return array.Array{}, fmt.Errorf("comm.ScatterArray: counts sum to %d; array has %d rows", sum, meta.Shape[0])
	}
	raw, err := bulky(meta.elem())
	if err != nil {
		return array.Array{}, err
	}
	if !raw {
		local := meta.alloc(append([]int{counts[c.Rank()]}, meta.Shape[1:]...))
		for i := 0; i < meta.elem().NumField(); i++ {
			var f interface{}
			if c.Rank() == root {
				f = value.(array.Array).Field(i)
			}
			fv, err := ScatterArray(ctx, c, root, f, counts)
			if err != nil {
				return array.Array{}, err
			}
			local.SetField(i, fv)
		}
		return local, nil
	}
	if c.Rank() == root {
		a := value.(array.Array)
		var local array.Array
		off := 0
		for rank := 0; rank < size; rank++ {
			chunk := a.Slice(off, off+counts[rank])
			if rank == root {
				local = array.New(a.Elem(), chunk.Shape()...)
				reflect.Copy(local.Value(), chunk.Value())
			} else if counts[rank] > 0 {
				if err := c.Send(ctx, rank, tagArrayData, chunk.Bytes()); err != nil {
					return array.Array{}, err
				}
			}
			off += counts[rank]
		}
		return local, nil
	}
	local := meta.alloc(append([]int{counts[c.Rank()]}, meta.Shape[1:]...))
	if counts[c.Rank()] > 0 {
		m, err := c.Recv(ctx, root, tagArrayData)
		if err != nil {
			return array.Array{}, err
		}
		if err := copyBlock(local, m.Value); err != nil {
			return array.Array{}, err
		}
	}
	return local, nil
}

// copyBlock copies a received byte block into the destination
// array's storage.
func copyBlock(dst array.Array, value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("comm: expected byte block, got %T", value)
	}
	if len(b) != len(dst.Bytes()) {
		return errors.E(errors.Integrity, fmt.Errorf("comm: block of %d bytes does not fit destination of %d", len(b), len(dst.Bytes())))
	}
	copy(dst.Bytes(), b)
	return nil
}
