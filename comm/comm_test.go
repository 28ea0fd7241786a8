// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestSelf(t *testing.T) {
	c := Self()
	if got, want := c.Rank(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	ctx := context.Background()
	v, err := Bcast(ctx, c, 0, "solo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "solo"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSendRecv(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, 2, func(ctx context.Context, c Comm) error {
		switch c.Rank() {
		case 0:
			for i := 0; i < 3; i++ {
				if err := c.Send(ctx, 1, 7, i); err != nil {
					return err
				}
			}
		case 1:
			for i := 0; i < 3; i++ {
				m, err := c.Recv(ctx, 0, 7)
				if err != nil {
					return err
				}
				if got, want := m.Value, i; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
				if got, want := m.Source, 0; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecvWildcard(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, 3, func(ctx context.Context, c Comm) error {
		if c.Rank() != 0 {
			return c.Send(ctx, 0, c.Rank(), c.Rank()*10)
		}
		seen := make(map[int]bool)
		for i := 0; i < 2; i++ {
			m, err := c.Recv(ctx, AnySource, AnyTag)
			if err != nil {
				return err
			}
			if got, want := m.Value, m.Source*10; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			seen[m.Source] = true
		}
		if got, want := len(seen), 2; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecvCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c := NewGroup(2)[0]
	_, err := c.Recv(ctx, 1, AnyTag)
	if got, want := err, context.DeadlineExceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBarrier(t *testing.T) {
	ctx := context.Background()
	var entered int32
	err := Run(ctx, 4, func(ctx context.Context, c Comm) error {
		atomic.AddInt32(&entered, 1)
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		if got, want := atomic.LoadInt32(&entered), int32(4); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBcast(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, 4, func(ctx context.Context, c Comm) error {
		var value interface{}
		if c.Rank() == 2 {
			value = "hello"
		}
		v, err := Bcast(ctx, c, 2, value)
		if err != nil {
			return err
		}
		if got, want := v, "hello"; got != want {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGather(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, 4, func(ctx context.Context, c Comm) error {
		vs, err := Gather(ctx, c, 0, c.Rank()*c.Rank())
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			if vs != nil {
				t.Errorf("rank %d: unexpected gather result %v", c.Rank(), vs)
			}
			return nil
		}
		if got, want := vs, []interface{}{0, 1, 4, 9}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAllGather(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, 3, func(ctx context.Context, c Comm) error {
		vs, err := AllGather(ctx, c, c.Rank()+1)
		if err != nil {
			return err
		}
		if got, want := vs, []interface{}{1, 2, 3}; !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSplit(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, 5, func(ctx context.Context, c Comm) error {
		// Even ranks form one sub-group, odd ranks another. Keys
		// reverse the even group's rank order.
		sub, err := c.Split(ctx, c.Rank()%2, -c.Rank())
		if err != nil {
			return err
		}
		switch c.Rank() % 2 {
		case 0:
			if got, want := sub.Size(), 3; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			// Ranks 0, 2, 4 have keys 0, -2, -4: sub-ranks 2, 1, 0.
			if got, want := sub.Rank(), (4-c.Rank())/2; got != want {
				t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
			}
		case 1:
			if got, want := sub.Size(), 2; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
		// The sub-group must be usable as a group of its own.
		v, err := Bcast(ctx, sub, 0, c.Rank()%2)
		if err != nil {
			return err
		}
		if got, want := v, c.Rank()%2; got != want {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		return sub.Free()
	})
	if err != nil {
		t.Fatal(err)
	}
}
