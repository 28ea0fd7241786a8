// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigpipe/array"
	"github.com/grailbio/testutil"
)

func TestCodecRoundTrip(t *testing.T) {
	b := New(nil)
	b.Set("cosmo", "h", 0.7)
	b.Set("cosmo", "name", "planck")
	b.Set("data", "flags", []interface{}{true, false})
	b.Set("data", "meta", map[string]interface{}{"n": 3})
	b.Set(CommonSection, "seed", 42)
	m, err := NewMapping(map[string]string{"params": "cosmo"})
	if err != nil {
		t.Fatal(err)
	}
	b.SetMapping(m)

	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	c := New(nil)
	if err := c.Decode(&buf); err != nil {
		t.Fatal(err)
	}
	var got, want []Item
	for _, item := range b.Items() {
		if item.Key.Section == ProcessGroupSection {
			continue
		}
		want = append(want, item)
	}
	for _, item := range c.Items() {
		if item.Key.Section == ProcessGroupSection {
			continue
		}
		got = append(got, item)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// The mapping survives, and the decoded block keeps its own
	// process group.
	if got, want := c.GetDefault("params", "h", nil), 0.7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if c.Comm() == nil {
		t.Error("decoded block lost its communicator")
	}
}

func TestCodecArray(t *testing.T) {
	b := New(nil)
	b.Set("data", "positions", array.Of([]float64{1, 2, 3, 4, 5, 6}, 2, 3))

	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	c := New(nil)
	if err := c.Decode(&buf); err != nil {
		t.Fatal(err)
	}
	a := c.GetDefault("data", "positions", nil).(array.Array)
	if got, want := a.Shape(), []int{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := a.Interface(), []float64{1, 2, 3, 4, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCodecCorrupt(t *testing.T) {
	b := New(nil)
	b.Set("data", "x", 1)
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	p := buf.Bytes()
	p[len(p)/2]++
	if err := New(nil).Decode(bytes.NewReader(p)); err == nil {
		t.Fatal("expected error from corrupted stream")
	}
}

func TestCodecUnencodable(t *testing.T) {
	b := New(nil)
	b.Set("data", "ch", make(chan int))
	var buf bytes.Buffer
	if err := b.Encode(&buf); err == nil {
		t.Fatal("expected error for unencodable value")
	}
}

func TestSaveLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "block.bin")

	b := New(nil)
	f := fuzz.New().NilChance(0)
	var values []float64
	f.NumElements(1, 100).Fuzz(&values)
	b.Set("data", "values", array.Of(values))
	var name string
	f.Fuzz(&name)
	b.Set("data", "name", name)

	if err := b.Save(path); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.GetDefault("data", "name", nil), name; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a := c.GetDefault("data", "values", nil).(array.Array)
	if got, want := a.Interface(), values; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
