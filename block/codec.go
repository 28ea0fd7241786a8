// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpipe/comm"
)

// blockImage is the on-disk representation of a block. Entries are
// stored item-by-item so that a partially unencodable block fails on
// the offending key rather than opaquely. The process-group section
// is never persisted.
type blockImage struct {
	Items   []Item
	Aliases map[string]string
}

// Encode writes the block to w as a gob stream followed by a crc32
// checksum of the encoded bytes. The process-group section is
// skipped.
func (b *Block) Encode(w io.Writer) error {
	crc := crc32.NewIEEE()
	enc := gob.NewEncoder(io.MultiWriter(w, crc))
	image := blockImage{Aliases: b.mapping.flatten()}
	for _, item := range b.Items() {
		if item.Key.Section == ProcessGroupSection {
			continue
		}
		image.Items = append(image.Items, item)
	}
	if err := enc.Encode(image); err != nil {
		// Attribute gob's own complaints to unencodable user values.
		if strings.HasPrefix(err.Error(), "gob: ") {
			err = errors.E(errors.Fatal, err)
		}
		return err
	}
	return enc.Encode(crc.Sum32())
}

// Decode reads a block image produced by Encode from r and replaces
// the receiver's entries and mapping with it. The receiver's
// process-group section is left untouched.
func (b *Block) Decode(r io.Reader) error {
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	dec := gob.NewDecoder(readerByteReader{Reader: r})
	var image blockImage
	if err := dec.Decode(&image); err != nil {
		return err
	}
	sum := crc.Sum32()
	var decoded uint32
	if err := dec.Decode(&decoded); err != nil {
		return err
	}
	if sum != decoded {
		return errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
	}
	for section := range b.data {
		if section == ProcessGroupSection {
			continue
		}
		delete(b.data, section)
	}
	for _, item := range image.Items {
		b.setRaw(item.Key, item.Value)
	}
	mapping, err := NewMapping(image.Aliases)
	if err != nil {
		return err
	}
	b.mapping = mapping
	return nil
}

// Save writes the block to the named file.
func (b *Block) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return b.Encode(f)
}

// Load reads a block previously written by Save. The returned block
// carries the provided communicator.
func Load(path string, c comm.Comm) (*Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b := New(c)
	if err := b.Decode(f); err != nil {
		return nil, err
	}
	return b, nil
}

// flatten renders the mapping as the string form accepted by
// NewMapping.
func (m Mapping) flatten() map[string]string {
	flat := make(map[string]string, len(m.keys)+len(m.sections))
	for from, to := range m.keys {
		flat[from.String()] = to.String()
	}
	for from, to := range m.sections {
		flat[from] = to
	}
	return flat
}

// readerByteReader is used to provide an (invalid) implementation of
// io.ByteReader to gob.Decoder so that it does not insert its own
// buffering between us and the checksummed stream.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}
