/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package digest

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestNewKnown(t *testing.T) {
	for _, name := range Names() {
		h, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		if h.Size() <= 0 || h.Size() > MaxSize {
			t.Fatalf("%s has a bad size %d", name, h.Size())
		}
		if h.Name() != name {
			t.Fatalf("name mismatch %s != %s", h.Name(), name)
		}
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New(`whirlpool9000`); err == nil {
		t.Fatal("expected an error on an unknown digest name")
	}
}

func TestSum(t *testing.T) {
	h, err := New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte(`hello`))
	if got := h.Sum([]byte(`hello`)); !bytes.Equal(got, want[:]) {
		t.Fatalf("sum mismatch %x != %x", got, want)
	}
}

func TestZeroMemoized(t *testing.T) {
	h, err := New(`sha256`)
	if err != nil {
		t.Fatal(err)
	}
	z1 := h.Zero()
	z2 := h.Zero()
	if !bytes.Equal(z1, z2) {
		t.Fatal("zero digest is not stable")
	}
	if !bytes.Equal(z1, h.Sum(nil)) {
		t.Fatal("zero digest is not the empty input digest")
	}
}

func TestStreamMatchesSum(t *testing.T) {
	h, err := New(`sha3-256`)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte(`a longer input that we will chunk`)
	s := h.Stream()
	s.Update(data[:7])
	s.Update(data[7:20])
	if got := s.Finup(data[20:]); !bytes.Equal(got, h.Sum(data)) {
		t.Fatal("streamed digest disagrees with one shot")
	}
}

func TestHexRoundTrip(t *testing.T) {
	h, err := New(`sha1`)
	if err != nil {
		t.Fatal(err)
	}
	d := h.Sum([]byte(`x`))
	enc := Encode(d)
	dec, err := Decode(enc, h.Size())
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(d, dec) {
		t.Fatal("hex round trip mismatch")
	}
	if _, err = Decode(enc, h.Size()+1); err == nil {
		t.Fatal("expected a length error")
	}
	if _, err = Decode(`zz`, 1); err == nil {
		t.Fatal("expected a hex error")
	}
}

func TestEqual(t *testing.T) {
	if !Equal(nil, nil) {
		t.Fatal("nil digests should match")
	}
	if Equal([]byte{1}, []byte{1, 2}) {
		t.Fatal("length mismatch should not match")
	}
	if Equal([]byte{1, 2}, []byte{1, 3}) {
		t.Fatal("differing bytes should not match")
	}
}
