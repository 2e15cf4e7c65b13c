/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package digest is a thin façade over the hash primitives used to map
// security events into coefficients.  Primitives are selected by name per
// modeling domain; every handle carries a memoized zero digest so that the
// rest of the engine never hashes empty input twice.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"
)

const (
	// MaxSize is the largest digest the engine will carry, coefficients
	// and chain values are always <= MaxSize bytes.
	MaxSize = 64
)

var (
	ErrUnknownDigest = errors.New("Unknown digest name")
	ErrCryptoFailure = errors.New("Hash primitive failure")
	ErrBadHexLength  = errors.New("Invalid hex value length")
)

type factory func() hash.Hash

var algs = map[string]factory{
	`md5`:      md5.New,
	`sha1`:     sha1.New,
	`sha256`:   sha256.New,
	`sha384`:   sha512.New384,
	`sha512`:   sha512.New,
	`sha3-256`: sha3.New256,
	`sha3-512`: sha3.New512,
}

// Handle is an allocated hash primitive bound to a single algorithm.
// Handles are safe for concurrent use, each operation gets its own
// hash state.
type Handle struct {
	name string
	mk   factory
	size int

	zeroOnce sync.Once
	zero     []byte
}

// New allocates a handle for the named algorithm.
func New(name string) (*Handle, error) {
	mk, ok := algs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDigest, name)
	}
	return &Handle{
		name: name,
		mk:   mk,
		size: mk().Size(),
	}, nil
}

// Names hands back the set of supported algorithm names, sorted.
func Names() (r []string) {
	for k := range algs {
		r = append(r, k)
	}
	sort.Strings(r)
	return
}

func (h *Handle) Name() string {
	return h.name
}

// Size returns the digest output size in bytes
func (h *Handle) Size() int {
	return h.size
}

// Zero returns the digest of empty input, the value is memoized.
// Callers must not modify the returned slice.
func (h *Handle) Zero() []byte {
	h.zeroOnce.Do(func() {
		h.zero = h.Sum(nil)
	})
	return h.zero
}

// Sum performs a single shot digest over data
func (h *Handle) Sum(data []byte) []byte {
	hh := h.mk()
	hh.Write(data)
	return hh.Sum(nil)
}

// Stream is an in-flight hash computation.
type Stream struct {
	h hash.Hash
}

// Stream starts a fresh streaming computation on the handle's algorithm
func (h *Handle) Stream() *Stream {
	return &Stream{h: h.mk()}
}

// Update folds data into the stream
func (s *Stream) Update(data []byte) {
	s.h.Write(data)
}

// Finup folds a final chunk of data into the stream and returns the digest
func (s *Stream) Finup(data []byte) []byte {
	if len(data) > 0 {
		s.h.Write(data)
	}
	return s.h.Sum(nil)
}

// Encode renders a digest as lowercase hex
func Encode(d []byte) string {
	return hex.EncodeToString(d)
}

// Decode parses a hex string and validates it decodes to exactly size bytes
func Decode(v string, size int) ([]byte, error) {
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, ErrBadHexLength
	}
	return b, nil
}

// Equal compares two digests for byte equality
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
