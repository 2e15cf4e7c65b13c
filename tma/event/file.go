/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/trustmodel/trustmodel/tma/digest"
)

const (
	//content digesting streams the file in page sized chunks
	pageSize = 4096
)

const (
	StatusUnknown CacheStatus = iota
	StatusCollecting
	StatusCollected
)

var (
	ErrFileRead = errors.New("Failed to read file content")
)

// FileReader is the file read primitive, offsets are absolute.  Digesting
// stops at io.EOF or at a read of zero bytes with no error; a short read
// with no error is followed by another read at the next offset.
type FileReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

type CacheStatus int

type cacheLine struct {
	value    []byte
	iversion uint64
	status   CacheStatus
}

// Inode is the per-file digest cache line shared by every domain hashing
// the same file.  A cached value is reusable only while the inode version
// matches and collection completed.
type Inode struct {
	mtx   sync.Mutex
	lines map[string]*cacheLine
}

func NewInode() *Inode {
	return &Inode{
		lines: make(map[string]*cacheLine),
	}
}

// FileParams is the file identity captured by the hook layer
type FileParams struct {
	Path     string
	Flags    uint32
	UID      uint32
	GID      uint32
	Mode     uint16
	SbMagic  uint64
	SbID     [32]byte
	SbUUID   [16]byte
	IVersion uint64
	Reader   FileReader
	Inode    *Inode
}

// Close releases the content source if the params own one
func (fp *FileParams) Close() error {
	if c, ok := fp.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// PseudonymDigest computes the pseudonym preimage digest for a path,
// le32(len(name)) followed by the name bytes.
func PseudonymDigest(h *digest.Handle, path string) []byte {
	s := h.Stream()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(path)))
	s.Update(hdr[:])
	return s.Finup([]byte(path))
}

func buildFileCell(fp *FileParams, h *digest.Handle, hasPseudonym func(*FileParams) bool) (*FileCell, error) {
	fc := &FileCell{
		Flags:      fp.Flags,
		UID:        fp.UID,
		GID:        fp.GID,
		Mode:       fp.Mode,
		SbMagic:    fp.SbMagic,
		SbID:       fp.SbID,
		SbUUID:     fp.SbUUID,
		NameLength: uint32(len(fp.Path)),
		NameDigest: h.Sum([]byte(fp.Path)),
	}
	if hasPseudonym != nil && hasPseudonym(fp) {
		//a pseudonym deliberately erases content identity
		fc.ContentDigest = h.Zero()
		return fc, nil
	}
	cd, err := contentDigest(fp, h)
	if err != nil {
		return nil, err
	}
	fc.ContentDigest = cd
	return fc, nil
}

// contentDigest resolves the file content digest, reusing the inode cache
// line when it is current and streaming the file otherwise.  The cache
// line mutex is held across the read so concurrent hashers of the same
// inode serialize rather than double read.
func contentDigest(fp *FileParams, h *digest.Handle) ([]byte, error) {
	if fp.Inode == nil {
		return streamFile(fp.Reader, h)
	}
	fp.Inode.mtx.Lock()
	defer fp.Inode.mtx.Unlock()
	line, ok := fp.Inode.lines[h.Name()]
	if ok && line.status == StatusCollected && line.iversion == fp.IVersion {
		return line.value, nil
	}
	if !ok {
		line = &cacheLine{}
		fp.Inode.lines[h.Name()] = line
	}
	line.status = StatusCollecting
	value, err := streamFile(fp.Reader, h)
	if err != nil {
		line.status = StatusUnknown
		return nil, err
	}
	line.value = value
	line.iversion = fp.IVersion
	line.status = StatusCollected
	return value, nil
}

func streamFile(r FileReader, h *digest.Handle) ([]byte, error) {
	if r == nil {
		//no content source, an empty file hashes to the zero digest
		return h.Zero(), nil
	}
	s := h.Stream()
	buf := make([]byte, pageSize)
	var off int64
	for {
		n, err := r.ReadAt(buf, off)
		if n > 0 {
			s.Update(buf[:n])
			off += int64(n)
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileRead, err)
		} else if n == 0 {
			break
		}
	}
	return s.Finup(nil), nil
}
