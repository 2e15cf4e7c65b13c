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
)

// address families we canonicalize natively, anything else contributes a
// digest over the raw address bytes
const (
	afUnix  uint16 = 1
	afInet  uint16 = 2
	afInet6 uint16 = 10
)

var (
	ErrBadSocketParams = errors.New("Invalid socket parameters")
)

// Cell is the action specific parameter bundle of an event.  Every variant
// knows how to append its canonical little-endian byte sequence; the mapper
// hashes exactly those bytes.
type Cell interface {
	canon(buf []byte) []byte
}

// FileCell is the file identity block shared by file_open, bprm_set_creds
// and file backed mmap events.
type FileCell struct {
	Flags         uint32
	UID           uint32
	GID           uint32
	Mode          uint16
	SbMagic       uint64
	SbID          [32]byte
	SbUUID        [16]byte
	NameLength    uint32
	NameDigest    []byte
	ContentDigest []byte
}

func (c *FileCell) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, c.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, c.UID)
	buf = binary.LittleEndian.AppendUint32(buf, c.GID)
	buf = binary.LittleEndian.AppendUint16(buf, c.Mode)
	buf = binary.LittleEndian.AppendUint32(buf, c.NameLength)
	buf = append(buf, c.NameDigest...)
	buf = binary.LittleEndian.AppendUint64(buf, c.SbMagic)
	buf = append(buf, c.SbID[:]...)
	buf = append(buf, c.SbUUID[:]...)
	buf = append(buf, c.ContentDigest...)
	return buf
}

// MmapCell carries the protection prefix and, for file backed mappings,
// the file identity block.  Anonymous mappings stop at the prefix.
type MmapCell struct {
	ReqProt uint32
	Prot    uint32
	Flags   uint32
	File    *FileCell
}

func (c *MmapCell) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, c.ReqProt)
	buf = binary.LittleEndian.AppendUint32(buf, c.Prot)
	buf = binary.LittleEndian.AppendUint32(buf, c.Flags)
	if c.File != nil {
		buf = c.File.canon(buf)
	}
	return buf
}

// SocketCreateCell captures socket construction arguments
type SocketCreateCell struct {
	Family   uint32
	SockType uint32
	Protocol uint32
	Kern     uint32
}

func (c *SocketCreateCell) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, c.Family)
	buf = binary.LittleEndian.AppendUint32(buf, c.SockType)
	buf = binary.LittleEndian.AppendUint32(buf, c.Protocol)
	buf = binary.LittleEndian.AppendUint32(buf, c.Kern)
	return buf
}

// SockAddrCell is the connect/bind address form, the variant fields beyond
// Family are selected by the address family.
type SockAddrCell struct {
	Family   uint16
	Port     uint16
	Addr4    [4]byte
	Addr6    [16]byte
	FlowInfo uint32
	ScopeID  uint32
	Path     string
	// RawDigest is the digest of the raw sockaddr bytes for families we
	// do not canonicalize natively
	RawDigest []byte
}

func (c *SockAddrCell) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, c.Family)
	switch c.Family {
	case afInet:
		buf = binary.LittleEndian.AppendUint16(buf, c.Port)
		buf = append(buf, c.Addr4[:]...)
	case afInet6:
		buf = binary.LittleEndian.AppendUint16(buf, c.Port)
		buf = append(buf, c.Addr6[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, c.FlowInfo)
		buf = binary.LittleEndian.AppendUint32(buf, c.ScopeID)
	case afUnix:
		buf = append(buf, []byte(c.Path)...)
	default:
		buf = append(buf, c.RawDigest...)
	}
	return buf
}

// SockAcceptCell is the accept form: family, type and port, plus the peer
// address variant without flow information.
type SockAcceptCell struct {
	Family    uint16
	SockType  uint32
	Port      uint16
	Addr4     [4]byte
	Addr6     [16]byte
	Path      string
	RawDigest []byte
}

func (c *SockAcceptCell) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, c.Family)
	buf = binary.LittleEndian.AppendUint32(buf, c.SockType)
	buf = binary.LittleEndian.AppendUint16(buf, c.Port)
	switch c.Family {
	case afInet:
		buf = append(buf, c.Addr4[:]...)
	case afInet6:
		buf = append(buf, c.Addr6[:]...)
	case afUnix:
		buf = append(buf, []byte(c.Path)...)
	default:
		buf = append(buf, c.RawDigest...)
	}
	return buf
}

// TaskKillCell captures signal delivery across or within the model
type TaskKillCell struct {
	CrossModel   uint32
	Signal       uint32
	TargetTaskID []byte
}

func (c *TaskKillCell) canon(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, c.CrossModel)
	buf = binary.LittleEndian.AppendUint32(buf, c.Signal)
	buf = append(buf, c.TargetTaskID...)
	return buf
}

// GenericCell covers hooks with no action specific arguments, the cell is
// the event name followed by the domain's zero digest.
type GenericCell struct {
	Name       string
	ZeroDigest []byte
}

func (c *GenericCell) canon(buf []byte) []byte {
	buf = append(buf, []byte(c.Name)...)
	buf = append(buf, c.ZeroDigest...)
	return buf
}

// MmapParams are the raw mmap hook arguments
type MmapParams struct {
	ReqProt uint32
	Prot    uint32
	Flags   uint32
	File    *FileParams
}

// SocketParams are the raw socket hook arguments, Raw carries the peer
// sockaddr bytes for families without native canonical forms.
type SocketParams struct {
	Family   uint16
	SockType uint32
	Protocol uint32
	Kern     uint32
	Port     uint16
	Addr4    [4]byte
	Addr6    [16]byte
	FlowInfo uint32
	ScopeID  uint32
	Path     string
	Raw      []byte
}

// KillParams are the raw task_kill hook arguments
type KillParams struct {
	CrossModel bool
	Signal     uint32
	Target     Task
}

func buildCell(typ Type, p Params, opt Options) (cell Cell, path string, err error) {
	h := opt.Handle
	switch typ {
	case FileOpen, BprmSetCreds:
		if p.File == nil {
			return nil, ``, ErrMissingParams
		}
		var fc *FileCell
		if fc, err = buildFileCell(p.File, h, opt.HasPseudonym); err != nil {
			return
		}
		cell, path = fc, p.File.Path
	case MmapFile:
		if p.Mmap == nil {
			return nil, ``, ErrMissingParams
		}
		mc := &MmapCell{
			ReqProt: p.Mmap.ReqProt,
			Prot:    p.Mmap.Prot,
			Flags:   p.Mmap.Flags,
		}
		if p.Mmap.File != nil {
			if mc.File, err = buildFileCell(p.Mmap.File, h, opt.HasPseudonym); err != nil {
				return
			}
			path = p.Mmap.File.Path
		}
		cell = mc
	case SocketCreate:
		if p.Socket == nil {
			return nil, ``, ErrMissingParams
		}
		cell = &SocketCreateCell{
			Family:   uint32(p.Socket.Family),
			SockType: p.Socket.SockType,
			Protocol: p.Socket.Protocol,
			Kern:     p.Socket.Kern,
		}
	case SocketConnect, SocketBind:
		if p.Socket == nil {
			return nil, ``, ErrMissingParams
		}
		sc := &SockAddrCell{
			Family:   p.Socket.Family,
			Port:     p.Socket.Port,
			Addr4:    p.Socket.Addr4,
			Addr6:    p.Socket.Addr6,
			FlowInfo: p.Socket.FlowInfo,
			ScopeID:  p.Socket.ScopeID,
			Path:     p.Socket.Path,
		}
		if !nativeFamily(p.Socket.Family) {
			sc.RawDigest = h.Sum(p.Socket.Raw)
		}
		cell = sc
	case SocketAccept:
		if p.Socket == nil {
			return nil, ``, ErrMissingParams
		}
		sc := &SockAcceptCell{
			Family:   p.Socket.Family,
			SockType: p.Socket.SockType,
			Port:     p.Socket.Port,
			Addr4:    p.Socket.Addr4,
			Addr6:    p.Socket.Addr6,
			Path:     p.Socket.Path,
		}
		if !nativeFamily(p.Socket.Family) {
			sc.RawDigest = h.Sum(p.Socket.Raw)
		}
		cell = sc
	case TaskKill:
		if p.Kill == nil {
			return nil, ``, ErrMissingParams
		}
		var cross uint32
		if p.Kill.CrossModel {
			cross = 1
		}
		cell = &TaskKillCell{
			CrossModel:   cross,
			Signal:       p.Kill.Signal,
			TargetTaskID: p.Kill.Target.ID(h),
		}
	case GenericEvent:
		if p.Generic == `` {
			return nil, ``, ErrMissingParams
		}
		cell = &GenericCell{
			Name:       p.Generic,
			ZeroDigest: h.Zero(),
		}
	default:
		err = ErrUnknownType
	}
	return
}

func nativeFamily(f uint16) bool {
	return f == afInet || f == afInet6 || f == afUnix
}
