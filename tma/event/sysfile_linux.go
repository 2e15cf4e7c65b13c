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
	"os"

	"golang.org/x/sys/unix"
)

// SysFileParams captures the identity of a real file for callers hooking
// actual filesystem activity: ownership and mode from stat, the superblock
// magic and id from statfs, and the open file as the content source.  The
// caller owns the descriptor and should Close the params when done.
func SysFileParams(path string, flags uint32) (*FileParams, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err = unix.Fstat(int(fin.Fd()), &st); err != nil {
		fin.Close()
		return nil, err
	}
	var sf unix.Statfs_t
	if err = unix.Fstatfs(int(fin.Fd()), &sf); err != nil {
		fin.Close()
		return nil, err
	}
	fp := &FileParams{
		Path:    path,
		Flags:   flags,
		UID:     st.Uid,
		GID:     st.Gid,
		Mode:    uint16(st.Mode & 0xffff),
		SbMagic: uint64(sf.Type),
		//ctime stands in for the inode version counter, a content
		//change bumps it on every filesystem we care about
		IVersion: uint64(st.Ctim.Sec)<<32 | uint64(uint32(st.Ctim.Nsec)),
		Reader:   fin,
	}
	binary.LittleEndian.PutUint32(fp.SbID[0:4], uint32(sf.Fsid.Val[0]))
	binary.LittleEndian.PutUint32(fp.SbID[4:8], uint32(sf.Fsid.Val[1]))
	return fp, nil
}
