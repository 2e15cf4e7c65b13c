/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package trust

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

const (
	DefaultTPMPath = `/dev/tpmrm0`
)

var (
	ErrUnknownBank   = errors.New("Unknown PCR bank algorithm")
	ErrBadExtendSize = errors.New("Extension digest does not match bank size")
)

// TPMChip drives a TPM 2.0 device through the kernel resource manager.
// Command submission is serialized, the character device does not handle
// interleaved commands.
type TPMChip struct {
	mtx   sync.Mutex
	rw    io.ReadWriteCloser
	banks []Bank
}

// OpenTPM opens the TPM device at path, DefaultTPMPath when path is
// empty.  A missing device is reported as
// ErrNotAvailable so callers can fall back to the null chip.
func OpenTPM(path string) (*TPMChip, error) {
	if path == `` {
		path = DefaultTPMPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, ErrNotAvailable
	}
	rw, err := tpm2.OpenTPM(path)
	if err != nil {
		return nil, err
	}
	return &TPMChip{
		rw: rw,
		banks: []Bank{
			{Alg: `sha256`, Size: 32},
			{Alg: `sha1`, Size: 20},
		},
	}, nil
}

func (c *TPMChip) Banks() []Bank {
	return c.banks
}

func (c *TPMChip) ReadPCR(bank Bank, idx int) ([]byte, error) {
	alg, err := bankAlg(bank)
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return tpm2.ReadPCR(c.rw, idx, alg)
}

func (c *TPMChip) ExtendPCR(bank Bank, idx int, d []byte) error {
	alg, err := bankAlg(bank)
	if err != nil {
		return err
	}
	if len(d) != bank.Size {
		return ErrBadExtendSize
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return tpm2.PCRExtend(c.rw, tpmutil.Handle(idx), alg, d, ``)
}

func (c *TPMChip) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.rw.Close()
}

func bankAlg(b Bank) (tpm2.Algorithm, error) {
	switch b.Alg {
	case `sha1`:
		return tpm2.AlgSHA1, nil
	case `sha256`:
		return tpm2.AlgSHA256, nil
	case `sha384`:
		return tpm2.AlgSHA384, nil
	case `sha512`:
		return tpm2.AlgSHA512, nil
	}
	return tpm2.AlgNull, ErrUnknownBank
}
