/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux

package trust

// OpenTPM is only wired on linux, other platforms fall back to the null
// chip and the zero aggregate.
func OpenTPM(path string) (Chip, error) {
	return nil, ErrNotAvailable
}
