/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tma

import (
	"errors"
)

var (
	ErrOutOfMemory     = errors.New("Out of memory")
	ErrCryptoFailure   = errors.New("Hash primitive failure")
	ErrInvalidArgument = errors.New("Invalid argument")
	ErrIOFailure       = errors.New("File read failure")
	ErrNotAvailable    = errors.New("Hardware trust device absent")
	ErrCancelled       = errors.New("Cancelled while trust pending")

	ErrNotExternal    = errors.New("Domain is not external")
	ErrNotInternal    = errors.New("Domain is not internal")
	ErrDomainReleased = errors.New("Domain has been released")
	ErrKeyCollision   = errors.New("Authentication key collides with a live domain")
)
