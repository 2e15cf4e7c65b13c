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
	"strings"

	"github.com/trustmodel/trustmodel/tma/event"
)

var (
	ErrInvalidAction = errors.New("Invalid action")
)

// Action is the control-plane disposition for an event type.  The engine
// records the disposition, enforcement is the caller's problem.
type Action int

const (
	ActionLog Action = iota
	ActionDeny
)

func (a Action) String() string {
	if a == ActionDeny {
		return `DENY`
	}
	return `LOG`
}

// ParseAction parses a textual action, case insensitive
func ParseAction(v string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case `LOG`:
		return ActionLog, nil
	case `DENY`:
		return ActionDeny, nil
	}
	return ActionLog, ErrInvalidAction
}

// ActionTable maps event types to dispositions, absent entries mean LOG
type ActionTable map[event.Type]Action

// Clone hands back an independent copy, child domains inherit with it
func (t ActionTable) Clone() ActionTable {
	r := make(ActionTable, len(t))
	for k, v := range t {
		r[k] = v
	}
	return r
}

// Get looks up the disposition for an event type
func (t ActionTable) Get(typ event.Type) Action {
	if t == nil {
		return ActionLog
	}
	return t[typ]
}
