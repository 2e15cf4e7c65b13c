/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config parses the control-surface configuration: one Global
// block for daemon wiring and a Domain block per modeling domain.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gravwell/gcfg"

	"github.com/trustmodel/trustmodel/tma"
	"github.com/trustmodel/trustmodel/tma/digest"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
)

const (
	maxConfigSize int64 = 4 * 1024 * 1024 //this is a MASSIVE config file
)

var (
	ErrConfigFileTooLarge = errors.New("Config file is too large")
	ErrFailedFileRead     = errors.New("Failed to read entire config file")
	ErrNoDomains          = errors.New("No domains defined")
	ErrInvalidDomain      = errors.New("Invalid domain block")
)

type global struct {
	Log_Level  string
	Log_File   string
	TPM_Device string
	PCR_Index  int
}

// DomainBlock is one [Domain "<name>"] stanza
type DomainBlock struct {
	Type          string
	Digest_Name   string
	Namespace     string
	Auth_Key      string
	Magazine_Size int
	Action        []string
	Seal          bool
}

type Config struct {
	Global global
	Domain map[string]*DomainBlock
}

// LoadFile opens and parses a config file, enforcing the size cap
func LoadFile(p string) (*Config, error) {
	fin, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	bb := bytes.NewBuffer(nil)
	if n, err := io.Copy(bb, fin); err != nil {
		return nil, err
	} else if n != fi.Size() {
		return nil, ErrFailedFileRead
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes parses and validates a config from memory
func LoadBytes(b []byte) (*Config, error) {
	if int64(len(b)) > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	var c Config
	if err := gcfg.ReadStringInto(&c, string(b)); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every block, naming the offending domain on failure
func (c *Config) Validate() error {
	if len(c.Domain) == 0 {
		return ErrNoDomains
	}
	if c.Global.Log_Level != `` {
		if _, err := log.LevelFromString(c.Global.Log_Level); err != nil {
			return fmt.Errorf("Global Log-Level %q: %w", c.Global.Log_Level, err)
		}
	}
	if c.Global.PCR_Index < 0 {
		return fmt.Errorf("Global PCR-Index %d is invalid", c.Global.PCR_Index)
	}
	for name, db := range c.Domain {
		if db == nil {
			return fmt.Errorf("%w: %q is empty", ErrInvalidDomain, name)
		}
		if _, err := db.domainType(); err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
		if _, err := digest.New(db.digestName()); err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
		if _, err := db.nsRef(); err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
		if db.Magazine_Size < 0 {
			return fmt.Errorf("domain %q: Magazine-Size %d is invalid", name, db.Magazine_Size)
		}
		if _, err := db.actionTable(); err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
		if t, _ := db.domainType(); t == tma.External && db.Auth_Key == `` {
			return fmt.Errorf("domain %q: external domains require Auth-Key", name)
		}
	}
	return nil
}

// LogLevel resolves the configured log level, INFO when unset
func (c *Config) LogLevel() log.Level {
	if c.Global.Log_Level == `` {
		return log.INFO
	}
	l, _ := log.LevelFromString(c.Global.Log_Level)
	return l
}

func (db *DomainBlock) digestName() string {
	if db.Digest_Name == `` {
		return `sha256`
	}
	return db.Digest_Name
}

func (db *DomainBlock) domainType() (tma.DomainType, error) {
	switch strings.ToLower(strings.TrimSpace(db.Type)) {
	case ``, `internal`:
		return tma.Internal, nil
	case `external`:
		return tma.External, nil
	}
	return tma.Internal, fmt.Errorf("unknown domain type %q", db.Type)
}

func (db *DomainBlock) nsRef() (tma.NSRef, error) {
	switch strings.ToLower(strings.TrimSpace(db.Namespace)) {
	case ``, `initial`:
		return tma.NSInitial, nil
	case `current`:
		return tma.NSCurrent, nil
	}
	return tma.NSInitial, fmt.Errorf("unknown namespace reference %q", db.Namespace)
}

// actionTable parses the repeated Action lines, each "event_type:ACTION"
func (db *DomainBlock) actionTable() (tma.ActionTable, error) {
	if len(db.Action) == 0 {
		return nil, nil
	}
	t := make(tma.ActionTable, len(db.Action))
	for _, v := range db.Action {
		parts := strings.SplitN(v, `:`, 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed Action %q", v)
		}
		typ, err := event.ParseType(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("Action %q: %w", v, err)
		}
		act, err := tma.ParseAction(parts[1])
		if err != nil {
			return nil, fmt.Errorf("Action %q: %w", v, err)
		}
		t[typ] = act
	}
	return t, nil
}

// DomainConfig converts a block into creation arguments
func (db *DomainBlock) DomainConfig() (tma.DomainConfig, error) {
	typ, err := db.domainType()
	if err != nil {
		return tma.DomainConfig{}, err
	}
	ns, err := db.nsRef()
	if err != nil {
		return tma.DomainConfig{}, err
	}
	acts, err := db.actionTable()
	if err != nil {
		return tma.DomainConfig{}, err
	}
	return tma.DomainConfig{
		Type:         typ,
		DigestName:   db.digestName(),
		NS:           ns,
		AuthKeyHex:   db.Auth_Key,
		MagazineSize: db.Magazine_Size,
		Actions:      acts,
	}, nil
}
