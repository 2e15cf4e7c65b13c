/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"strings"
	"testing"

	"github.com/trustmodel/trustmodel/tma"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
)

const testConfig = `
[Global]
	Log-Level=DEBUG
	TPM-Device=/dev/tpmrm0
	PCR-Index=11

[Domain "root"]
	Type=internal
	Digest-Name=sha256
	Namespace=initial
	Magazine-Size=64
	Action=task_kill:DENY
	Action=socket_connect:LOG
	Seal=true

[Domain "orchestrated"]
	Type=external
	Digest-Name=sha256
	Auth-Key=00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff
`

func TestLoadBytes(t *testing.T) {
	c, err := LoadBytes([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if c.LogLevel() != log.DEBUG {
		t.Fatalf("log level %v != DEBUG", c.LogLevel())
	}
	if len(c.Domain) != 2 {
		t.Fatalf("domain count %d != 2", len(c.Domain))
	}
	root, ok := c.Domain[`root`]
	if !ok {
		t.Fatal("root domain block missing")
	}
	if !root.Seal {
		t.Fatal("seal flag lost")
	}
	dc, err := root.DomainConfig()
	if err != nil {
		t.Fatal(err)
	}
	if dc.Type != tma.Internal || dc.DigestName != `sha256` || dc.MagazineSize != 64 {
		t.Fatalf("bad domain config %+v", dc)
	}
	if dc.Actions.Get(event.TaskKill) != tma.ActionDeny {
		t.Fatal("action table lost the deny entry")
	}
	if dc.Actions.Get(event.SocketConnect) != tma.ActionLog {
		t.Fatal("action table lost the log entry")
	}
	ext, ok := c.Domain[`orchestrated`]
	if !ok {
		t.Fatal("external domain block missing")
	}
	edc, err := ext.DomainConfig()
	if err != nil {
		t.Fatal(err)
	}
	if edc.Type != tma.External || edc.AuthKeyHex == `` {
		t.Fatalf("bad external config %+v", edc)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{`no domains`, "[Global]\nLog-Level=INFO\n"},
		{`bad type`, "[Domain \"x\"]\nType=sideways\n"},
		{`bad digest`, "[Domain \"x\"]\nDigest-Name=rot13\n"},
		{`bad namespace`, "[Domain \"x\"]\nNamespace=alternate\n"},
		{`bad action`, "[Domain \"x\"]\nAction=file_open-DENY\n"},
		{`bad action type`, "[Domain \"x\"]\nAction=telepathy:DENY\n"},
		{`missing auth key`, "[Domain \"x\"]\nType=external\n"},
		{`bad log level`, "[Global]\nLog-Level=SHOUTING\n[Domain \"x\"]\nType=internal\n"},
	}
	for _, tc := range cases {
		if _, err := LoadBytes([]byte(tc.body)); err == nil {
			t.Fatalf("%s: expected a validation error", tc.name)
		}
	}
}

func TestDefaults(t *testing.T) {
	c, err := LoadBytes([]byte("[Domain \"d\"]\nType=internal\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.LogLevel() != log.INFO {
		t.Fatal("unset log level should default to INFO")
	}
	db := c.Domain[`d`]
	dc, err := db.DomainConfig()
	if err != nil {
		t.Fatal(err)
	}
	if dc.DigestName != `sha256` {
		t.Fatalf("default digest %q != sha256", dc.DigestName)
	}
	if dc.NS != tma.NSInitial {
		t.Fatal("default namespace should be initial")
	}
	if dc.Actions != nil {
		t.Fatal("no actions configured, table should be nil")
	}
}

func TestOversizeRejected(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("[Domain \"d\"]\nType=internal\n")
	sb.WriteString(strings.Repeat("# padding\n", 1024*1024))
	if _, err := LoadBytes([]byte(sb.String())); err != ErrConfigFileTooLarge {
		t.Fatalf("expected the size cap, got %v", err)
	}
}
