/*************************************************************************
 * Copyright 2018 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/trustmodel/trustmodel/tma"
	"github.com/trustmodel/trustmodel/tma/config"
	"github.com/trustmodel/trustmodel/tma/event"
	"github.com/trustmodel/trustmodel/tma/log"
	"github.com/trustmodel/trustmodel/tma/trust"
)

const (
	defaultConfigLoc = `/etc/tmad/tmad.conf`
	appName          = `tmad`
)

var (
	confLoc   = flag.String("config-file", defaultConfigLoc, "Location of the configuration file")
	autoTrust = flag.Bool("auto-trust", false, "Acknowledge synchronous exports as trusted")

	lg *log.Logger
)

func main() {
	flag.Parse()
	cfg, err := config.LoadFile(*confLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %v\n", err)
		return
	}
	if cfg.Global.Log_File != `` {
		if lg, err = log.NewFile(cfg.Global.Log_File); err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %v\n", err)
			return
		}
	} else {
		lg = log.NewStderr()
	}
	defer lg.Close()
	lg.SetAppname(appName)
	lg.SetLevel(cfg.LogLevel())

	pcr := cfg.Global.PCR_Index
	if pcr == 0 {
		pcr = trust.DefaultPCRIndex
	}
	var chip trust.Chip
	if c, err := trust.OpenTPM(cfg.Global.TPM_Device); err != nil {
		if !errors.Is(err, trust.ErrNotAvailable) {
			lg.Error("failed to open trust device", log.KV("error", err))
		}
		chip = trust.NullChip{}
	} else {
		chip = c
	}
	root := trust.NewRoot(chip, pcr, lg)
	eng := tma.NewEngine(root, nil, lg)
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, db := range cfg.Domain {
		dc, err := db.DomainConfig()
		if err != nil {
			lg.Fatal("bad domain block", log.KV("domain", name), log.KV("error", err))
		}
		d, err := eng.NewDomain(dc, nil)
		if err != nil {
			lg.Fatal("failed to create domain", log.KV("domain", name), log.KV("error", err))
		}
		defer d.Put()
		if db.Seal {
			d.Seal()
		}
		if d.Type() == tma.External {
			go drainExports(ctx, d)
		}
		lg.Info("domain ready",
			log.KV("domain", name),
			log.KV("id", d.ID()),
			log.KV("type", d.Type()))
	}

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	<-sch
	lg.Info("shutting down")
}

// drainExports plays the external agent: park until records land, render
// each to stdout, and optionally acknowledge synchronous events.
func drainExports(ctx context.Context, d *tma.Domain) {
	for {
		if err := d.Wait(ctx); err != nil {
			return
		}
		if err := d.Show(os.Stdout); err != nil {
			continue
		}
		if *autoTrust {
			if err := d.SetTrust(event.StatusTrusted); err != nil && !errors.Is(err, tma.ErrNoPendingSet) {
				lg.Warn("failed to set trust", log.KV("error", err))
			}
		}
	}
}
