// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fileoverlay/overlayd/internal/config"
	"github.com/fileoverlay/overlayd/internal/fdigest"
	"github.com/fileoverlay/overlayd/internal/ledger"
	"github.com/fileoverlay/overlayd/internal/obslog"
	"github.com/fileoverlay/overlayd/internal/overlay"
	"github.com/fileoverlay/overlayd/internal/runtime"
)

var l = obslog.Default

const (
	exitSuccess = 0
	exitError   = 1
)

const banner = `=============================================================================
  overlayd - gnutella-style file overlay node
=============================================================================`

const usage = "usage: overlayd [configPath]"

func main() {
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	configPath := "config.json"
	switch flag.NArg() {
	case 0:
	case 1:
		configPath = flag.Arg(0)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(exitSuccess)
	}

	fmt.Println(banner)

	os.Exit(run(configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		l.Warnf("init: %v", err)
		return exitError
	}

	led, err := ledger.Open(cfg.LogFilePath)
	if err != nil {
		l.Warnf("init: open log file: %v", err)
		return exitError
	}
	defer led.Close()

	self := overlay.NewSelfIdentifier("127.0.0.1", cfg.MessagePort)

	tunables := overlay.Tunables{
		MaxPeers:         cfg.MaxPeers,
		MaxInitPeers:     cfg.MaxInitPeers,
		QueryTimeToLive:  int32(cfg.QueryTimeToLive),
		CacheTimeToCheck: cfg.CacheTimeToCheck,
		CacheTimeToLive:  int64(cfg.CacheTimeToLive),
	}

	idx := fdigest.New(1024)
	ov := overlay.New(self, tunables, cfg.FileDirectory, cfg.FilePort, idx, led)

	if err := ov.RescanFiles(); err != nil {
		l.Warnf("init: rescan share directory: %v", err)
		return exitError
	}

	famous := make([]overlay.FamousPeer, len(cfg.FamousNodes))
	for i, fp := range cfg.FamousNodes {
		famous[i] = overlay.FamousPeer{HostName: fp.HostName, Port: fp.Port}
	}

	rt, err := runtime.New(ov, led, famous, cfg.MessagePort, cfg.FilePort)
	if err != nil {
		l.Warnf("init: %v", err)
		return exitError
	}

	if len(famous) > 0 {
		if err := ov.Join(famous); err != nil {
			l.Warnf("init: join: %v", err)
		}
	}

	stop := make(chan struct{})
	go ov.RunSweeper(stop)
	defer close(stop)

	if err := rt.Run(os.Stdin, os.Stdout); err != nil {
		l.Warnf("run: %v", err)
		return exitError
	}
	return exitSuccess
}
