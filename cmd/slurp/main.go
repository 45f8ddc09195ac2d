// Copyright 2023 The go-slurp Authors
// This file is part of the go-slurp library.
//
// The go-slurp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-slurp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-slurp library. If not, see <http://www.gnu.org/licenses/>.

// slurp continuously archives headers and block bodies from one or more
// Cardano relays into a bucketed on-disk layout.
package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/p2p/handshake"
	"github.com/cardano-tools/go-slurp/slurp"
	"github.com/cardano-tools/go-slurp/topology"
)

// DefaultRelay is dialed when no relay is given on the command line; the
// producers of a topology file are added alongside it.
const DefaultRelay = "relays-new.cardano-mainnet.iohk.io:3001"

var (
	relayFlag = &cli.StringSliceFlag{
		Name:    "relay",
		Aliases: []string{"r"},
		Usage:   fmt.Sprintf("Relay node to connect to (repeatable, default %s)", DefaultRelay),
	}
	topologyFlag = &cli.StringFlag{
		Name:    "topology-file",
		Aliases: []string{"t"},
		Usage:   "Topology file whose producers are added to the relay list",
	}
	fallbackFlag = &cli.StringFlag{
		Name:    "fallback-point",
		Aliases: []string{"f"},
		Usage:   "Point to start synchronizing from when no cursor exists (origin or slot/hex-hash)",
	}
	directoryFlag = &cli.StringFlag{
		Name:    "directory",
		Aliases: []string{"d"},
		Value:   "db",
		Usage:   "Root directory for headers, bodies and cursors",
	}
	magicFlag = &cli.Uint64Flag{
		Name:  "testnet-magic",
		Usage: "Network magic to use instead of the mainnet magic",
	}
	listenPortFlag = &cli.IntFlag{
		Name:  "listen-port",
		Value: slurp.DefaultListenPort,
		Usage: "Port to accept inbound node-to-node sessions on",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Value: 4,
		Usage: "Logging verbosity: 0=panic, 1=fatal, 2=error, 3=warn, 4=info, 5=debug",
	}
)

func main() {
	app := &cli.App{
		Name:   "slurp",
		Usage:  "archive the Cardano chain from relay nodes",
		Flags:  []cli.Flag{relayFlag, topologyFlag, fallbackFlag, directoryFlag, magicFlag, listenPortFlag, verbosityFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("slurp failed")
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.Level(ctx.Int(verbosityFlag.Name)))

	magic := handshake.MainnetMagic
	if ctx.IsSet(magicFlag.Name) {
		magic = ctx.Uint64(magicFlag.Name)
	}

	var fallback *chain.Point
	if s := ctx.String(fallbackFlag.Name); s != "" {
		p, err := chain.ParsePoint(s)
		if err != nil {
			return err
		}
		fallback = &p
	}

	relays := ctx.StringSlice(relayFlag.Name)
	if len(relays) == 0 {
		relays = []string{DefaultRelay}
	}
	if path := ctx.String(topologyFlag.Name); path != "" {
		topo, err := topology.Load(path)
		if err != nil {
			return err
		}
		for _, producer := range topo.Producers {
			relays = append(relays, producer.Endpoint())
		}
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	dir := ctx.String(directoryFlag.Name)
	sessions := make([]*slurp.Session, 0, len(relays))
	for _, relay := range relays {
		session, err := slurp.NewSession(dir, relay, fallback, magic)
		if err != nil {
			// A session that cannot be set up (a corrupt cursor, for one)
			// fails alone; the other relays still sync.
			logrus.WithField("peer", relay).WithError(err).Error("session setup failed")
			failed.Store(true)
			continue
		}
		sessions = append(sessions, session)
	}

	// The listener serves inbound transaction announcements for as long as
	// the process lives; its failure is logged but does not stop syncing.
	go func() {
		if err := slurp.Listen(ctx.Int(listenPortFlag.Name)); err != nil {
			logrus.WithError(err).Error("inbound listener failed")
		}
	}()

	for _, session := range sessions {
		session := session
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := session.Run()
			switch {
			case err == nil:
			case errors.Is(err, slurp.ErrPeerRefused):
				logrus.WithField("peer", session.Relay()).WithError(err).Warn("connection refused")
			default:
				logrus.WithField("peer", session.Relay()).WithError(err).Error("session failed")
				failed.Store(true)
			}
		}()
	}
	wg.Wait()

	if failed.Load() {
		return cli.Exit("one or more sessions failed", 1)
	}
	return nil
}
