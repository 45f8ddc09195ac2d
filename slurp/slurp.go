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

// Package slurp runs one synchronization session per upstream relay: a
// multiplexed connection carrying the handshake, chain-follow and block-fetch
// protocols, a header follower feeding a rollback-aware batcher, and a body
// fetcher that archives blocks and advances the persistent cursor.
package slurp

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cardano-tools/go-slurp/archive"
	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/cursor"
	"github.com/cardano-tools/go-slurp/p2p/blockfetch"
	"github.com/cardano-tools/go-slurp/p2p/chainsync"
	"github.com/cardano-tools/go-slurp/p2p/handshake"
	"github.com/cardano-tools/go-slurp/p2p/mux"
)

// rangeBacklog bounds the queue between the header follower and the body
// fetcher. A full queue blocks the follower, which stops draining the mux and
// lets the protocol's own flow control throttle the relay.
const rangeBacklog = 10

// ErrPeerRefused marks a failed TCP connect. It is the only globally
// non-fatal session error: the caller warns and moves on to other peers.
var ErrPeerRefused = errors.New("peer refused connection")

// Session is one independent sync pipeline for a single relay. Sessions share
// the artifact directory but nothing else.
type Session struct {
	relay string
	magic uint64
	log   *logrus.Entry

	headers *headerSlurp
	bodies  *bodySlurp
	ranges  chan chain.Range
}

// NewSession prepares a session for one relay: it creates the artifact
// stores, loads the peer's cursor if one was persisted, and wires the range
// queue between the two workers. A corrupt cursor is a fatal setup error.
func NewSession(dir, relay string, fallback *chain.Point, magic uint64) (*Session, error) {
	log := logrus.WithField("peer", relay)

	if err := os.MkdirAll(filepath.Join(dir, "cursors"), 0o755); err != nil {
		return nil, errors.Wrap(err, "create cursor directory")
	}
	cur, err := cursor.LoadStore(filepath.Join(dir, "cursors"), relay)
	if err != nil {
		return nil, err
	}
	headerStore, err := archive.NewStore(dir, archive.KindHeaders)
	if err != nil {
		return nil, err
	}
	bodyStore, err := archive.NewStore(dir, archive.KindBodies)
	if err != nil {
		return nil, err
	}

	ranges := make(chan chain.Range, rangeBacklog)
	return &Session{
		relay: relay,
		magic: magic,
		log:   log,
		headers: &headerSlurp{
			log:      log,
			store:    headerStore,
			cursor:   cur,
			fallback: fallback,
			batch:    newBatcher(DefaultBatchSize, ranges),
		},
		bodies: &bodySlurp{
			log:    log,
			store:  bodyStore,
			cursor: cur,
		},
		ranges: ranges,
	}, nil
}

// Relay returns the session's upstream address.
func (s *Session) Relay() string {
	return s.relay
}

// Run connects to the relay and synchronizes until a fatal error. Dial
// failures are reported as ErrPeerRefused; everything else is fatal to this
// session only.
func (s *Session) Run() error {
	s.log.Info("starting slurp for relay")

	conn, err := mux.Dial(s.relay)
	if err != nil {
		return errors.Wrapf(ErrPeerRefused, "dial %s: %v", s.relay, err)
	}
	return s.run(conn)
}

// run drives the session over an established bearer.
func (s *Session) run(conn net.Conn) error {
	m := mux.New(conn)
	hs := m.UseChannel(handshake.ProtocolID)
	cs := m.UseChannel(chainsync.ProtocolID)
	bf := m.UseChannel(blockfetch.ProtocolID)
	m.Start()
	defer m.Close()

	conf, err := handshake.NewClient(hs).Negotiate(s.magic)
	if err != nil {
		return errors.Wrap(err, "handshake")
	}
	s.log.WithField("version", conf.Version).Info("handshake accepted")

	// When either worker fails the context unwinds the other: the batcher
	// aborts pending emissions and the mux teardown releases blocked reads.
	g, ctx := errgroup.WithContext(context.Background())
	go func() {
		<-ctx.Done()
		m.Close()
	}()
	g.Go(func() error {
		return s.headers.run(ctx, chainsync.NewClient(cs))
	})
	g.Go(func() error {
		return s.bodies.run(blockfetch.NewClient(bf), s.ranges)
	})
	return g.Wait()
}
