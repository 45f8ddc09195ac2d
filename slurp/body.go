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

package slurp

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardano-tools/go-slurp/archive"
	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/cursor"
	"github.com/cardano-tools/go-slurp/ledger"
	"github.com/cardano-tools/go-slurp/p2p/blockfetch"
)

// bodySlurp downloads block bodies for the ranges the batcher emits and
// advances the persistent cursor as each body lands on disk.
type bodySlurp struct {
	log    *logrus.Entry
	store  *archive.Store
	cursor *cursor.Store
}

// run consumes ranges until the channel closes or an error ends the session.
func (b *bodySlurp) run(client *blockfetch.Client, ranges <-chan chain.Range) error {
	for r := range ranges {
		bodies, err := client.FetchRange(r)
		if err != nil {
			return errors.Wrapf(err, "fetch range %v", r)
		}
		if len(bodies) == 0 {
			b.log.WithField("range", r).Warn("peer served no blocks for range")
			continue
		}
		for _, body := range bodies {
			if err := b.handleBody(body); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleBody writes the body before touching the cursor, so the cursor never
// names a point whose body is missing. A crash between the two writes just
// re-downloads one block on restart.
func (b *bodySlurp) handleBody(body []byte) error {
	p, err := ledger.BlockPoint(body)
	if err != nil {
		return errors.Wrap(err, "decode block")
	}
	if err := b.store.Write(p, body); err != nil {
		return err
	}
	if err := b.cursor.Update(p); err != nil {
		return err
	}
	b.log.WithFields(logrus.Fields{"slot": p.Slot, "bytes": len(body)}).Debug("downloaded block")
	return nil
}
