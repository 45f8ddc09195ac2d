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
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardano-tools/go-slurp/archive"
	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/cursor"
	"github.com/cardano-tools/go-slurp/ledger"
	"github.com/cardano-tools/go-slurp/p2p/chainsync"
)

// headerSlurp follows the chain on channel 2, archiving every header it sees
// and feeding the batcher that drives the body fetcher.
type headerSlurp struct {
	log      *logrus.Entry
	store    *archive.Store
	cursor   *cursor.Store
	fallback *chain.Point
	batch    *batcher
}

// startPoints picks the intersection candidates for FindIntersect: the
// persisted cursor window if any, else the configured fallback, else origin.
func (h *headerSlurp) startPoints() []chain.Point {
	if points := h.cursor.Points(); len(points) > 0 {
		return points
	}
	if h.fallback != nil {
		h.log.WithField("point", *h.fallback).Info("syncing from fallback point")
		return []chain.Point{*h.fallback}
	}
	h.log.Info("syncing from origin")
	return []chain.Point{chain.Origin()}
}

// restartPoints is where sync resumes when the server knows none of our
// points.
func (h *headerSlurp) restartPoints() []chain.Point {
	if h.fallback != nil {
		return []chain.Point{*h.fallback}
	}
	return []chain.Point{chain.Origin()}
}

// run drives the chain-follow loop until a protocol, transport or disk error
// ends the session. The range channel is closed on the way out so the body
// fetcher can drain and stop.
func (h *headerSlurp) run(ctx context.Context, client *chainsync.Client) error {
	defer close(h.batch.out)

	point, _, found, err := client.FindIntersect(h.startPoints())
	if err != nil {
		return errors.Wrap(err, "find intersect")
	}
	if !found {
		h.log.Warn("no intersection with cursor, restarting sync")
		if point, _, found, err = client.FindIntersect(h.restartPoints()); err != nil {
			return errors.Wrap(err, "find intersect after restart")
		} else if !found {
			return errors.New("server rejected every intersection point")
		}
	}
	h.log.WithField("point", point).Info("intersected with server chain")

	for {
		resp, err := client.RequestNext()
		if err != nil {
			return errors.Wrap(err, "request next")
		}
		switch resp.Kind {
		case chainsync.ResponseForward:
			p, err := ledger.HeaderPoint(resp.Header.Cbor)
			if err != nil {
				return errors.Wrap(err, "decode header")
			}
			if err := h.store.Write(p, resp.Header.Cbor); err != nil {
				return err
			}
			h.log.WithFields(logrus.Fields{"slot": p.Slot, "tip": resp.Tip.Point.Slot}).Debug("rolling forward")
			if err := h.batch.rollForward(ctx, p); err != nil {
				return err
			}
		case chainsync.ResponseBackward:
			h.log.WithField("point", resp.Point).Info("rolling backward")
			if err := h.batch.rollBackward(ctx, resp.Point); err != nil {
				return err
			}
		case chainsync.ResponseAwait:
			h.log.Debug("tip of chain reached")
			if err := h.batch.await(ctx); err != nil {
				return err
			}
		}
	}
}
