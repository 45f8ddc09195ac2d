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

// Package blockfetch implements the client side of the block-fetch
// mini-protocol on channel 3: request an inclusive range of points, receive
// the block bodies in ascending order.
package blockfetch

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/wire"
)

// ProtocolID is the mux channel the block-fetch protocol runs on.
const ProtocolID uint16 = 3

const (
	msgRequestRange = 0
	msgClientDone   = 1
	msgStartBatch   = 2
	msgNoBlocks     = 3
	msgBlock        = 4
	msgBatchDone    = 5
)

// Client drives the block-fetch protocol.
type Client struct {
	codec *wire.Codec
}

// NewClient creates a block-fetch client owning the given channel.
func NewClient(ch *mux.Channel) *Client {
	return &Client{codec: wire.NewCodec(ch)}
}

// FetchRange requests all bodies in the given inclusive range and returns
// them in delivery order. A NoBlocks reply is protocol-legal when the peer
// cannot serve the range and yields an empty slice.
func (c *Client) FetchRange(r chain.Range) ([][]byte, error) {
	if err := c.codec.WriteMessage(msgRequestRange, r.From, r.To); err != nil {
		return nil, err
	}
	tag, _, err := c.codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch tag {
	case msgNoBlocks:
		return nil, nil
	case msgStartBatch:
	default:
		return nil, errors.Errorf("unexpected blockfetch message %d", tag)
	}
	var bodies [][]byte
	for {
		tag, items, err := c.codec.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch tag {
		case msgBlock:
			if len(items) != 1 {
				return nil, errors.Errorf("malformed block message: %d fields", len(items))
			}
			var body []byte
			if err := cbor.Unmarshal(items[0], &body); err != nil {
				return nil, errors.Wrap(err, "decode block body")
			}
			bodies = append(bodies, body)
		case msgBatchDone:
			return bodies, nil
		default:
			return nil, errors.Errorf("unexpected blockfetch message %d in batch", tag)
		}
	}
}

// Done terminates the protocol.
func (c *Client) Done() error {
	return c.codec.WriteMessage(msgClientDone)
}
