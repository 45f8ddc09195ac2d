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

// Package wire frames mini-protocol messages over a mux channel. Every message
// is a CBOR array whose first element is the message tag; a message may span
// multiple mux frames and is reassembled here.
package wire

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/p2p/mux"
)

// Codec reads and writes tagged CBOR messages on one channel.
type Codec struct {
	ch  *mux.Channel
	buf []byte
}

// NewCodec wraps a mux channel.
func NewCodec(ch *mux.Channel) *Codec {
	return &Codec{ch: ch}
}

// WriteMessage encodes the fields as one CBOR array and sends it. The first
// field is conventionally the message tag.
func (c *Codec) WriteMessage(fields ...interface{}) error {
	data, err := cbor.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return c.ch.Send(data)
}

// ReadMessage blocks until one complete message has arrived and returns its
// tag together with the remaining undecoded array elements.
func (c *Codec) ReadMessage() (uint64, []cbor.RawMessage, error) {
	for {
		if len(c.buf) > 0 {
			var items []cbor.RawMessage
			rest, err := cbor.UnmarshalFirst(c.buf, &items)
			if err == nil {
				c.buf = append([]byte(nil), rest...)
				if len(items) == 0 {
					return 0, nil, errors.New("empty message")
				}
				var tag uint64
				if err := cbor.Unmarshal(items[0], &tag); err != nil {
					return 0, nil, errors.Wrap(err, "decode message tag")
				}
				return tag, items[1:], nil
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, nil, errors.Wrap(err, "decode message")
			}
			// Truncated item, keep accumulating frames.
		}
		seg, err := c.ch.Recv()
		if err != nil {
			return 0, nil, err
		}
		c.buf = append(c.buf, seg...)
	}
}
