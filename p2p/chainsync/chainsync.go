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

// Package chainsync implements the client side of the chain-follow
// mini-protocol on channel 2. The server pushes RollForward and RollBackward
// events; the client paces them with RequestNext and can reposition the
// server with FindIntersect.
package chainsync

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/wire"
)

// ProtocolID is the mux channel the chain-follow protocol runs on.
const ProtocolID uint16 = 2

const (
	msgRequestNext       = 0
	msgAwaitReply        = 1
	msgRollForward       = 2
	msgRollBackward      = 3
	msgFindIntersect     = 4
	msgIntersectFound    = 5
	msgIntersectNotFound = 6
	msgDone              = 7
)

// State tracks which side has agency, i.e. who speaks next.
type State uint8

const (
	// StateIdle means the client has agency and may send RequestNext or
	// FindIntersect.
	StateIdle State = iota
	// StateIntersect means an intersection reply is outstanding.
	StateIntersect
	// StateCanAwait means a RequestNext reply is outstanding; the server may
	// answer immediately or signal that the tip was reached.
	StateCanAwait
	// StateMustReply means the server acknowledged the tip and will push the
	// next event whenever a new block arrives.
	StateMustReply
	// StateDone means the protocol has terminated.
	StateDone
)

// Tip is the server's view of the end of its chain.
type Tip struct {
	Point   chain.Point
	BlockNo uint64
}

// MarshalCBOR encodes the tip as [point, blockNo].
func (t Tip) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]interface{}{t.Point, t.BlockNo})
}

// UnmarshalCBOR decodes the [point, blockNo] wire form.
func (t *Tip) UnmarshalCBOR(data []byte) error {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(data, &items); err != nil {
		return errors.Wrap(err, "invalid tip encoding")
	}
	if len(items) != 2 {
		return errors.Errorf("invalid tip encoding: %d elements", len(items))
	}
	if err := cbor.Unmarshal(items[0], &t.Point); err != nil {
		return err
	}
	return cbor.Unmarshal(items[1], &t.BlockNo)
}

// HeaderContent is the era-wrapped header payload of a RollForward. The core
// never inspects Cbor beyond handing it to the ledger point decoder.
type HeaderContent struct {
	// Variant is the era tag of the outer wrapper; 0 is the Byron era.
	Variant uint64
	// ByronPrefix carries the (subtag, size) pair present only on Byron-era
	// wrappers.
	ByronPrefix *[2]uint64
	// Cbor is the raw header payload.
	Cbor []byte
}

// ResponseKind discriminates the outcomes of RequestNext.
type ResponseKind uint8

const (
	// ResponseForward delivers the next header on the chain.
	ResponseForward ResponseKind = iota
	// ResponseBackward asks the client to roll back to an earlier point.
	ResponseBackward
	// ResponseAwait signals that the tip has been reached; the next reply
	// will arrive when the chain grows.
	ResponseAwait
)

// NextResponse is one chain-follow event.
type NextResponse struct {
	Kind   ResponseKind
	Header HeaderContent // valid for ResponseForward
	Point  chain.Point   // rollback target, valid for ResponseBackward
	Tip    Tip
}

// Client drives the chain-follow state machine.
type Client struct {
	codec *wire.Codec
	state State
}

// NewClient creates a chain-follow client owning the given channel.
func NewClient(ch *mux.Channel) *Client {
	return &Client{codec: wire.NewCodec(ch), state: StateIdle}
}

// State returns the current protocol state.
func (c *Client) State() State {
	return c.state
}

// FindIntersect offers the given points to the server, which selects the best
// match on its chain. It returns the intersection point and the server's tip;
// found is false when none of the offered points is on the server's chain.
func (c *Client) FindIntersect(points []chain.Point) (chain.Point, Tip, bool, error) {
	if c.state != StateIdle {
		return chain.Point{}, Tip{}, false, errors.Errorf("find intersect in state %d", c.state)
	}
	if err := c.codec.WriteMessage(msgFindIntersect, points); err != nil {
		return chain.Point{}, Tip{}, false, err
	}
	c.state = StateIntersect
	tag, items, err := c.codec.ReadMessage()
	if err != nil {
		return chain.Point{}, Tip{}, false, err
	}
	c.state = StateIdle
	switch tag {
	case msgIntersectFound:
		if len(items) != 2 {
			return chain.Point{}, Tip{}, false, errors.Errorf("malformed intersect reply: %d fields", len(items))
		}
		var point chain.Point
		if err := cbor.Unmarshal(items[0], &point); err != nil {
			return chain.Point{}, Tip{}, false, errors.Wrap(err, "decode intersection point")
		}
		var tip Tip
		if err := cbor.Unmarshal(items[1], &tip); err != nil {
			return chain.Point{}, Tip{}, false, errors.Wrap(err, "decode tip")
		}
		return point, tip, true, nil
	case msgIntersectNotFound:
		var tip Tip
		if len(items) == 1 {
			if err := cbor.Unmarshal(items[0], &tip); err != nil {
				return chain.Point{}, Tip{}, false, errors.Wrap(err, "decode tip")
			}
		}
		return chain.Point{}, tip, false, nil
	default:
		return chain.Point{}, Tip{}, false, errors.Errorf("unexpected chainsync message %d in intersect", tag)
	}
}

// RequestNext returns the next chain event. With client agency it first sends
// the request; after an Await it simply blocks on the server's push.
func (c *Client) RequestNext() (*NextResponse, error) {
	switch c.state {
	case StateIdle:
		if err := c.codec.WriteMessage(msgRequestNext); err != nil {
			return nil, err
		}
		c.state = StateCanAwait
	case StateCanAwait, StateMustReply:
		// Server has agency, fall through to the read.
	default:
		return nil, errors.Errorf("request next in state %d", c.state)
	}
	tag, items, err := c.codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch tag {
	case msgAwaitReply:
		c.state = StateMustReply
		return &NextResponse{Kind: ResponseAwait}, nil
	case msgRollForward:
		if len(items) != 2 {
			return nil, errors.Errorf("malformed roll forward: %d fields", len(items))
		}
		header, err := decodeWrappedHeader(items[0])
		if err != nil {
			return nil, err
		}
		var tip Tip
		if err := cbor.Unmarshal(items[1], &tip); err != nil {
			return nil, errors.Wrap(err, "decode tip")
		}
		c.state = StateIdle
		return &NextResponse{Kind: ResponseForward, Header: header, Tip: tip}, nil
	case msgRollBackward:
		if len(items) != 2 {
			return nil, errors.Errorf("malformed roll backward: %d fields", len(items))
		}
		var point chain.Point
		if err := cbor.Unmarshal(items[0], &point); err != nil {
			return nil, errors.Wrap(err, "decode rollback point")
		}
		var tip Tip
		if err := cbor.Unmarshal(items[1], &tip); err != nil {
			return nil, errors.Wrap(err, "decode tip")
		}
		c.state = StateIdle
		return &NextResponse{Kind: ResponseBackward, Point: point, Tip: tip}, nil
	default:
		return nil, errors.Errorf("unexpected chainsync message %d", tag)
	}
}

// Done terminates the protocol.
func (c *Client) Done() error {
	if err := c.codec.WriteMessage(msgDone); err != nil {
		return err
	}
	c.state = StateDone
	return nil
}

// decodeWrappedHeader unpacks the era wrapper around a header: [variant, body]
// where body is a tag-24 wrapped byte string, except in the Byron era where it
// is [[subtag, size], tag-24 bytes].
func decodeWrappedHeader(raw cbor.RawMessage) (HeaderContent, error) {
	var outer []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &outer); err != nil {
		return HeaderContent{}, errors.Wrap(err, "decode header wrapper")
	}
	if len(outer) != 2 {
		return HeaderContent{}, errors.Errorf("malformed header wrapper: %d elements", len(outer))
	}
	var content HeaderContent
	if err := cbor.Unmarshal(outer[0], &content.Variant); err != nil {
		return HeaderContent{}, errors.Wrap(err, "decode era variant")
	}
	wrapped := outer[1]
	if content.Variant == 0 {
		var inner []cbor.RawMessage
		if err := cbor.Unmarshal(wrapped, &inner); err != nil {
			return HeaderContent{}, errors.Wrap(err, "decode byron wrapper")
		}
		if len(inner) != 2 {
			return HeaderContent{}, errors.Errorf("malformed byron wrapper: %d elements", len(inner))
		}
		var prefix [2]uint64
		if err := cbor.Unmarshal(inner[0], &prefix); err != nil {
			return HeaderContent{}, errors.Wrap(err, "decode byron prefix")
		}
		content.ByronPrefix = &prefix
		wrapped = inner[1]
	}
	payload, err := unwrapTag24(wrapped)
	if err != nil {
		return HeaderContent{}, err
	}
	content.Cbor = payload
	return content, nil
}

// unwrapTag24 extracts the byte string from a tag-24 (encoded CBOR data item)
// wrapper.
func unwrapTag24(raw cbor.RawMessage) ([]byte, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(raw, &tag); err != nil {
		return nil, errors.Wrap(err, "decode header payload tag")
	}
	if tag.Number != 24 {
		return nil, errors.Errorf("unexpected header payload tag %d", tag.Number)
	}
	var payload []byte
	if err := cbor.Unmarshal(tag.Content, &payload); err != nil {
		return nil, errors.Wrap(err, "decode header payload")
	}
	return payload, nil
}

// WrapHeader builds the era wrapper for a header payload. It is the inverse of
// the RollForward decoding and is what a serving peer puts on the wire.
func WrapHeader(content HeaderContent) (interface{}, error) {
	inner, err := cbor.Marshal(content.Cbor)
	if err != nil {
		return nil, err
	}
	wrapped := cbor.RawTag{Number: 24, Content: inner}
	if content.Variant == 0 {
		prefix := [2]uint64{}
		if content.ByronPrefix != nil {
			prefix = *content.ByronPrefix
		}
		return []interface{}{content.Variant, []interface{}{prefix, wrapped}}, nil
	}
	return []interface{}{content.Variant, wrapped}, nil
}
