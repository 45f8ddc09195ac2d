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

// Package chain contains the basic types shared by every protocol agent: chain
// points, fetch ranges and their wire encodings.
package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// HashLength is the byte length of a block or header hash.
const HashLength = 32

// Point identifies a position on the chain. The zero value (no hash) is the
// origin, the sentinel preceding all blocks. Any other point carries the slot
// number and the 32 byte header hash.
type Point struct {
	Slot uint64
	Hash []byte
}

// Origin returns the sentinel point preceding all blocks.
func Origin() Point {
	return Point{}
}

// New constructs a specific point from a slot and hash.
func New(slot uint64, hash []byte) Point {
	return Point{Slot: slot, Hash: hash}
}

// IsOrigin reports whether p is the origin sentinel.
func (p Point) IsOrigin() bool {
	return len(p.Hash) == 0
}

// Equal reports whether two points name the same chain position.
func (p Point) Equal(o Point) bool {
	return p.Slot == o.Slot && bytes.Equal(p.Hash, o.Hash)
}

func (p Point) String() string {
	if p.IsOrigin() {
		return "origin"
	}
	return fmt.Sprintf("%d/%x", p.Slot, p.Hash)
}

// MarshalCBOR encodes the point in its node-to-node wire form: the origin is
// the empty array, a specific point is [slot, hash].
func (p Point) MarshalCBOR() ([]byte, error) {
	if p.IsOrigin() {
		return cbor.Marshal([]interface{}{})
	}
	return cbor.Marshal([]interface{}{p.Slot, p.Hash})
}

// UnmarshalCBOR decodes the wire form produced by MarshalCBOR.
func (p *Point) UnmarshalCBOR(data []byte) error {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(data, &items); err != nil {
		return errors.Wrap(err, "invalid point encoding")
	}
	switch len(items) {
	case 0:
		*p = Point{}
		return nil
	case 2:
		var slot uint64
		if err := cbor.Unmarshal(items[0], &slot); err != nil {
			return errors.Wrap(err, "invalid point slot")
		}
		var hash []byte
		if err := cbor.Unmarshal(items[1], &hash); err != nil {
			return errors.Wrap(err, "invalid point hash")
		}
		*p = Point{Slot: slot, Hash: hash}
		return nil
	default:
		return errors.Errorf("invalid point encoding: %d elements", len(items))
	}
}

// ParsePoint parses the textual form accepted on the command line: either the
// literal "origin" or "slot/hex-hash".
func ParsePoint(s string) (Point, error) {
	if s == "origin" {
		return Origin(), nil
	}
	slotPart, hashPart, ok := strings.Cut(s, "/")
	if !ok {
		return Point{}, errors.Errorf("invalid point %q, want origin or slot/hash", s)
	}
	slot, err := strconv.ParseUint(slotPart, 10, 64)
	if err != nil {
		return Point{}, errors.Wrapf(err, "invalid slot in point %q", s)
	}
	hash, err := hex.DecodeString(hashPart)
	if err != nil {
		return Point{}, errors.Wrapf(err, "invalid hash in point %q", s)
	}
	if len(hash) != HashLength {
		return Point{}, errors.Errorf("invalid hash length %d in point %q", len(hash), s)
	}
	return New(slot, hash), nil
}

// Range is an inclusive interval of points to fetch, with From.Slot <= To.Slot.
type Range struct {
	From Point
	To   Point
}

func (r Range) String() string {
	return fmt.Sprintf("%v..%v", r.From, r.To)
}
