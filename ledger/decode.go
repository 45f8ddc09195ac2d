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

// Package ledger derives chain points from the binary header and block
// encodings of the five historical eras. Decoding is speculative: each era is
// tried in order and the first that parses wins. Nothing beyond the slot is
// interpreted; payloads stay opaque to the rest of the system.
package ledger

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/cardano-tools/go-slurp/chain"
)

// slotsPerByronEpoch is the number of slots per epoch in the Byron era, used
// to flatten (epoch, slot) pairs into absolute slots.
const slotsPerByronEpoch = 21600

// ErrUnrecognizedBlock is returned when a payload parses as none of the known
// eras. It is fatal for the session: the handshake was supposed to rule this
// out.
var ErrUnrecognizedBlock = errors.New("unrecognized block")

// Era identifies one of the historical block encoding schemes.
type Era uint8

const (
	EraEpochBoundary Era = iota
	EraByron
	EraShelley
	EraAlonzo
	EraBabbage
)

func (e Era) String() string {
	switch e {
	case EraEpochBoundary:
		return "epoch-boundary"
	case EraByron:
		return "byron"
	case EraShelley:
		return "shelley"
	case EraAlonzo:
		return "alonzo"
	case EraBabbage:
		return "babbage"
	default:
		return "unknown"
	}
}

// The era-specific header shapes. Only the fields needed to derive the slot
// are typed; everything else is kept raw. The strict element counts of the
// array encodings are what discriminates one era from another.

type ebbConsensus struct {
	_          struct{} `cbor:",toarray"`
	EpochID    uint64
	Difficulty []uint64
}

type ebbHead struct {
	_             struct{} `cbor:",toarray"`
	ProtocolMagic uint64
	PrevBlock     []byte
	BodyProof     cbor.RawMessage
	Consensus     ebbConsensus
	Extra         cbor.RawMessage
}

type byronSlotID struct {
	_     struct{} `cbor:",toarray"`
	Epoch uint64
	Slot  uint64
}

type byronConsensus struct {
	_          struct{} `cbor:",toarray"`
	SlotID     byronSlotID
	LeaderKey  []byte
	Difficulty []uint64
	Signature  cbor.RawMessage
}

type byronHead struct {
	_             struct{} `cbor:",toarray"`
	ProtocolMagic uint64
	PrevBlock     []byte
	BodyProof     cbor.RawMessage
	Consensus     byronConsensus
	Extra         cbor.RawMessage
}

// alonzoHeaderBody covers the Shelley through Alonzo eras, which share one
// 15 element header body.
type alonzoHeaderBody struct {
	_             struct{} `cbor:",toarray"`
	BlockNumber   uint64
	Slot          uint64
	PrevHash      cbor.RawMessage
	IssuerVkey    cbor.RawMessage
	VrfVkey       cbor.RawMessage
	NonceVrf      cbor.RawMessage
	LeaderVrf     cbor.RawMessage
	BlockBodySize cbor.RawMessage
	BlockBodyHash cbor.RawMessage
	OpHotVkey     cbor.RawMessage
	OpSequence    cbor.RawMessage
	OpKesPeriod   cbor.RawMessage
	OpSigma       cbor.RawMessage
	ProtoMajor    cbor.RawMessage
	ProtoMinor    cbor.RawMessage
}

type alonzoHeader struct {
	_             struct{} `cbor:",toarray"`
	Body          alonzoHeaderBody
	BodySignature cbor.RawMessage
}

// babbageHeaderBody is the 10 element shape introduced in Babbage, which
// folded the operational certificate and protocol version into sub-arrays.
type babbageHeaderBody struct {
	_             struct{} `cbor:",toarray"`
	BlockNumber   uint64
	Slot          uint64
	PrevHash      cbor.RawMessage
	IssuerVkey    cbor.RawMessage
	VrfVkey       cbor.RawMessage
	VrfResult     cbor.RawMessage
	BlockBodySize cbor.RawMessage
	BlockBodyHash cbor.RawMessage
	OpCert        cbor.RawMessage
	ProtoVersion  cbor.RawMessage
}

type babbageHeader struct {
	_             struct{} `cbor:",toarray"`
	Body          babbageHeaderBody
	BodySignature cbor.RawMessage
}

// headerHash is the content hash naming a header on disk and in points.
func headerHash(header []byte) []byte {
	sum := blake2b.Sum256(header)
	return sum[:]
}

func ebbHeaderPoint(data []byte) (chain.Point, bool) {
	var h ebbHead
	if err := cbor.Unmarshal(data, &h); err != nil {
		return chain.Point{}, false
	}
	// Epoch boundary pseudo-blocks sit at the first slot of their epoch.
	return chain.New(h.Consensus.EpochID*slotsPerByronEpoch, headerHash(data)), true
}

func byronHeaderPoint(data []byte) (chain.Point, bool) {
	var h byronHead
	if err := cbor.Unmarshal(data, &h); err != nil {
		return chain.Point{}, false
	}
	slot := h.Consensus.SlotID.Epoch*slotsPerByronEpoch + h.Consensus.SlotID.Slot
	return chain.New(slot, headerHash(data)), true
}

func alonzoHeaderPoint(data []byte) (chain.Point, bool) {
	var h alonzoHeader
	if err := cbor.Unmarshal(data, &h); err != nil {
		return chain.Point{}, false
	}
	return chain.New(h.Body.Slot, headerHash(data)), true
}

func babbageHeaderPoint(data []byte) (chain.Point, bool) {
	var h babbageHeader
	if err := cbor.Unmarshal(data, &h); err != nil {
		return chain.Point{}, false
	}
	return chain.New(h.Body.Slot, headerHash(data)), true
}

// HeaderPoint derives the chain point of a raw header, trying every era in
// order from oldest to newest.
func HeaderPoint(data []byte) (chain.Point, error) {
	if p, ok := ebbHeaderPoint(data); ok {
		return p, nil
	}
	if p, ok := byronHeaderPoint(data); ok {
		return p, nil
	}
	if p, ok := alonzoHeaderPoint(data); ok {
		return p, nil
	}
	if p, ok := babbageHeaderPoint(data); ok {
		return p, nil
	}
	return chain.Point{}, ErrUnrecognizedBlock
}

// byronWrapper is the (tag, block) pair Byron era bodies travel in. Tag 0 is
// an epoch boundary block, tag 1 a main block.
type byronWrapper struct {
	_     struct{} `cbor:",toarray"`
	Tag   uint16
	Block cbor.RawMessage
}

// nestedHeader extracts the raw header item from a block encoding, which for
// every era is the first element of the block array.
func nestedHeader(block cbor.RawMessage) (cbor.RawMessage, bool) {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(block, &elems); err != nil {
		return nil, false
	}
	if len(elems) == 0 {
		return nil, false
	}
	return elems[0], true
}

func ebbBlockPoint(data []byte) (chain.Point, bool) {
	var w byronWrapper
	if err := cbor.Unmarshal(data, &w); err != nil {
		return chain.Point{}, false
	}
	header, ok := nestedHeader(w.Block)
	if !ok {
		return chain.Point{}, false
	}
	return ebbHeaderPoint(header)
}

func byronBlockPoint(data []byte) (chain.Point, bool) {
	var w byronWrapper
	if err := cbor.Unmarshal(data, &w); err != nil {
		return chain.Point{}, false
	}
	header, ok := nestedHeader(w.Block)
	if !ok {
		return chain.Point{}, false
	}
	return byronHeaderPoint(header)
}

func alonzoBlockPoint(data []byte) (chain.Point, bool) {
	header, ok := nestedHeader(data)
	if !ok {
		return chain.Point{}, false
	}
	return alonzoHeaderPoint(header)
}

func babbageBlockPoint(data []byte) (chain.Point, bool) {
	header, ok := nestedHeader(data)
	if !ok {
		return chain.Point{}, false
	}
	return babbageHeaderPoint(header)
}

// BlockPoint derives the chain point of a raw block body. The cascade mirrors
// HeaderPoint: a body names the same point as the header it nests.
func BlockPoint(data []byte) (chain.Point, error) {
	if p, ok := ebbBlockPoint(data); ok {
		return p, nil
	}
	if p, ok := byronBlockPoint(data); ok {
		return p, nil
	}
	if p, ok := alonzoBlockPoint(data); ok {
		return p, nil
	}
	if p, ok := babbageBlockPoint(data); ok {
		return p, nil
	}
	return chain.Point{}, ErrUnrecognizedBlock
}
