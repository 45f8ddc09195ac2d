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

// Package handshake implements version negotiation on protocol channel 0,
// both as the initiator (dialing a relay) and as the responder (the inbound
// transaction listener).
package handshake

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/wire"
)

// ProtocolID is the mux channel the handshake runs on.
const ProtocolID uint16 = 0

// MainnetMagic is the network magic of the Cardano mainnet.
const MainnetMagic uint64 = 764824073

// The proposed node-to-node protocol versions.
const (
	versionMin = 7
	versionMax = 10
)

const (
	msgProposeVersions = 0
	msgAcceptVersion   = 1
	msgRefuse          = 2
)

// VersionData carries the parameters attached to each proposed version: the
// network magic and the initiator-only diffusion flag.
type VersionData struct {
	NetworkMagic  uint64
	InitiatorOnly bool
}

// MarshalCBOR encodes the parameters in their wire form [magic, initiatorOnly].
func (v VersionData) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]interface{}{v.NetworkMagic, v.InitiatorOnly})
}

// UnmarshalCBOR decodes version parameters, tolerating the extra fields later
// protocol versions append.
func (v *VersionData) UnmarshalCBOR(data []byte) error {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(data, &items); err != nil {
		// Some servers send the bare magic for old versions.
		return cbor.Unmarshal(data, &v.NetworkMagic)
	}
	if len(items) == 0 {
		return errors.New("empty version parameters")
	}
	if err := cbor.Unmarshal(items[0], &v.NetworkMagic); err != nil {
		return errors.Wrap(err, "decode network magic")
	}
	if len(items) > 1 {
		if err := cbor.Unmarshal(items[1], &v.InitiatorOnly); err != nil {
			return errors.Wrap(err, "decode diffusion mode")
		}
	}
	return nil
}

// Confirmation is the accepted outcome of a negotiation.
type Confirmation struct {
	Version uint64
	Data    VersionData
}

// RejectError is returned when the remote refuses every proposed version.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}

// Client negotiates as the initiator.
type Client struct {
	codec *wire.Codec
}

// NewClient creates a handshake client owning the given channel.
func NewClient(ch *mux.Channel) *Client {
	return &Client{codec: wire.NewCodec(ch)}
}

// Negotiate proposes all supported versions with the given network magic and
// waits for the server's verdict.
func (c *Client) Negotiate(magic uint64) (*Confirmation, error) {
	table := make(map[uint64]VersionData, versionMax-versionMin+1)
	for v := uint64(versionMin); v <= versionMax; v++ {
		table[v] = VersionData{NetworkMagic: magic}
	}
	if err := c.codec.WriteMessage(msgProposeVersions, table); err != nil {
		return nil, err
	}
	tag, items, err := c.codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch tag {
	case msgAcceptVersion:
		if len(items) != 2 {
			return nil, errors.Errorf("malformed accept message: %d fields", len(items))
		}
		conf := new(Confirmation)
		if err := cbor.Unmarshal(items[0], &conf.Version); err != nil {
			return nil, errors.Wrap(err, "decode accepted version")
		}
		if err := cbor.Unmarshal(items[1], &conf.Data); err != nil {
			return nil, errors.Wrap(err, "decode accepted parameters")
		}
		return conf, nil
	case msgRefuse:
		reason := "unknown"
		if len(items) > 0 {
			var raw interface{}
			if cbor.Unmarshal(items[0], &raw) == nil {
				reason = fmt.Sprintf("%v", raw)
			}
		}
		return nil, &RejectError{Reason: reason}
	default:
		return nil, errors.Errorf("unexpected handshake message %d", tag)
	}
}

// Server negotiates as the responder, used by the inbound listener.
type Server struct {
	codec *wire.Codec
}

// NewServer creates a handshake server owning the given channel.
func NewServer(ch *mux.Channel) *Server {
	return &Server{codec: wire.NewCodec(ch)}
}

// Accept receives the client's proposal and accepts the highest version it
// offered, echoing that version's parameters back.
func (s *Server) Accept() (uint64, VersionData, error) {
	tag, items, err := s.codec.ReadMessage()
	if err != nil {
		return 0, VersionData{}, err
	}
	if tag != msgProposeVersions || len(items) != 1 {
		return 0, VersionData{}, errors.Errorf("unexpected handshake message %d", tag)
	}
	var table map[uint64]VersionData
	if err := cbor.Unmarshal(items[0], &table); err != nil {
		return 0, VersionData{}, errors.Wrap(err, "decode version table")
	}
	if len(table) == 0 {
		return 0, VersionData{}, errors.New("empty version table")
	}
	var best uint64
	for v := range table {
		if v > best {
			best = v
		}
	}
	data := table[best]
	if err := s.codec.WriteMessage(msgAcceptVersion, best, data); err != nil {
		return 0, VersionData{}, err
	}
	return best, data, nil
}
