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

// Package txsubmission implements the server side of the transaction
// submission mini-protocol on channel 4, used by the inbound listener to
// receive mempool announcements from connecting clients.
package txsubmission

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/wire"
)

// ProtocolID is the mux channel the transaction submission protocol runs on.
const ProtocolID uint16 = 4

const (
	msgRequestTxIds = 0
	msgReplyTxIds   = 1
	msgRequestTxs   = 2
	msgReplyTxs     = 3
	msgDone         = 4
	msgInit         = 6
)

// TxID is an era-qualified transaction identifier.
type TxID struct {
	_    struct{} `cbor:",toarray"`
	Era  uint16
	Hash []byte
}

// TxIDAndSize pairs an announced transaction ID with its byte size.
type TxIDAndSize struct {
	_    struct{} `cbor:",toarray"`
	ID   TxID
	Size uint32
}

// ReplyKind discriminates the client's replies.
type ReplyKind uint8

const (
	// ReplyTxIDs carries newly announced transaction IDs.
	ReplyTxIDs ReplyKind = iota
	// ReplyTxs carries requested transaction bodies.
	ReplyTxs
	// ReplyDone terminates the protocol.
	ReplyDone
)

// Reply is one client message received by the server.
type Reply struct {
	Kind ReplyKind
	IDs  []TxIDAndSize
	Txs  [][]byte
}

// Server drives the server role of the protocol.
type Server struct {
	codec *wire.Codec
}

// NewServer creates a transaction submission server owning the given channel.
func NewServer(ch *mux.Channel) *Server {
	return &Server{codec: wire.NewCodec(ch)}
}

// WaitForInit blocks until the client's init message arrives.
func (s *Server) WaitForInit() error {
	tag, _, err := s.codec.ReadMessage()
	if err != nil {
		return err
	}
	if tag != msgInit {
		return errors.Errorf("unexpected txsubmission message %d, want init", tag)
	}
	return nil
}

// AcknowledgeAndRequestTxIds acknowledges ack previously received IDs and asks
// for up to req more. With blocking set, the client holds the reply until it
// has at least one ID to announce.
func (s *Server) AcknowledgeAndRequestTxIds(blocking bool, ack, req uint16) error {
	return s.codec.WriteMessage(msgRequestTxIds, blocking, ack, req)
}

// RequestTxs asks the client for the bodies of the given transactions.
func (s *Server) RequestTxs(ids []TxID) error {
	return s.codec.WriteMessage(msgRequestTxs, ids)
}

// ReceiveNextReply returns the client's next message.
func (s *Server) ReceiveNextReply() (*Reply, error) {
	tag, items, err := s.codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch tag {
	case msgReplyTxIds:
		if len(items) != 1 {
			return nil, errors.Errorf("malformed tx id reply: %d fields", len(items))
		}
		var ids []TxIDAndSize
		if err := cbor.Unmarshal(items[0], &ids); err != nil {
			return nil, errors.Wrap(err, "decode tx ids")
		}
		return &Reply{Kind: ReplyTxIDs, IDs: ids}, nil
	case msgReplyTxs:
		if len(items) != 1 {
			return nil, errors.Errorf("malformed tx reply: %d fields", len(items))
		}
		var txs [][]byte
		if err := cbor.Unmarshal(items[0], &txs); err != nil {
			return nil, errors.Wrap(err, "decode txs")
		}
		return &Reply{Kind: ReplyTxs, Txs: txs}, nil
	case msgDone:
		return &Reply{Kind: ReplyDone}, nil
	default:
		return nil, errors.Errorf("unexpected txsubmission message %d", tag)
	}
}
