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

package txsubmission

import (
	"net"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/wire"
)

func testPeers(t *testing.T) (*wire.Codec, *Server) {
	t.Helper()

	cConn, sConn := net.Pipe()
	cm, sm := mux.New(cConn), mux.NewServer(sConn)
	cc, sc := cm.UseChannel(ProtocolID), sm.UseChannel(ProtocolID)
	cm.Start()
	sm.Start()
	t.Cleanup(func() {
		cm.Close()
		sm.Close()
	})
	return wire.NewCodec(cc), NewServer(sc)
}

// Tests one full announcement round: init, request, id reply, body request,
// body reply, done.
func TestServerExchange(t *testing.T) {
	t.Parallel()

	client, server := testPeers(t)
	announced := []TxIDAndSize{
		{ID: TxID{Era: 5, Hash: []byte{0xaa, 0xbb}}, Size: 321},
	}

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- func() error {
			if err := client.WriteMessage(uint64(msgInit)); err != nil {
				return err
			}
			if _, _, err := client.ReadMessage(); err != nil {
				return err
			}
			if err := client.WriteMessage(uint64(msgReplyTxIds), announced); err != nil {
				return err
			}
			tag, items, err := client.ReadMessage()
			if err != nil {
				return err
			}
			if tag != msgRequestTxs || len(items) != 1 {
				return errors.Errorf("unexpected message %d", tag)
			}
			var ids []TxID
			if err := cbor.Unmarshal(items[0], &ids); err != nil {
				return err
			}
			if err := client.WriteMessage(uint64(msgReplyTxs), [][]byte{{0x01}}); err != nil {
				return err
			}
			if _, _, err := client.ReadMessage(); err != nil {
				return err
			}
			return client.WriteMessage(uint64(msgDone))
		}()
	}()

	require.NoError(t, server.WaitForInit())
	require.NoError(t, server.AcknowledgeAndRequestTxIds(true, 0, 4))

	reply, err := server.ReceiveNextReply()
	require.NoError(t, err)
	assert.Equal(t, ReplyTxIDs, reply.Kind)
	require.Len(t, reply.IDs, 1)
	assert.Equal(t, uint16(5), reply.IDs[0].ID.Era)
	assert.Equal(t, []byte{0xaa, 0xbb}, reply.IDs[0].ID.Hash)
	assert.Equal(t, uint32(321), reply.IDs[0].Size)

	require.NoError(t, server.RequestTxs([]TxID{reply.IDs[0].ID}))

	reply, err = server.ReceiveNextReply()
	require.NoError(t, err)
	assert.Equal(t, ReplyTxs, reply.Kind)
	assert.Len(t, reply.Txs, 1)

	require.NoError(t, server.AcknowledgeAndRequestTxIds(true, 1, 4))

	reply, err = server.ReceiveNextReply()
	require.NoError(t, err)
	assert.Equal(t, ReplyDone, reply.Kind)

	require.NoError(t, <-clientDone)
}

func TestWaitForInitRejectsOtherMessages(t *testing.T) {
	t.Parallel()

	client, server := testPeers(t)

	go client.WriteMessage(uint64(msgReplyTxIds), []TxIDAndSize{})

	assert.Error(t, server.WaitForInit())
}
