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
	"encoding/hex"
	"fmt"
	"net"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/cardano-tools/go-slurp/p2p/handshake"
	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/txsubmission"
)

// DefaultListenPort is where the inbound listener accepts node-to-node
// sessions from clients that want to announce mempool transactions.
const DefaultListenPort = 58209

// txIDRequestLimit is how many transaction IDs are requested per round.
const txIDRequestLimit = 4

// Listen accepts inbound node-to-node sessions forever, running the
// transaction announcement protocol against each client. It returns only if
// the listener itself fails.
func Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	logrus.WithField("port", port).Info("listening for incoming connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			log := logrus.WithField("client", conn.RemoteAddr().String())
			log.Info("incoming connection received")
			if err := serveInbound(conn, log); err != nil {
				log.WithError(err).Warn("inbound session ended")
			} else {
				log.Info("inbound session done")
			}
		}()
	}
}

// serveInbound handshakes as the server and drains the client's transaction
// announcements, logging each previously unseen transaction ID.
func serveInbound(conn net.Conn, log *logrus.Entry) error {
	m := mux.NewServer(conn)
	hs := m.UseChannel(handshake.ProtocolID)
	tx := m.UseChannel(txsubmission.ProtocolID)
	m.Start()
	defer m.Close()

	version, _, err := handshake.NewServer(hs).Accept()
	if err != nil {
		return err
	}
	log.WithField("version", version).Info("handshake successful")

	srv := txsubmission.NewServer(tx)
	if err := srv.WaitForInit(); err != nil {
		return err
	}
	seen := mapset.NewSet[string]()
	if err := srv.AcknowledgeAndRequestTxIds(true, 0, txIDRequestLimit); err != nil {
		return err
	}
	var fifo uint16
	for {
		reply, err := srv.ReceiveNextReply()
		if err != nil {
			return err
		}
		switch reply.Kind {
		case txsubmission.ReplyTxIDs:
			fifo += uint16(len(reply.IDs))
			ids := make([]txsubmission.TxID, 0, len(reply.IDs))
			for _, ann := range reply.IDs {
				ids = append(ids, ann.ID)
				if id := hex.EncodeToString(ann.ID.Hash); seen.Add(id) {
					log.WithFields(logrus.Fields{"tx": id, "bytes": ann.Size}).Info("transaction announced")
				}
			}
			if len(ids) > 0 {
				if err := srv.RequestTxs(ids); err != nil {
					return err
				}
			} else {
				if err := srv.AcknowledgeAndRequestTxIds(fifo == 0, fifo, txIDRequestLimit); err != nil {
					return err
				}
				fifo = 0
			}
		case txsubmission.ReplyTxs:
			log.WithField("count", len(reply.Txs)).Debug("received transaction bodies")
			if err := srv.AcknowledgeAndRequestTxIds(true, fifo, txIDRequestLimit); err != nil {
				return err
			}
			fifo = 0
		case txsubmission.ReplyDone:
			return nil
		}
	}
}
