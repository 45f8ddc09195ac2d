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

// Package mux implements the framed multiplexer that carries the node-to-node
// mini-protocols over a single bearer connection.
//
// Every frame is an 8 byte header followed by the payload:
//
//	+---------------------+-----------------+-------------+
//	| timestamp (4 bytes) | proto (2 bytes) | len (2 bytes)|
//	+---------------------+-----------------+-------------+
//
// The timestamp is the lower 32 bits of the sender's monotonic clock in
// microseconds. The high bit of the protocol field marks frames sent by the
// responder side of the connection; the remaining 15 bits are the protocol
// number. Ordering is preserved within a protocol but not across protocols.
package mux

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	headerSize = 8

	// MaxPayload is the largest payload a single frame can carry. Messages
	// larger than this are split across frames and reassembled by the
	// receiving agent.
	MaxPayload = 0xffff

	// responderBit marks frames travelling from the responder side.
	responderBit = 0x8000

	// ingressBacklog bounds the per-channel inbound queue. When a queue is
	// full the demuxer stops reading the bearer, pushing the backpressure
	// onto the remote through TCP flow control.
	ingressBacklog = 32
)

// DialTimeout bounds the initial TCP connect to a relay.
const DialTimeout = 10 * time.Second

// Dial opens a TCP bearer to the given host:port address.
func Dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, DialTimeout)
}

type frame struct {
	proto   uint16
	payload []byte
}

// Muxer multiplexes logical channels over one bearer. It runs two workers: an
// outbound loop serializing writes from all channels onto the bearer, and an
// inbound loop dispatching received frames to per-channel queues.
type Muxer struct {
	conn      net.Conn
	start     time.Time
	responder bool

	egress chan frame

	mu       sync.Mutex
	channels map[uint16]*Channel
	failure  error
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// New wraps a bearer as the initiator side of a multiplexed connection.
func New(conn net.Conn) *Muxer {
	return newMuxer(conn, false)
}

// NewServer wraps a bearer as the responder side of a multiplexed connection.
func NewServer(conn net.Conn) *Muxer {
	return newMuxer(conn, true)
}

func newMuxer(conn net.Conn, responder bool) *Muxer {
	return &Muxer{
		conn:      conn,
		start:     time.Now(),
		responder: responder,
		egress:    make(chan frame),
		channels:  make(map[uint16]*Channel),
		closed:    make(chan struct{}),
	}
}

// UseChannel hands out the channel for the given protocol number. Each
// protocol is owned by exactly one agent for the lifetime of the session;
// requesting the same protocol twice is a programming error and panics.
func (m *Muxer) UseChannel(proto uint16) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[proto]; ok {
		panic(fmt.Sprintf("mux: channel %d handed out twice", proto))
	}
	ch := &Channel{
		proto:   proto,
		mux:     m,
		ingress: make(chan []byte, ingressBacklog),
	}
	m.channels[proto] = ch
	return ch
}

// Start launches the muxer and demuxer workers. Channels must be handed out
// before Start; frames for unknown protocols terminate the connection.
func (m *Muxer) Start() {
	m.wg.Add(2)
	go m.muxLoop()
	go m.demuxLoop()
}

// Close tears down the bearer and releases both workers. It is safe to call
// multiple times and from any goroutine.
func (m *Muxer) Close() error {
	m.fail(io.EOF)
	m.wg.Wait()
	return nil
}

// Err returns the error that terminated the connection, if any.
func (m *Muxer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

func (m *Muxer) fail(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.failure = err
		m.mu.Unlock()
		close(m.closed)
		m.conn.Close()
	})
}

func (m *Muxer) muxLoop() {
	defer m.wg.Done()
	buf := make([]byte, headerSize)
	for {
		select {
		case f := <-m.egress:
			ts := uint32(time.Since(m.start).Microseconds())
			proto := f.proto
			if m.responder {
				proto |= responderBit
			}
			binary.BigEndian.PutUint32(buf[0:4], ts)
			binary.BigEndian.PutUint16(buf[4:6], proto)
			binary.BigEndian.PutUint16(buf[6:8], uint16(len(f.payload)))
			if _, err := m.conn.Write(buf); err != nil {
				m.fail(err)
				return
			}
			if _, err := m.conn.Write(f.payload); err != nil {
				m.fail(err)
				return
			}
		case <-m.closed:
			return
		}
	}
}

func (m *Muxer) demuxLoop() {
	defer m.wg.Done()
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(m.conn, header); err != nil {
			m.fail(err)
			return
		}
		proto := binary.BigEndian.Uint16(header[4:6]) &^ responderBit
		length := binary.BigEndian.Uint16(header[6:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(m.conn, payload); err != nil {
			m.fail(err)
			return
		}
		m.mu.Lock()
		ch := m.channels[proto]
		m.mu.Unlock()
		if ch == nil {
			m.fail(fmt.Errorf("mux: frame for unknown protocol %d", proto))
			return
		}
		// Blocks when the channel queue is full, which intentionally stalls
		// the bearer read until the owning agent catches up.
		select {
		case ch.ingress <- payload:
		case <-m.closed:
			return
		}
	}
}

// Channel is the sending and receiving handle for one protocol.
type Channel struct {
	proto   uint16
	mux     *Muxer
	ingress chan []byte
}

// Send writes one message payload to the channel, splitting it across frames
// when it exceeds the frame payload limit.
func (c *Channel) Send(payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxPayload {
			n = MaxPayload
		}
		select {
		case c.mux.egress <- frame{proto: c.proto, payload: payload[:n]}:
		case <-c.mux.closed:
			return c.mux.Err()
		}
		payload = payload[n:]
	}
	return nil
}

// Recv returns the next frame payload received for this channel. Pending
// frames are still delivered after the connection fails; once drained, the
// terminating error is returned.
func (c *Channel) Recv() ([]byte, error) {
	select {
	case p := <-c.ingress:
		return p, nil
	case <-c.mux.closed:
		select {
		case p := <-c.ingress:
			return p, nil
		default:
			return nil, c.mux.Err()
		}
	}
}
