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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardano-tools/go-slurp/chain"
	"github.com/cardano-tools/go-slurp/cursor"
	"github.com/cardano-tools/go-slurp/ledger"
	"github.com/cardano-tools/go-slurp/p2p/blockfetch"
	"github.com/cardano-tools/go-slurp/p2p/chainsync"
	"github.com/cardano-tools/go-slurp/p2p/handshake"
	"github.com/cardano-tools/go-slurp/p2p/mux"
	"github.com/cardano-tools/go-slurp/p2p/wire"
)

const testRelay = "scripted.peer:3001"

// testHeader encodes a minimal current-era header at the given slot, and
// testBlock wraps it into a block body naming the same point.
func testHeader(t *testing.T, slot uint64) []byte {
	t.Helper()
	body := []interface{}{uint64(1), slot, nil, nil, nil, nil, nil, nil, nil, nil}
	data, err := cbor.Marshal([]interface{}{body, nil})
	require.NoError(t, err)
	return data
}

func testBlock(t *testing.T, header []byte) []byte {
	t.Helper()
	data, err := cbor.Marshal([]interface{}{
		cbor.RawMessage(header), []interface{}{}, []interface{}{}, nil, []interface{}{},
	})
	require.NoError(t, err)
	return data
}

func pointOf(t *testing.T, header []byte) chain.Point {
	t.Helper()
	p, err := ledger.HeaderPoint(header)
	require.NoError(t, err)
	return p
}

// scriptedPeer is the server end of an in-process session: a responder muxer
// with codecs for the three client-facing protocols.
type scriptedPeer struct {
	m  *mux.Muxer
	hs *mux.Channel
	cs *wire.Codec
	bf *wire.Codec
}

func newScriptedPeer(t *testing.T, conn net.Conn) *scriptedPeer {
	t.Helper()
	m := mux.NewServer(conn)
	p := &scriptedPeer{
		m:  m,
		hs: m.UseChannel(handshake.ProtocolID),
		cs: wire.NewCodec(m.UseChannel(chainsync.ProtocolID)),
		bf: wire.NewCodec(m.UseChannel(blockfetch.ProtocolID)),
	}
	m.Start()
	t.Cleanup(func() { m.Close() })
	return p
}

func (p *scriptedPeer) acceptHandshake(t *testing.T) {
	t.Helper()
	_, _, err := handshake.NewServer(p.hs).Accept()
	require.NoError(t, err)
}

func (p *scriptedPeer) tip() chainsync.Tip {
	return chainsync.Tip{Point: chain.New(10_000, make([]byte, chain.HashLength)), BlockNo: 99}
}

// expectIntersect consumes a FindIntersect, requires at least one offered
// point and confirms the first one.
func (p *scriptedPeer) expectIntersect(t *testing.T) []chain.Point {
	t.Helper()
	tag, items, err := p.cs.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint64(4), tag)
	require.Len(t, items, 1)
	var offered []chain.Point
	require.NoError(t, cbor.Unmarshal(items[0], &offered))
	require.NotEmpty(t, offered)
	require.NoError(t, p.cs.WriteMessage(uint64(5), offered[0], p.tip()))
	return offered
}

func (p *scriptedPeer) expectRequestNext(t *testing.T) {
	t.Helper()
	tag, _, err := p.cs.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint64(0), tag)
}

func (p *scriptedPeer) rollForward(t *testing.T, header []byte) {
	t.Helper()
	wrapped, err := chainsync.WrapHeader(chainsync.HeaderContent{Variant: 6, Cbor: header})
	require.NoError(t, err)
	require.NoError(t, p.cs.WriteMessage(uint64(2), wrapped, p.tip()))
}

func (p *scriptedPeer) rollBackward(t *testing.T, to chain.Point) {
	t.Helper()
	require.NoError(t, p.cs.WriteMessage(uint64(3), to, p.tip()))
}

func (p *scriptedPeer) awaitReply(t *testing.T) {
	t.Helper()
	require.NoError(t, p.cs.WriteMessage(uint64(1)))
}

// serveRanges answers block-fetch requests with the given bodies per range,
// in order, asserting the requested slots.
func (p *scriptedPeer) serveRanges(t *testing.T, script []struct {
	from, to uint64
	bodies   [][]byte
}) {
	for _, step := range script {
		tag, items, err := p.bf.ReadMessage()
		if !assert.NoError(t, err) || !assert.Equal(t, uint64(0), tag) || !assert.Len(t, items, 2) {
			return
		}
		var from, to chain.Point
		if !assert.NoError(t, cbor.Unmarshal(items[0], &from)) || !assert.NoError(t, cbor.Unmarshal(items[1], &to)) {
			return
		}
		assert.Equal(t, step.from, from.Slot)
		assert.Equal(t, step.to, to.Slot)
		if !assert.NoError(t, p.bf.WriteMessage(uint64(2))) {
			return
		}
		for _, body := range step.bodies {
			if !assert.NoError(t, p.bf.WriteMessage(uint64(4), body)) {
				return
			}
		}
		if !assert.NoError(t, p.bf.WriteMessage(uint64(5))) {
			return
		}
	}
}

func newTestSession(t *testing.T, dir string, fallback *chain.Point) *Session {
	t.Helper()
	s, err := NewSession(dir, testRelay, fallback, handshake.MainnetMagic)
	require.NoError(t, err)
	return s
}

func startSession(t *testing.T, s *Session) (net.Conn, <-chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- s.run(clientConn)
	}()
	return serverConn, errc
}

func artifactPath(dir, kind string, p chain.Point) string {
	upper := p.Slot - p.Slot%200_000_000
	lower := p.Slot - p.Slot%200_000
	return filepath.Join(dir, kind, fmt.Sprint(upper), fmt.Sprint(lower), fmt.Sprintf("%d-%x", p.Slot, p.Hash))
}

func cursorFront(t *testing.T, dir string) (chain.Point, int) {
	t.Helper()
	c, err := cursor.Load(filepath.Join(dir, "cursors", testRelay))
	if err != nil {
		return chain.Point{}, 0
	}
	front, ok := c.Front()
	if !ok {
		return chain.Point{}, 0
	}
	return front, c.Len()
}

// A clean sync of three blocks: two batched during bulk sync, the third
// fetched alone once the tip is reached.
func TestSessionCleanSync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestSession(t, dir, nil)
	s.headers.batch.batchSize = 2

	h1, h2, h3 := testHeader(t, 100), testHeader(t, 200), testHeader(t, 300)
	p1, p2, p3 := pointOf(t, h1), pointOf(t, h2), pointOf(t, h3)

	serverConn, errc := startSession(t, s)
	peer := newScriptedPeer(t, serverConn)
	peer.acceptHandshake(t)

	go peer.serveRanges(t, []struct {
		from, to uint64
		bodies   [][]byte
	}{
		{from: 100, to: 200, bodies: [][]byte{testBlock(t, h1), testBlock(t, h2)}},
		{from: 300, to: 300, bodies: [][]byte{testBlock(t, h3)}},
	})

	offered := peer.expectIntersect(t)
	assert.True(t, offered[0].IsOrigin())
	for _, h := range [][]byte{h1, h2, h3} {
		peer.expectRequestNext(t)
		peer.rollForward(t, h)
	}
	peer.expectRequestNext(t)
	peer.awaitReply(t)

	require.Eventually(t, func() bool {
		front, n := cursorFront(t, dir)
		return n == 3 && front.Equal(p3)
	}, 5*time.Second, 10*time.Millisecond)

	for _, p := range []chain.Point{p1, p2, p3} {
		assert.FileExists(t, artifactPath(dir, "headers", p))
		assert.FileExists(t, artifactPath(dir, "bodies", p))
	}

	// Header files land under headers/0/0/{slot}-{hash}.
	data, err := os.ReadFile(artifactPath(dir, "headers", p1))
	require.NoError(t, err)
	assert.Equal(t, h1, data)

	peer.m.Close()
	assert.Error(t, <-errc)
}

// A rollback mid-batch flushes the in-flight headers so their bodies are
// still downloaded, then sync continues on the new fork.
func TestSessionRollbackMidBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestSession(t, dir, nil)

	h1, h2 := testHeader(t, 100), testHeader(t, 200)
	h2prime := testHeader(t, 250)
	p1, p2 := pointOf(t, h1), pointOf(t, h2)
	p2p := pointOf(t, h2prime)
	p0 := chain.New(50, make([]byte, chain.HashLength))

	serverConn, errc := startSession(t, s)
	peer := newScriptedPeer(t, serverConn)
	peer.acceptHandshake(t)

	go peer.serveRanges(t, []struct {
		from, to uint64
		bodies   [][]byte
	}{
		{from: 100, to: 200, bodies: [][]byte{testBlock(t, h1), testBlock(t, h2)}},
		{from: 250, to: 250, bodies: [][]byte{testBlock(t, h2prime)}},
	})

	peer.expectIntersect(t)
	peer.expectRequestNext(t)
	peer.rollForward(t, h1)
	peer.expectRequestNext(t)
	peer.rollForward(t, h2)
	peer.expectRequestNext(t)
	peer.rollBackward(t, p0)
	peer.expectRequestNext(t)
	peer.rollForward(t, h2prime)
	peer.expectRequestNext(t)
	peer.awaitReply(t)

	require.Eventually(t, func() bool {
		front, _ := cursorFront(t, dir)
		return front.Equal(p2p)
	}, 5*time.Second, 10*time.Millisecond)

	for _, p := range []chain.Point{p1, p2, p2p} {
		assert.FileExists(t, artifactPath(dir, "headers", p))
		assert.FileExists(t, artifactPath(dir, "bodies", p))
	}

	peer.m.Close()
	assert.Error(t, <-errc)
}

// A restart with a persisted cursor offers the whole window to FindIntersect
// and resumes from the intersection without re-downloading anything.
func TestSessionResumesFromCursor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cursors"), 0o755))

	h3, h4, h5 := testHeader(t, 300), testHeader(t, 400), testHeader(t, 500)
	p3, p4, p5 := pointOf(t, h3), pointOf(t, h4), pointOf(t, h5)
	seed := cursor.NewStore(filepath.Join(dir, "cursors", testRelay), cursor.New())
	require.NoError(t, seed.Update(p3))
	require.NoError(t, seed.Update(p4))
	require.NoError(t, seed.Update(p5))

	s := newTestSession(t, dir, nil)

	h6 := testHeader(t, 600)
	p6 := pointOf(t, h6)

	serverConn, errc := startSession(t, s)
	peer := newScriptedPeer(t, serverConn)
	peer.acceptHandshake(t)

	go peer.serveRanges(t, []struct {
		from, to uint64
		bodies   [][]byte
	}{
		{from: 600, to: 600, bodies: [][]byte{testBlock(t, h6)}},
	})

	offered := peer.expectIntersect(t)
	require.Len(t, offered, 3)
	assert.True(t, offered[0].Equal(p5))
	assert.True(t, offered[1].Equal(p4))
	assert.True(t, offered[2].Equal(p3))

	peer.expectRequestNext(t)
	peer.awaitReply(t)
	// After AwaitReply the server has agency and pushes the next block
	// without another request.
	peer.rollForward(t, h6)

	require.Eventually(t, func() bool {
		front, n := cursorFront(t, dir)
		return n == 4 && front.Equal(p6)
	}, 5*time.Second, 10*time.Millisecond)

	peer.m.Close()
	assert.Error(t, <-errc)
}

// An unrecognizable header is fatal for the session.
func TestSessionUnrecognizedHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestSession(t, dir, nil)

	serverConn, errc := startSession(t, s)
	peer := newScriptedPeer(t, serverConn)
	peer.acceptHandshake(t)

	peer.expectIntersect(t)
	peer.expectRequestNext(t)
	garbage, err := cbor.Marshal("not a header")
	require.NoError(t, err)
	peer.rollForward(t, garbage)

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, ledger.ErrUnrecognizedBlock)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not fail on unrecognized header")
	}
}

// A fallback point is offered when no cursor exists.
func TestSessionFallbackPoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fallback := chain.New(4_492_799, make([]byte, chain.HashLength))
	s := newTestSession(t, dir, &fallback)

	serverConn, errc := startSession(t, s)
	peer := newScriptedPeer(t, serverConn)
	peer.acceptHandshake(t)

	offered := peer.expectIntersect(t)
	require.Len(t, offered, 1)
	assert.True(t, offered[0].Equal(fallback))

	peer.m.Close()
	assert.Error(t, <-errc)
}
