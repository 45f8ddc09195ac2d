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

// Package cursor tracks the rolling window of recently observed chain points
// that lets a session resume where it left off after a restart.
package cursor

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/chain"
)

// backlog is the maximum number of points retained, most recent first.
const backlog = 20

// ErrCorrupt is returned when a persisted cursor fails to decode. The session
// must not silently discard history; the operator clears the file.
var ErrCorrupt = errors.New("cursor file corrupt")

// Cursor is a bounded deque of chain points with the most recent at the
// front.
type Cursor struct {
	points []chain.Point
}

// New creates a cursor holding the given points, front first.
func New(points ...chain.Point) *Cursor {
	return &Cursor{points: points}
}

// Push prepends a point, dropping the oldest once the backlog is full.
// Entries at or above the new slot are rolled back points and are dropped
// first, keeping slots strictly decreasing front to back.
func (c *Cursor) Push(p chain.Point) {
	stale := 0
	for stale < len(c.points) && c.points[stale].Slot >= p.Slot {
		stale++
	}
	c.points = append([]chain.Point{p}, c.points[stale:]...)
	if len(c.points) > backlog {
		c.points = c.points[:backlog]
	}
}

// Points returns a copy of the window, most recent first.
func (c *Cursor) Points() []chain.Point {
	out := make([]chain.Point, len(c.points))
	copy(out, c.points)
	return out
}

// Front returns the most recent point.
func (c *Cursor) Front() (chain.Point, bool) {
	if len(c.points) == 0 {
		return chain.Point{}, false
	}
	return c.points[0], true
}

// Len returns the number of retained points.
func (c *Cursor) Len() int {
	return len(c.points)
}

// The serialized form: a single-field record holding the point sequence, each
// point a (slot, 32 byte hash) pair. The origin is stored as slot zero with a
// zero hash.

type filePoint struct {
	_    struct{} `cbor:",toarray"`
	Slot uint64
	Hash [32]byte
}

type fileCursor struct {
	_      struct{} `cbor:",toarray"`
	Points []filePoint
}

// Encode serializes the cursor.
func (c *Cursor) Encode() ([]byte, error) {
	f := fileCursor{Points: make([]filePoint, 0, len(c.points))}
	for _, p := range c.points {
		fp := filePoint{Slot: p.Slot}
		if !p.IsOrigin() {
			copy(fp.Hash[:], p.Hash)
		}
		f.Points = append(f.Points, fp)
	}
	return cbor.Marshal(f)
}

// Decode deserializes a cursor produced by Encode.
func Decode(data []byte) (*Cursor, error) {
	var f fileCursor
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	c := &Cursor{points: make([]chain.Point, 0, len(f.Points))}
	for _, fp := range f.Points {
		if fp.Slot == 0 && fp.Hash == [32]byte{} {
			c.points = append(c.points, chain.Origin())
			continue
		}
		hash := make([]byte, len(fp.Hash))
		copy(hash, fp.Hash[:])
		c.points = append(c.points, chain.New(fp.Slot, hash))
	}
	return c, nil
}

// Load reads and decodes the cursor file at path. The caller distinguishes a
// missing file (os.IsNotExist) from a corrupt one (ErrCorrupt).
func Load(path string) (*Cursor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Store persists a cursor at a fixed path under mutual exclusion. The lock is
// held only for the deque mutation and the file write, so every on-disk state
// is a previously observed chain segment.
type Store struct {
	mu     sync.Mutex
	path   string
	cursor *Cursor
}

// NewStore wraps a cursor with its on-disk location.
func NewStore(path string, c *Cursor) *Store {
	if c == nil {
		c = New()
	}
	return &Store{path: path, cursor: c}
}

// Points returns the current window, most recent first.
func (s *Store) Points() []chain.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Points()
}

// Front returns the most recent point.
func (s *Store) Front() (chain.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Front()
}

// Update prepends the point and persists the cursor via write-then-rename, so
// a crash never leaves a torn file behind.
func (s *Store) Update(p chain.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Push(p)
	data, err := s.cursor.Encode()
	if err != nil {
		return errors.Wrap(err, "encode cursor")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write cursor")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "rename cursor")
	}
	return nil
}

// LoadStore loads the peer's cursor from dir/{peer} if present and wraps it
// in a store. A missing file yields an empty cursor.
func LoadStore(dir, peer string) (*Store, error) {
	path := filepath.Join(dir, peer)
	c, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(path, New()), nil
		}
		return nil, err
	}
	return NewStore(path, c), nil
}
