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

// Package archive persists headers and block bodies under a two level
// slot-bucketed directory layout that keeps per-directory fan-out bounded.
package archive

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/cardano-tools/go-slurp/chain"
)

// Artifact kinds sharing the bucketed layout.
const (
	KindHeaders = "headers"
	KindBodies  = "bodies"
)

// Files are stored as {root}/{kind}/{upper}/{lower}/{slot}-{hash}. Each lower
// bucket spans around two days of slots and each upper bucket, a thousand
// lower buckets, around 2,300 days, keeping every directory under roughly ten
// thousand entries.
const (
	upperBucketSize uint64 = 200_000_000
	lowerBucketSize uint64 = 200_000
)

// seenCacheSize bounds the cache of recently written paths used to skip
// duplicate writes. Writes are idempotent so the bound is a throughput knob,
// not a correctness one.
const seenCacheSize = 65536

// Store writes artifacts of one kind beneath a shared root directory.
type Store struct {
	dir  string
	seen *lru.Cache
}

// NewStore creates the store for one artifact kind, creating its directory.
func NewStore(root, kind string) (*Store, error) {
	dir := filepath.Join(root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s directory", kind)
	}
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, seen: seen}, nil
}

// Path returns the bucketed file path for a point.
func (s *Store) Path(p chain.Point) string {
	upper := p.Slot - p.Slot%upperBucketSize
	lower := p.Slot - p.Slot%lowerBucketSize
	name := fmt.Sprintf("%d-%x", p.Slot, p.Hash)
	return filepath.Join(s.dir, fmt.Sprint(upper), fmt.Sprint(lower), name)
}

// Write stores the payload under the point's bucketed path, creating parent
// directories as needed. Rewrites of a recently written point are skipped:
// the path is content addressed, so any two writers produce identical bytes.
func (s *Store) Write(p chain.Point, data []byte) error {
	if p.IsOrigin() {
		return errors.New("cannot archive the origin point")
	}
	path := s.Path(p)
	if s.seen.Contains(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %v", p)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write artifact for %v", p)
	}
	s.seen.Add(path, struct{}{})
	return nil
}
