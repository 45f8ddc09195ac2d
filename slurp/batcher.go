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
	"context"

	"github.com/cardano-tools/go-slurp/chain"
)

// DefaultBatchSize is the number of headers accumulated into one body fetch
// range during bulk sync. It amortizes the block-fetch round trip; once the
// tip is reached latency matters more than throughput and the size drops to
// one.
const DefaultBatchSize = 5

// batcher folds the header event stream into (from, to) fetch ranges. It is
// pure bookkeeping: emissions go to the bounded range channel, whose
// backpressure is the pipeline's only throttle.
type batcher struct {
	batchSize int
	out       chan<- chain.Range

	start   chain.Point
	prev    chain.Point
	count   int
	pending bool
}

func newBatcher(size int, out chan<- chain.Range) *batcher {
	return &batcher{batchSize: size, out: out}
}

// rollForward accounts one more header. Once a full batch has accumulated it
// emits the range and starts over.
func (b *batcher) rollForward(ctx context.Context, p chain.Point) error {
	if !b.pending {
		b.start, b.prev, b.count, b.pending = p, p, 1, true
	} else {
		b.prev = p
		b.count++
	}
	if b.count >= b.batchSize {
		return b.emit(ctx)
	}
	return nil
}

// rollBackward flushes the in-flight range before resetting, so every header
// already written to disk still gets its body fetched.
func (b *batcher) rollBackward(ctx context.Context, _ chain.Point) error {
	if b.pending {
		return b.emit(ctx)
	}
	return nil
}

// await switches to single-block batches permanently: the tip has been
// reached. Any partial batch is flushed.
func (b *batcher) await(ctx context.Context) error {
	b.batchSize = 1
	if b.pending {
		return b.emit(ctx)
	}
	return nil
}

func (b *batcher) emit(ctx context.Context) error {
	r := chain.Range{From: b.start, To: b.prev}
	b.start, b.prev, b.count, b.pending = chain.Point{}, chain.Point{}, 0, false
	select {
	case b.out <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
