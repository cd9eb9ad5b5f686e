// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/traverse"
	"github.com/seqroll/shuffle"
)

// A Store maintains in-memory buffers of producer output blocks. It
// backs StoreTransport and stands in for a cluster's block storage in
// single-process deployments and tests.
type Store[T any] struct {
	mu     sync.Mutex
	blocks map[shuffle.BlockID][]T
}

// NewStore returns a fresh Store.
func NewStore[T any]() *Store[T] {
	return &Store[T]{blocks: make(map[shuffle.BlockID][]T)}
}

// Put stores the records of one block. A block may be stored only
// once.
func (s *Store[T]) Put(id shuffle.BlockID, recs []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; ok {
		return errors.E(errors.Exists, "block "+id.String()+" already stored")
	}
	if recs == nil {
		recs = []T{}
	}
	s.blocks[id] = recs
	return nil
}

// Get returns the records of the named block and whether it is
// stored.
func (s *Store[T]) Get(id shuffle.BlockID) ([]T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.blocks[id]
	return recs, ok
}

// Delete removes the named block, simulating the loss of the node
// that held it.
func (s *Store[T]) Delete(id shuffle.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
}

// defaultParallelism caps the concurrent per-address reads performed
// by a StoreTransport.
const defaultParallelism = 8

// A StoreTransport serves retrieval batches from a Store, reading the
// batches of different addresses in parallel. Blocks absent from the
// store are reported as not found, which the fetch session surfaces
// as a FetchError attributed to the batch's address.
type StoreTransport[T any] struct {
	store *Store[T]
	// local is the address whose reads are counted as local rather
	// than remote.
	local shuffle.Addr
	lim   *limiter.Limiter
}

// NewStoreTransport returns a StoreTransport reading from store.
// Batches addressed to local are counted as local reads.
func NewStoreTransport[T any](store *Store[T], local shuffle.Addr) *StoreTransport[T] {
	t := &StoreTransport[T]{store: store, local: local, lim: limiter.New()}
	t.lim.Release(defaultParallelism)
	return t
}

// Fetch implements Transport.
func (t *StoreTransport[T]) Fetch(ctx context.Context, batches []shuffle.Batch) ([]Result[T], error) {
	perBatch := make([][]Result[T], len(batches))
	err := traverse.Each(len(batches), func(i int) error {
		if err := t.lim.Acquire(ctx, 1); err != nil {
			return err
		}
		defer t.lim.Release(1)
		b := batches[i]
		results := make([]Result[T], len(b.Blocks))
		for j, blk := range b.Blocks {
			recs, ok := t.store.Get(blk.ID)
			results[j] = Result[T]{
				Block:   blk.ID,
				Addr:    b.Addr,
				Records: recs,
				Found:   ok,
				Bytes:   blk.Size,
				Local:   b.Addr == t.local,
			}
		}
		perBatch[i] = results
		return nil
	})
	if err != nil {
		return nil, err
	}
	var all []Result[T]
	for _, results := range perBatch {
		all = append(all, results...)
	}
	return all, nil
}
