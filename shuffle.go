// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle defines the identity and location types used to
// describe a shuffle: producer tasks write one output block per
// consumer partition, and consumers resolve block locations through a
// registry before fetching them. The fetch protocol itself is
// implemented by package fetcher.
package shuffle

import (
	"fmt"
	"sort"
)

// An ID identifies a single shuffle: one data redistribution spanning
// all producer outputs for all consumer partitions.
type ID int

// An Addr identifies the node that serves a producer's output,
// typically a "host:port" pair. The empty Addr means the location is
// not (or no longer) known.
type Addr string

// A BlockID names the unit of transfer: the output slice written by
// one producer for one consumer partition.
type BlockID struct {
	Shuffle  ID
	Producer int
	// Partition is the consumer partition to which this block belongs.
	Partition int
}

// String returns the canonical block name, formatted as
// shuffle_{shuffle}_{producer}_{partition}.
func (b BlockID) String() string {
	return fmt.Sprintf("shuffle_%d_%d_%d", b.Shuffle, b.Producer, b.Partition)
}

// A Location describes where one producer's output for a consumer
// partition currently resides. Size is advisory: it informs batching
// and metrics but carries no correctness weight.
type Location struct {
	Addr Addr
	Size int64
}

// Resolved tells whether the location is currently known.
func (l Location) Resolved() bool { return l.Addr != "" }

// A BlockInfo pairs a block with its advisory size.
type BlockInfo struct {
	ID   BlockID
	Size int64
}

// A Batch groups the blocks to be retrieved from a single address.
type Batch struct {
	Addr   Addr
	Blocks []BlockInfo
}

// A Snapshot is the registry's view, at one point in time, of the
// producer output locations for a single (shuffle, partition) pair.
// Locations is indexed by producer; its length equals the number of
// producer tasks and never changes across snapshots of the same
// shuffle. Snapshots are immutable: observing registry updates
// requires requesting a fresh one.
type Snapshot struct {
	Shuffle   ID
	Partition int
	Locations []Location
}

// NumProducer returns the number of producer tasks in the shuffle.
func (s Snapshot) NumProducer() int { return len(s.Locations) }

// Missing returns the producer indices whose location is unresolved
// in this snapshot, in increasing order. It is always derived fresh
// from the snapshot so that a producer whose output disappears from
// the registry is reported missing again even if a previous snapshot
// had resolved it.
func (s Snapshot) Missing() []int {
	var missing []int
	for i, loc := range s.Locations {
		if !loc.Resolved() {
			missing = append(missing, i)
		}
	}
	return missing
}

// Batches groups the resolved locations among the given producer
// indices into per-address retrieval batches. Indices with unresolved
// locations are skipped; callers discover them through Missing. The
// contents of the returned batches are determined by the snapshot and
// index set, but batch and block order is unspecified.
func (s Snapshot) Batches(indices []int) []Batch {
	byAddr := make(map[Addr][]BlockInfo)
	for _, i := range indices {
		loc := s.Locations[i]
		if !loc.Resolved() {
			continue
		}
		byAddr[loc.Addr] = append(byAddr[loc.Addr], BlockInfo{
			ID:   BlockID{Shuffle: s.Shuffle, Producer: i, Partition: s.Partition},
			Size: loc.Size,
		})
	}
	batches := make([]Batch, 0, len(byAddr))
	for addr, blocks := range byAddr {
		batches = append(batches, Batch{Addr: addr, Blocks: blocks})
	}
	// Sorted for the benefit of logs and tests; callers must not rely
	// on this.
	sort.Slice(batches, func(i, j int) bool { return batches[i].Addr < batches[j].Addr })
	return batches
}

// Indices returns 0..n-1, the full producer index set of a shuffle
// with n producers.
func Indices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}
