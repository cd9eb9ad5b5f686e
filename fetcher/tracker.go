// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/seqroll/shuffle"
	"golang.org/x/sync/errgroup"
)

// A Tracker is an in-memory location registry: producers register
// their output blocks as they complete, and consumers read location
// snapshots through the Registry interface. A Tracker is safe for
// concurrent use by many producers and fetch calls.
type Tracker struct {
	mu       sync.Mutex
	waitc    chan struct{}
	shuffles map[shuffle.ID]*trackedShuffle
}

type trackedShuffle struct {
	numPartition int
	// outputs is indexed by producer; a nil entry means the producer's
	// output is not (or no longer) registered.
	outputs []*trackedOutput
}

type trackedOutput struct {
	addr shuffle.Addr
	// sizes holds the advisory block size per consumer partition.
	sizes []int64
}

// NewTracker returns a fresh Tracker.
func NewTracker() *Tracker {
	return &Tracker{shuffles: make(map[shuffle.ID]*trackedShuffle)}
}

// RegisterShuffle declares a shuffle with the given number of
// producer tasks and consumer partitions. A shuffle may be declared
// only once.
func (t *Tracker) RegisterShuffle(id shuffle.ID, numProducer, numPartition int) error {
	if numProducer <= 0 || numPartition <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("register shuffle_%d: %d producers, %d partitions", id, numProducer, numPartition))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.shuffles[id]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("shuffle_%d already registered", id))
	}
	t.shuffles[id] = &trackedShuffle{
		numPartition: numPartition,
		outputs:      make([]*trackedOutput, numProducer),
	}
	return nil
}

// RegisterOutput records that the given producer's output now resides
// at addr, with one advisory size per consumer partition.
// Re-registration overwrites a previous entry, as happens when a
// producer is re-executed on another node.
func (t *Tracker) RegisterOutput(id shuffle.ID, producer int, addr shuffle.Addr, sizes []int64) error {
	if addr == "" {
		return errors.E(errors.Invalid, "register output: empty address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, err := t.locked(id, producer)
	if err != nil {
		return err
	}
	if len(sizes) != ts.numPartition {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"register output shuffle_%d/%d: %d sizes for %d partitions", id, producer, len(sizes), ts.numPartition))
	}
	ts.outputs[producer] = &trackedOutput{addr: addr, sizes: append([]int64{}, sizes...)}
	t.broadcast()
	return nil
}

// UnregisterOutput withdraws the producer's output if it is currently
// registered at addr, as when the host serving it is lost. The
// producer's location reverts to unresolved; an entry registered at a
// different address is left alone.
func (t *Tracker) UnregisterOutput(id shuffle.ID, producer int, addr shuffle.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, err := t.locked(id, producer)
	if err != nil {
		return err
	}
	if out := ts.outputs[producer]; out != nil && out.addr == addr {
		ts.outputs[producer] = nil
		t.broadcast()
	}
	return nil
}

// UnregisterHost withdraws every output registered at addr across the
// given shuffles, reconciling them in parallel.
func (t *Tracker) UnregisterHost(ctx context.Context, addr shuffle.Addr, ids ...shuffle.ID) error {
	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			t.mu.Lock()
			defer t.mu.Unlock()
			ts, ok := t.shuffles[id]
			if !ok {
				return errors.E(errors.NotExist, fmt.Sprintf("shuffle_%d not registered", id))
			}
			var changed bool
			for i, out := range ts.outputs {
				if out != nil && out.addr == addr {
					ts.outputs[i] = nil
					changed = true
				}
			}
			if changed {
				t.broadcast()
			}
			return nil
		})
	}
	return g.Wait()
}

// Locations implements Registry.
func (t *Tracker) Locations(ctx context.Context, id shuffle.ID, partition int) (shuffle.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.shuffles[id]
	if !ok {
		return shuffle.Snapshot{}, errors.E(errors.NotExist, fmt.Sprintf("shuffle_%d not registered", id))
	}
	if partition < 0 || partition >= ts.numPartition {
		return shuffle.Snapshot{}, errors.E(errors.Invalid, fmt.Sprintf(
			"shuffle_%d has no partition %d", id, partition))
	}
	locations := make([]shuffle.Location, len(ts.outputs))
	for i, out := range ts.outputs {
		if out != nil {
			locations[i] = shuffle.Location{Addr: out.addr, Size: out.sizes[partition]}
		}
	}
	return shuffle.Snapshot{Shuffle: id, Partition: partition, Locations: locations}, nil
}

// Refresh implements Registry. A Tracker is always consistent within
// its process, so there is nothing to reconcile.
func (t *Tracker) Refresh(ctx context.Context, id shuffle.ID) error {
	return nil
}

// WaitOutputs blocks until at least n producer outputs of the given
// shuffle are registered, or until ctx is done.
func (t *Tracker) WaitOutputs(ctx context.Context, id shuffle.ID, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		ts, ok := t.shuffles[id]
		if ok {
			var registered int
			for _, out := range ts.outputs {
				if out != nil {
					registered++
				}
			}
			if registered >= n {
				return nil
			}
		}
		if err := t.wait(ctx); err != nil {
			return err
		}
	}
}

func (t *Tracker) locked(id shuffle.ID, producer int) (*trackedShuffle, error) {
	ts, ok := t.shuffles[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("shuffle_%d not registered", id))
	}
	if producer < 0 || producer >= len(ts.outputs) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"shuffle_%d has no producer %d", id, producer))
	}
	return ts, nil
}

// broadcast notifies waiters of a registration change. broadcast must
// only be called while the tracker's lock is held.
func (t *Tracker) broadcast() {
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
}

// wait returns after the next call to broadcast, or if the context is
// complete. The tracker's lock must be held when calling wait.
func (t *Tracker) wait(ctx context.Context) error {
	if t.waitc == nil {
		t.waitc = make(chan struct{})
	}
	waitc := t.waitc
	t.mu.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.mu.Lock()
	return err
}
