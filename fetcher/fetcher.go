// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fetcher implements the consumer side of a shuffle: given a
// shuffle ID and a consumer partition, it resolves which producer
// outputs exist and where, retrieves them in per-address batches, and
// polls the location registry with an adaptively tuned interval until
// every producer's output has been fetched. Results are exposed as a
// lazily extensible record stream; blocks that arrive after the
// caller has begun consuming are appended to the logical end of the
// stream.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/seqroll/shuffle"
	"github.com/seqroll/shuffle/fetchio"
)

// A Registry tracks which producer's output currently resides where.
// Implementations must be safe for concurrent use by many fetch
// calls.
type Registry interface {
	// Locations returns the current best-known location snapshot for
	// the given shuffle and consumer partition. It is an idempotent
	// read: each call reflects the registry's state at call time, and
	// no caching is performed on its behalf.
	Locations(ctx context.Context, id shuffle.ID, partition int) (shuffle.Snapshot, error)

	// Refresh hints that the registry should reconcile itself before
	// the next read. Refresh failures are non-fatal to fetching: the
	// next read may simply observe stale data.
	Refresh(ctx context.Context, id shuffle.ID) error
}

// A Result is the outcome of retrieving a single block. Found
// distinguishes a served block (possibly with zero records) from a
// block the serving node could not produce.
type Result[T any] struct {
	Block   shuffle.BlockID
	Addr    shuffle.Addr
	Records []T
	Found   bool
	// Bytes is the encoded size of the block, used for metrics.
	Bytes int64
	// Local reports whether the block was read from local storage
	// rather than transferred from a remote node.
	Local bool
}

// A Transport moves block data from the nodes named by retrieval
// batches. Implementations must be safe for concurrent use by many
// fetch calls and must return one Result per requested block.
type Transport[T any] interface {
	Fetch(ctx context.Context, batches []shuffle.Batch) ([]Result[T], error)
}

// ReadMetrics describes a completed fetch: how long the call spent
// blocked waiting for data, and how much of it was served locally
// versus remotely.
type ReadMetrics struct {
	WaitTime     time.Duration
	LocalBlocks  int64
	RemoteBlocks int64
	LocalBytes   int64
	RemoteBytes  int64
	TotalBlocks  int64
}

// A MetricsSink receives the read metrics of a completed fetch. A
// sink is attached to exactly once per successful fetch call, when
// the returned stream is exhausted.
type MetricsSink interface {
	Attach(ReadMetrics)
}

// A FetchError reports that a specific producer's output, at a known
// location, could not be read. It carries enough identity for the
// caller to attribute blame and request regeneration of the output.
// Fetch errors are never retried by this package.
type FetchError struct {
	Addr  shuffle.Addr
	Block shuffle.BlockID
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch block %s from %s", e.Block, e.Addr)
}

// A Fetcher fetches shuffle data on behalf of consumer tasks.
// Registry and Transport must be set; the remaining fields are
// optional knobs. A Fetcher is safe for concurrent use: all per-call
// state lives in the session created by Fetch.
type Fetcher[T any] struct {
	Registry  Registry
	Transport Transport[T]

	// PollInterval is the interval before the first location re-poll.
	// Subsequent intervals are tuned adaptively from the rate at which
	// locations resolve. Defaults to 8s.
	PollInterval time.Duration
	// MaxPollInterval caps the adaptively tuned interval. Zero means
	// no cap, in which case a permanently stalled producer causes
	// geometrically growing waits.
	MaxPollInterval time.Duration

	// Sleeper performs the blocking waits between polls. Defaults to
	// real clock sleeps; tests inject fakes to run without delays.
	Sleeper Sleeper

	// Metrics, if set, receives read metrics when a fetched stream is
	// exhausted.
	Metrics MetricsSink

	// Status, if set, receives a status task per fetch call for
	// progress display.
	Status *status.Group
}

// Fetch resolves and retrieves the producer output blocks that the
// given consumer partition must read. It issues retrieval for all
// currently resolved locations before returning; the returned reader
// then yields records as they are consumed, transparently polling the
// registry for not-yet-located outputs between batches. The poll loop
// runs on the caller's goroutine as the stream is read; there is no
// background poller, and cancelling ctx on a subsequent Read aborts
// the call at its next suspension point.
//
// The stream either terminates normally with fetchio.EOF after every
// producer's block has been read (at which point metrics are
// attached), or fails with a *FetchError or internal error, after
// which no further polling occurs. Ordering: records of one block are
// not reordered, but no order is guaranteed across blocks or across
// initial and later-arriving batches.
func (f *Fetcher[T]) Fetch(ctx context.Context, id shuffle.ID, partition int) (fetchio.Reader[T], error) {
	if f.Registry == nil || f.Transport == nil {
		return nil, errors.E(errors.Invalid, "fetcher: no registry or transport configured")
	}
	interval := f.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	s := &session[T]{
		fetcher:   f,
		id:        uuid.New().String()[:8],
		shuffle:   id,
		partition: partition,
		backoff:   backoff{interval: interval, max: f.MaxPollInterval},
	}
	if f.Status != nil {
		s.status = f.Status.Startf("shuffle_%d:p%d", id, partition)
	}
	// Issue the initial retrieval eagerly so that registry and
	// transport configuration errors surface from Fetch itself.
	if err := s.step(ctx); err != nil {
		s.fail(err)
		return nil, err
	}
	return s, nil
}

// sessionState is the state of one in-flight fetch call. States are
// ordered by progression; a session only ever moves to larger-valued
// states, except that any state may move to sessionFailed.
type sessionState int

const (
	// sessionFetching is the initial state: the first snapshot has not
	// yet been resolved.
	sessionFetching sessionState = iota
	// sessionPolling indicates that some producer outputs are not yet
	// located and the registry is being re-polled between reads.
	sessionPolling
	// sessionDone indicates that every producer's block has been
	// retrieved; the stream drains and then returns EOF.
	sessionDone
	// sessionFailed indicates a failed fetch. The error is latched and
	// returned by every subsequent Read.
	sessionFailed
)

var sessionStates = [...]string{
	sessionFetching: "FETCHING",
	sessionPolling:  "POLLING",
	sessionDone:     "DONE",
	sessionFailed:   "FAILED",
}

func (s sessionState) String() string { return sessionStates[s] }

// A session holds the state of one fetch call. It is owned by that
// call and driven from a single goroutine, so it requires no internal
// locking.
type session[T any] struct {
	fetcher   *Fetcher[T]
	id        string
	shuffle   shuffle.ID
	partition int

	state       sessionState
	numProducer int
	// missing is the set of producer indices whose location was
	// unresolved in the last snapshot, recomputed fresh per snapshot.
	missing []int
	backoff backoff
	// q holds the per-block readers not yet drained, in arrival order.
	q   []fetchio.Reader[T]
	err error

	metrics  ReadMetrics
	attached bool
	status   *status.Task
}

// Read implements fetchio.Reader. It drains the accumulated block
// streams and, when they are exhausted while producer outputs remain
// unlocated, drives the poll loop inline.
func (s *session[T]) Read(ctx context.Context, out []T) (int, error) {
	for {
		if s.state == sessionFailed {
			return 0, s.err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if len(s.q) > 0 {
			n, err := s.q[0].Read(ctx, out)
			switch {
			case err == fetchio.EOF:
				s.q = s.q[1:]
				if n > 0 {
					return n, nil
				}
			case err != nil:
				s.fail(err)
				return 0, err
			case n > 0:
				return n, nil
			}
			continue
		}
		if s.state == sessionDone {
			s.finish()
			return 0, fetchio.EOF
		}
		if err := s.step(ctx); err != nil {
			s.fail(err)
			return 0, err
		}
	}
}

// step is the session's single transition function. From
// sessionFetching it resolves the initial snapshot and issues
// retrieval for all resolved locations; from sessionPolling it
// performs one poll iteration: sleep, refresh, re-snapshot, retrieve
// newly resolved locations, and retune the poll interval.
func (s *session[T]) step(ctx context.Context) error {
	switch s.state {
	case sessionFetching:
		snap, err := s.fetcher.Registry.Locations(ctx, s.shuffle, s.partition)
		if err != nil {
			return err
		}
		s.numProducer = snap.NumProducer()
		s.missing = snap.Missing()
		log.Debug.Printf("fetch %s: shuffle_%d p%d: %d outputs, %d unresolved",
			s.id, s.shuffle, s.partition, s.numProducer, len(s.missing))
		if err := s.retrieve(ctx, snap.Batches(shuffle.Indices(s.numProducer))); err != nil {
			return err
		}
		if len(s.missing) == 0 {
			s.state = sessionDone
		} else {
			s.state = sessionPolling
		}
	case sessionPolling:
		interval := s.backoff.interval
		s.printf("waiting for %d of %d outputs; next poll in %s",
			len(s.missing), s.numProducer, interval)
		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
		s.metrics.WaitTime += interval
		if err := s.fetcher.Registry.Refresh(ctx, s.shuffle); err != nil {
			// Non-fatal: the next read may just observe stale data.
			log.Error.Printf("fetch %s: refresh shuffle_%d: %v", s.id, s.shuffle, err)
		}
		snap, err := s.fetcher.Registry.Locations(ctx, s.shuffle, s.partition)
		if err != nil {
			return err
		}
		if got := snap.NumProducer(); got != s.numProducer {
			return errors.E(errors.Fatal, fmt.Sprintf(
				"fetch %s: shuffle_%d changed from %d to %d producers", s.id, s.shuffle, s.numProducer, got))
		}
		cur := snap.Missing()
		if resolved := diffIndices(s.missing, cur); len(resolved) > 0 {
			if err := s.retrieve(ctx, snap.Batches(resolved)); err != nil {
				return err
			}
		}
		s.backoff.update(len(s.missing), len(cur))
		s.missing = cur
		if len(cur) == 0 {
			s.state = sessionDone
		}
	default:
		panic(fmt.Sprintf("step in state %s", s.state))
	}
	return nil
}

// retrieve issues one bulk retrieval for the given batches and
// appends the resulting block streams to the session's queue.
func (s *session[T]) retrieve(ctx context.Context, batches []shuffle.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	var nblock int
	for _, b := range batches {
		nblock += len(b.Blocks)
	}
	log.Debug.Printf("fetch %s: retrieving %d blocks from %d hosts", s.id, nblock, len(batches))
	start := time.Now()
	results, err := s.fetcher.Transport.Fetch(ctx, batches)
	if err != nil {
		return err
	}
	s.metrics.WaitTime += time.Since(start)
	if len(results) != nblock {
		return errors.E(errors.Fatal, fmt.Sprintf(
			"fetch %s: requested %d blocks, transport answered %d", s.id, nblock, len(results)))
	}
	for _, res := range results {
		r, err := s.unpack(res)
		if err != nil {
			return err
		}
		s.q = append(s.q, r)
	}
	return nil
}

// unpack turns a single retrieval result into a record stream. A
// result for a block this consumer never asked for is an invariant
// breach; a located block whose data could not be served is a
// FetchError attributing the failure to its node and producer.
func (s *session[T]) unpack(res Result[T]) (fetchio.Reader[T], error) {
	b := res.Block
	if b.Shuffle != s.shuffle || b.Partition != s.partition || b.Producer < 0 || b.Producer >= s.numProducer {
		return nil, errors.E(errors.Fatal, fmt.Sprintf(
			"fetch %s: unexpected block %s from %s", s.id, b, res.Addr))
	}
	if !res.Found {
		return nil, &FetchError{Addr: res.Addr, Block: b}
	}
	s.metrics.TotalBlocks++
	if res.Local {
		s.metrics.LocalBlocks++
		s.metrics.LocalBytes += res.Bytes
	} else {
		s.metrics.RemoteBlocks++
		s.metrics.RemoteBytes += res.Bytes
	}
	return fetchio.SliceReader(res.Records), nil
}

// finish finalizes a successfully drained session: metrics are
// attached to the sink exactly once.
func (s *session[T]) finish() {
	if s.attached {
		return
	}
	s.attached = true
	log.Debug.Printf("fetch %s: done: %d blocks, %s local, %s remote, waited %s",
		s.id, s.metrics.TotalBlocks, data.Size(s.metrics.LocalBytes),
		data.Size(s.metrics.RemoteBytes), s.metrics.WaitTime)
	if s.fetcher.Metrics != nil {
		s.fetcher.Metrics.Attach(s.metrics)
	}
	if s.status != nil {
		s.status.Done()
	}
}

// fail moves the session to its terminal failed state. The partially
// built stream is abandoned; the error is latched for all subsequent
// reads and metrics are never attached.
func (s *session[T]) fail(err error) {
	s.state = sessionFailed
	s.err = err
	s.q = nil
	s.printf("%v", err)
	if s.status != nil {
		s.status.Done()
		s.status = nil
	}
}

func (s *session[T]) sleep(ctx context.Context, d time.Duration) error {
	sleeper := s.fetcher.Sleeper
	if sleeper == nil {
		sleeper = WallSleeper
	}
	return sleeper.Sleep(ctx, d)
}

func (s *session[T]) printf(format string, v ...interface{}) {
	if s.status != nil {
		s.status.Printf(format, v...)
	}
}

// diffIndices returns the elements of prev absent from cur. Both
// slices are in increasing order, as produced by Snapshot.Missing.
func diffIndices(prev, cur []int) []int {
	var diff []int
	for _, p := range prev {
		for len(cur) > 0 && cur[0] < p {
			cur = cur[1:]
		}
		if len(cur) == 0 || cur[0] != p {
			diff = append(diff, p)
		}
	}
	return diff
}
