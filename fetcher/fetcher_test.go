// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/seqroll/shuffle"
	"github.com/seqroll/shuffle/fetchio"
	"github.com/seqroll/shuffle/stats"
	"golang.org/x/sync/errgroup"
)

// fakeSleeper records requested sleeps and returns immediately. The
// optional onSleep hook runs before the nth sleep returns, letting
// tests stage registry changes between polls.
type fakeSleeper struct {
	sleeps  []time.Duration
	onSleep func(n int)
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sleeps = append(s.sleeps, d)
	if s.onSleep != nil {
		s.onSleep(len(s.sleeps))
	}
	return nil
}

// recordingTransport records the batches of every retrieval call.
type recordingTransport[T any] struct {
	Transport[T]
	calls [][]shuffle.Batch
}

func (r *recordingTransport[T]) Fetch(ctx context.Context, batches []shuffle.Batch) ([]Result[T], error) {
	r.calls = append(r.calls, batches)
	return r.Transport.Fetch(ctx, batches)
}

// testShuffle registers a shuffle with the given producer addresses
// (empty address: output not yet registered) and stores one block of
// records per registered producer. Block sizes are the producer index
// plus one, so size accounting is distinguishable per block.
func testShuffle(t *testing.T, tracker *Tracker, store *Store[string], id shuffle.ID, addrs []shuffle.Addr) {
	t.Helper()
	if err := tracker.RegisterShuffle(id, len(addrs), 1); err != nil {
		t.Fatal(err)
	}
	for i, addr := range addrs {
		if addr == "" {
			continue
		}
		registerProducer(t, tracker, store, id, i, addr)
	}
}

func registerProducer(t *testing.T, tracker *Tracker, store *Store[string], id shuffle.ID, producer int, addr shuffle.Addr) {
	t.Helper()
	if err := tracker.RegisterOutput(id, producer, addr, []int64{int64(producer + 1)}); err != nil {
		t.Fatal(err)
	}
	block := shuffle.BlockID{Shuffle: id, Producer: producer, Partition: 0}
	recs := []string{
		fmt.Sprintf("m%d-0", producer),
		fmt.Sprintf("m%d-1", producer),
	}
	if err := store.Put(block, recs); err != nil {
		t.Fatal(err)
	}
}

func readSorted(t *testing.T, r fetchio.Reader[string]) []string {
	t.Helper()
	recs, err := fetchio.ReadAll(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(recs)
	return recs
}

func TestFetchAllResolved(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
		sleeper = &fakeSleeper{}
	)
	testShuffle(t, tracker, store, 1, []shuffle.Addr{"a:1", "b:1", "a:1"})
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
		Sleeper:   sleeper,
	}
	r, err := f.Fetch(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := readSorted(t, r)
	want := []string{"m0-0", "m0-1", "m1-0", "m1-1", "m2-0", "m2-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if len(sleeper.sleeps) != 0 {
		t.Errorf("unexpected polls: %v", sleeper.sleeps)
	}
}

func TestFetchPolls(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
	)
	// Producer 1 has not yet finished at fetch time; it registers
	// during the first poll sleep.
	testShuffle(t, tracker, store, 2, []shuffle.Addr{"a:1", "", "c:1"})
	sleeper := &fakeSleeper{
		onSleep: func(n int) {
			if n == 1 {
				registerProducer(t, tracker, store, 2, 1, "b:1")
			}
		},
	}
	var (
		metrics = stats.NewMap()
		rec     = &recordingTransport[string]{Transport: NewStoreTransport(store, "a:1")}
	)
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: rec,
		Sleeper:   sleeper,
		Metrics:   StatsSink{metrics},
	}
	r, err := f.Fetch(context.Background(), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := readSorted(t, r)
	want := []string{"m0-0", "m0-1", "m1-0", "m1-1", "m2-0", "m2-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// One poll, at the initial interval.
	if want := []time.Duration{8 * time.Second}; !reflect.DeepEqual(sleeper.sleeps, want) {
		t.Errorf("got %v, want %v", sleeper.sleeps, want)
	}
	// The second retrieval covers exactly the newly resolved producer.
	if got, want := len(rec.calls), 2; got != want {
		t.Fatalf("got %d retrievals, want %d", got, want)
	}
	second := rec.calls[1]
	if len(second) != 1 || len(second[0].Blocks) != 1 {
		t.Fatalf("unexpected second retrieval %v", second)
	}
	if got, want := second[0].Blocks[0].ID, (shuffle.BlockID{Shuffle: 2, Producer: 1, Partition: 0}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals := make(stats.Values)
	metrics.AddAll(vals)
	if got, want := vals["totalblocks"], int64(3); got != want {
		t.Errorf("got %v total blocks, want %v", got, want)
	}
	// Producer 0's block was served from the local address.
	if got, want := vals["localblocks"], int64(1); got != want {
		t.Errorf("got %v local blocks, want %v", got, want)
	}
	if got, want := vals["remoteblocks"], int64(2); got != want {
		t.Errorf("got %v remote blocks, want %v", got, want)
	}
	// Sizes are producer+1: local = 1, remote = 2 + 3.
	if got, want := vals["localbytes"], int64(1); got != want {
		t.Errorf("got %v local bytes, want %v", got, want)
	}
	if got, want := vals["remotebytes"], int64(5); got != want {
		t.Errorf("got %v remote bytes, want %v", got, want)
	}
	if got := time.Duration(vals["readwait"]); got < 8*time.Second {
		t.Errorf("read wait %v does not cover the poll sleep", got)
	}
}

func TestFetchStalledPollDoubles(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
	)
	testShuffle(t, tracker, store, 3, []shuffle.Addr{"a:1", ""})
	sleeper := &fakeSleeper{
		onSleep: func(n int) {
			// Nothing resolves for two polls; the third delivers.
			if n == 3 {
				registerProducer(t, tracker, store, 3, 1, "b:1")
			}
		},
	}
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
		Sleeper:   sleeper,
	}
	r, err := f.Fetch(context.Background(), 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := readSorted(t, r), []string{"m0-0", "m0-1", "m1-0", "m1-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	want := []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second}
	if !reflect.DeepEqual(sleeper.sleeps, want) {
		t.Errorf("got %v, want %v", sleeper.sleeps, want)
	}
}

func TestFetchFailed(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
		sleeper = &fakeSleeper{}
	)
	// Producer 1 is registered but its block is not actually stored:
	// located but unreadable.
	testShuffle(t, tracker, store, 4, []shuffle.Addr{"a:1", "a:1"})
	block := shuffle.BlockID{Shuffle: 4, Producer: 1, Partition: 0}
	store.Delete(block)
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
		Sleeper:   sleeper,
	}
	_, err := f.Fetch(context.Background(), 4, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	ferr, ok := err.(*FetchError)
	if !ok {
		t.Fatalf("got %T (%v), want *FetchError", err, err)
	}
	if got, want := ferr.Block, block; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ferr.Addr, shuffle.Addr("a:1"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if len(sleeper.sleeps) != 0 {
		t.Errorf("polling continued after failure: %v", sleeper.sleeps)
	}
}

func TestFetchFailedAfterPoll(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
	)
	testShuffle(t, tracker, store, 5, []shuffle.Addr{"a:1", ""})
	block := shuffle.BlockID{Shuffle: 5, Producer: 1, Partition: 0}
	sleeper := &fakeSleeper{
		onSleep: func(n int) {
			// Register the location but never store the block.
			if err := tracker.RegisterOutput(5, 1, "b:1", []int64{2}); err != nil {
				t.Fatal(err)
			}
		},
	}
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
		Sleeper:   sleeper,
		Metrics:   StatsSink{stats.NewMap()},
	}
	r, err := f.Fetch(context.Background(), 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Drain: producer 0's records arrive, then the failure.
	out := make([]string, 8)
	var readErr error
	for {
		_, readErr = r.Read(context.Background(), out)
		if readErr != nil {
			break
		}
	}
	ferr, ok := readErr.(*FetchError)
	if !ok {
		t.Fatalf("got %v, want *FetchError", readErr)
	}
	if got, want := ferr.Block, block; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(sleeper.sleeps), 1; got != want {
		t.Errorf("got %d polls, want %d", got, want)
	}
	// The error is latched.
	if _, err := r.Read(context.Background(), out); err != readErr {
		t.Errorf("got %v, want %v", err, readErr)
	}
}

// violatingTransport answers with a block of an unexpected kind.
type violatingTransport struct{}

func (violatingTransport) Fetch(ctx context.Context, batches []shuffle.Batch) ([]Result[string], error) {
	var results []Result[string]
	for _, b := range batches {
		for range b.Blocks {
			results = append(results, Result[string]{
				Block: shuffle.BlockID{Shuffle: 999, Producer: 0, Partition: 7},
				Addr:  b.Addr,
			})
		}
	}
	return results, nil
}

func TestProtocolViolation(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
	)
	testShuffle(t, tracker, store, 6, []shuffle.Addr{"a:1"})
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: violatingTransport{},
		Sleeper:   &fakeSleeper{},
	}
	_, err := f.Fetch(context.Background(), 6, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Recover(err).Severity != errors.Fatal {
		t.Errorf("got %v, want fatal error", err)
	}
}

func TestFetchCancel(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
	)
	// Producer 1 never resolves; the fetch blocks in its poll sleep
	// until the context is cancelled.
	testShuffle(t, tracker, store, 7, []shuffle.Addr{"a:1", ""})
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r, err := f.Fetch(ctx, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = fetchio.ReadAll(ctx, r)
	if err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestFetchMetricsAttachedOnce(t *testing.T) {
	var (
		tracker = NewTracker()
		store   = NewStore[string]()
		metrics = stats.NewMap()
	)
	testShuffle(t, tracker, store, 8, []shuffle.Addr{"a:1"})
	f := &Fetcher[string]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
		Sleeper:   &fakeSleeper{},
		Metrics:   StatsSink{metrics},
	}
	r, err := f.Fetch(context.Background(), 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fetchio.ReadAll(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	// Reading past EOF must not attach again.
	out := make([]string, 1)
	for i := 0; i < 3; i++ {
		if _, err := r.Read(context.Background(), out); err != fetchio.EOF {
			t.Fatalf("got %v, want EOF", err)
		}
	}
	vals := make(stats.Values)
	metrics.AddAll(vals)
	if got, want := vals["totalblocks"], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFetchConcurrent(t *testing.T) {
	const numPartition = 4
	var (
		tracker = NewTracker()
		store   = NewStore[int]()
	)
	if err := tracker.RegisterShuffle(9, 2, numPartition); err != nil {
		t.Fatal(err)
	}
	for producer := 0; producer < 2; producer++ {
		sizes := make([]int64, numPartition)
		for p := range sizes {
			sizes[p] = 8
			block := shuffle.BlockID{Shuffle: 9, Producer: producer, Partition: p}
			if err := store.Put(block, []int{producer*numPartition + p}); err != nil {
				t.Fatal(err)
			}
		}
		if err := tracker.RegisterOutput(9, producer, "a:1", sizes); err != nil {
			t.Fatal(err)
		}
	}
	f := &Fetcher[int]{
		Registry:  tracker,
		Transport: NewStoreTransport(store, "a:1"),
		Sleeper:   &fakeSleeper{},
	}
	g, ctx := errgroup.WithContext(context.Background())
	for p := 0; p < numPartition; p++ {
		p := p
		g.Go(func() error {
			r, err := f.Fetch(ctx, 9, p)
			if err != nil {
				return err
			}
			recs, err := fetchio.ReadAll(ctx, r)
			if err != nil {
				return err
			}
			sort.Ints(recs)
			if want := []int{p, numPartition + p}; !reflect.DeepEqual(recs, want) {
				return fmt.Errorf("partition %d: got %v, want %v", p, recs, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
