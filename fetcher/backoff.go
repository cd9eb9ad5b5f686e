// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"math"
	"time"
)

const (
	// defaultPollInterval is the interval before the first location
	// re-poll.
	defaultPollInterval = 8 * time.Second

	// targetResolvesPerPoll sizes the next interval so that roughly
	// this many outputs resolve per poll when resolution is
	// progressing.
	targetResolvesPerPoll = 5
	// floorSeconds is the lower bound on the progress-derived
	// interval, so that a nearly complete shuffle does not hammer the
	// registry.
	floorSeconds = 10
	// minResolveRate is the resolution rate (outputs per second) below
	// which polling is considered stalled and backs off exponentially.
	minResolveRate = 0.01
)

// backoff computes poll intervals from the rate at which producer
// output locations resolve. When outputs are resolving quickly the
// interval shrinks so that remaining work is polled proportionally to
// how much is left and how fast it is arriving; when resolution
// stalls or regresses the interval doubles.
type backoff struct {
	interval time.Duration
	// max caps interval growth; zero means unbounded.
	max time.Duration
}

// update retunes the interval after one poll, given the missing
// counts before and after the poll. resolved may be negative when a
// producer's output was withdrawn from the registry; that case is
// treated as a stall.
func (b *backoff) update(prevMissing, curMissing int) {
	resolved := prevMissing - curMissing
	rate := float64(resolved) / b.interval.Seconds()
	if rate > minResolveRate {
		secs := math.Max(floorSeconds, float64(curMissing)/targetResolvesPerPoll) / rate
		b.interval = time.Duration(secs * float64(time.Second))
	} else {
		b.interval *= 2
	}
	if b.max > 0 && b.interval > b.max {
		b.interval = b.max
	}
}
