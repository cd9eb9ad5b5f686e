// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"context"
	"time"
)

// A Sleeper performs the blocking waits between location polls. It is
// an injection point: tests substitute fakes so that poll behavior
// can be exercised without real clock delays.
type Sleeper interface {
	// Sleep blocks for duration d or until ctx is done, in which case
	// it returns the context's error.
	Sleep(ctx context.Context, d time.Duration) error
}

// WallSleeper sleeps on the real clock.
var WallSleeper Sleeper = wallSleeper{}

type wallSleeper struct{}

func (wallSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
