// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/seqroll/shuffle"
)

var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// retryTransport wraps a Transport and retries failed retrieval
// calls. Retries are blind with respect to error kind: transient
// transport errors (connection resets, truncated responses) are
// indistinguishable here, and a permanent error simply fails again on
// the next attempt. Block-level "not found" results are not transport
// errors and are never retried.
type retryTransport[T any] struct {
	transport Transport[T]
	retries   int
}

// WithRetry returns a Transport that retries failed calls to t up to
// retries times, waiting with exponential backoff between attempts.
func WithRetry[T any](t Transport[T], retries int) Transport[T] {
	return &retryTransport[T]{transport: t, retries: retries}
}

// Fetch implements Transport.
func (r *retryTransport[T]) Fetch(ctx context.Context, batches []shuffle.Batch) ([]Result[T], error) {
	for n := 0; ; n++ {
		results, err := r.transport.Fetch(ctx, batches)
		if err == nil || n >= r.retries {
			return results, err
		}
		log.Error.Printf("transport: retrying(%d) %d batches: %v", n+1, len(batches), err)
		if werr := retry.Wait(ctx, retryPolicy, n); werr != nil {
			return nil, werr
		}
	}
}
