// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fetcher

import (
	"github.com/seqroll/shuffle/stats"
)

// A StatsSink accumulates the read metrics of completed fetches into
// a stats.Map, so that per-call metrics can be aggregated across the
// fetches of a task or process.
type StatsSink struct {
	Map *stats.Map
}

// Attach implements MetricsSink.
func (s StatsSink) Attach(m ReadMetrics) {
	s.Map.Dur("readwait").Add(m.WaitTime)
	s.Map.Int("localblocks").Add(m.LocalBlocks)
	s.Map.Int("remoteblocks").Add(m.RemoteBlocks)
	s.Map.Int("localbytes").Add(m.LocalBytes)
	s.Map.Int("remotebytes").Add(m.RemoteBytes)
	s.Map.Int("totalblocks").Add(m.TotalBlocks)
}
