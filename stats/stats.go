// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides collections of counters. Each counter
// belongs to a snapshottable collection, and these collections can be
// aggregated across fetch sessions.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Values is a snapshot of the integer counter values in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values)
	for k, val := range v {
		w[k] = val
	}
	return w
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu   sync.Mutex
	ints map[string]*Int
	durs map[string]*Dur
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		ints: make(map[string]*Int),
		durs: make(map[string]*Dur),
	}
}

// Int returns the integer counter with the provided name. The counter
// is created if it does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.ints[name]
	if v == nil {
		v = new(Int)
		m.ints[name] = v
	}
	m.mu.Unlock()
	return v
}

// Dur returns the duration counter with the provided name. The
// counter is created if it does not already exist.
func (m *Map) Dur(name string) *Dur {
	m.mu.Lock()
	v := m.durs[name]
	if v == nil {
		v = new(Dur)
		m.durs[name] = v
	}
	m.mu.Unlock()
	return v
}

// AddAll adds all integer counters in the map to the provided
// snapshot. Duration counters are added as nanosecond counts.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.ints {
		vals[k] += v.Get()
	}
	for k, v := range m.durs {
		vals[k] += int64(v.Get())
	}
	m.mu.Unlock()
}

// An Int is an integer counter. Ints can be atomically incremented
// and set. The nil *Int discards all operations, so counters may be
// left unwired.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// A Dur is a cumulative duration counter with the same nil-discard
// behavior as Int.
type Dur struct {
	val int64
}

// Add increments v by delta.
func (v *Dur) Add(delta time.Duration) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, int64(delta))
}

// Get returns the current value of the counter.
func (v *Dur) Get() time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&v.val))
}
