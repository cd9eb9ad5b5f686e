// Copyright 2019 Seqroll, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import "github.com/spaolacci/murmur3"

// hashSeed distinguishes shuffle partitioning from other users of the
// same hash family.
const hashSeed = 0x9747b28c

// Partition assigns a record key to one of width consumer partitions.
// Producers use it to decide which output block a record is written
// to; every producer of a shuffle must use the same width.
func Partition(key []byte, width int) int {
	if width <= 1 {
		return 0
	}
	return int(murmur3.Sum32WithSeed(key, hashSeed) % uint32(width))
}
