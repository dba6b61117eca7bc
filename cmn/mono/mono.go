// Package mono provides a monotonic nanosecond clock. Some codebases in
// this lineage link directly against the runtime's monotonic clock
// (go:linkname runtime.nanotime); this package avoids that unsupported
// linkage and instead derives nanoseconds from
// time.Now()'s embedded monotonic reading, which is the portable way to
// get the same guarantee (never goes backward, unaffected by wall-clock
// adjustments).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var epoch = time.Now()

// NanoTime returns nanoseconds elapsed since the package was initialized.
// Only ever used for differencing (`NanoTime() - earlier`), never as a
// wall-clock timestamp.
func NanoTime() int64 { return time.Since(epoch).Nanoseconds() }

// Since is a convenience wrapper for duration-since-a-NanoTime-reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
