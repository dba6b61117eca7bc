// Package atomic provides small typed wrappers over sync/atomic
// (atomic.Int64, atomic.Bool, .CAS/.Load/.Store) rather than introducing
// go.uber.org/atomic or raw sync/atomic calls scattered through callers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "sync/atomic"

type Int64 struct{ v int64 }

func (i *Int64) Load() int64         { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(n int64)       { atomic.StoreInt64(&i.v, n) }
func (i *Int64) Add(n int64) int64   { return atomic.AddInt64(&i.v, n) }
func (i *Int64) Inc() int64          { return i.Add(1) }
func (i *Int64) Dec() int64          { return i.Add(-1) }
func (i *Int64) CAS(old, n int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, old, n)
}
func (i *Int64) Swap(n int64) int64 { return atomic.SwapInt64(&i.v, n) }

type Uint64 struct{ v uint64 }

func (u *Uint64) Load() uint64       { return atomic.LoadUint64(&u.v) }
func (u *Uint64) Store(n uint64)     { atomic.StoreUint64(&u.v, n) }
func (u *Uint64) Add(n uint64) uint64 { return atomic.AddUint64(&u.v, n) }
func (u *Uint64) Inc() uint64        { return u.Add(1) }
func (u *Uint64) CAS(old, n uint64) bool {
	return atomic.CompareAndSwapUint64(&u.v, old, n)
}

type Bool struct{ v int32 }

func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }
func (b *Bool) Store(v bool) {
	if v {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}
func (b *Bool) CAS(old, n bool) bool {
	var oi, ni int32
	if old {
		oi = 1
	}
	if n {
		ni = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, oi, ni)
}
