// Package mempool pools scratch slices for the solver's hot loops.
package mempool

import "sync"

var (
	float64Pools sync.Map // key: size class (int), value: *sync.Pool
	boolPools    sync.Map // key: size class (int), value: *sync.Pool
)

// sizeClass rounds n up to the next multiple of 1024, with 1024 as the minimum.
func sizeClass(n int) int {
	const step = 1024
	if n <= step {
		return step
	}
	return (n + step - 1) / step * step
}

func poolFor[T any](pools *sync.Map, cls int) *sync.Pool {
	pAny, _ := pools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]T, cls) }})
	p, _ := pAny.(*sync.Pool)
	return p
}

// get returns a zeroed slice of length n from the pool of its size class.
func get[T any](pools *sync.Map, n int) []T {
	if n < 0 {
		n = 0
	}
	cls := sizeClass(n)
	p := poolFor[T](pools, cls)
	if p == nil {
		return make([]T, n)
	}
	buf, ok := p.Get().([]T)
	if !ok || cap(buf) < cls {
		buf = make([]T, cls)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}

func put[T any](pools *sync.Map, buf []T) {
	if cap(buf) == 0 {
		return
	}
	// Buffers that did not come from a pool land in the class below their capacity.
	cls := cap(buf) / 1024 * 1024
	if cls < 1024 {
		return
	}
	if p := poolFor[T](pools, cls); p != nil {
		p.Put(buf[:cap(buf)]) //nolint:staticcheck
	}
}

// GetFloat64 returns a zeroed []float64 of length n. Return it with PutFloat64.
func GetFloat64(n int) []float64 {
	return get[float64](&float64Pools, n)
}

// PutFloat64 returns a buffer to the pool. It is safe to pass a nil slice.
func PutFloat64(buf []float64) {
	put(&float64Pools, buf)
}

// GetBool returns a []bool of length n with every element false. Return it
// with PutBool.
func GetBool(n int) []bool {
	return get[bool](&boolPools, n)
}

// PutBool returns a buffer to the pool. It is safe to pass a nil slice.
func PutBool(buf []bool) {
	put(&boolPools, buf)
}
