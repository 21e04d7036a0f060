package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Data-parallel gradient synchronisation between in-process replicas.
//
// Every replica computes gradients for its own feed. Before the optimizer
// runs, the gradients must be summed across replicas (all-reduce). Doing
// that one parameter at a time means hundreds of tiny reductions, so the
// parameters are FUSED into buckets:
//
//   params:  [emb 20MB] [q 1MB] [k 1MB] [v 1MB] [o 1MB] [ln 2KB] ...
//   buckets: [emb 20MB] [q k v o ln ... ≤16MB] [...]
//
// Each bucket is packed into one flat buffer per replica, the buffers are
// summed, and the result is unpacked into the master gradients. Buckets are
// independent, so they reduce concurrently.
//
// Sizes are counted as float32 (4 bytes per element), the width gradients
// have on a real device. A parameter bigger than the cap gets a bucket of
// its own.
//
// ===========================================================================

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// gradElementBytes is the size of one gradient element for bucket sizing.
const gradElementBytes = 4

// gradBucket is a run of consecutive parameters reduced as one buffer.
type gradBucket struct {
	params  []int // indices into the parameter list
	offsets []int // start of each parameter inside the flat buffer
	size    int   // total elements
}

// FuseGradients groups parameters, in order, into buckets of at most
// fuseMB MiB.
func FuseGradients(params []*Tensor, fuseMB int) []gradBucket {
	limit := fuseMB * 1024 * 1024 / gradElementBytes
	var (
		buckets []gradBucket
		current gradBucket
	)
	for i, p := range params {
		if current.size > 0 && current.size+p.Size() > limit {
			buckets = append(buckets, current)
			current = gradBucket{}
		}
		current.params = append(current.params, i)
		current.offsets = append(current.offsets, current.size)
		current.size += p.Size()
	}
	if current.size > 0 {
		buckets = append(buckets, current)
	}
	return buckets
}

// fusionBufferPool recycles flat bucket buffers between steps, one
// sync.Pool per buffer size.
type fusionBufferPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool
}

func newFusionBufferPool() *fusionBufferPool {
	return &fusionBufferPool{pools: make(map[int]*sync.Pool)}
}

func (fp *fusionBufferPool) poolFor(size int) *sync.Pool {
	fp.mu.RLock()
	pool, ok := fp.pools[size]
	fp.mu.RUnlock()
	if ok {
		return pool
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if pool, ok := fp.pools[size]; ok {
		return pool
	}
	pool = &sync.Pool{New: func() interface{} {
		buf := make([]float64, size)
		return &buf
	}}
	fp.pools[size] = pool
	return pool
}

// get returns a buffer of exactly size elements. Contents are undefined.
func (fp *fusionBufferPool) get(size int) *[]float64 {
	return fp.poolFor(size).Get().(*[]float64)
}

func (fp *fusionBufferPool) put(buf *[]float64) {
	fp.poolFor(len(*buf)).Put(buf)
}

// AllReducer sums replica gradients into the master parameters bucket by
// bucket.
type AllReducer struct {
	buckets []gradBucket
	pool    *fusionBufferPool
}

// NewAllReducer plans the buckets for params.
func NewAllReducer(params []*Tensor, fuseMB int) *AllReducer {
	return &AllReducer{
		buckets: FuseGradients(params, fuseMB),
		pool:    newFusionBufferPool(),
	}
}

// NumBuckets returns how many fused buffers a step reduces.
func (r *AllReducer) NumBuckets() int {
	return len(r.buckets)
}

// AllReduce overwrites the gradients of master with the sum of the
// corresponding replica gradients. A replica parameter with no gradient
// counts as zero.
func (r *AllReducer) AllReduce(ctx context.Context, master []*Tensor, replicas [][]*Tensor) error {
	for i, rp := range replicas {
		if len(rp) != len(master) {
			return errors.Errorf("allreduce: replica %d has %d params, master has %d", i, len(rp), len(master))
		}
	}
	for _, p := range master {
		p.Grad()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range r.buckets {
		b := b
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.reduceBucket(b, master, replicas)
			return nil
		})
	}
	return g.Wait()
}

func (r *AllReducer) reduceBucket(b gradBucket, master []*Tensor, replicas [][]*Tensor) {
	sumBuf, packBuf := r.pool.get(b.size), r.pool.get(b.size)
	defer r.pool.put(sumBuf)
	defer r.pool.put(packBuf)
	sum, packed := *sumBuf, *packBuf

	for i := range sum {
		sum[i] = 0
	}
	for _, params := range replicas {
		r.pack(b, params, packed)
		floats.Add(sum, packed)
	}
	for k, idx := range b.params {
		n := master[idx].Size()
		copy(master[idx].grad, sum[b.offsets[k]:b.offsets[k]+n])
	}
}

// pack copies the bucket's gradients from params into one flat buffer.
func (r *AllReducer) pack(b gradBucket, params []*Tensor, dst []float64) {
	for k, idx := range b.params {
		seg := dst[b.offsets[k] : b.offsets[k]+params[idx].Size()]
		if params[idx].grad == nil {
			for i := range seg {
				seg[i] = 0
			}
			continue
		}
		copy(seg, params[idx].grad)
	}
}
