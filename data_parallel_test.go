package main

import (
	"context"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseGradients(t *testing.T) {
	// 1 MiB holds 262144 float32 elements.
	params := lo.Map([]int{100000, 100000, 100000, 300000, 10}, func(n, _ int) *Tensor {
		return NewTensor(n)
	})

	buckets := FuseGradients(params, 1)
	got := lo.Map(buckets, func(b gradBucket, _ int) []int { return b.params })
	assert.Equal(t, [][]int{{0, 1}, {2}, {3}, {4}}, got, "an oversized parameter gets its own bucket")

	assert.Equal(t, []int{0, 100000}, buckets[0].offsets)
	assert.Equal(t, 200000, buckets[0].size)

	assert.Len(t, FuseGradients(params, 16), 1)
	assert.Empty(t, FuseGradients(nil, 16))
}

func TestFusionBufferPool(t *testing.T) {
	pool := newFusionBufferPool()
	buf := pool.get(8)
	assert.Len(t, *buf, 8)
	pool.put(buf)
	assert.Len(t, *pool.get(3), 3)
}

func gradTensor(shape []int, grad []float64) *Tensor {
	t := NewTensor(shape...)
	if grad != nil {
		t.AccumulateGrad(grad)
	}
	return t
}

func TestAllReduce(t *testing.T) {
	master := []*Tensor{NewTensor(2), NewTensor(1, 3), NewTensor(1)}
	master[0].AccumulateGrad([]float64{100, 100}) // stale, overwritten

	replicas := [][]*Tensor{
		{gradTensor([]int{2}, []float64{1, 2}), gradTensor([]int{1, 3}, []float64{1, 1, 1}), gradTensor([]int{1}, nil)},
		{gradTensor([]int{2}, []float64{10, 20}), gradTensor([]int{1, 3}, nil), gradTensor([]int{1}, nil)},
		{gradTensor([]int{2}, []float64{0.5, 0}), gradTensor([]int{1, 3}, []float64{0, 2, 4}), gradTensor([]int{1}, nil)},
	}

	// A tiny cap forces one bucket per parameter.
	r := &AllReducer{buckets: FuseGradients(master, 0), pool: newFusionBufferPool()}
	require.Equal(t, 3, r.NumBuckets())

	require.NoError(t, r.AllReduce(context.Background(), master, replicas))
	assert.Equal(t, []float64{11.5, 22}, master[0].Grad())
	assert.Equal(t, []float64{1, 3, 5}, master[1].Grad())
	assert.Equal(t, []float64{0}, master[2].Grad(), "no replica gradient sums to zero")

	fused := NewAllReducer(master, 16)
	assert.Equal(t, 1, fused.NumBuckets())
	require.NoError(t, fused.AllReduce(context.Background(), master, replicas))
	assert.Equal(t, []float64{11.5, 22}, master[0].Grad())
}

func TestAllReduceErrors(t *testing.T) {
	master := []*Tensor{NewTensor(2)}
	r := NewAllReducer(master, 16)

	err := r.AllReduce(context.Background(), master, [][]*Tensor{{NewTensor(2), NewTensor(2)}})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.AllReduce(ctx, master, [][]*Tensor{{NewTensor(2)}})
	assert.ErrorIs(t, err, context.Canceled)
}
