package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategyCPU(t *testing.T) {
	t.Setenv(envCPUNum, "3")
	cfg := DefaultConfig()

	s, err := NewStrategy(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TrainerCount())
	assert.Equal(t, []Place{{"cpu", 0}, {"cpu", 1}, {"cpu", 2}}, s.Places)
	assert.Equal(t, "cpu:2", s.Places[2].String())
	assert.Equal(t, 16, s.FuseGradSizeMB)
	assert.False(t, s.AMP)
}

func TestNewStrategyGPU(t *testing.T) {
	t.Setenv(envSelectedGPUs, "2")
	t.Setenv(envCPUNum, "8")
	cfg := DefaultConfig()
	cfg.UseGPU = true
	cfg.UseAMP = true
	cfg.ScaleLoss = 8192

	s, err := NewStrategy(cfg)
	require.NoError(t, err)
	assert.Equal(t, []Place{{"gpu", 2}}, s.Places, "CPU_NUM is ignored on gpu")
	assert.True(t, s.AMP)
	assert.True(t, s.AMPConfigs.IsWhite("matmul"))
	assert.True(t, s.AMPConfigs.IsWhite("layer_norm"))
	assert.Equal(t, 8192.0, NewLossScaler(s.AMPConfigs).Scale())
}

func TestNewStrategyErrors(t *testing.T) {
	t.Setenv(envCPUNum, "zero")
	_, err := NewStrategy(DefaultConfig())
	assert.Error(t, err)

	t.Setenv(envCPUNum, "1")
	cfg := DefaultConfig()
	cfg.FuseGradSizeInMB = 0
	_, err = NewStrategy(cfg)
	assert.Error(t, err)
}
