package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Place is a logical device a replica runs on.
type Place struct {
	Kind string // "gpu" or "cpu"
	ID   int
}

func (p Place) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// DistributedStrategy describes how a step is spread over devices and how
// gradients are synchronised.
type DistributedStrategy struct {
	// FuseGradSizeMB caps each fused all-reduce bucket, in MiB of float32
	// gradient data.
	FuseGradSizeMB int

	// AMP turns on mixed precision; AMPConfigs holds its policy.
	AMP        bool
	AMPConfigs *AMPConfig

	Places []Place
}

// NewStrategy picks the places and fills the strategy from cfg.
//
// With use_gpu a single device named by FLAGS_selected_gpus is used.
// Otherwise CPU_NUM cpu places run as data-parallel replicas.
func NewStrategy(cfg *Config) (*DistributedStrategy, error) {
	var places []Place
	if cfg.UseGPU {
		id, err := SelectedDevice()
		if err != nil {
			return nil, err
		}
		places = []Place{{Kind: "gpu", ID: id}}
	} else {
		n, err := CPUNum()
		if err != nil {
			return nil, err
		}
		places = lo.Times(n, func(i int) Place { return Place{Kind: "cpu", ID: i} })
	}

	if cfg.FuseGradSizeInMB <= 0 {
		return nil, errors.Errorf("strategy: fuse_grad_size_in_MB must be positive, got %d", cfg.FuseGradSizeInMB)
	}

	return &DistributedStrategy{
		FuseGradSizeMB: cfg.FuseGradSizeInMB,
		AMP:            cfg.UseAMP,
		AMPConfigs:     NewAMPConfig(cfg.UseAMP, float64(cfg.ScaleLoss), cfg.AMPCustomWhiteList),
		Places:         places,
	}, nil
}

// TrainerCount is the number of device feeds per step.
func (s *DistributedStrategy) TrainerCount() int {
	return len(s.Places)
}
