package main

// ===========================================================================
// TRAINING COMMAND
// ===========================================================================
//
// Wires the pieces together the same way every run:
//
//   config ──► strategy (places) ──► data loader
//          ──► program (model, loss, schedule, Adam, loss scaler)
//          ──► startup (seeded init) ──► optional resume / pretrained
//          ──► training loop ──► metrics.csv
//
// ===========================================================================

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunTrainCommand loads the config at path and trains.
func RunTrainCommand(ctx context.Context, path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return errors.Wrapf(err, "config %s", path)
	}
	klog.Infof("Config %s:\n%s", path, cfg)

	_, err = Run(ctx, cfg)
	return err
}

// Run trains with an already-loaded config.
func Run(ctx context.Context, cfg *Config) (TrainResult, error) {
	strategy, err := NewStrategy(cfg)
	if err != nil {
		return TrainResult{}, err
	}
	seed := cfg.Seed(time.Now().UnixNano())
	klog.Infof("Places %v, trainer_count %d, amp %t, seed %d",
		strategy.Places, strategy.TrainerCount(), strategy.AMP, seed)
	if strategy.AMP {
		klog.Infof("AMP white list %v, init loss scaling %g",
			strategy.AMPConfigs.WhiteList(), float64(cfg.ScaleLoss))
	}

	loader, err := NewDataLoader(cfg, strategy.TrainerCount(), seed)
	if err != nil {
		return TrainResult{}, err
	}
	klog.Infof("Data loader ready: %d examples, %d feeds per step", loader.NumExamples(), strategy.TrainerCount())

	program := BuildProgram(cfg, strategy)
	exe := NewExecutor(program)
	exe.RunStartup(seed)

	switch {
	case cfg.InitFromCheckpoint != "":
		if err := LoadCheckpoint(cfg.InitFromCheckpoint, program); err != nil {
			return TrainResult{}, errors.Wrap(err, "init_from_checkpoint")
		}
	case cfg.InitFromPretrainModel != "":
		if err := LoadParams(cfg.InitFromPretrainModel, program); err != nil {
			return TrainResult{}, errors.Wrap(err, "init_from_pretrain_model")
		}
		klog.Infof("Loaded pretrained parameters from %s", cfg.InitFromPretrainModel)
	}

	trainer := NewTrainer(cfg, program, exe, loader)
	result, err := trainer.Train(ctx)

	if cfg.SaveModel != "" && trainer.Metrics().Len() > 0 {
		path := filepath.Join(cfg.SaveModel, "metrics.csv")
		if merr := trainer.Metrics().SaveCSV(path); merr != nil {
			klog.Warningf("Could not write %s: %v", path, merr)
		}
	}
	if err != nil {
		return result, err
	}
	klog.Infof("Training finished after %d steps, %d checkpoints", result.Steps, len(result.Checkpoints))
	return result, nil
}
