package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The training loop. Everything heavy happens in the Executor; this file
// only sequences steps and reports on them.
//
// ONE STEP:
//   1. stop if max_iter is set and reached
//   2. reader_cost = time spent waiting for the next feeds
//   3. Executor.Run(feeds), then advance the Noam schedule
//   4. batch_cost = time since the previous step finished
//   5. every print_step steps: log loss/ppl/throughput, reset the averages
//   6. every save_step steps (not step 0): checkpoint to
//        <save_model>/step_<N>/transformer.*
//
// LOGGED LOSSES:
//   avg loss        = Σ sum_cost / Σ token_num over devices
//   normalized loss = avg loss - best achievable loss under label smoothing
//   ppl             = exp(min(avg loss, 100))
//
// The step counter runs across epochs and is never reset.
//
// ===========================================================================

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainResult summarises a finished (or stopped) run.
type TrainResult struct {
	Steps       int      // steps executed
	Checkpoints []string // directories written, in order
}

// Trainer drives a Program over the data for the configured epochs.
type Trainer struct {
	cfg       *Config
	program   *Program
	scheduler LRScheduler
	exe       *Executor
	loader    *DataLoader

	lossNormalizer float64
	metrics        *TrainingMetrics

	step       int
	readerCost AverageStatistical
	batchCost  AverageStatistical
	batchIPS   AverageStatistical
	result     TrainResult
}

// NewTrainer wires a started executor and a loader into a loop.
func NewTrainer(cfg *Config, program *Program, exe *Executor, loader *DataLoader) *Trainer {
	return &Trainer{
		cfg:            cfg,
		program:        program,
		scheduler:      program.Scheduler,
		exe:            exe,
		loader:         loader,
		lossNormalizer: LossNormalizer(cfg.LabelSmoothEps, cfg.TrgVocabSize),
		metrics:        NewTrainingMetrics(),
	}
}

// Metrics returns the per-print-step history.
func (t *Trainer) Metrics() *TrainingMetrics {
	return t.metrics
}

// Train runs every epoch, or until max_iter steps. A cancelled ctx stops
// the loop between steps and is returned as the error.
func (t *Trainer) Train(ctx context.Context) (TrainResult, error) {
	for epoch := 0; epoch < t.cfg.Epoch; epoch++ {
		done, err := t.runEpoch(ctx, epoch)
		if err != nil {
			return t.result, err
		}
		if done {
			klog.Infof("Reached max_iter %d, stopping", t.cfg.MaxIter.Value)
			break
		}
	}
	t.result.Steps = t.step
	return t.result, nil
}

// maxIterReached mirrors the truthiness test on max_iter: unset and 0 both
// mean "no limit".
func (t *Trainer) maxIterReached() bool {
	return t.cfg.MaxIter.Valid && t.cfg.MaxIter.Value > 0 && t.step == t.cfg.MaxIter.Value
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (done bool, err error) {
	epochCtx, cancel := context.WithCancel(ctx)
	steps, wait := t.loader.Prefetch(epochCtx, epoch)
	defer func() {
		cancel()
		if werr := wait(); err == nil && werr != nil && !errors.Is(werr, context.Canceled) {
			err = errors.Wrap(werr, "train: loader")
		}
	}()

	batchID := 0
	epochStart := time.Now()
	batchStart := epochStart
	for feeds := range steps {
		if t.maxIterReached() {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		readerCost := time.Since(batchStart)

		fetch, err := t.exe.Run(ctx, feeds)
		if err != nil {
			return false, errors.Wrapf(err, "train: step %d", t.step)
		}
		t.scheduler.Step()

		batchCost := time.Since(batchStart)
		t.readerCost.Record(readerCost)
		t.batchCost.Record(batchCost)
		t.batchIPS.RecordItems(batchCost, int(fetch.TotalTokenNum()))

		if t.step%t.cfg.PrintStep == 0 {
			t.report(epoch, batchID, fetch)
		}

		if t.step%t.cfg.SaveStep == 0 && t.step != 0 && t.cfg.SaveModel != "" {
			dir := StepDir(t.cfg.SaveModel, t.step)
			if err := SaveCheckpoint(dir, t.program); err != nil {
				return false, errors.Wrapf(err, "train: save step %d", t.step)
			}
			t.result.Checkpoints = append(t.result.Checkpoints, dir)
			klog.Infof("Saved checkpoint to %s", dir)
		}

		batchID++
		t.step++
		t.result.Steps = t.step
		batchStart = time.Now()
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	klog.V(1).Infof("epoch %d finished: %d batches in %v", epoch, batchID, time.Since(epochStart))
	return false, nil
}

// report logs one print_step line and resets the throughput averages.
func (t *Trainer) report(epoch, batchID int, fetch Fetch) {
	totalAvgCost := LossOutput{SumCost: fetch.TotalSumCost(), TokenNum: fetch.TotalTokenNum()}.AvgCost()
	normalized := totalAvgCost - t.lossNormalizer
	ppl := Perplexity(totalAvgCost)

	if t.step == 0 {
		klog.Infof("step_idx: %d, epoch: %d, batch: %d, avg loss: %f, normalized loss: %f, ppl: %f",
			t.step, epoch, batchID, totalAvgCost, normalized, ppl)
	} else {
		avgSpeed := 0.0
		if total := t.batchCost.TotalTime().Seconds(); total > 0 {
			avgSpeed = float64(t.cfg.PrintStep) / total
		}
		klog.Infof("step_idx: %d, epoch: %d, batch: %d, avg loss: %f, normalized loss: %f, ppl: %f, "+
			"avg_speed: %.2f step/s, batch_cost: %.5f sec, reader_cost: %.5f sec, tokens: %d, ips: %.5f words/sec",
			t.step, epoch, batchID, totalAvgCost, normalized, ppl,
			avgSpeed, t.batchCost.Average().Seconds(), t.readerCost.Average().Seconds(),
			t.batchIPS.TotalItems(), t.batchIPS.AveragePerSec())
	}
	klog.V(1).Infof("step %d: lr %g, loss scale %g, skipped %t, %d batches since last report",
		t.step, fetch.LR, fetch.LossScale, fetch.Skipped, t.batchCost.Count())

	t.metrics.Record(t.step, epoch, totalAvgCost, fetch.LR, fetch.LossScale)
	t.readerCost.Reset()
	t.batchCost.Reset()
	t.batchIPS.Reset()
}
