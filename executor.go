package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The Program is everything a training step needs: the master model, the
// criterion, the Noam schedule, Adam and the loss scaler. The Executor runs
// it once per step over one feed per device:
//
//   1. FORWARD/BACKWARD per replica (one goroutine each)
//        replica i gets feeds[i]; each example is trimmed to its real
//        length and run through the model; the loss gradient is scaled by
//        loss_scale / (tokens_i * n_devices) so the all-reduced sum is the
//        mean of the per-device average losses.
//   2. ALL-REDUCE fused gradient buckets into the master gradients.
//   3. UNSCALE + CHECK (mixed precision): divide by loss_scale, look for
//        Inf/NaN, update the dynamic scale.
//   4. ADAM at the scheduler's current LR, unless the step overflowed.
//
// Replicas are full Transformer objects whose parameter tensors point at
// the master's storage. Forward and backward only read parameters, so the
// replicas can run concurrently; each owns its gradient buffers.
//
// ===========================================================================

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrFeedMismatch is returned when the number of feeds does not match the
// number of devices.
var ErrFeedMismatch = errors.New("executor: feed count does not match device count")

// Program bundles the model and its training state.
type Program struct {
	Config    *Config
	Strategy  *DistributedStrategy
	Model     *Transformer
	Criterion *CrossEntropyCriterion
	Scheduler *NoamDecay
	Optimizer *AdamOptimizer
	Scaler    *LossScaler
}

// BuildProgram declares the program for cfg. Parameters are created by
// Executor.RunStartup.
func BuildProgram(cfg *Config, strategy *DistributedStrategy) *Program {
	return &Program{
		Config:    cfg,
		Strategy:  strategy,
		Criterion: NewCrossEntropyCriterion(cfg.LabelSmoothEps, cfg.BosIdx),
		Scheduler: NewNoamDecay(cfg.DModel, cfg.WarmupSteps, cfg.LearningRate, 0),
		Scaler:    NewLossScaler(strategy.AMPConfigs),
	}
}

// Parameters returns the master parameters. Nil before startup.
func (p *Program) Parameters() []*Tensor {
	if p.Model == nil {
		return nil
	}
	return p.Model.Parameters()
}

// Fetch is what one step reports.
type Fetch struct {
	SumCost   []float64 // per device
	TokenNum  []float64 // per device
	LR        float64   // learning rate the step used
	LossScale float64   // loss scale the step used
	Skipped   bool      // update skipped because of an overflow
}

// TotalSumCost sums SumCost over devices.
func (f Fetch) TotalSumCost() float64 {
	return lo.Sum(f.SumCost)
}

// TotalTokenNum sums TokenNum over devices.
func (f Fetch) TotalTokenNum() float64 {
	return lo.Sum(f.TokenNum)
}

// Executor runs a Program over per-device feeds.
type Executor struct {
	program   *Program
	optimizer Optimizer
	scheduler LRScheduler
	replicas  []*Transformer
	rngs      []*rand.Rand
	reducer   *AllReducer
}

// NewExecutor creates an executor for program.
func NewExecutor(program *Program) *Executor {
	return &Executor{program: program, scheduler: program.Scheduler}
}

// RunStartup initialises parameters, optimizer state and replicas from
// seed. The same seed always produces the same initial model.
func (e *Executor) RunStartup(seed int64) {
	p := e.program
	rng := rand.New(rand.NewSource(seed))
	archCfg := p.Config.TransformerConfig()

	p.Model = NewTransformer(archCfg, rng)
	params := p.Model.Parameters()
	p.Optimizer = NewAdamOptimizer(params, p.Config.Beta1, p.Config.Beta2, float64(p.Config.Eps))
	e.optimizer = p.Optimizer

	n := p.Strategy.TrainerCount()
	e.replicas = make([]*Transformer, n)
	e.rngs = make([]*rand.Rand, n)
	for i := range e.replicas {
		replica := NewTransformer(archCfg, rand.New(rand.NewSource(seed)))
		replica.shareData(p.Model)
		e.replicas[i] = replica
		e.rngs[i] = rand.New(rand.NewSource(seed + int64(i) + 1))
	}
	e.reducer = NewAllReducer(params, p.Strategy.FuseGradSizeMB)

	klog.Infof("Startup: %d parameters in %d tensors, %d replicas on %v, %d fused gradient buckets",
		p.Model.CountParameters(), len(params), n, p.Strategy.Places, e.reducer.NumBuckets())
}

// Run executes one training step. feeds must hold one batch per device.
func (e *Executor) Run(ctx context.Context, feeds []Batch) (Fetch, error) {
	p := e.program
	if p.Model == nil {
		return Fetch{}, errors.New("executor: Run called before RunStartup")
	}
	n := len(e.replicas)
	if len(feeds) != n {
		return Fetch{}, errors.Wrapf(ErrFeedMismatch, "got %d feeds for %d devices", len(feeds), n)
	}

	fetch := Fetch{
		SumCost:   make([]float64, n),
		TokenNum:  make([]float64, n),
		LR:        e.scheduler.LR(),
		LossScale: p.Scaler.Scale(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range e.replicas {
		i := i
		g.Go(func() error {
			out, err := e.runReplica(gctx, i, feeds[i], fetch.LossScale, n)
			fetch.SumCost[i], fetch.TokenNum[i] = out.SumCost, out.TokenNum
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Fetch{}, errors.Wrap(err, "executor: replica")
	}

	start := time.Now()
	master := p.Model.Parameters()
	replicaParams := lo.Map(e.replicas, func(r *Transformer, _ int) []*Tensor { return r.Parameters() })
	if err := e.reducer.AllReduce(ctx, master, replicaParams); err != nil {
		return Fetch{}, errors.Wrap(err, "executor: allreduce")
	}
	klog.V(2).Infof("allreduce of %d buckets took %v", e.reducer.NumBuckets(), time.Since(start))

	if p.Strategy.AMP {
		foundInf := CheckFiniteAndUnscale(master, fetch.LossScale)
		p.Scaler.Update(foundInf)
		if foundInf {
			fetch.Skipped = true
			klog.Warningf("Gradient overflow at loss scale %g, skipping update (new scale %g)",
				fetch.LossScale, p.Scaler.Scale())
			return fetch, nil
		}
	}

	e.optimizer.Step(master, fetch.LR)
	return fetch, nil
}

// runReplica runs forward and backward for every example of one device's
// batch and leaves the gradients in the replica's buffers.
func (e *Executor) runReplica(ctx context.Context, i int, feed Batch, lossScale float64, nDevices int) (LossOutput, error) {
	p := e.program
	model := e.replicas[i]
	e.optimizer.ZeroGrad(model.Parameters())

	padIdx := p.Config.BosIdx
	tokens := feed.TokenNum(padIdx)
	if tokens == 0 {
		return LossOutput{}, nil
	}
	gradScale := lossScale / (float64(tokens) * float64(nDevices))

	fc := &forwardContext{
		training: true,
		dropout:  p.Config.Dropout,
		rng:      e.rngs[i],
		amp:      p.Strategy.AMPConfigs,
	}

	var total LossOutput
	for r := range feed.Src {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		src, trg, lbl := trimExample(feed.Src[r], feed.Trg[r], feed.Lbl[r], padIdx)
		if len(src) == 0 || len(lbl) == 0 {
			continue
		}

		logits, cache := model.Forward(fc, src, trg)
		out, probs := p.Criterion.Forward(logits, lbl)
		model.Backward(cache, p.Criterion.Backward(probs, lbl, gradScale))

		total.SumCost += out.SumCost
		total.TokenNum += out.TokenNum
	}
	return total, nil
}

// trimExample drops trailing padding from one padded row triple. The target
// length follows the labels because the target row starts with bos, which
// doubles as the pad id.
func trimExample(src, trg, lbl []int, padIdx int) ([]int, []int, []int) {
	srcLen := lastNonPad(src, padIdx) + 1
	lblLen := lastNonPad(lbl, padIdx) + 1
	return src[:srcLen], trg[:lblLen], lbl[:lblLen]
}

func lastNonPad(row []int, padIdx int) int {
	for i := len(row) - 1; i >= 0; i-- {
		if row[i] != padIdx {
			return i
		}
	}
	return -1
}
