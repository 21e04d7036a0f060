package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trainLines = []string{
	"a b\tc d",
	"b c d\te",
	"c\tf a",
	"d e f\ta b c",
	"e\td",
	"f a\tb",
	"a a b\tc c",
	"b\td e f",
	"c d\te",
	"d\tf f",
	"e f a\tb c",
	"f\ta",
}

// trainConfig writes a vocabulary and a 12-line corpus to a temp dir and
// returns a tiny config that trains on them with 2 devices and 2 sentences
// per batch: 3 steps per epoch.
func trainConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv(envCPUNum, "2")
	dir := t.TempDir()

	vocab := writeVocab(t, dir, testTokens)
	data := filepath.Join(dir, "train.tsv")
	require.NoError(t, os.WriteFile(data, []byte(strings.Join(trainLines, "\n")+"\n"), 0o644))

	cfg := tinyConfig()
	cfg.TrainingFile = data
	cfg.SrcVocabFpath = vocab
	cfg.TrgVocabFpath = vocab
	cfg.UseTokenBatch = false
	cfg.BatchSize = 2
	cfg.Epoch = 2
	cfg.PrintStep = 1
	cfg.SaveStep = 2
	cfg.SaveModel = filepath.Join(dir, "trained_models")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunTrainsAllEpochs(t *testing.T) {
	cfg := trainConfig(t)

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Steps)
	assert.Equal(t, []string{StepDir(cfg.SaveModel, 2), StepDir(cfg.SaveModel, 4)}, result.Checkpoints)
	for _, dir := range result.Checkpoints {
		assert.FileExists(t, filepath.Join(dir, "transformer.pdparams"))
	}
	assert.FileExists(t, filepath.Join(cfg.SaveModel, "metrics.csv"))
}

func TestRunStopsAtMaxIter(t *testing.T) {
	cfg := trainConfig(t)
	cfg.MaxIter = Some(4)

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, []string{StepDir(cfg.SaveModel, 2)}, result.Checkpoints)
}

func TestRunMaxIterZeroMeansNoLimit(t *testing.T) {
	cfg := trainConfig(t)
	cfg.MaxIter = Some(0)
	cfg.Epoch = 1

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Steps)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	cfg := trainConfig(t)
	cfg.MaxIter = Some(3)
	first, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, first.Checkpoints, 1)

	resumed := trainConfig(t)
	resumed.Epoch = 1
	resumed.InitFromCheckpoint = first.Checkpoints[0]
	result, err := Run(context.Background(), resumed)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Steps)

	pretrained := trainConfig(t)
	pretrained.Epoch = 1
	pretrained.InitFromPretrainModel = first.Checkpoints[0]
	_, err = Run(context.Background(), pretrained)
	require.NoError(t, err)

	bad := trainConfig(t)
	bad.InitFromCheckpoint = filepath.Join(t.TempDir(), "missing")
	_, err = Run(context.Background(), bad)
	assert.Error(t, err)
}

func TestTrainerLogsEveryPrintStep(t *testing.T) {
	cfg := trainConfig(t)
	cfg.PrintStep = 2
	cfg.SaveModel = ""

	strategy, err := NewStrategy(cfg)
	require.NoError(t, err)
	loader, err := NewDataLoader(cfg, strategy.TrainerCount(), 1)
	require.NoError(t, err)
	program := BuildProgram(cfg, strategy)
	exe := NewExecutor(program)
	exe.RunStartup(1)

	trainer := NewTrainer(cfg, program, exe, loader)
	result, err := trainer.Train(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Checkpoints, "empty save_model disables saving")

	m := trainer.Metrics()
	assert.Equal(t, []int{0, 2, 4}, m.Steps)
	assert.Equal(t, []int{0, 0, 1}, m.Epochs)
	assert.Less(t, m.LRs[0], m.LRs[1], "lr warms up")
	for _, loss := range m.Losses {
		assert.Greater(t, loss, 0.0)
	}
	assert.Equal(t, 7, program.Scheduler.LastEpoch(), "one schedule step per training step")
}

func TestRunCancelled(t *testing.T) {
	cfg := trainConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunTrainCommandBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("d_model: 0\n"), 0o644))
	assert.Error(t, RunTrainCommand(context.Background(), path))
}
