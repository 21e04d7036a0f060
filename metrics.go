package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// TrainingMetrics keeps one row per logged step so a run can be plotted
// afterwards.
type TrainingMetrics struct {
	Steps      []int
	Epochs     []int
	Losses     []float64 // avg loss
	LRs        []float64
	LossScales []float64
}

// NewTrainingMetrics creates an empty history.
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{}
}

// Record appends one logged step.
func (m *TrainingMetrics) Record(step, epoch int, loss, lr, lossScale float64) {
	m.Steps = append(m.Steps, step)
	m.Epochs = append(m.Epochs, epoch)
	m.Losses = append(m.Losses, loss)
	m.LRs = append(m.LRs, lr)
	m.LossScales = append(m.LossScales, lossScale)
}

// Len returns the number of recorded rows.
func (m *TrainingMetrics) Len() int {
	return len(m.Steps)
}

// SaveCSV writes the history with a header row.
func (m *TrainingMetrics) SaveCSV(filename string) error {
	if m.Len() == 0 {
		return errors.New("metrics: nothing recorded")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return errors.Wrap(err, "metrics: mkdir")
	}
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "metrics: create")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{{"step", "epoch", "avg_loss", "lr", "loss_scale"}}
	for i := range m.Steps {
		rows = append(rows, []string{
			strconv.Itoa(m.Steps[i]),
			strconv.Itoa(m.Epochs[i]),
			strconv.FormatFloat(m.Losses[i], 'g', 8, 64),
			strconv.FormatFloat(m.LRs[i], 'g', 8, 64),
			strconv.FormatFloat(m.LossScales[i], 'g', 8, 64),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrap(err, "metrics: write")
	}
	return f.Close()
}
