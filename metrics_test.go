package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingMetricsSaveCSV(t *testing.T) {
	m := NewTrainingMetrics()
	path := filepath.Join(t.TempDir(), "nested", "metrics.csv")
	assert.Error(t, m.SaveCSV(path), "empty history")

	m.Record(0, 0, 9.5, 1e-7, 1)
	m.Record(100, 1, 4.25, 3.5e-5, 8192)
	require.Equal(t, 2, m.Len())
	require.NoError(t, m.SaveCSV(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"step", "epoch", "avg_loss", "lr", "loss_scale"},
		{"0", "0", "9.5", "1e-07", "1"},
		{"100", "1", "4.25", "3.5e-05", "8192"},
	}, rows)
}
