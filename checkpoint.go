package main

// ===========================================================================
// CHECKPOINT FORMAT
// ===========================================================================
//
// A checkpoint is a directory holding three files that share the prefix
// "transformer":
//
//   transformer.pdparams   named model parameters
//   transformer.pdopt      Adam moments + scalar training state
//   transformer.pdmodel    architecture as plain JSON
//
// .pdparams and .pdopt use the same tensor container:
//
//   [uint32 header length][JSON header][float64 data, little endian ...]
//
// The header lists every tensor's name and shape in storage order plus an
// optional "meta" object. Data follows in the same order with no padding.
//
// ===========================================================================

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

const (
	checkpointPrefix = "transformer"
	paramsSuffix     = ".pdparams"
	optSuffix        = ".pdopt"
	modelSuffix      = ".pdmodel"
)

// ErrCheckpointMismatch means a checkpoint does not fit the program.
var ErrCheckpointMismatch = errors.New("checkpoint: does not match model")

// StepDir is the checkpoint directory for a step under save_model.
func StepDir(saveModel string, step int) string {
	return filepath.Join(saveModel, fmt.Sprintf("step_%d", step))
}

type tensorEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type containerHeader struct {
	Tensors []tensorEntry   `json:"tensors"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// optimizerMeta is the scalar training state stored in .pdopt.
type optimizerMeta struct {
	Adam           adamState       `json:"adam"`
	SchedulerEpoch int             `json:"scheduler_last_epoch"`
	LossScaler     lossScalerState `json:"loss_scaler"`
}

// writeContainer writes tensors (and meta) to path.
func writeContainer(path string, tensors []NamedParameter, meta interface{}) error {
	header := containerHeader{Tensors: make([]tensorEntry, len(tensors))}
	for i, t := range tensors {
		header.Tensors[i] = tensorEntry{Name: t.Name, Shape: t.Tensor.Shape()}
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return errors.Wrap(err, "marshal meta")
		}
		header.Meta = raw
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, t := range tensors {
		if err := binary.Write(w, binary.LittleEndian, t.Tensor.Data()); err != nil {
			return errors.Wrapf(err, "write %s", t.Name)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	return f.Close()
}

// readContainer reads every tensor in path, keyed by name.
func readContainer(path string) (map[string]*Tensor, json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, errors.Wrap(err, "read header length")
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, nil, errors.Wrap(err, "read header")
	}
	var header containerHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, nil, errors.Wrap(err, "parse header")
	}

	tensors := make(map[string]*Tensor, len(header.Tensors))
	for _, entry := range header.Tensors {
		if !validShape(entry.Shape) {
			return nil, nil, errors.Wrapf(ErrInvalidShape, "%s: %v", entry.Name, entry.Shape)
		}
		t := NewTensor(entry.Shape...)
		if err := binary.Read(r, binary.LittleEndian, t.data); err != nil {
			return nil, nil, errors.Wrapf(err, "read %s", entry.Name)
		}
		tensors[entry.Name] = t
	}
	return tensors, header.Meta, nil
}

// validShape reports whether NewTensor accepts shape.
func validShape(shape []int) bool {
	return len(shape) > 0 && lo.EveryBy(shape, func(d int) bool { return d > 0 })
}

// loadInto copies stored tensors into dst, checking names and shapes.
func loadInto(dst []NamedParameter, stored map[string]*Tensor) error {
	for _, p := range dst {
		t, ok := stored[p.Name]
		if !ok {
			return errors.Wrapf(ErrCheckpointMismatch, "missing %s", p.Name)
		}
		if !shapeEqual(t.shape, p.Tensor.shape) {
			return fmt.Errorf("%w: %w: %s is %v, model has %v",
				ErrCheckpointMismatch, ErrShapeMismatch, p.Name, t.shape, p.Tensor.shape)
		}
		// Copy, never replace: replicas alias this storage.
		copy(p.Tensor.data, t.data)
	}
	return nil
}

// optimizerTensors exposes Adam's moments as named tensors.
func optimizerTensors(p *Program) []NamedParameter {
	named := p.Model.NamedParameters()
	out := make([]NamedParameter, 0, 2*len(named))
	for i, np := range named {
		shape := np.Tensor.Shape()
		out = append(out,
			NamedParameter{Name: np.Name + ".moment1", Tensor: NewTensorFrom(p.Optimizer.m[i], shape...)},
			NamedParameter{Name: np.Name + ".moment2", Tensor: NewTensorFrom(p.Optimizer.v[i], shape...)},
		)
	}
	return out
}

// SaveCheckpoint writes the program's parameters, optimizer state and
// architecture under dir.
func SaveCheckpoint(dir string, p *Program) error {
	if p.Model == nil {
		return errors.New("checkpoint: program has no parameters")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "checkpoint: mkdir %s", dir)
	}
	prefix := filepath.Join(dir, checkpointPrefix)

	if err := writeContainer(prefix+paramsSuffix, p.Model.NamedParameters(), nil); err != nil {
		return errors.Wrapf(err, "checkpoint: %s", prefix+paramsSuffix)
	}

	meta := optimizerMeta{
		Adam:           p.Optimizer.state(),
		SchedulerEpoch: p.Scheduler.LastEpoch(),
		LossScaler:     p.Scaler.state(),
	}
	if err := writeContainer(prefix+optSuffix, optimizerTensors(p), meta); err != nil {
		return errors.Wrapf(err, "checkpoint: %s", prefix+optSuffix)
	}

	arch, err := json.MarshalIndent(p.Model.Config(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "checkpoint: marshal architecture")
	}
	if err := os.WriteFile(prefix+modelSuffix, arch, 0o644); err != nil {
		return errors.Wrapf(err, "checkpoint: %s", prefix+modelSuffix)
	}
	return nil
}

// LoadParams restores model parameters only (pretrained initialisation).
func LoadParams(dir string, p *Program) error {
	prefix := filepath.Join(dir, checkpointPrefix)
	if err := checkArchitecture(prefix+modelSuffix, p.Model.Config()); err != nil {
		return err
	}
	stored, _, err := readContainer(prefix + paramsSuffix)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: %s", prefix+paramsSuffix)
	}
	return loadInto(p.Model.NamedParameters(), stored)
}

// LoadCheckpoint restores parameters and the full optimizer, scheduler and
// loss scaling state written by SaveCheckpoint.
func LoadCheckpoint(dir string, p *Program) error {
	if err := LoadParams(dir, p); err != nil {
		return err
	}

	path := filepath.Join(dir, checkpointPrefix+optSuffix)
	stored, rawMeta, err := readContainer(path)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: %s", path)
	}
	var meta optimizerMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return errors.Wrapf(err, "checkpoint: %s meta", path)
	}

	moments := optimizerTensors(p)
	scratch := make([]NamedParameter, len(moments))
	for i, m := range moments {
		scratch[i] = NamedParameter{Name: m.Name, Tensor: NewTensor(m.Tensor.shape...)}
	}
	if err := loadInto(scratch, stored); err != nil {
		return err
	}
	m := make([][]float64, len(scratch)/2)
	v := make([][]float64, len(scratch)/2)
	for i := range m {
		m[i], v[i] = scratch[2*i].Tensor.data, scratch[2*i+1].Tensor.data
	}
	if err := p.Optimizer.restore(meta.Adam, m, v); err != nil {
		return err
	}
	p.Scheduler.setLastEpoch(meta.SchedulerEpoch)
	p.Scaler.restore(meta.LossScaler)

	klog.Infof("Restored checkpoint %s at optimizer step %d", dir, meta.Adam.StepCount)
	return nil
}

// checkArchitecture compares a stored .pdmodel with the live model.
func checkArchitecture(path string, want TransformerConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: %s", path)
	}
	var got TransformerConfig
	if err := json.Unmarshal(raw, &got); err != nil {
		return errors.Wrapf(err, "checkpoint: %s", path)
	}
	// Dropout does not change the parameter layout.
	got.Dropout = want.Dropout
	if got != want {
		return errors.Wrapf(ErrCheckpointMismatch, "architecture %+v, model has %+v", got, want)
	}
	return nil
}
