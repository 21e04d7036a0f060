package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The reader turns a parallel corpus into per-step device feeds:
//
//   file ──► encode ──► filter ──► shuffle/sort ──► token batches
//        ──► shuffle batches ──► group by device ──► pad ──► channel
//
// TOKEN BATCHING:
//   batch_size counts tokens, not sentences. An example joins the current
//   batch while  max_len_so_far * (count+1) <= batch_size, where an
//   example's length is max(len(src), len(trg)) + 1 (the +1 is eos/bos).
//   Sorting by length first keeps padding waste low.
//
// DEVICE GROUPING:
//   One step consumes trainer_count batches, one per device. A trailing
//   group with fewer batches is dropped so every device always gets a feed.
//
// PADDING (pad id = bos):
//   src = ids + [eos]     trg = [bos] + ids     lbl = ids + [eos]
//   rows padded to (max_len + pad_seq) / pad_seq * pad_seq.
//
// ===========================================================================

import (
	"bufio"
	"cmp"
	"context"
	"io"
	"math/rand"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Sort types for example ordering.
const (
	SortGlobal = "global"
	SortPool   = "pool"
	SortNone   = "none"
)

// prefetchDepth is how many steps the loader keeps ready ahead of the
// trainer.
const prefetchDepth = 4

// Example is one encoded sentence pair without special tokens.
type Example struct {
	Src []int
	Trg []int
}

// Batch is one device feed: padded (rows, len) id matrices.
type Batch struct {
	Src [][]int
	Trg [][]int
	Lbl [][]int
}

// TokenNum counts label positions that are not padding.
func (b Batch) TokenNum(padIdx int) int {
	n := 0
	for _, row := range b.Lbl {
		n += lo.CountBy(row, func(id int) bool { return id != padIdx })
	}
	return n
}

// ReaderOptions controls batching. NewReaderOptions fills it from Config.
type ReaderOptions struct {
	BatchSize     int
	UseTokenBatch bool
	MaxLength     int
	PoolSize      int
	SortType      string
	Shuffle       bool
	ShuffleBatch  bool
	PadSeq        int
	BosIdx        int
	EosIdx        int
	TrainerCount  int
	Seed          int64
}

// NewReaderOptions extracts the reader settings from cfg.
func NewReaderOptions(cfg *Config, trainerCount int, seed int64) ReaderOptions {
	return ReaderOptions{
		BatchSize:     cfg.BatchSize,
		UseTokenBatch: cfg.UseTokenBatch,
		MaxLength:     cfg.MaxLength,
		PoolSize:      cfg.PoolSize,
		SortType:      cfg.SortType,
		Shuffle:       cfg.Shuffle,
		ShuffleBatch:  cfg.ShuffleBatch,
		PadSeq:        cfg.PadSeq,
		BosIdx:        cfg.BosIdx,
		EosIdx:        cfg.EosIdx,
		TrainerCount:  trainerCount,
		Seed:          seed,
	}
}

// ReadExamples parses "src<TAB>trg" lines and encodes them. Lines without a
// tab are rejected.
func ReadExamples(r io.Reader, srcVocab, trgVocab *Vocab) ([]Example, error) {
	var examples []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		src, trg, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, errors.Errorf("reader: line %d has no tab separator", line)
		}
		examples = append(examples, Example{
			Src: srcVocab.Encode(strings.Fields(src)),
			Trg: trgVocab.Encode(strings.Fields(trg)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reader: scan")
	}
	return examples, nil
}

// FilterExamples keeps pairs where both sides are non-empty and the longer
// side plus its special token fits max_length.
func FilterExamples(examples []Example, maxLength int) []Example {
	return lo.Filter(examples, func(e Example, _ int) bool {
		return min(len(e.Src), len(e.Trg)) >= 1 && max(len(e.Src), len(e.Trg))+1 <= maxLength
	})
}

// DataLoader yields per-step device feeds for each epoch.
type DataLoader struct {
	opts     ReaderOptions
	examples []Example
}

// NewDataLoader loads the vocabularies and the training file named in cfg.
func NewDataLoader(cfg *Config, trainerCount int, seed int64) (*DataLoader, error) {
	srcVocab, err := LoadVocab(cfg.SrcVocabFpath, cfg.SpecialToken, cfg.UnkIdx)
	if err != nil {
		return nil, err
	}
	trgVocab := srcVocab
	if cfg.TrgVocabFpath != cfg.SrcVocabFpath {
		if trgVocab, err = LoadVocab(cfg.TrgVocabFpath, cfg.SpecialToken, cfg.UnkIdx); err != nil {
			return nil, err
		}
	}
	if srcVocab.VocabSize() > cfg.SrcVocabSize || trgVocab.VocabSize() > cfg.TrgVocabSize {
		return nil, errors.Errorf("reader: vocab sizes %d/%d exceed configured %d/%d",
			srcVocab.VocabSize(), trgVocab.VocabSize(), cfg.SrcVocabSize, cfg.TrgVocabSize)
	}

	f, err := os.Open(cfg.TrainingFile)
	if err != nil {
		return nil, errors.Wrap(err, "reader: open training file")
	}
	defer f.Close()

	examples, err := ReadExamples(f, srcVocab, trgVocab)
	if err != nil {
		return nil, errors.Wrapf(err, "reader: %s", cfg.TrainingFile)
	}
	kept := FilterExamples(examples, cfg.MaxLength)
	klog.Infof("Loaded %d examples from %s (%d filtered by length)",
		len(kept), cfg.TrainingFile, len(examples)-len(kept))
	if len(kept) > 0 {
		klog.V(2).Infof("First pair: %q -> %q",
			strings.Join(srcVocab.Decode(kept[0].Src), " "), strings.Join(trgVocab.Decode(kept[0].Trg), " "))
	}

	return NewDataLoaderFromExamples(kept, NewReaderOptions(cfg, trainerCount, seed))
}

// NewDataLoaderFromExamples creates a loader over already-filtered examples.
func NewDataLoaderFromExamples(examples []Example, opts ReaderOptions) (*DataLoader, error) {
	if opts.TrainerCount <= 0 {
		return nil, errors.Errorf("reader: trainer count must be positive, got %d", opts.TrainerCount)
	}
	if opts.BatchSize <= 0 || opts.PadSeq <= 0 {
		return nil, errors.New("reader: batch_size and pad_seq must be positive")
	}
	if len(examples) == 0 {
		return nil, errors.New("reader: no training examples")
	}
	return &DataLoader{opts: opts, examples: examples}, nil
}

// NumExamples returns the number of examples per epoch.
func (l *DataLoader) NumExamples() int {
	return len(l.examples)
}

// exampleLen is the token footprint of an example inside a batch.
func exampleLen(e Example) int {
	return max(len(e.Src), len(e.Trg)) + 1
}

func compareExamples(a, b Example) int {
	return cmp.Or(cmp.Compare(len(a.Src), len(b.Src)), cmp.Compare(len(a.Trg), len(b.Trg)))
}

// order applies shuffle and sort_type for one epoch.
func (l *DataLoader) order(rng *rand.Rand) []Example {
	examples := slices.Clone(l.examples)
	if l.opts.Shuffle {
		rng.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })
	}

	switch l.opts.SortType {
	case SortGlobal:
		slices.SortStableFunc(examples, compareExamples)
	case SortPool:
		poolSize := max(l.opts.PoolSize, 1)
		for start := 0; start < len(examples); start += poolSize {
			end := min(start+poolSize, len(examples))
			slices.SortStableFunc(examples[start:end], compareExamples)
		}
	}
	return examples
}

// makeBatches groups ordered examples into batches of at most batch_size
// tokens (or sentences).
func (l *DataLoader) makeBatches(examples []Example) [][]Example {
	var (
		batches [][]Example
		current []Example
		maxLen  int
	)
	for _, e := range examples {
		n := exampleLen(e)
		nextMax := max(maxLen, n)
		size := len(current) + 1
		if l.opts.UseTokenBatch {
			size = nextMax * (len(current) + 1)
		}
		if len(current) > 0 && size > l.opts.BatchSize {
			batches = append(batches, current)
			current, nextMax = nil, n
		}
		current = append(current, e)
		maxLen = nextMax
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Steps returns the padded device feeds for one epoch. The same epoch and
// seed always give the same steps.
func (l *DataLoader) Steps(epoch int) [][]Batch {
	rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))

	batches := l.makeBatches(l.order(rng))
	if l.opts.ShuffleBatch {
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}

	groups := lo.Chunk(batches, l.opts.TrainerCount)
	if len(groups) > 0 && len(groups[len(groups)-1]) < l.opts.TrainerCount {
		groups = groups[:len(groups)-1]
	}

	return lo.Map(groups, func(group [][]Example, _ int) []Batch {
		return lo.Map(group, func(b []Example, _ int) Batch {
			return PadBatch(b, l.opts.BosIdx, l.opts.EosIdx, l.opts.PadSeq)
		})
	})
}

// Prefetch streams the steps of one epoch from a background goroutine. The
// channel closes when the epoch is exhausted or ctx is cancelled; wait
// reports the goroutine's error.
func (l *DataLoader) Prefetch(ctx context.Context, epoch int) (steps <-chan []Batch, wait func() error) {
	ch := make(chan []Batch, prefetchDepth)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		for _, feeds := range l.Steps(epoch) {
			select {
			case ch <- feeds:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return ch, g.Wait
}

// PadBatch builds the src/trg/lbl matrices for a batch. The pad id is bos.
func PadBatch(examples []Example, bosIdx, eosIdx, padSeq int) Batch {
	padIdx := bosIdx
	srcMax := lo.Max(lo.Map(examples, func(e Example, _ int) int { return len(e.Src) }))
	trgMax := lo.Max(lo.Map(examples, func(e Example, _ int) int { return len(e.Trg) }))
	srcLen := (srcMax + padSeq) / padSeq * padSeq
	trgLen := (trgMax + padSeq) / padSeq * padSeq

	row := func(width int, parts ...[]int) []int {
		out := make([]int, 0, width)
		for _, p := range parts {
			out = append(out, p...)
		}
		for len(out) < width {
			out = append(out, padIdx)
		}
		return out
	}

	var b Batch
	for _, e := range examples {
		b.Src = append(b.Src, row(srcLen, e.Src, []int{eosIdx}))
		b.Trg = append(b.Trg, row(trgLen, []int{bosIdx}, e.Trg))
		b.Lbl = append(b.Lbl, row(trgLen, e.Trg, []int{eosIdx}))
	}
	return b
}
