package pneumonia

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	data "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// exampleTensors builds the tensors of example i of the split, unbatched:
// inputs=[volume] and labels=[pneumonia, lung, class]. MaskBuilder later replaces the
// lung plane with the weight plane.
func exampleTensors(s *Split, i int) (inputs, labels []*tensors.Tensor) {
	volume := tensors.FromFlatDataAndDimensions(s.Volume(i), VolumeDepth, VolumeHeight, VolumeWidth, VolumeChannels)
	pna := tensors.FromFlatDataAndDimensions(s.Pna(i), VolumeDepth, VolumeHeight, VolumeWidth)
	lung := tensors.FromFlatDataAndDimensions(s.Lung(i), VolumeDepth, VolumeHeight, VolumeWidth)
	class := tensors.FromValue(s.Class(i))
	return []*tensors.Tensor{volume}, []*tensors.Tensor{pna, lung, class}
}

// StratifiedDataset yields single examples drawn cohort-first: first a cohort is
// sampled according to the configured ratios, then an example uniformly within it.
// The expected cohort mix of the stream matches the ratios regardless of the cohort
// sizes in the split.
//
// It loops forever (Yield never returns io.EOF), so it is meant for training with
// train.Loop.RunSteps. It is safe for concurrent Yield calls.
type StratifiedDataset struct {
	mu     sync.Mutex
	split  *Split
	ratios [NumCohorts]float64
	rng    *rand.Rand
}

var (
	_ train.Dataset = (*StratifiedDataset)(nil)
	_ train.Dataset = (*SequentialDataset)(nil)
)

// NewStratifiedDataset creates the training sampler for the split, using the sampling
// ratios of the configuration. The seed makes the sampling sequence reproducible.
//
// It fails if a cohort has a positive ratio but no examples in the split.
func NewStratifiedDataset(split *Split, config *Config, seed uint64) (*StratifiedDataset, error) {
	ratios := config.SamplingRatios()
	for cohort, ratio := range ratios {
		if ratio > 0 && len(split.CohortIndices(Cohort(cohort))) == 0 {
			return nil, errors.Errorf("cohort %q has sampling ratio %g but no examples in split %q",
				Cohort(cohort), ratio, split.Name)
		}
	}
	return &StratifiedDataset{
		split:  split,
		ratios: ratios,
		rng:    rand.New(rand.NewPCG(seed, 0)),
	}, nil
}

// Name implements train.Dataset.
func (ds *StratifiedDataset) Name() string { return ds.split.Name + "-stratified" }

// Reset implements train.Dataset. The stream is infinite, so it is a no-op.
func (ds *StratifiedDataset) Reset() {}

// Yield implements train.Dataset: it samples a cohort, then an example within it.
func (ds *StratifiedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	r := ds.rng.Float64()
	var cohort Cohort
	for cohort = 0; cohort < NumCohorts-1; cohort++ {
		r -= ds.ratios[cohort]
		if r < 0 {
			break
		}
	}
	indices := ds.split.CohortIndices(cohort)
	exampleIdx := int(indices[ds.rng.IntN(len(indices))])
	ds.mu.Unlock()

	inputs, labels = exampleTensors(ds.split, exampleIdx)
	return
}

// SequentialDataset yields every example of the split exactly once, in file order, and
// then io.EOF. Used for evaluation, where a deterministic order is required, and for
// updating batch normalization averages.
type SequentialDataset struct {
	mu    sync.Mutex
	split *Split
	next  int
}

// NewSequentialDataset creates a single-pass dataset over the split, in file order.
func NewSequentialDataset(split *Split) *SequentialDataset {
	return &SequentialDataset{split: split}
}

// Name implements train.Dataset.
func (ds *SequentialDataset) Name() string { return ds.split.Name }

// Reset implements train.Dataset, restarting the pass.
func (ds *SequentialDataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

// Yield implements train.Dataset.
func (ds *SequentialDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	exampleIdx := ds.next
	ds.next++
	ds.mu.Unlock()
	if exampleIdx >= ds.split.NumExamples {
		err = io.EOF
		return
	}
	inputs, labels = exampleTensors(ds.split, exampleIdx)
	return
}

// NewTrainPipeline assembles the training input pipeline: stratified sampling, the
// configured mask builder, parallelized yields with read-ahead, and batching (with the
// leading batch axis created, incomplete batches dropped).
func NewTrainPipeline(backend backends.Backend, split *Split, config *Config, seed uint64) (train.Dataset, error) {
	stratified, err := NewStratifiedDataset(split, config, seed)
	if err != nil {
		return nil, err
	}
	mapFn, err := MaskBuilder(config.Mask)
	if err != nil {
		return nil, err
	}
	ds := data.Map(stratified, mapFn)
	ds = datasets.ReadAhead(datasets.Parallel(ds), 2)
	return datasets.Batch(backend, ds, config.Batch.Size, true, true), nil
}

// NewEvalPipeline assembles the evaluation input pipeline: a deterministic sequential
// pass with the configured mask builder, batched without dropping the last partial
// batch. Every example appears exactly once per epoch.
func NewEvalPipeline(backend backends.Backend, split *Split, config *Config) (train.Dataset, error) {
	mapFn, err := MaskBuilder(config.Mask)
	if err != nil {
		return nil, err
	}
	ds := data.Map(NewSequentialDataset(split), mapFn)
	return datasets.Batch(backend, ds, config.Batch.Size, true, false), nil
}
