package pneumonia

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	data "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// WeightsFn builds the per-voxel weight plane of one example from its binary lung and
// pneumonia segmentations (VolumeVoxels bytes each). The returned plane has one
// float32 per voxel; voxels with weight 0 contribute nothing to loss or metrics.
type WeightsFn func(lung, pna []uint8) []float32

// LungWeights restricts loss and metrics to the lung fields. This is the default:
// pneumonia annotations only exist inside the lungs, so voxels outside them carry no
// signal, only noise from annotation boundaries.
func LungWeights(lung, _ []uint8) []float32 {
	w := make([]float32, len(lung))
	for ii, v := range lung {
		if v != 0 {
			w[ii] = 1
		}
	}
	return w
}

// UniformWeights weighs every voxel equally. Used as the baseline that the lung
// masking is compared against.
func UniformWeights(lung, _ []uint8) []float32 {
	w := make([]float32, len(lung))
	for ii := range w {
		w[ii] = 1
	}
	return w
}

// UnionWeights includes the lung fields plus any pneumonia-annotated voxels outside
// them. Annotations disagreeing with the lung segmentation are kept rather than
// silently dropped.
func UnionWeights(lung, pna []uint8) []float32 {
	w := make([]float32, len(lung))
	for ii := range w {
		if lung[ii] != 0 || pna[ii] != 0 {
			w[ii] = 1
		}
	}
	return w
}

// WeightsFnFor maps a mask variant name (Config.Mask) to its WeightsFn.
func WeightsFnFor(variant string) (WeightsFn, error) {
	switch variant {
	case MaskLung:
		return LungWeights, nil
	case MaskUniform:
		return UniformWeights, nil
	case MaskUnion:
		return UnionWeights, nil
	}
	return nil, errors.Errorf("unknown mask variant %q", variant)
}

// MaskBuilder returns a dataset transformation (see data.Map) that replaces the raw
// lung segmentation in the labels with the weight plane of the given variant.
//
// It expects unbatched examples as yielded by NewStratifiedDataset and
// NewSequentialDataset: labels [pneumonia, lung, class]. It returns labels
// [pneumonia, weights, class], the layout consumed by the losses and metrics of this
// package, where the weight plane follows its target with the same spatial shape.
//
// The transformation is injected into the input pipeline, so switching variants is a
// configuration change; the datasets themselves never hardcode a masking policy.
func MaskBuilder(variant string) (data.MapExampleFn, error) {
	weightsFn, err := WeightsFnFor(variant)
	if err != nil {
		return nil, err
	}
	mapFn := func(inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, []*tensors.Tensor) {
		if len(labels) != 3 {
			exceptions.Panicf("MaskBuilder expects labels [pneumonia, lung, class], got %d tensors", len(labels))
		}
		var weights []float32
		tensors.MustConstFlatData(labels[0], func(pna []uint8) {
			tensors.MustConstFlatData(labels[1], func(lung []uint8) {
				weights = weightsFn(lung, pna)
			})
		})
		msk := tensors.FromFlatDataAndDimensions(weights, labels[1].Shape().Dimensions...)
		return inputs, []*tensors.Tensor{labels[0], msk, labels[2]}
	}
	return mapFn, nil
}
