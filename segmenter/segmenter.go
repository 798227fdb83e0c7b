// Package segmenter serves a trained pneumonia model for inference: it loads a
// checkpoint saved during training and offers Segment and Classify methods over raw
// 1x64x64 radiograph volumes.
//
// No weight plane is involved here: masking is a training and scoring concern, the
// served model predicts over the full volume.
//
// This is an example of how to serve a model without recompiling or retraining: all
// hyperparameters, including which model graph to build, are read back from the
// checkpoint.
package segmenter

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/pneumonia"
)

// Segmenter holds the compiled model. It uses XLA with GPU if available or CPU by
// default; the backend can be configured with GOMLX_BACKEND.
type Segmenter struct {
	backend backends.Backend

	// ctx with the model's weights, loaded from the checkpoint.
	ctx *context.Context

	// model name, the checkpointed value of the "model" hyperparameter.
	model string

	segExec, clsExec *context.Exec
}

// New loads the model saved at checkpointDir and compiles it for inference. The
// checkpoint carries the hyperparameters, so the exact model trained is rebuilt.
func New(checkpointDir string) (*Segmenter, error) {
	s := &Segmenter{
		backend: backends.MustNew(),
		ctx:     context.New(),
	}
	_, err := checkpoints.Load(s.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load pneumonia model from %q", checkpointDir)
	}
	// Reuse variables: creating a new one is now an error, for extra sanity checking.
	s.ctx = s.ctx.Reuse()

	s.model = context.GetParamOr(s.ctx, pneumonia.ParamModel, "")
	modelFn, found := pneumonia.ModelGraphs[s.model]
	if !found {
		return nil, errors.Errorf("checkpoint %q has unknown model %q", checkpointDir, s.model)
	}

	if s.model == pneumonia.ModelSegmentation || s.model == pneumonia.ModelDual {
		s.segExec, err = context.NewExec(s.backend, s.ctx,
			func(ctx *context.Context, volume *Node) *Node {
				volume = ExpandAxes(volume, 0) // Batch dimension of size 1.
				logits := modelFn(ctx, nil, []*Node{volume})[0]
				pred := ArgMax(logits, -1, dtypes.Uint8)
				return Squeeze(pred, 0)
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to compile segmentation head of %q", checkpointDir)
		}
	}
	if s.model == pneumonia.ModelClassification || s.model == pneumonia.ModelDual {
		headIdx := 0
		if s.model == pneumonia.ModelDual {
			headIdx = 1
		}
		s.clsExec, err = context.NewExec(s.backend, s.ctx,
			func(ctx *context.Context, volume *Node) *Node {
				volume = ExpandAxes(volume, 0)
				logits := modelFn(ctx, nil, []*Node{volume})[headIdx]
				choice := ArgMax(logits, -1, dtypes.Int32)
				return Reshape(choice) // Scalar.
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to compile classification head of %q", checkpointDir)
		}
	}
	return s, nil
}

// Model returns the name of the loaded model variant.
func (s *Segmenter) Model() string { return s.model }

// volumeTensor validates and wraps raw voxels as the model input.
func volumeTensor(volume []uint8) (*tensors.Tensor, error) {
	if len(volume) != pneumonia.VolumeVoxels {
		return nil, errors.Errorf("volume has %d voxels, the model expects %d (%dx%dx%d)",
			len(volume), pneumonia.VolumeVoxels,
			pneumonia.VolumeDepth, pneumonia.VolumeHeight, pneumonia.VolumeWidth)
	}
	return tensors.FromFlatDataAndDimensions(volume,
		pneumonia.VolumeDepth, pneumonia.VolumeHeight, pneumonia.VolumeWidth, pneumonia.VolumeChannels), nil
}

// Segment returns the per-voxel hard prediction (0 or 1, flattened depth x height x
// width) of the pneumonia segmentation head. The volume is the raw uint8 voxels of one
// example. It fails if the loaded model has no segmentation head.
func (s *Segmenter) Segment(volume []uint8) ([]uint8, error) {
	if s.segExec == nil {
		return nil, errors.Errorf("model %q has no segmentation head", s.model)
	}
	input, err := volumeTensor(volume)
	if err != nil {
		return nil, err
	}
	outputs, err := s.segExec.Exec(input)
	if err != nil {
		return nil, err
	}
	prediction := make([]uint8, pneumonia.VolumeVoxels)
	tensors.MustConstFlatData(outputs[0], func(flat []uint8) {
		copy(prediction, flat)
	})
	return prediction, nil
}

// SegmentMasked is Segment with the prediction zeroed wherever the mask is zero, the
// same filtering evaluation applies before scoring. Callers that know the lung
// segmentation (or another region of interest) of the volume can use it to discard
// predictions outside of it.
func (s *Segmenter) SegmentMasked(volume, mask []uint8) ([]uint8, error) {
	if len(mask) != pneumonia.VolumeVoxels {
		return nil, errors.Errorf("mask has %d voxels, the model expects %d",
			len(mask), pneumonia.VolumeVoxels)
	}
	prediction, err := s.Segment(volume)
	if err != nil {
		return nil, err
	}
	for i, m := range mask {
		if m == 0 {
			prediction[i] = 0
		}
	}
	return prediction, nil
}

// Classify returns the predicted class of the volume: 1 for pneumonia-positive, 0
// otherwise. It fails if the loaded model has no classification head.
func (s *Segmenter) Classify(volume []uint8) (int32, error) {
	if s.clsExec == nil {
		return 0, errors.Errorf("model %q has no classification head", s.model)
	}
	input, err := volumeTensor(volume)
	if err != nil {
		return 0, err
	}
	outputs, err := s.clsExec.Exec(input)
	if err != nil {
		return 0, err
	}
	return tensors.ToScalar[int32](outputs[0]), nil
}
