package pneumonia

import (
	"slices"

	"github.com/gomlx/exceptions"
	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"golang.org/x/exp/maps"
)

// EncoderChannels per encoder block. Each block halves height and width, so with
// 64x64 inputs the deepest feature map is 1x1 with 80 channels. The parameter count is
// deliberately small: the cohorts these models train on have a few thousand examples.
var EncoderChannels = []int{8, 16, 32, 48, 64, 80}

// normalizeVolume converts the raw uint8 voxel intensities to float32 in [0, 1].
func normalizeVolume(x *Node) *Node {
	return MulScalar(ConvertDType(x, dtypes.Float32), 1.0/255.0)
}

// normalization of intermediate features, selected by layers.ParamNormalization:
// "batch", "layer" or "none".
func normalization(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "batch")
	switch norm {
	case "batch":
		return batchnorm.New(ctx.In("norm"), x, -1).Done()
	case "layer":
		return layers.LayerNormalization(ctx.In("norm"), x, -1).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid %q selected %q, valid values are batch, layer, none", layers.ParamNormalization, norm)
	return nil
}

// convBlock is one encoder stage: a stride-1 3x3 convolution followed by a stride-2
// (downsampling) one, each normalized and passed through the configured activation
// (leaky ReLU by default). The first axis of the kernel/stride is the volume depth,
// left untouched.
//
// It returns the downsampled features and the pre-downsampling ones, the latter used
// as skip connection by the decoder.
func convBlock(ctx *context.Context, x *Node, channels int) (down, skip *Node) {
	skip = layers.Convolution(ctx.In("conv"), x).
		Channels(channels).KernelSizePerAxis(1, 3, 3).PadSame().Done()
	skip = normalization(ctx.In("conv"), skip)
	skip = activations.ApplyFromContext(ctx, skip)

	down = layers.Convolution(ctx.In("down"), skip).
		Channels(channels).KernelSizePerAxis(1, 3, 3).StridePerAxis(1, 2, 2).PadSame().Done()
	down = normalization(ctx.In("down"), down)
	down = activations.ApplyFromContext(ctx, down)
	down = layers.DropoutFromContext(ctx, down)
	return
}

// encoderGraph builds the shared encoder over the normalized input volume, shaped
// [batch, depth, height, width, channels]. It returns the deepest feature map and the
// per-block skip connections, shallowest first.
func encoderGraph(ctx *context.Context, volume *Node) (deepest *Node, skips []*Node) {
	x := normalizeVolume(volume)
	skips = make([]*Node, 0, len(EncoderChannels))
	for blockIdx, channels := range EncoderChannels {
		blockCtx := ctx.Inf("%03d-encoder", blockIdx)
		var skip *Node
		x, skip = convBlock(blockCtx, x, channels)
		skips = append(skips, skip)
	}
	return x, skips
}

// upSample2D doubles the height and width of the feature map with nearest-neighbor
// interpolation, keeping depth and channels.
func upSample2D(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Interpolate(x, NoInterpolation, dims[1], 2*dims[2], 2*dims[3], NoInterpolation).
		Nearest().Done()
}

// decoderGraph mirrors the encoder: each block upsamples 2x, convolves down to the
// channels of the matching encoder stage and adds its skip connection. There is no
// transposed convolution; upsample-then-convolve gives the same receptive field
// without the checkerboard artifacts.
//
// It ends with a 1x1x1 convolution producing the per-voxel class logits, shaped
// [batch, depth, height, width, NumClasses].
func decoderGraph(ctx *context.Context, deepest *Node, skips []*Node) *Node {
	x := deepest
	for blockIdx := len(skips) - 1; blockIdx >= 0; blockIdx-- {
		blockCtx := ctx.Inf("%03d-decoder", blockIdx)
		x = upSample2D(x)
		x = layers.Convolution(blockCtx.In("conv"), x).
			Channels(EncoderChannels[blockIdx]).KernelSizePerAxis(1, 3, 3).PadSame().Done()
		x = Add(x, skips[blockIdx])
		x = normalization(blockCtx, x)
		x = activations.ApplyFromContext(blockCtx, x)
		x = layers.DropoutFromContext(blockCtx, x)
	}
	return layers.Convolution(ctx.In("logits"), x).
		Channels(NumClasses).KernelSizePerAxis(1, 1, 1).Done()
}

// classifierHead flattens the deepest encoder feature map and projects it to the two
// class logits with a single linear layer. No hidden dense layers: the head adds only
// numFeatures*NumClasses parameters.
func classifierHead(ctx *context.Context, deepest *Node) *Node {
	ctx = ctx.In("class_head")
	batchSize := deepest.Shape().Dimensions[0]
	flat := Reshape(deepest, batchSize, -1)
	flat = layers.DropoutFromContext(ctx, flat)
	return layers.Dense(ctx, flat, true, NumClasses)
}

// SegmentationModelGraph is the train.ModelFn of the segmentation-only model. Returns
// [segmentation logits].
func SegmentationModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	deepest, skips := encoderGraph(ctx, inputs[0])
	return []*Node{decoderGraph(ctx, deepest, skips)}
}

// ClassificationModelGraph is the train.ModelFn of the classification-only model.
// Returns [class logits].
func ClassificationModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	deepest, _ := encoderGraph(ctx, inputs[0])
	return []*Node{classifierHead(ctx, deepest)}
}

// DualModelGraph is the train.ModelFn of the dual-task model: both heads on the shared
// encoder. Returns [segmentation logits, class logits].
func DualModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	deepest, skips := encoderGraph(ctx, inputs[0])
	return []*Node{
		decoderGraph(ctx, deepest, skips),
		classifierHead(ctx, deepest),
	}
}

// ModelGraphs by model name, the valid values of the ParamModel hyperparameter.
var ModelGraphs = map[string]train.ModelFn{
	ModelSegmentation:   SegmentationModelGraph,
	ModelClassification: ClassificationModelGraph,
	ModelDual:           DualModelGraph,
}

// ModelGraphFor returns the train.ModelFn selected by the ParamModel hyperparameter.
func ModelGraphFor(ctx *context.Context) train.ModelFn {
	model := context.GetParamOr(ctx, ParamModel, ModelDual)
	modelFn, found := ModelGraphs[model]
	if !found {
		valid := maps.Keys(ModelGraphs)
		slices.Sort(valid)
		exceptions.Panicf("unknown value %q for hyperparameter %q, valid values are %v",
			model, ParamModel, valid)
	}
	return modelFn
}
