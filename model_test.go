package pneumonia

import (
	"testing"

	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func testVolumeBatch(batchSize int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Uint8,
		batchSize, VolumeDepth, VolumeHeight, VolumeWidth, VolumeChannels))
}

func TestSegmentationModelShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, volume *Node) *Node {
		return SegmentationModelGraph(ctx, nil, []*Node{volume})[0]
	})
	outputs, err := exec.Exec(testVolumeBatch(2))
	require.NoError(t, err)
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32,
		2, VolumeDepth, VolumeHeight, VolumeWidth, NumClasses))
}

func TestClassificationModelShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, volume *Node) *Node {
		return ClassificationModelGraph(ctx, nil, []*Node{volume})[0]
	})
	outputs, err := exec.Exec(testVolumeBatch(3))
	require.NoError(t, err)
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 3, NumClasses))
}

func TestDualModelShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, volume *Node) (*Node, *Node) {
		predictions := DualModelGraph(ctx, nil, []*Node{volume})
		return predictions[0], predictions[1]
	})
	outputs, err := exec.Exec(testVolumeBatch(2))
	require.NoError(t, err)
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32,
		2, VolumeDepth, VolumeHeight, VolumeWidth, NumClasses))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, NumClasses))
}

func TestModelGraphFor(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamModel: ModelDual})
	require.NotNil(t, ModelGraphFor(ctx))

	ctx.SetParams(map[string]any{ParamModel: "unet3d"})
	require.Panics(t, func() { ModelGraphFor(ctx) })
}
