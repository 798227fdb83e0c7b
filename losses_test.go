package pneumonia

import (
	"math"
	"testing"

	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

const deltaForTests = 1e-4

func TestWeightedCrossEntropyLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Four voxels with uniform logits: cross-entropy is ln(2) each, then scaled by the
	// weight. Weight 0 must zero the loss exactly.
	got, err := ExecOnce(backend, func(g *Graph) *Node {
		target := Const(g, []uint8{1, 0, 1, 0})
		weights := Const(g, []float32{1, 0.5, 0, 2})
		logits := Const(g, [][]float32{{0, 0}, {0, 0}, {0, 0}, {0, 0}})
		return weightedCrossEntropyLogits(target, weights, logits)
	})
	require.NoError(t, err)
	ln2 := float32(math.Log(2))
	require.InDeltaSlice(t, []float32{ln2, 0.5 * ln2, 0, 2 * ln2}, got.Value(), deltaForTests)
}

func TestWeightedCrossEntropyZeroGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The gradient w.r.t. logits of weight-0 voxels must be exactly zero.
	grads, err := ExecOnce(backend, func(g *Graph) *Node {
		target := Const(g, []uint8{1, 1})
		weights := Const(g, []float32{0, 1})
		logits := Const(g, [][]float32{{1.5, -0.5}, {1.5, -0.5}})
		loss := ReduceAllSum(weightedCrossEntropyLogits(target, weights, logits))
		return Gradient(loss, logits)[0]
	})
	require.NoError(t, err)
	gotGrads := grads.Value().([][]float32)
	require.Equal(t, []float32{0, 0}, gotGrads[0], "masked-out voxel must contribute no gradient")
	require.NotEqual(t, float32(0), gotGrads[1][0], "unmasked voxel must contribute gradient")
}

func TestSegmentationLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Batch of 1, a 1x1x2 volume: one voxel inside the mask, one outside.
	got, err := ExecOnce(backend, func(g *Graph) *Node {
		pna := Const(g, [][][][]uint8{{{{1, 1}}}})
		msk := Const(g, [][][][]float32{{{{1, 0}}}})
		logits := Const(g, [][][][][]float32{{{{{0, 0}, {0, 0}}}}})
		return SegmentationLoss([]*Node{pna, msk}, []*Node{logits})
	})
	require.NoError(t, err)
	ln2 := float32(math.Log(2))
	require.InDeltaSlice(t, []float32{ln2, 0}, got.Value().([][][][]float32)[0][0][0], deltaForTests)
}

func TestClassificationLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	got, err := ExecOnce(backend, func(g *Graph) *Node {
		pna := Const(g, [][][][]uint8{{{{0}}}, {{{0}}}})
		msk := Const(g, [][][][]float32{{{{1}}}, {{{1}}}})
		class := Const(g, []int32{1, 0})
		clsLogits := Const(g, [][]float32{{0, 0}, {0, 0}})
		return ClassificationLoss([]*Node{pna, msk, class}, []*Node{clsLogits})
	})
	require.NoError(t, err)
	ln2 := float32(math.Log(2))
	require.InDeltaSlice(t, []float32{ln2, ln2}, got.Value(), deltaForTests)
}

func TestDualTaskLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamSegLossWeight: 1.0,
		ParamClsLossWeight: 0.5,
	})
	lossFn := DualTaskLoss(ctx)

	got, err := ExecOnce(backend, func(g *Graph) *Node {
		pna := Const(g, [][][][]uint8{{{{1}}}})
		msk := Const(g, [][][][]float32{{{{1}}}})
		class := Const(g, []int32{0})
		segLogits := Const(g, [][][][][]float32{{{{{0, 0}}}}})
		clsLogits := Const(g, [][]float32{{0, 0}})
		return lossFn([]*Node{pna, msk, class}, []*Node{segLogits, clsLogits})
	})
	require.NoError(t, err)
	ln2 := math.Log(2)
	require.InDelta(t, ln2+0.5*ln2, float64(got.Value().(float32)), deltaForTests)
}

func TestLossForModel(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamModel: ModelSegmentation})
	require.NotNil(t, LossForModel(ctx))

	ctx.SetParams(map[string]any{ParamModel: "transformer"})
	require.Panics(t, func() { LossForModel(ctx) })
}
