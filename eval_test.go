package pneumonia

import (
	"os"
	"path"
	"testing"

	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestExampleDiceGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The model predicts positive everywhere, the truth covers exactly the masked-in
	// region. Out-of-mask predictions are discarded before scoring, so both Dice and
	// sensitivity are exactly 1.
	got, err := ExecOnceN(backend, func(g *Graph) (dice, sens *Node) {
		logits := logitsFor(g, [][]float32{{1, 1, 1, 1}})
		truth := Reshape(Const(g, []uint8{0, 1, 1, 0}), 1, 1, 1, 4)
		weights := Reshape(Const(g, []float32{0, 1, 1, 0}), 1, 1, 1, 4)
		return exampleDiceGraph(logits, truth, weights)
	})
	require.NoError(t, err)
	require.InDelta(t, 1.0, float64(got[0].Value().(float32)), deltaForTests)
	require.InDelta(t, 1.0, float64(got[1].Value().(float32)), deltaForTests)

	// Partial overlap inside the mask: prediction {1,1}, truth {1,0} in-mask.
	// Dice = 2*1/(2+1) = 2/3, sensitivity = 1/1 = 1.
	got, err = ExecOnceN(backend, func(g *Graph) (dice, sens *Node) {
		logits := logitsFor(g, [][]float32{{1, 1, 1, 0}})
		truth := Reshape(Const(g, []uint8{1, 0, 1, 1}), 1, 1, 1, 4)
		weights := Reshape(Const(g, []float32{1, 1, 0, 0}), 1, 1, 1, 4)
		return exampleDiceGraph(logits, truth, weights)
	})
	require.NoError(t, err)
	require.InDelta(t, 2.0/3.0, float64(got[0].Value().(float32)), deltaForTests)
	require.InDelta(t, 1.0, float64(got[1].Value().(float32)), deltaForTests)
}

func TestExampleAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got, err := ExecOnce(backend, func(g *Graph) *Node {
		clsLogits := Const(g, [][]float32{{-1, 1}})
		class := Const(g, []int32{1})
		return exampleAccuracyGraph(clsLogits, class)
	})
	require.NoError(t, err)
	require.Equal(t, float32(1), got.Value().(float32))

	got, err = ExecOnce(backend, func(g *Graph) *Node {
		clsLogits := Const(g, [][]float32{{2, -2}})
		class := Const(g, []int32{1})
		return exampleAccuracyGraph(clsLogits, class)
	})
	require.NoError(t, err)
	require.Equal(t, float32(0), got.Value().(float32))
}

func TestEvaluate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model evaluation in short mode")
	}
	backend := graphtest.BuildTestBackend()
	split := newTestSplit("valid", testCohorts)
	config := DefaultConfig()
	ctx := CreateDefaultContext()

	// Initialize the model variables with one forward pass, standing in for training.
	initExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, volume *Node) *Node {
		return DualModelGraph(ctx, nil, []*Node{volume})[0]
	})
	_, err := initExec.Exec(testVolumeBatch(1))
	require.NoError(t, err)

	table, err := Evaluate(backend, ctx, split, config)
	require.NoError(t, err)
	require.Equal(t, split.NumExamples, table.Nrow())
	require.Equal(t, []string{ColID, ColCohort, ColDice, ColSensitivity, ColAccuracy}, table.Names())

	// Deterministic, order-preserving iteration: ids come back in file order.
	ids := table.Col(ColID).Records()
	require.Equal(t, split.IDs, ids)

	// Scores are valid fractions.
	for _, col := range []string{ColDice, ColSensitivity, ColAccuracy} {
		for _, v := range table.Col(col).Float() {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}

	csvPath := path.Join(t.TempDir(), "eval.csv")
	require.NoError(t, WriteEvalCSV(table, csvPath))
	contents, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), ColSensitivity)
}
