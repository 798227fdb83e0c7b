package pneumonia

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/backends"
	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Evaluation table column names. Every table has ID and Cohort; the metric columns
// depend on the model being evaluated.
const (
	ColID          = "id"
	ColCohort      = "cohort"
	ColDice        = "dice"
	ColSensitivity = "sensitivity"
	ColAccuracy    = "accuracy"
)

// exampleDiceGraph returns the Dice and sensitivity scores of a single example: the
// hard (argmax) prediction is zeroed wherever the weight plane is zero before being
// compared to the ground truth, so predictions outside the region of interest are
// discarded, never scored.
func exampleDiceGraph(segLogits, pna, weights *Node) (dice, sens *Node) {
	predPlane, truthPlane := maskedBinaryPlanes(segLogits, pna, weights)
	intersection := ReduceAllSum(Mul(predPlane, truthPlane))
	denominator := Add(ReduceAllSum(predPlane), ReduceAllSum(truthPlane))
	dice = Where(
		GreaterThan(denominator, ZerosLike(denominator)),
		Div(MulScalar(intersection, 2), denominator),
		OnesLike(denominator))
	positives := ReduceAllSum(truthPlane)
	sens = Where(
		GreaterThan(positives, ZerosLike(positives)),
		Div(intersection, positives),
		OnesLike(positives))
	return
}

// exampleAccuracyGraph returns 1 if the hard class prediction matches the label, else
// 0. clsLogits shaped [1, NumClasses], class shaped [1].
func exampleAccuracyGraph(clsLogits, class *Node) *Node {
	predicted := ArgMax(clsLogits, -1, dtypes.Int32)
	correct := Equal(predicted, ConvertDType(class, dtypes.Int32))
	return ReduceAllSum(ConvertDType(correct, dtypes.Float32))
}

// Evaluate runs one deterministic pass over the split, one example at a time and in
// file order, scoring the model the context was trained with (or loaded from a
// checkpoint). It returns one row per example: id, cohort and the per-task scores of
// the selected model.
//
// The mask variant of the config defines the weight plane; masked-out voxels are
// excluded from scoring exactly as they were from training.
func Evaluate(backend backends.Backend, ctx *context.Context, split *Split, config *Config) (dataframe.DataFrame, error) {
	weightsFn, err := WeightsFnFor(config.Mask)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	modelName := context.GetParamOr(ctx, ParamModel, ModelDual)
	modelFn := ModelGraphFor(ctx)

	// One graph per model variant, all with the same inputs. The unused inputs of the
	// single-task variants are simply not wired into the graph.
	var exec *context.Exec
	hasSeg := modelName == ModelSegmentation || modelName == ModelDual
	hasCls := modelName == ModelClassification || modelName == ModelDual
	evalCtx := ctx.Reuse()
	switch modelName {
	case ModelSegmentation:
		exec = context.MustNewExec(backend, evalCtx,
			func(ctx *context.Context, volume, pna, weights, class *Node) (dice, sens *Node) {
				predictions := modelFn(ctx, nil, []*Node{volume})
				return exampleDiceGraph(predictions[0], pna, weights)
			})
	case ModelClassification:
		exec = context.MustNewExec(backend, evalCtx,
			func(ctx *context.Context, volume, pna, weights, class *Node) *Node {
				predictions := modelFn(ctx, nil, []*Node{volume})
				return exampleAccuracyGraph(predictions[0], class)
			})
	case ModelDual:
		exec = context.MustNewExec(backend, evalCtx,
			func(ctx *context.Context, volume, pna, weights, class *Node) (dice, sens, correct *Node) {
				predictions := modelFn(ctx, nil, []*Node{volume})
				dice, sens = exampleDiceGraph(predictions[0], pna, weights)
				correct = exampleAccuracyGraph(predictions[1], class)
				return
			})
	}

	ids := make([]string, 0, split.NumExamples)
	cohorts := make([]string, 0, split.NumExamples)
	var dices, senses, accuracies []float64
	pbar := progressbar.Default(int64(split.NumExamples), "Evaluating "+split.Name)
	for i := 0; i < split.NumExamples; i++ {
		volume := tensors.FromFlatDataAndDimensions(split.Volume(i),
			1, VolumeDepth, VolumeHeight, VolumeWidth, VolumeChannels)
		pna := tensors.FromFlatDataAndDimensions(split.Pna(i), 1, VolumeDepth, VolumeHeight, VolumeWidth)
		weights := tensors.FromFlatDataAndDimensions(weightsFn(split.Lung(i), split.Pna(i)),
			1, VolumeDepth, VolumeHeight, VolumeWidth)
		class := tensors.FromFlatDataAndDimensions([]int32{split.Class(i)}, 1)

		var outputs []*tensors.Tensor
		outputs, err = exec.Exec(volume, pna, weights, class)
		if err != nil {
			return dataframe.DataFrame{}, errors.WithMessagef(err, "evaluating example %d (%s) of split %q",
				i, split.IDs[i], split.Name)
		}
		ids = append(ids, split.IDs[i])
		cohorts = append(cohorts, split.Cohorts[i].String())
		next := 0
		if hasSeg {
			dices = append(dices, float64(tensors.ToScalar[float32](outputs[next])))
			senses = append(senses, float64(tensors.ToScalar[float32](outputs[next+1])))
			next += 2
		}
		if hasCls {
			accuracies = append(accuracies, float64(tensors.ToScalar[float32](outputs[next])))
		}
		_ = pbar.Add(1)
	}
	_ = pbar.Close()

	columns := []series.Series{
		series.New(ids, series.String, ColID),
		series.New(cohorts, series.String, ColCohort),
	}
	if hasSeg {
		columns = append(columns,
			series.New(dices, series.Float, ColDice),
			series.New(senses, series.Float, ColSensitivity))
	}
	if hasCls {
		columns = append(columns, series.New(accuracies, series.Float, ColAccuracy))
	}
	return dataframe.New(columns...), nil
}

// WriteEvalCSV saves an evaluation table (see Evaluate) as a CSV file.
func WriteEvalCSV(df dataframe.DataFrame, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create evaluation table %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write evaluation table %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close evaluation table %q", filePath)
}
