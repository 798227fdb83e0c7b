package pneumonia

import (
	"github.com/gomlx/exceptions"
	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// spatialAxes of an unbatched-axis volume node shaped [batch, depth, height, width].
var spatialAxes = []int{1, 2, 3}

// ZeroMasked zeroes x wherever the weight plane is zero: values outside the region of
// interest are discarded before any scoring. Idempotent, so it is safe to apply both
// during metric computation and on already-filtered predictions.
func ZeroMasked(x, weights *Node) *Node {
	return Where(GreaterThan(weights, ZerosLike(weights)), x, ZerosLike(x))
}

// maskedBinaryPlanes converts segmentation logits and ground truth to hard binary
// planes, with voxels outside the weight plane zeroed in both. Voxels with weight 0
// therefore never count as prediction or as truth, in numerator or denominator of any
// ratio computed from the returned planes.
//
// Returns float32 planes shaped like weights ([batch, depth, height, width]).
func maskedBinaryPlanes(segLogits, truth, weights *Node) (predPlane, truthPlane *Node) {
	pred := ArgMax(segLogits, -1, dtypes.Int32)
	predPlane = ZeroMasked(ConvertDType(Equal(pred, OnesLike(pred)), dtypes.Float32), weights)
	truthBool := GreaterThan(ConvertDType(truth, dtypes.Float32), ScalarZero(truth.Graph(), dtypes.Float32))
	truthPlane = ZeroMasked(ConvertDType(truthBool, dtypes.Float32), weights)
	return
}

// maskedDiceGraph returns the batch-mean Dice coefficient of the hard segmentation
// prediction, restricted to the weight plane: 2|P∩T| / (|P|+|T|). Examples where both
// prediction and truth are empty inside the mask score 1.
func maskedDiceGraph(_ *context.Context, labels, predictions []*Node) *Node {
	predPlane, truthPlane := maskedBinaryPlanes(predictions[0], labels[0], labels[1])
	intersection := ReduceSum(Mul(predPlane, truthPlane), spatialAxes...)
	denominator := Add(ReduceSum(predPlane, spatialAxes...), ReduceSum(truthPlane, spatialAxes...))
	dice := Where(
		GreaterThan(denominator, ZerosLike(denominator)),
		Div(MulScalar(intersection, 2), denominator),
		OnesLike(denominator))
	return ReduceAllMean(dice)
}

// maskedSensitivityGraph returns the batch-mean sensitivity (recall) of the hard
// segmentation prediction inside the weight plane: TP / (TP+FN). Examples with no
// positive truth voxels inside the mask score 1.
func maskedSensitivityGraph(_ *context.Context, labels, predictions []*Node) *Node {
	predPlane, truthPlane := maskedBinaryPlanes(predictions[0], labels[0], labels[1])
	truePositives := ReduceSum(Mul(predPlane, truthPlane), spatialAxes...)
	positives := ReduceSum(truthPlane, spatialAxes...)
	sensitivity := Where(
		GreaterThan(positives, ZerosLike(positives)),
		Div(truePositives, positives),
		OnesLike(positives))
	return ReduceAllMean(sensitivity)
}

// NewMaskedDiceMetric returns the masked Dice metric of the segmentation head, assumed
// to be predictions[0].
func NewMaskedDiceMetric() metrics.Interface {
	return metrics.NewMeanMetric("Masked Dice", "#dice", metrics.AccuracyMetricType,
		maskedDiceGraph, nil)
}

// NewMaskedSensitivityMetric returns the masked sensitivity metric of the segmentation
// head, assumed to be predictions[0].
func NewMaskedSensitivityMetric() metrics.Interface {
	return metrics.NewMeanMetric("Masked Sensitivity", "#sens", metrics.AccuracyMetricType,
		maskedSensitivityGraph, nil)
}

// classAccuracyGraph adapts the labels layout of this package ([pneumonia, weights,
// class]) to the stock sparse categorical accuracy. headIdx is the index of the
// classification head in the predictions slice.
func classAccuracyGraph(headIdx int) metrics.BaseMetricGraph {
	return func(ctx *context.Context, labels, predictions []*Node) *Node {
		class := InsertAxes(labels[2], -1)
		return metrics.SparseCategoricalAccuracyGraph(ctx, []*Node{class}, predictions[headIdx:headIdx+1])
	}
}

// NewClassAccuracyMetric returns the accuracy of the classification head. headIdx is
// its index in the predictions slice: 0 for the classification-only model, 1 for the
// dual-task model.
func NewClassAccuracyMetric(headIdx int) metrics.Interface {
	return metrics.NewMeanMetric("Classification Accuracy", "#acc", metrics.AccuracyMetricType,
		classAccuracyGraph(headIdx), nil)
}

// EvalMetricsForModel returns the metrics reported during evaluation for the model
// selected by the ParamModel hyperparameter.
func EvalMetricsForModel(ctx *context.Context) []metrics.Interface {
	switch model := context.GetParamOr(ctx, ParamModel, ModelDual); model {
	case ModelSegmentation:
		return []metrics.Interface{NewMaskedDiceMetric(), NewMaskedSensitivityMetric()}
	case ModelClassification:
		return []metrics.Interface{NewClassAccuracyMetric(0)}
	case ModelDual:
		return []metrics.Interface{
			NewMaskedDiceMetric(), NewMaskedSensitivityMetric(), NewClassAccuracyMetric(1)}
	default:
		exceptions.Panicf("unknown value %q for hyperparameter %q", model, ParamModel)
	}
	return nil
}
