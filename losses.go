package pneumonia

import (
	"github.com/gomlx/exceptions"
	graph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// weightedCrossEntropyLogits computes the per-voxel categorical cross-entropy from raw
// logits and multiplies it elementwise by weights.
//
// target is integer-valued with the class per voxel, logits has one extra trailing
// axis with NumClasses logits, and weights has target's shape. Voxels with weight 0
// contribute exactly 0 loss, and no gradient. The result has target's shape, one loss
// value per voxel, not reduced.
func weightedCrossEntropyLogits(target, weights, logits *Node) *Node {
	numClasses := logits.Shape().Dim(-1)
	oneHot := OneHot(ConvertDType(target, dtypes.Int32), numClasses, logits.DType())
	logProbs := LogSoftmax(logits) // Straight from logits, no separate softmax.
	ce := Neg(ReduceSum(Mul(oneHot, logProbs), -1))
	return Mul(ce, ConvertDType(weights, ce.DType()))
}

// SegmentationLoss is the losses.LossFn of the segmentation task: weighted per-voxel
// cross-entropy of predictions[0] (logits shaped [batch, depth, height, width,
// NumClasses]) against labels[0] (the pneumonia segmentation), weighted by labels[1].
//
// The returned loss is per-voxel; the trainer takes its mean.
func SegmentationLoss(labels, predictions []*Node) *Node {
	return weightedCrossEntropyLogits(labels[0], labels[1], predictions[0])
}

// ClassificationLoss is the losses.LossFn of the classification task: sparse
// cross-entropy of predictions[0] (logits shaped [batch, NumClasses]) against the
// class in labels[2].
func ClassificationLoss(labels, predictions []*Node) *Node {
	class := InsertAxes(labels[2], -1)
	return losses.SparseCategoricalCrossEntropyLogits([]*Node{class}, predictions[:1])
}

// DualTaskLoss returns the losses.LossFn of the dual-task model: the weighted sum of
// the segmentation and classification losses, with weights taken from the
// ParamSegLossWeight and ParamClsLossWeight hyperparameters.
//
// The shared encoder receives gradients from both tasks, the classification head
// acting as a regularizer of the segmentation (and vice versa) on small cohorts.
func DualTaskLoss(ctx *context.Context) losses.LossFn {
	segWeight := context.GetParamOr(ctx, ParamSegLossWeight, 1.0)
	clsWeight := context.GetParamOr(ctx, ParamClsLossWeight, 1.0)
	return func(labels, predictions []*Node) *Node {
		segLoss := ReduceAllMean(SegmentationLoss(labels, predictions[:1]))
		clsLoss := ReduceAllMean(ClassificationLoss(labels, predictions[1:]))
		return Add(
			MulScalar(segLoss, segWeight),
			MulScalar(clsLoss, clsWeight))
	}
}

// LossForModel returns the loss function for the model selected by the ParamModel
// hyperparameter.
func LossForModel(ctx *context.Context) losses.LossFn {
	switch model := context.GetParamOr(ctx, ParamModel, ModelDual); model {
	case ModelSegmentation:
		return SegmentationLoss
	case ModelClassification:
		return ClassificationLoss
	case ModelDual:
		return DualTaskLoss(ctx)
	default:
		exceptions.Panicf("unknown value %q for hyperparameter %q", model, ParamModel)
	}
	return nil
}
