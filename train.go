package pneumonia

import (
	"fmt"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// TrainModel trains the model selected by the ParamModel hyperparameter on the
// training split, evaluating on the held-out split at the end.
//
// config drives the data side (download location, batch size, sampling ratios and mask
// variant); the context hyperparameters drive the model and optimizer side. If
// checkpointPath is not empty, training is resumable: the context is loaded from the
// checkpoint if one exists, and saved periodically. paramsSet lists hyperparameters
// overridden on the command line, which are preserved over the checkpoint-loaded
// values.
func TrainModel(ctx *context.Context, config *Config, checkpointPath string, runEval bool, paramsSet []string) {
	dataDir := fsutil.MustReplaceTildeInDir(config.Data.Dir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Checkpoint: it loads if already exists, and it will save as we train.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			ExcludeParams(append(paramsSet,
				ParamNumTrainSteps,
				"num_checkpoints",
				"nan_logger",
				plotly.ParamPlots)...).
			Keep(numCheckpoints).Done())
	}

	// Download and load the splits, assemble the input pipelines.
	must.M(Download(dataDir))
	trainSplit := must.M1(LoadSplit(dataDir, "train"))
	validSplit := must.M1(LoadSplit(dataDir, "valid"))

	backend := backends.MustNew()
	seed := uint64(context.GetParamOr(ctx, "sampling_seed", 42))
	trainDS := must.M1(NewTrainPipeline(backend, trainSplit, config, seed))
	trainEvalDS := must.M1(NewEvalPipeline(backend, trainSplit, config))
	validEvalDS := must.M1(NewEvalPipeline(backend, validSplit, config))

	modelName := context.GetParamOr(ctx, ParamModel, ModelDual)
	fmt.Printf("Model: %q, mask: %q\n", modelName, config.Mask)
	modelFn := ModelGraphFor(ctx)
	lossFn := LossForModel(ctx)

	// The trainer orchestrates running the model, feeding results to the optimizer and
	// evaluating the metrics (all happens in trainer.TrainStep).
	trainer := train.NewTrainer(backend, ctx, modelFn,
		lossFn,
		optimizers.FromContext(ctx),
		EvalMetricsForModel(ctx), // trainMetrics
		EvalMetricsForModel(ctx)) // evalMetrics

	// Debugging.
	if context.GetParamOr(ctx, "nan_logger", false) {
		nanlogger.New().AttachToTrainer(trainer)
	}

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	// Checkpoint every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps. The points are saved
	// along the checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validEvalDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Loop for the given number of steps, resuming from the checkpointed global step.
	numTrainSteps := context.GetParamOr(ctx, ParamNumTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		if must.M1(batchnorm.UpdateAverages(trainer, trainEvalDS)) {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	} else {
		klog.Warningf("target %s=%d already reached (global_step=%d), nothing to train",
			ParamNumTrainSteps, numTrainSteps, globalStep)
	}
	fmt.Printf("Training done (global_step=%d).\n", optimizers.GetGlobalStep(ctx))

	// Final checkpoint with the trained weights.
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	// Report the aggregate metrics on both splits.
	if runEval {
		fmt.Println()
		must.M(commandline.ReportEval(trainer, trainEvalDS, validEvalDS))
		fmt.Println()
	}
}
