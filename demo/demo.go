// Pneumonia trainer demo: trains the segmentation, classification or dual-task model
// on the chest-radiograph cohort, and optionally writes the per-example evaluation
// table of the held-out split.
//
// The data side (batch size, sampling ratios per cohort, mask variant) comes from a
// YAML configuration (-config); model and optimizer hyperparameters from -set, e.g.:
//
//	demo -config balanced.yaml -checkpoint dual -set "model=dual;train_steps=5000"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/pneumonia"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig  = flag.String("config", "", "YAML data configuration file. Empty uses built-in defaults: balanced negative/positive sampling with lung masks.")
	flagDataDir = flag.String("data", "", "Directory to cache the downloaded dataset. Overrides data.dir of the configuration.")
	flagEval    = flag.Bool("eval", true, "Whether to report the aggregate metrics on both splits at the end of training.")
	flagEvalCSV = flag.String("eval_csv", "", "Write the per-example evaluation table of the validation split to this CSV file.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := pneumonia.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	config := pneumonia.DefaultConfig()
	if *flagConfig != "" {
		config = must.M1(pneumonia.LoadConfig(*flagConfig))
	}
	if *flagDataDir != "" {
		config.Data.Dir = *flagDataDir
	}

	err := exceptions.TryCatch[error](func() {
		pneumonia.TrainModel(ctx, config, *flagCheckpoint, *flagEval, paramsSet)
		if *flagEvalCSV != "" {
			backend := backends.MustNew()
			validSplit := must.M1(pneumonia.LoadSplit(config.Data.Dir, "valid"))
			table := must.M1(pneumonia.Evaluate(backend, ctx, validSplit, config))
			must.M(pneumonia.WriteEvalCSV(table, *flagEvalCSV))
			fmt.Printf("Evaluation table (%d rows) written to %s\n", table.Nrow(), *flagEvalCSV)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
