package pneumonia

import (
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Mask variants, the value of the `mask:` key in the YAML configuration. They select
// which weight plane the dataset attaches to each example. See masks.go.
const (
	MaskLung    = "lung"
	MaskUniform = "uniform"
	MaskUnion   = "union"
)

// Config is the data configuration of one training run, loaded from a YAML file.
// It covers what is fed to the trainer: where the data lives, batch size, the
// per-cohort sampling ratios and the mask variant. Model and optimizer
// hyperparameters live in the context instead (see CreateDefaultContext).
//
// A Config is immutable after LoadConfig/DefaultConfig: datasets and the trainer keep
// references to it, so callers must not mutate it mid-run.
type Config struct {
	Data struct {
		// URL of the dataset archive. Empty means DownloadBaseURL+ArchiveFile.
		URL string `yaml:"url"`
		// Dir is the base directory where the archive is downloaded and unpacked.
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	Batch struct {
		Size int `yaml:"size"`
	} `yaml:"batch"`

	// Sampling maps cohort name to its sampling ratio. Ratios are relative (they are
	// normalized before use), so {negative: 1, positive: 1} is a balanced stream.
	// Cohorts omitted here default to 0 and are never sampled.
	Sampling map[string]float64 `yaml:"sampling"`

	// Mask variant, one of MaskLung, MaskUniform or MaskUnion. Defaults to MaskLung.
	Mask string `yaml:"mask"`
}

// DefaultConfig returns the configuration used by the demo when no YAML file is
// given: balanced negative/positive sampling, lung masks, batch of 32.
func DefaultConfig() *Config {
	c := &Config{}
	c.Data.Dir = "~/work/pneumonia"
	c.Batch.Size = 32
	c.Sampling = map[string]float64{
		CohortNames[CohortNegative]: 1,
		CohortNames[CohortPositive]: 1,
	}
	c.Mask = MaskLung
	return c
}

// LoadConfig parses a YAML configuration file. Keys not set in the file keep their
// DefaultConfig values. The returned Config is validated.
func LoadConfig(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", filePath)
	}
	c := DefaultConfig()
	if err = yaml.Unmarshal(contents, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", filePath)
	}
	if err = c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration %q", filePath)
	}
	return c, nil
}

// Validate checks the configuration is usable: positive batch size, known cohort
// names, non-negative ratios with at least one positive, and a known mask variant.
func (c *Config) Validate() error {
	if c.Batch.Size <= 0 {
		return errors.Errorf("batch.size must be positive, got %d", c.Batch.Size)
	}
	var total float64
	for name, ratio := range c.Sampling {
		if _, err := CohortFromName(name); err != nil {
			return errors.WithMessagef(err, "in sampling ratios")
		}
		if ratio < 0 {
			return errors.Errorf("sampling.%s must be non-negative, got %g", name, ratio)
		}
		total += ratio
	}
	if total <= 0 {
		return errors.Errorf("sampling ratios sum to %g, at least one cohort must have a positive ratio", total)
	}
	switch c.Mask {
	case MaskLung, MaskUniform, MaskUnion:
	default:
		return errors.Errorf("mask must be one of %q, %q or %q, got %q", MaskLung, MaskUniform, MaskUnion, c.Mask)
	}
	return nil
}

// SamplingRatios returns the normalized per-cohort sampling ratios, indexed by Cohort.
// They sum to 1.
func (c *Config) SamplingRatios() [NumCohorts]float64 {
	var ratios [NumCohorts]float64
	var total float64
	for name, ratio := range c.Sampling {
		cohort, err := CohortFromName(name)
		if err != nil {
			continue // Validate rejects unknown names already.
		}
		ratios[cohort] = ratio
		total += ratio
	}
	if total > 0 {
		for ii := range ratios {
			ratios[ii] /= total
		}
	}
	return ratios
}

// ArchiveURL returns the configured dataset archive URL, or the default one.
func (c *Config) ArchiveURL() string {
	if c.Data.URL != "" {
		return c.Data.URL
	}
	return DownloadBaseURL + ArchiveFile
}

// Context hyperparameter keys specific to this package. The remaining keys (optimizer,
// learning rate, regularization, etc.) are the usual GoMLX ones, see
// CreateDefaultContext.
const (
	// ParamModel selects the model graph: ModelSegmentation, ModelClassification or
	// ModelDual.
	ParamModel = "model"

	// ParamSegLossWeight and ParamClsLossWeight scale the two terms of the dual-task
	// loss. Ignored by the single-task models.
	ParamSegLossWeight = "seg_loss_weight"
	ParamClsLossWeight = "cls_loss_weight"

	// ParamNumTrainSteps is the total number of training steps of the run.
	ParamNumTrainSteps = "train_steps"
)

// Model graph names, values of ParamModel.
const (
	ModelSegmentation   = "segmentation"
	ModelClassification = "classification"
	ModelDual           = "dual"
)

// CreateDefaultContext sets the default hyperparameters used by the trainer. They can
// be overridden with the `-set` flag of the demo program.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42) // Make trivial debugging runs deterministic.
	ctx.SetParams(map[string]any{
		ParamModel:         ModelDual,
		ParamNumTrainSteps: 3000,
		ParamSegLossWeight: 1.0,
		ParamClsLossWeight: 0.3,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		cosineschedule.ParamPeriodSteps: 0,

		layers.ParamNormalization: "batch",
		layers.ParamDropoutRate:   0.0,
		regularizers.ParamL2:      1e-5,
		regularizers.ParamL1:      0.0,

		activations.ParamActivation: "leaky_relu",

		plotly.ParamPlots: false,
	})
	return ctx
}
