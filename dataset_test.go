package pneumonia

import (
	"fmt"
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// newTestSplit builds a small in-memory split with deterministic synthetic content.
// Example i has volume[0] == i, so yielded examples can be traced back. The lung
// segmentation covers the central quarter of every radiograph, and positive examples
// carry a small pneumonia square inside it.
func newTestSplit(name string, cohorts []Cohort) *Split {
	s := &Split{Name: name, NumExamples: len(cohorts), Cohorts: cohorts}
	for i, cohort := range cohorts {
		s.IDs = append(s.IDs, fmt.Sprintf("%s-%03d", name, i))
		volume := make([]uint8, VolumeVoxels)
		volume[0] = uint8(i)
		lung := make([]uint8, VolumeVoxels)
		pna := make([]uint8, VolumeVoxels)
		for y := 16; y < 48; y++ {
			for x := 16; x < 48; x++ {
				lung[y*VolumeWidth+x] = 1
			}
		}
		if cohort == CohortPositive {
			for y := 24; y < 32; y++ {
				for x := 24; x < 32; x++ {
					pna[y*VolumeWidth+x] = 1
				}
			}
		}
		s.volumes = append(s.volumes, volume...)
		s.lungs = append(s.lungs, lung...)
		s.pna = append(s.pna, pna...)
		s.perCohort[cohort] = append(s.perCohort[cohort], int32(i))
	}
	return s
}

// testCohorts is unbalanced on purpose: 6 negative, 3 positive, 1 indeterminate.
var testCohorts = []Cohort{
	CohortNegative, CohortNegative, CohortPositive, CohortNegative, CohortIndeterminate,
	CohortNegative, CohortPositive, CohortNegative, CohortPositive, CohortNegative,
}

func TestSequentialDataset(t *testing.T) {
	split := newTestSplit("valid", testCohorts)
	ds := NewSequentialDataset(split)

	for pass := 0; pass < 2; pass++ {
		for i := 0; i < split.NumExamples; i++ {
			_, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			require.Len(t, inputs, 1)
			require.Len(t, labels, 3)
			require.NoError(t, inputs[0].Shape().Check(dtypes.Uint8, VolumeDepth, VolumeHeight, VolumeWidth, VolumeChannels))
			tensors.MustConstFlatData(inputs[0], func(flat []uint8) {
				require.Equal(t, uint8(i), flat[0], "examples must come in file order")
			})
			require.Equal(t, split.Class(i), tensors.ToScalar[int32](labels[2]))
		}
		_, _, _, err := ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}

func TestStratifiedDatasetRatios(t *testing.T) {
	split := newTestSplit("train", testCohorts)
	config := DefaultConfig()
	config.Sampling = map[string]float64{"negative": 3, "positive": 1}
	ds, err := NewStratifiedDataset(split, config, 17)
	require.NoError(t, err)

	const numSamples = 8000
	counts := make([]int, NumCohorts)
	for range numSamples {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		tensors.MustConstFlatData(inputs[0], func(flat []uint8) {
			counts[split.Cohorts[flat[0]]]++
		})
	}
	require.Zero(t, counts[CohortIndeterminate], "cohort with ratio 0 must never be sampled")
	require.InDelta(t, 0.75, float64(counts[CohortNegative])/numSamples, 0.02)
	require.InDelta(t, 0.25, float64(counts[CohortPositive])/numSamples, 0.02)
}

func TestStratifiedDatasetEmptyCohort(t *testing.T) {
	split := newTestSplit("train", []Cohort{CohortNegative, CohortPositive})
	config := DefaultConfig()
	config.Sampling = map[string]float64{"negative": 1, "indeterminate": 1}
	_, err := NewStratifiedDataset(split, config, 0)
	require.ErrorContains(t, err, "no examples")
}

func TestTrainPipeline(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	split := newTestSplit("train", testCohorts)
	config := DefaultConfig()
	config.Batch.Size = 4
	ds, err := NewTrainPipeline(backend, split, config, 7)
	require.NoError(t, err)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 3)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Uint8, 4, VolumeDepth, VolumeHeight, VolumeWidth, VolumeChannels))
	require.NoError(t, labels[0].Shape().Check(dtypes.Uint8, 4, VolumeDepth, VolumeHeight, VolumeWidth))
	require.NoError(t, labels[1].Shape().Check(dtypes.Float32, 4, VolumeDepth, VolumeHeight, VolumeWidth))
	require.NoError(t, labels[2].Shape().Check(dtypes.Int32, 4))
}

func TestEvalPipeline(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	split := newTestSplit("valid", testCohorts)
	config := DefaultConfig()
	config.Batch.Size = 4
	ds, err := NewEvalPipeline(backend, split, config)
	require.NoError(t, err)

	// 10 examples, batches of 4, partial batch kept: 4+4+2.
	var total int
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		total += inputs[0].Shape().Dimensions[0]
	}
	require.Equal(t, split.NumExamples, total, "every example must appear exactly once per epoch")
}
