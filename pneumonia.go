// Package pneumonia implements training and evaluation of pneumonia detection and
// segmentation models on chest radiographs, using GoMLX.
//
// The dataset is a downsampled chest X-ray cohort: each example is a 1x64x64 volume
// (2D slices stored as single-slice 3D, so the same models extend to CT volumes),
// along with a lung segmentation, a pneumonia segmentation and a cohort label
// (negative / positive / indeterminate).
//
// The packages it provides:
//   - Stratified (per-cohort) sampling and deterministic evaluation datasets.
//   - Per-example mask/weight builders that drive the weighted losses and metrics.
//   - Encoder-decoder (segmentation), encoder-only (classification) and dual-task
//     model builders.
//   - A training driver (TrainModel) and a per-example evaluation table (Evaluate).
//
// The subdirectory `demo/` has the command-line binary used for training, and
// `segmenter/` a small inference-only API that loads a trained checkpoint.
package pneumonia

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/pneumonia/downloader"
	"github.com/pkg/errors"
)

const (
	// DownloadBaseURL is where the packaged dataset archive is hosted.
	DownloadBaseURL = "https://storage.googleapis.com/gomlx-datasets/cxr-pneumonia/"

	// ArchiveFile is the dataset archive, holding one directory (ArchiveDir) with the
	// per-split volume, segmentation and label files.
	ArchiveFile = "cxr_pneumonia_64.tar.gz"

	// ArchiveDir is the directory the archive unpacks to, under the data directory.
	ArchiveDir = "cxr_pneumonia_64"

	// ArchiveChecksum of ArchiveFile. Empty disables validation.
	ArchiveChecksum = "b56e3f8a3c1e0f4f3f4f9a7e2d9257c0a9f3a2b8a1c646dfd0b7a8a9c2f4e6d1"
)

// Volume dimensions: depth x height x width x channels. The course cohort is 2D
// radiographs stored as single-slice 3D volumes.
const (
	VolumeDepth    = 1
	VolumeHeight   = 64
	VolumeWidth    = 64
	VolumeChannels = 1

	// VolumeVoxels is the number of voxels (hence bytes) per stored array.
	VolumeVoxels = VolumeDepth * VolumeHeight * VolumeWidth

	// NumClasses for both the per-voxel segmentation head and the classification
	// head: 0 is background/negative, 1 is pneumonia/positive.
	NumClasses = 2
)

// Magic numbers of the binary files in the archive.
const (
	volumeFileMagic       uint32 = 0x43585256 // "CXRV"
	segmentationFileMagic uint32 = 0x43585253 // "CXRS"
)

// Cohort is the categorical label used to drive stratified sampling.
type Cohort int32

const (
	CohortNegative Cohort = iota
	CohortPositive
	CohortIndeterminate

	// NumCohorts is the number of valid cohorts.
	NumCohorts
)

// CohortNames by Cohort value. These are also the keys accepted under `sampling:` in
// the YAML data configuration.
var CohortNames = []string{"negative", "positive", "indeterminate"}

// String implements fmt.Stringer.
func (c Cohort) String() string {
	if c < 0 || c >= NumCohorts {
		return fmt.Sprintf("Cohort(%d)", int32(c))
	}
	return CohortNames[c]
}

// CohortFromName converts a cohort name (as used in the labels CSV and in the YAML
// configuration) to its Cohort value.
func CohortFromName(name string) (Cohort, error) {
	for ii, cohortName := range CohortNames {
		if name == cohortName {
			return Cohort(ii), nil
		}
	}
	return 0, errors.Errorf("unknown cohort %q, valid values are %v", name, CohortNames)
}

// Class returns the classification target of the cohort: 1 for positive-infection,
// 0 otherwise. The indeterminate cohort is normally excluded from training by its
// sampling ratio, but if sampled it counts as negative.
func (c Cohort) Class() int32 {
	if c == CohortPositive {
		return 1
	}
	return 0
}

// Download the dataset archive to baseDir, and unpack it, if not done already.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create data directory %q", baseDir)
	}
	url := DownloadBaseURL + ArchiveFile
	return downloader.DownloadAndUntarIfMissing(url, baseDir, ArchiveFile, ArchiveDir, ArchiveChecksum)
}

// Split holds one fully loaded dataset split ("train" or "valid"): the radiograph
// volumes, lung and pneumonia segmentations, cohort labels and example ids, plus the
// per-cohort index needed for stratified sampling.
//
// The voxel arrays are stored flattened, VolumeVoxels bytes per example; the accessors
// return sub-slice views, so a Split is cheap to share and must be treated as
// read-only.
type Split struct {
	Name        string
	NumExamples int

	// IDs and Cohorts, one per example, in file order.
	IDs     []string
	Cohorts []Cohort

	volumes []uint8 // Grayscale intensities, 0 to 255.
	lungs   []uint8 // Binary lung segmentation, 0 or 1.
	pna     []uint8 // Binary pneumonia segmentation, 0 or 1.

	perCohort [NumCohorts][]int32
}

// LoadSplit parses one split ("train" or "valid") from the unpacked archive under
// baseDir. Download must have completed first.
func LoadSplit(baseDir, name string) (*Split, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	dir := path.Join(baseDir, ArchiveDir)
	s := &Split{Name: name}

	var err error
	s.volumes, err = parseVoxelFile(path.Join(dir, name+"-volumes.bin.gz"), volumeFileMagic)
	if err != nil {
		return nil, err
	}
	s.lungs, err = parseVoxelFile(path.Join(dir, name+"-lungs.bin.gz"), segmentationFileMagic)
	if err != nil {
		return nil, err
	}
	s.pna, err = parseVoxelFile(path.Join(dir, name+"-pna.bin.gz"), segmentationFileMagic)
	if err != nil {
		return nil, err
	}

	labelsFile := path.Join(dir, name+"-labels.csv.gz")
	err = downloader.ParseGzipCSVFile(labelsFile, func(row []string) error {
		if len(row) != 2 {
			return errors.Errorf("expected rows formatted as `id,cohort`, got %d cells", len(row))
		}
		if row[0] == "id" {
			return nil // Header row.
		}
		cohort, err := CohortFromName(row[1])
		if err != nil {
			return err
		}
		s.IDs = append(s.IDs, row[0])
		s.Cohorts = append(s.Cohorts, cohort)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.NumExamples = len(s.IDs)
	for _, voxels := range [][]uint8{s.volumes, s.lungs, s.pna} {
		if len(voxels) != s.NumExamples*VolumeVoxels {
			return nil, errors.Errorf("split %q: labels file lists %d examples, but voxel file holds %d",
				name, s.NumExamples, len(voxels)/VolumeVoxels)
		}
	}
	for exampleIdx, cohort := range s.Cohorts {
		s.perCohort[cohort] = append(s.perCohort[cohort], int32(exampleIdx))
	}
	fmt.Printf("\tsplit %q: %d examples, %s\n", name, s.NumExamples,
		humanize.Bytes(uint64(len(s.volumes)+len(s.lungs)+len(s.pna))))
	return s, nil
}

// Volume returns a view of the voxels of example i, VolumeVoxels bytes.
func (s *Split) Volume(i int) []uint8 { return s.volumes[i*VolumeVoxels : (i+1)*VolumeVoxels] }

// Lung returns a view of the binary lung segmentation of example i.
func (s *Split) Lung(i int) []uint8 { return s.lungs[i*VolumeVoxels : (i+1)*VolumeVoxels] }

// Pna returns a view of the binary pneumonia segmentation of example i.
func (s *Split) Pna(i int) []uint8 { return s.pna[i*VolumeVoxels : (i+1)*VolumeVoxels] }

// Class returns the classification target of example i.
func (s *Split) Class(i int) int32 { return s.Cohorts[i].Class() }

// CohortIndices returns the example indices belonging to the given cohort.
func (s *Split) CohortIndices(c Cohort) []int32 { return s.perCohort[c] }

// voxelFileHeader prefixes every gzip'ed binary voxel file in the archive.
type voxelFileHeader struct {
	Magic       uint32
	NumExamples int32
	Depth       int32
	Height      int32
	Width       int32
}

// parseVoxelFile reads one gzip'ed voxel file (volumes or segmentations), checking the
// magic number and dimensions, and returns the flattened uint8 data.
func parseVoxelFile(filePath string, wantMagic uint32) ([]uint8, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = gz.Close() }()

	var header voxelFileHeader
	if err = binary.Read(gz, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != wantMagic {
		return nil, errors.Errorf("%q: bad magic number %#x, wanted %#x", filePath, header.Magic, wantMagic)
	}
	if header.Depth != VolumeDepth || header.Height != VolumeHeight || header.Width != VolumeWidth {
		return nil, errors.Errorf("%q: volumes shaped %dx%dx%d, this package expects %dx%dx%d",
			filePath, header.Depth, header.Height, header.Width, VolumeDepth, VolumeHeight, VolumeWidth)
	}
	data := make([]uint8, int(header.NumExamples)*VolumeVoxels)
	if _, err = io.ReadFull(gz, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d examples from %q", header.NumExamples, filePath)
	}
	return data, nil
}
