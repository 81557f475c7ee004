package gtsrb

// This file converts loaded images to tensors and builds the train/validation
// datasets used by train.Loop.

import (
	"fmt"
	"image"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DType used for the image tensors and the model.
var DType = dtypes.Float32

// Split partitions the loaded examples into train and validation: the given
// fraction (rounded down, at least 1 example if testFraction > 0) is held out
// for validation. The example order is shuffled with rng first, so both
// partitions sample every category. Pairs stay aligned.
func Split(images []image.Image, labels []int64, testFraction float64, rng *rand.Rand) (
	trainImages, testImages []image.Image, trainLabels, testLabels []int64) {
	numExamples := len(images)
	order := rng.Perm(numExamples)
	numTest := int(testFraction * float64(numExamples))
	if testFraction > 0 && numTest == 0 && numExamples > 0 {
		numTest = 1
	}
	numTrain := numExamples - numTest
	trainImages = make([]image.Image, 0, numTrain)
	trainLabels = make([]int64, 0, numTrain)
	testImages = make([]image.Image, 0, numTest)
	testLabels = make([]int64, 0, numTest)
	for position, idx := range order {
		if position < numTrain {
			trainImages = append(trainImages, images[idx])
			trainLabels = append(trainLabels, labels[idx])
		} else {
			testImages = append(testImages, images[idx])
			testLabels = append(testLabels, labels[idx])
		}
	}
	return
}

// ToTensors converts one partition to the tensors consumed by the model: an
// images tensor shaped [numExamples, ImgHeight, ImgWidth, Depth] with channel
// values scaled to [0, 1], and a labels tensor shaped [numExamples, 1] of
// Int64, as expected by the sparse categorical loss and accuracy metrics.
func ToTensors(images []image.Image, labels []int64) (imagesT, labelsT *tensors.Tensor) {
	imagesT = timage.ToTensor(DType).Batch(images)
	labelsT = tensors.FromShape(shapes.Make(dtypes.Int64, len(labels), 1))
	tensors.MustMutableFlatData[int64](labelsT, func(flat []int64) {
		copy(flat, labels)
	})
	return
}

// DatasetsConfiguration holds the parameters used to build the datasets.
type DatasetsConfiguration struct {
	// DataDir with one subdirectory per category.
	DataDir string

	// BatchSize for training, EvalBatchSize for the evaluation datasets.
	BatchSize, EvalBatchSize int

	// TestFraction of examples held out for validation.
	TestFraction float64

	// Seed for the train/validation shuffle. Fixed by default so that
	// repeated runs train on the same partition.
	Seed int64

	// Verbose enables the image loading progress bar and a summary line.
	Verbose bool
}

// Datasets loads the images from config.DataDir and returns the three
// datasets used by TrainModel: the training dataset (batched, reshuffled
// every epoch) and the two evaluation datasets (sequential batches over the
// train and validation partitions).
//
// If config.TestFraction is 0 no examples are held out and validationEvalDS
// is nil. A fraction that leaves nothing to train on is an error.
func Datasets(backend backends.Backend, config *DatasetsConfiguration) (
	trainDS, trainEvalDS, validationEvalDS train.Dataset, err error) {
	loadedImages, loadedLabels, err := LoadImages(config.DataDir, config.Verbose)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(loadedImages) == 0 {
		return nil, nil, nil, errors.Errorf("no images found under %q", config.DataDir)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	trainImages, testImages, trainLabels, testLabels := Split(
		loadedImages, loadedLabels, config.TestFraction, rng)
	if len(trainImages) == 0 {
		return nil, nil, nil, errors.Errorf(
			"training partition is empty: test fraction %g holds out all %d examples loaded from %q",
			config.TestFraction, len(loadedImages), config.DataDir)
	}

	trainImagesT, trainLabelsT := ToTensors(trainImages, trainLabels)
	baseTrain, err := datasets.InMemoryFromData(backend, "train",
		[]any{trainImagesT}, []any{trainLabelsT})
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "building training dataset")
	}
	if baseTrain.NumExamples() < config.BatchSize {
		klog.Warningf("only %d training examples for batch size %d: every epoch yields zero full batches, "+
			"so training will run zero steps", baseTrain.NumExamples(), config.BatchSize)
	}

	var baseValidation *datasets.InMemoryDataset
	if len(testImages) > 0 {
		testImagesT, testLabelsT := ToTensors(testImages, testLabels)
		baseValidation, err = datasets.InMemoryFromData(backend, "validation",
			[]any{testImagesT}, []any{testLabelsT})
		if err != nil {
			return nil, nil, nil, errors.WithMessage(err, "building validation dataset")
		}
	}

	if config.Verbose {
		numValidation := 0
		memory := baseTrain.ByteSize()
		if baseValidation != nil {
			numValidation = baseValidation.NumExamples()
			memory += baseValidation.ByteSize()
		}
		fmt.Printf("\t%d training + %d validation examples (%s in memory)\n",
			baseTrain.NumExamples(), numValidation, humanize.IBytes(uint64(memory)))
	}

	trainDS = baseTrain.Copy().BatchSize(config.BatchSize, true).Shuffle()
	trainEvalDS = baseTrain.BatchSize(config.EvalBatchSize, false)
	if baseValidation != nil {
		validationEvalDS = baseValidation.BatchSize(config.EvalBatchSize, false)
	}
	return
}
