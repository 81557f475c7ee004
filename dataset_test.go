package gtsrb

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestDatasets(t *testing.T) {
	dataDir := makeTestDataset(t)
	backend := must.M1(backends.New())
	config := &DatasetsConfiguration{
		DataDir:       dataDir,
		BatchSize:     2,
		EvalBatchSize: 3,
		TestFraction:  0.4,
		Seed:          42,
	}
	trainDS, trainEvalDS, validationEvalDS, err := Datasets(backend, config)
	require.NoError(t, err)

	// 5 examples, 40% held out: 3 for training, 2 for validation.
	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	inputs[0].Shape().AssertDims(2, ImgHeight, ImgWidth, Depth)
	labels[0].Shape().AssertDims(2, 1)

	_, inputs, labels, err = trainEvalDS.Yield()
	require.NoError(t, err)
	inputs[0].Shape().AssertDims(3, ImgHeight, ImgWidth, Depth)
	labels[0].Shape().AssertDims(3, 1)

	_, inputs, labels, err = validationEvalDS.Yield()
	require.NoError(t, err)
	inputs[0].Shape().AssertDims(2, ImgHeight, ImgWidth, Depth)
	labels[0].Shape().AssertDims(2, 1)
}

func TestDatasetsNoValidation(t *testing.T) {
	dataDir := makeTestDataset(t)
	backend := must.M1(backends.New())
	config := &DatasetsConfiguration{
		DataDir:       dataDir,
		BatchSize:     2,
		EvalBatchSize: 8,
		TestFraction:  0,
		Seed:          42,
	}
	trainDS, trainEvalDS, validationEvalDS, err := Datasets(backend, config)
	require.NoError(t, err)
	require.Nil(t, validationEvalDS)

	// All 5 examples land in the training partition.
	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	inputs[0].Shape().AssertDims(2, ImgHeight, ImgWidth, Depth)
	labels[0].Shape().AssertDims(2, 1)

	_, inputs, _, err = trainEvalDS.Yield()
	require.NoError(t, err)
	inputs[0].Shape().AssertDims(5, ImgHeight, ImgWidth, Depth)
}

func TestDatasetsEmptyTrain(t *testing.T) {
	dataDir := makeTestDataset(t)
	backend := must.M1(backends.New())
	config := &DatasetsConfiguration{
		DataDir:       dataDir,
		BatchSize:     2,
		EvalBatchSize: 8,
		TestFraction:  1.0,
		Seed:          42,
	}
	_, _, _, err := Datasets(backend, config)
	require.Error(t, err)
	require.Contains(t, err.Error(), "training partition is empty")
}

func TestDatasetsBatchLargerThanData(t *testing.T) {
	// A batch size larger than the training partition means every epoch
	// yields zero full batches. The datasets still build, the condition is
	// surfaced as a warning, and the training dataset is immediately
	// exhausted.
	dataDir := makeTestDataset(t)
	backend := must.M1(backends.New())
	config := &DatasetsConfiguration{
		DataDir:       dataDir,
		BatchSize:     32,
		EvalBatchSize: 8,
		TestFraction:  0.4,
		Seed:          42,
	}
	trainDS, _, _, err := Datasets(backend, config)
	require.NoError(t, err)
	_, _, _, err = trainDS.Yield()
	require.Equal(t, io.EOF, err)
}
