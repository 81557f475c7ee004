package gtsrb

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"golang.org/x/exp/maps"
)

// ModelsFns maps a model name to its graph building function. Models are
// selected with the "model" hyperparameter.
var ModelsFns = map[string]train.ModelFn{
	"cnn":    ConvolutionModelGraph,
	"linear": LinearModelGraph,
}

// ParamsExcludedFromSaving is the list of hyperparameters that shouldn't be
// saved along with the model checkpoints, and may be overwritten in further
// training sessions.
var ParamsExcludedFromSaving = []string{"data_dir", "epochs", "num_checkpoints"}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDefaultContext sets the context with the default hyperparameters to
// use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		// Model type to use: "cnn" or "linear".
		"model":           "cnn",
		"num_checkpoints": 3,

		// Number of passes over the training data.
		"epochs": 10,

		// batch_size for training.
		"batch_size": 32,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 200,

		// Fraction of examples held out for validation, and the seed of the
		// shuffle that selects them.
		"test_fraction": 0.4,
		"split_seed":    42,

		"cnn_normalization":    "none",
		"cnn_dropout_rate":     0.5,
		"cnn_num_hidden_nodes": 128,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "",
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         0.0,
		regularizers.ParamL1:         0.0,
	})
	return ctx
}

// NewDatasetsConfigurationFromContext creates a datasets configuration based
// on hyperparameters set in the context.
func NewDatasetsConfigurationFromContext(ctx *context.Context, dataDir string) *DatasetsConfiguration {
	return &DatasetsConfiguration{
		DataDir:       fsutil.MustReplaceTildeInDir(dataDir),
		BatchSize:     context.GetParamOr(ctx, "batch_size", 0),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 0),
		TestFraction:  context.GetParamOr(ctx, "test_fraction", 0.4),
		Seed:          int64(context.GetParamOr(ctx, "split_seed", 42)),
		Verbose:       true,
	}
}

// TrainModel with hyperparameters given in ctx, on the dataset under dataDir.
//
// If checkpointPath is not empty, a previous model is loaded from there if
// one exists, and the trained model is saved there after training completes
// -- nothing is saved if training fails.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, paramsSet []string, evaluateOnEnd bool, verbosity int) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = must.M1(backends.New())
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Checkpoint: it loads if one already exists, and it will save as we train.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Create the datasets used for training and evaluation.
	dsConfig := NewDatasetsConfigurationFromContext(ctx, dataDir)
	dsConfig.Verbose = verbosity >= 1
	if dsConfig.BatchSize <= 0 {
		exceptions.Panicf("batch size must be > 0 (maybe it was not set?): %d", dsConfig.BatchSize)
	}
	if dsConfig.EvalBatchSize <= 0 {
		dsConfig.EvalBatchSize = dsConfig.BatchSize
	}
	trainDS, trainEvalDS, validationEvalDS := must.M3(Datasets(Backend, dsConfig))

	// Select the model graph building function.
	modelType := context.GetParamOr(ctx, "model", "cnn")
	modelFn, found := ModelsFns[modelType]
	if !found {
		exceptions.Panicf("unknown model type %q: valid values are %q", modelType, maps.Keys(ModelsFns))
	}
	if verbosity >= 1 {
		fmt.Printf("Model: %q\n", modelType)
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc. (all
	// happens in trainer.TrainStep)
	trainer := train.NewTrainer(Backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Loop over the dataset for the given number of epochs.
	// The checkpoint is only saved after the loop finishes: an aborted
	// training session leaves no partially trained model behind.
	numEpochs := context.GetParamOr(ctx, "epochs", 0)
	if int(optimizers.GetGlobalStep(ctx)) > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	_ = must.M1(loop.RunEpochs(trainDS, numEpochs))
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}

	// Update batch normalization averages, if they are used.
	if must.M1(batchnorm.UpdateAverages(trainer, trainEvalDS)) {
		if verbosity >= 1 {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
		}
	}

	// Training completed: save the trained model.
	if checkpoint != nil {
		must.M(checkpoint.Save())
		fmt.Printf("Model saved to %q\n", checkpoint.Dir())
	}

	// Finally, print an evaluation on train and validation datasets. With
	// test_fraction=0 there is no validation partition to report on.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		if validationEvalDS != nil {
			must.M(commandline.ReportEval(trainer, validationEvalDS, trainEvalDS))
		} else {
			must.M(commandline.ReportEval(trainer, trainEvalDS))
		}
	}
}
