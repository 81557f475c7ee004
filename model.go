package gtsrb

// Model graphs: a convolutional classifier and a linear baseline. Both
// return logits shaped [batch_size, NumCategories], which works with the
// sparse categorical cross-entropy loss.

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// LinearModelGraph builds a logistic model: flatten + dense readout.
// It implements train.ModelFn and is meant as a baseline only.
// inputs: one tensor shaped [batch_size, ImgHeight, ImgWidth, Depth].
func LinearModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	ctx = ctx.In("model")
	batchSize := inputs[0].Shape().Dimensions[0]
	embeddings := graph.Reshape(inputs[0], batchSize, -1)
	logits := layers.DenseWithBias(ctx, embeddings, NumCategories)
	logits.AssertDims(batchSize, NumCategories)
	return []*graph.Node{logits}
}

// ConvolutionModelGraph builds the CNN used for traffic signs. It implements
// train.ModelFn and returns the logits, not the predictions.
// inputs: one tensor shaped [batch_size, ImgHeight, ImgWidth, Depth].
func ConvolutionModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	ctx = ctx.In("model")
	batchedImages := inputs[0]
	g := batchedImages.Graph()
	dtype := batchedImages.DType()
	batchSize := batchedImages.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	// Dropout.
	dropoutRate := context.GetParamOr(ctx, "cnn_dropout_rate", -1.0)
	if dropoutRate < 0 {
		dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	var dropoutNode *graph.Node
	if dropoutRate > 0.0 {
		dropoutNode = graph.Scalar(g, dtype, dropoutRate)
	}

	logits := batchedImages
	logits = layers.Convolution(nextCtx("conv"), logits).Channels(32).KernelSize(3).PadSame().Done()
	logits.AssertDims(batchSize, ImgHeight, ImgWidth, 32)
	logits = activations.Relu(logits)
	logits = normalizeCNN(nextCtx("norm"), logits)
	logits = graph.MaxPool(logits).Window(2).Done()
	logits.AssertDims(batchSize, ImgHeight/2, ImgWidth/2, 32)

	logits = layers.Convolution(nextCtx("conv"), logits).Channels(64).KernelSize(3).PadSame().Done()
	logits = activations.Relu(logits)
	logits = normalizeCNN(nextCtx("norm"), logits)
	logits = graph.MaxPool(logits).Window(2).Done()
	if dropoutNode != nil {
		logits = layers.DropoutNormalize(nextCtx("dropout"), logits, dropoutNode, true)
	}
	logits.AssertDims(batchSize, ImgHeight/4, ImgWidth/4, 64)

	// Flatten, hidden dense layer, and readout with one unit per category.
	logits = graph.Reshape(logits, batchSize, -1)
	numHiddenNodes := context.GetParamOr(ctx, "cnn_num_hidden_nodes", 128)
	logits = layers.Dense(nextCtx("dense"), logits, true, numHiddenNodes)
	logits = activations.Relu(logits)
	if dropoutNode != nil {
		logits = layers.DropoutNormalize(nextCtx("dropout"), logits, dropoutNode, true)
	}
	logits = layers.Dense(nextCtx("readout"), logits, true, NumCategories)
	logits.AssertDims(batchSize, NumCategories)
	return []*graph.Node{logits}
}

func normalizeCNN(ctx *context.Context, logits *graph.Node) *graph.Node {
	normalizationType := context.GetParamOr(ctx, "cnn_normalization", "none")
	switch normalizationType {
	case "layer":
		if logits.Rank() == 2 {
			return layers.LayerNormalization(ctx, logits, -1).Done()
		} else if logits.Rank() == 4 {
			return layers.LayerNormalization(ctx, logits, 2, 3).Done()
		}
		return logits
	case "batch":
		return batchnorm.New(ctx, logits, -1).Done()
	case "none", "":
		return logits
	default:
		panic(errors.Errorf("invalid normalization type %q -- set it with parameter %q", normalizationType, "cnn_normalization"))
	}
}
