package gtsrb

import (
	"os"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// Tests run on the pure Go backend, no accelerator needed.
		must.M(os.Setenv(backends.ConfigEnvVar, "go"))
	}
}

// buildModelLogits runs one model function on a zero-filled batch and returns
// the logits tensor.
func buildModelLogits(t *testing.T, modelName string, batchSize int) *tensors.Tensor {
	t.Helper()
	backend := must.M1(backends.New())
	ctx := CreateDefaultContext()
	ctx.SetParam("model", modelName)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return ModelsFns[modelName](ctx, nil, []*graph.Node{images})[0]
	})
	images := tensors.FromShape(shapes.Make(DType, batchSize, ImgHeight, ImgWidth, Depth))
	var logits *tensors.Tensor
	require.NotPanics(t, func() { logits = exec.Call(images)[0] })
	return logits
}

func TestModelsOutputShape(t *testing.T) {
	for _, modelName := range []string{"cnn", "linear"} {
		t.Run(modelName, func(t *testing.T) {
			logits := buildModelLogits(t, modelName, 4)
			logits.Shape().AssertDims(4, NumCategories)
			require.Equal(t, DType, logits.DType())
		})
	}
}

func TestModelsBatchSizeIndependence(t *testing.T) {
	// The graph must not hard-code the batch dimension.
	logits := buildModelLogits(t, "cnn", 1)
	logits.Shape().AssertDims(1, NumCategories)
	logits = buildModelLogits(t, "cnn", 7)
	logits.Shape().AssertDims(7, NumCategories)
}
