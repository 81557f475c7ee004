// Package classifier is a traffic sign classifier.
// It loads a pre-trained model and offers a Classify method that will classify
// any image, by first resizing it to the model's input size.
//
// To use it, create a Classifier with New(), and then simply call its Classify
// method with an image of a traffic sign.
//
// This is an example of how to serve a model for inference.
package classifier

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"github.com/trafficsigns/gtsrb"
)

// Classifier holds the traffic signs model compiled.
// It will use XLA with GPU if available or CPU by default. But the backend can
// be configured with GOMLX_BACKEND.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec is used to execute the model with a context.
	exec *context.Exec
}

// New creates a new Classifier object that can be used to classify traffic
// sign images, using the model saved under checkpointDir.
func New(checkpointDir string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
	}

	// Notice all hyperparameters are read from the checkpoint as well, so it
	// will build the same model.
	// We don't need to keep the checkpoint handler around, since we are not
	// going to use it to save.
	_, err = checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading traffic signs model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable -- for extra sanity checking.

	modelType := context.GetParamOr(c.ctx, "model", "cnn")
	modelFn, found := gtsrb.ModelsFns[modelType]
	if !found {
		return nil, errors.Errorf("cannot build model from checkpoint %q, invalid model type %q", checkpointDir, modelType)
	}

	// Create model executor.
	c.exec, err = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, image *graph.Node) (choice *graph.Node) {
		// We take the first result from the modelFn -- it returns a slice.
		image = graph.ExpandAxes(image, 0) // Create a batch dimension of size 1.
		logits := modelFn(ctx, nil, []*graph.Node{image})[0]
		// Take the class with highest logit value.
		choice = graph.ArgMax(logits, -1, dtypes.Int32)
		// Remove batch dimension.
		choice = graph.Reshape(choice) // No dimensions given, means a scalar.
		return
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Classify takes an image of any size and returns the predicted traffic sign
// category, from 0 to gtsrb.NumCategories-1.
// The image is resized to the model's input size first, if needed.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	bounds := img.Bounds()
	if bounds.Dx() != gtsrb.ImgWidth || bounds.Dy() != gtsrb.ImgHeight {
		img = imaging.Resize(img, gtsrb.ImgWidth, gtsrb.ImgHeight, imaging.Lanczos)
	}
	input := timage.ToTensor(gtsrb.DType).Single(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.exec.MustExec(input) })
	if err != nil {
		return 0, err
	}
	classID := tensors.ToScalar[int32](outputs[0]) // Convert tensor to Go value.
	return classID, nil
}
