package classifier

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path"
	"strconv"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/trafficsigns/gtsrb"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		must.M(os.Setenv(backends.ConfigEnvVar, "go"))
	}
}

func writeSign(t *testing.T, filePath string, c color.NRGBA, width, height int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// TestClassifier trains a throwaway model for one epoch, loads it back from
// its checkpoint and classifies an image of a different resolution.
func TestClassifier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
		return
	}
	dataDir := t.TempDir()
	colors := []color.NRGBA{
		{R: 220, G: 30, B: 30, A: 255},
		{R: 30, G: 30, B: 220, A: 255},
	}
	for category, c := range colors {
		dir := path.Join(dataDir, strconv.Itoa(category))
		require.NoError(t, os.Mkdir(dir, 0755))
		for ii := 0; ii < 4; ii++ {
			writeSign(t, path.Join(dir, strconv.Itoa(ii)+".png"), c, 24+ii, 40-ii)
		}
	}

	checkpointPath := path.Join(t.TempDir(), "test_model")
	ctx := gtsrb.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"epochs":          1,
		"batch_size":      2,
		"eval_batch_size": 8,
	})
	require.NotPanics(t, func() {
		gtsrb.TrainModel(ctx, dataDir, checkpointPath, nil, false, -1)
	})

	c := must.M1(New(checkpointPath))
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, colors[0])
		}
	}
	category, err := c.Classify(img)
	require.NoError(t, err)
	require.GreaterOrEqual(t, category, int32(0))
	require.Less(t, category, int32(gtsrb.NumCategories))
}
