// Traffic signs (GTSRB) demo trainer and classifier.
//
// Usage:
//
//	demo [flags] <data_dir> [checkpoint]
//
// It trains a model on the dataset under <data_dir>, expected to hold one
// subdirectory per category, named 0 to 42. If [checkpoint] is given, the
// trained model is saved there (and loaded from there if one already exists).
//
// With --download the dataset is downloaded into <data_dir> first.
// With --classify=<image_file> it instead loads the model from [checkpoint]
// and prints the predicted category for the image.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/trafficsigns/gtsrb"
	"github.com/trafficsigns/gtsrb/classifier"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDownload  = flag.Bool("download", false, "Download the GTSRB dataset into <data_dir>, if not yet there.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagClassify  = flag.String("classify", "", "Image file to classify: loads the model from [checkpoint] instead of training.")
)

func main() {
	ctx := gtsrb.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <data_dir> [checkpoint]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(1)
	}
	dataDir := flag.Arg(0)
	checkpointPath := flag.Arg(1)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	if *flagClassify != "" {
		if checkpointPath == "" {
			fmt.Fprintln(flag.CommandLine.Output(), "--classify requires a [checkpoint] to load the model from.")
			flag.Usage()
			os.Exit(1)
		}
		classify(*flagClassify, checkpointPath)
		return
	}

	err := exceptions.TryCatch[error](func() {
		if *flagDownload {
			must.M(gtsrb.Download(dataDir))
		}
		gtsrb.TrainModel(ctx, dataDir, checkpointPath, paramsSet, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func classify(imagePath, checkpointPath string) {
	f := must.M1(os.Open(imagePath))
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		klog.Fatalf("Failed to decode image %q: %+v", imagePath, err)
	}
	c := must.M1(classifier.New(checkpointPath))
	category := must.M1(c.Classify(img))
	fmt.Printf("%s: category %d\n", imagePath, category)
}
