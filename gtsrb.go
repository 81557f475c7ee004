// Package gtsrb provides a library of tools to download, load and train
// models on the German Traffic Sign Recognition Benchmark (GTSRB) dataset:
// ~43 categories of traffic-sign photos of varying resolutions, organized as
// one subdirectory per category, each named with the category's integer index.
package gtsrb

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/trafficsigns/gtsrb/downloader"
)

const (
	DownloadURL  = "https://cdn.cs50.net/ai/2020/x/projects/5/gtsrb.zip"
	LocalZipFile = "gtsrb.zip"
	LocalZipDir  = "gtsrb"
)

// NumCategories of traffic signs in GTSRB. Category subdirectories are named
// "0" through "42".
const NumCategories = 43

// ImgWidth, ImgHeight and Depth are the dimensions every image is resized to
// before training, whatever its original resolution or aspect ratio.
const (
	ImgWidth  int = 30
	ImgHeight int = 30
	Depth     int = 3
)

// Download the GTSRB dataset archive to baseDir and unzip it, if the
// extracted directory is not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	zipFilePath := path.Join(baseDir, LocalZipFile)
	targetZipPath := path.Join(baseDir, LocalZipDir)
	return downloader.DownloadAndUnzipIfMissing(DownloadURL, zipFilePath, baseDir, targetZipPath, "")
}

// imageEntry is one image file pending decoding, tagged with the category of
// its enclosing directory so labels never misalign.
type imageEntry struct {
	filePath string
	label    int64
}

// listImages collects the image files of every category subdirectory of
// dataDir. A missing category subdirectory contributes zero entries; any
// other directory error fails the whole listing.
func listImages(dataDir string) (entries []imageEntry, err error) {
	if _, err = os.Stat(dataDir); err != nil {
		return nil, errors.Wrapf(err, "dataset directory %q not readable", dataDir)
	}
	for category := 0; category < NumCategories; category++ {
		dir := path.Join(dataDir, strconv.Itoa(category))
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				klog.V(1).Infof("category directory %q missing, 0 examples for category %d", dir, category)
				continue
			}
			return nil, errors.Wrapf(err, "failed to list category directory %q", dir)
		}
		for _, entry := range dirEntries {
			if entry.IsDir() {
				continue
			}
			entries = append(entries, imageEntry{
				filePath: path.Join(dir, entry.Name()),
				label:    int64(category),
			})
		}
	}
	return entries, nil
}

// decodeAndResize decodes one image file and resizes it to exactly
// ImgWidth x ImgHeight with Lanczos interpolation. The aspect ratio is not
// preserved: this is a fixed-size model input, not a display image.
func decodeAndResize(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return imaging.Resize(img, ImgWidth, ImgHeight, imaging.Lanczos), nil
}

// LoadImages reads every image of every category subdirectory of dataDir,
// resized to ImgWidth x ImgHeight, and returns them with their category
// labels: labels[i] is the category of images[i], both always equal in
// length.
//
// Files that fail to decode are skipped -- both the image and its label are
// omitted, so alignment is preserved -- and logged through klog. A missing
// category subdirectory yields zero examples for that category. A missing or
// unreadable dataDir fails the load.
//
// Decoding is independent per file, so it runs on a pool of NumCPU workers.
// If verbose is set, a progress bar tracks the decoding.
func LoadImages(dataDir string, verbose bool) (images []image.Image, labels []int64, err error) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	entries, err := listImages(dataDir)
	if err != nil {
		return nil, nil, err
	}

	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(len(entries),
			progressbar.OptionSetDescription("Loading images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	// Decode in parallel: each worker writes only to its own index, so the
	// (image, label) correspondence is kept by construction.
	decoded := make([]image.Image, len(entries))
	parallelism := runtime.NumCPU()
	var wg sync.WaitGroup
	nextEntry := make(chan int)
	for worker := 0; worker < parallelism; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range nextEntry {
				img, err := decodeAndResize(entries[idx].filePath)
				if err != nil {
					klog.Warningf("skipping %q: %v", entries[idx].filePath, err)
				} else {
					decoded[idx] = img
				}
				// Advanced per decoded file, so the bar tracks actual
				// progress and not just the enqueueing.
				if pBar != nil {
					_ = pBar.Add(1)
				}
			}
		}()
	}
	for idx := range entries {
		nextEntry <- idx
	}
	close(nextEntry)
	wg.Wait()
	if pBar != nil {
		_ = pBar.Close()
	}

	// Compact out the skipped files, keeping pairs aligned.
	images = make([]image.Image, 0, len(entries))
	labels = make([]int64, 0, len(entries))
	for idx, img := range decoded {
		if img == nil {
			continue
		}
		images = append(images, img)
		labels = append(labels, entries[idx].label)
	}
	if skipped := len(entries) - len(images); skipped > 0 {
		klog.Warningf("skipped %d of %d image files that failed to decode", skipped, len(entries))
	}
	return images, labels, nil
}
