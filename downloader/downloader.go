// Package downloader fetches and unpacks dataset archives.
package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressWriter wraps an io.Writer and updates a progress bar as bytes go
// through. It requires knowing the content length up-front.
type progressWriter struct {
	w             io.Writer
	bar           *progressbar.ProgressBar
	unit          int64
	written       int64
	units, added  int64
	contentLength int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, contentLength: contentLength, unit: 1}
	for contentLength > pw.unit*1024*1024 {
		pw.unit *= 1024
	}
	pw.units = (contentLength + pw.unit - 1) / pw.unit
	pw.bar = progressbar.NewOptions(int(pw.units),
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer, updating the progress bar.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	toUnits := pw.written / pw.unit
	if toUnits > pw.added {
		_ = pw.bar.Add(int(toUnits - pw.added))
		pw.added = toUnits
	}
	return
}

func (pw *progressWriter) close() {
	if pw.added < pw.units {
		_ = pw.bar.Add(int(pw.units - pw.added))
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// Download the given url and save it at filePath, creating the parent
// directory if needed. If showProgressBar is set, a progress bar tracks the
// transfer.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create directory %q", path.Dir(filePath))
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if showProgressBar {
		pw := newProgressWriter(file, resp.ContentLength)
		size, err = io.Copy(pw, resp.Body)
		pw.close()
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	// Close explicitly so a flush error is reported; the deferred close of an
	// already closed file is a no-op.
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	return size, nil
}

// DownloadIfMissing downloads url to filePath if the file is not there yet.
//
// If checkHash is not empty, the file contents are validated against the
// given SHA256 checksum.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return validateChecksum(filePath, checkHash)
}

// validateChecksum verifies that the sha256 of the file at the given path
// matches checkHash. On mismatch the file is removed (!) and an error
// returned, so the next attempt re-downloads it.
func validateChecksum(filePath, checkHash string) error {
	hasher := sha256.New()
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err = io.Copy(hasher, f); err != nil {
		return err
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash != strings.ToLower(checkHash) {
		err = errors.Errorf("file %q sha256 hash is %q, but expected %q, deleting file",
			filePath, fileHash, checkHash)
		if e2 := os.Remove(filePath); e2 != nil {
			klog.Errorf("Failed to remove %q, which failed the checksum test. Please remove it. %+v", filePath, e2)
		}
		return err
	}
	return nil
}

// Unzip file under the directory zipBaseDir, using the system unzip.
func Unzip(zipFile, zipBaseDir string) error {
	cmd := exec.Command("unzip", "-u", zipFile)
	cmd.Dir = zipBaseDir
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// DownloadAndUnzipIfMissing downloads zipFile from url, if not there yet, and
// unzips it under unzipBaseDir, if targetUnzipDir is still missing.
//
// If checkHash is not empty, the downloaded file is validated against the
// given SHA256 checksum.
func DownloadAndUnzipIfMissing(url, zipFile, unzipBaseDir, targetUnzipDir, checkHash string) error {
	if fsutil.MustFileExists(targetUnzipDir) {
		return nil
	}
	if err := DownloadIfMissing(url, zipFile, checkHash); err != nil {
		return err
	}
	if err := Unzip(zipFile, unzipBaseDir); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUnzipDir) {
		return errors.Errorf("downloaded from %q and unzip'ed %q, but didn't get directory %q",
			url, zipFile, targetUnzipDir)
	}
	return nil
}
