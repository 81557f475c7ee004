package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	content := []byte("pretend this is a zip archive of traffic sign photos")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := path.Join(t.TempDir(), "archive.zip")
	size, err := Download(server.URL+"/archive.zip", filePath, false)
	require.NoError(t, err)
	require.EqualValues(t, len(content), size)
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadBadURL(t *testing.T) {
	filePath := path.Join(t.TempDir(), "archive.zip")
	_, err := Download("bad-scheme://nowhere/archive.zip", filePath, false)
	require.Error(t, err)
	// The partial file is closed on the error path and can be cleaned up.
	require.NoError(t, os.Remove(filePath))
}

func TestDownloadIfMissingChecksum(t *testing.T) {
	content := []byte("archive bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	hash := sha256.Sum256(content)
	filePath := path.Join(t.TempDir(), "archive.zip")
	require.NoError(t, DownloadIfMissing(server.URL+"/archive.zip", filePath, hex.EncodeToString(hash[:])))

	// A checksum mismatch removes the file and errors, so the next attempt
	// downloads it again.
	require.Error(t, DownloadIfMissing(server.URL+"/archive.zip", filePath, strings.Repeat("0", 64)))
	_, err := os.Stat(filePath)
	require.True(t, os.IsNotExist(err))
}
