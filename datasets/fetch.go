package datasets

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// archiveName returns the file name of the archive rawURL points at.
func archiveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid dataset URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid dataset URL %q: scheme must be http or https", rawURL)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || !IsArchive(name) {
		return "", fmt.Errorf("dataset URL %q does not name a .zip, .7z or .tar.gz archive", rawURL)
	}
	return name, nil
}

func trimArchiveExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".7z"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// Fetch downloads the archive at rawURL into cacheDir, extracts it and
// returns the stereo pair it contains. A previously extracted dataset is
// reused without touching the network. It also returns the extraction
// directory.
func Fetch(ctx context.Context, rawURL, cacheDir string, progressCb ByteProgressCallback) (Pair, string, error) {
	name, err := archiveName(rawURL)
	if err != nil {
		return Pair{}, "", err
	}
	destDir := filepath.Join(cacheDir, trimArchiveExt(name))
	if p, err := FindPair(destDir); err == nil {
		return p, destDir, nil
	}

	archivePath := filepath.Join(cacheDir, "archives", name)
	if err := DownloadWithRetry(ctx, archivePath, rawURL, progressCb); err != nil {
		return Pair{}, "", err
	}
	if err := Extract(archivePath, destDir); err != nil {
		// A corrupt archive should be downloaded again next time.
		os.Remove(archivePath)
		return Pair{}, "", err
	}

	p, err := FindPair(destDir)
	if err != nil {
		return Pair{}, destDir, err
	}
	return p, destDir, nil
}
