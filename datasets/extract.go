package datasets

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
)

// safeJoin resolves an archive entry name under destDir and rejects names
// that would escape it.
func safeJoin(destDir, name string) (string, error) {
	destPath := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, destPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return destPath, nil
}

func writeEntry(destPath string, r io.Reader, name string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	outFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	_, err = io.Copy(outFile, r)
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return nil
}

// ExtractZip extracts a ZIP archive to the destination directory.
func ExtractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		if err := extractZipFile(file, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()
	return writeEntry(destPath, rc, file.Name)
}

// Extract7z extracts a 7z archive to the destination directory.
func Extract7z(archivePath, destDir string) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		destPath, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if err := extract7zFile(file, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extract7zFile(file *sevenzip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()
	return writeEntry(destPath, rc, file.Name)
}

// ExtractTarGz extracts a gzip-compressed tar archive.
func ExtractTarGz(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		destPath, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(destPath, tarReader, header.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsArchive reports whether Extract understands path's extension.
func IsArchive(path string) bool {
	_, ok := extractorFor(path)
	return ok
}

func extractorFor(path string) (func(string, string) error, bool) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ExtractZip, true
	case strings.HasSuffix(lower, ".7z"):
		return Extract7z, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ExtractTarGz, true
	}
	return nil, false
}

// Extract unpacks archivePath into destDir, choosing the format by
// extension.
func Extract(archivePath, destDir string) error {
	extract, ok := extractorFor(archivePath)
	if !ok {
		return fmt.Errorf("unsupported archive %s", filepath.Base(archivePath))
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return extract(archivePath, destDir)
}
