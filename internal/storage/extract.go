package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// maxEntrySize caps a single extracted file. Payloads are bounded well below
// this, so hitting it means a compression bomb.
const maxEntrySize = 1 << 30

// ZipExtractor unpacks update archives.
type ZipExtractor struct{}

// Extract writes every file of the zip archive at archivePath below dest.
// Entries that would escape dest are rejected.
func (ZipExtractor) Extract(archivePath, dest string) error {
	log.Infof("Extracting archive %v...", archivePath)

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("could not open the zip file: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		log.Debugf("Extracting file %v", f.Name)

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("could not write the file %v: %w",
				target, err)
		}
	}

	log.Infof("Archive %v extracted.", archivePath)

	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return err
	}
	if len(data) > maxEntrySize {
		return fmt.Errorf("entry %v exceeds %d bytes", f.Name, maxEntrySize)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}

	return writeAtomic(target, data, perm)
}

// entryPath joins an archive entry name onto dest, refusing absolute names
// and names climbing out of dest.
func entryPath(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute path in archive: %v", name)
	}

	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {

		return "", fmt.Errorf("path escapes destination: %v", name)
	}

	return target, nil
}
