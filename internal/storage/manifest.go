package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
	"github.com/klauspost/compress/zip"
)

// ManifestName is the file in the install directory that records what is
// installed. Update archives ship a new one at their root.
const ManifestName = "manifest.benc"

// ErrNoManifest is returned when the install directory or archive has no
// manifest.
var ErrNoManifest = errors.New("no manifest found")

// Manifest describes the installed software. It is stored bencoded.
type Manifest struct {
	// Name of the installed application.
	Name string `bencode:"name"`

	// Version is the installed version. 0 is never a valid version.
	Version int64 `bencode:"version"`

	// Entry is the path, relative to the install directory, of the
	// binary to start after an update.
	Entry string `bencode:"entry"`
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (*Manifest, error) {
	content, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return decodeManifest(bytes.NewReader(content))
}

// ArchiveManifest reads the manifest at the root of an update archive.
func ArchiveManifest(archive []byte) (*Manifest, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("could not open the zip file: %w", err)
	}

	f, err := r.Open(ManifestName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decodeManifest(f)
}

func decodeManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := bencode.Unmarshal(r, &m); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}

	if m.Version <= 0 || m.Version > math.MaxUint32 {
		return nil, fmt.Errorf("wrong format, version %d out of range",
			m.Version)
	}

	return &m, nil
}

// WriteManifest stores m in dir, replacing any existing manifest. dir is
// created if needed.
func WriteManifest(dir string, m *Manifest) error {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *m); err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("unable to create %v: %w", dir, err)
	}

	return writeAtomic(filepath.Join(dir, ManifestName), buf.Bytes(), 0644)
}

// ManifestVersions reads the local version from the manifest in Dir.
type ManifestVersions struct {
	Dir string
}

// LocalVersion returns the installed version.
func (v ManifestVersions) LocalVersion() (uint32, error) {
	m, err := ReadManifest(v.Dir)
	if err != nil {
		return 0, err
	}

	return uint32(m.Version), nil
}
