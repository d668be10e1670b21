// Package certfile writes certificate material into volume target paths.
//
// A target path uses the layout kubelet uses for projected volumes:
//
//	..cacsi_<random>/tls.crt
//	..cacsi_<random>/tls.key
//	..data -> ..cacsi_<random>
//	tls.crt -> ..data/tls.crt
//	tls.key -> ..data/tls.key
//
// New material goes into a fresh versioned directory and becomes visible
// when ..data is swapped with a single rename, so a reader in the pod sees
// either the old pair or the new pair and never a key next to a foreign
// certificate.
package certfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File names inside a target path.
const (
	CertificateFile = "tls.crt"
	KeyFile         = "tls.key"
	CAFile          = "ca.crt"
)

// DataDir is the symlink naming the current versioned directory.
const DataDir = "..data"

// Default file modes.
const (
	DefaultCertificateMode fs.FileMode = 0o644
	DefaultKeyMode         fs.FileMode = 0o600
	DefaultDirMode         fs.FileMode = 0o750
)

const (
	tempPattern       = ".cacsi-*.tmp"
	versionPrefix     = "..cacsi_"
	dataDirTemp       = "..data_tmp"
	versionDirPattern = versionPrefix + "*"
)

// ErrTargetMissing is returned by Replace when the target path is gone.
var ErrTargetMissing = errors.New("target path does not exist")

// Writer writes and removes certificate files.
type Writer struct {
	CertificateMode fs.FileMode
	KeyMode         fs.FileMode
}

// NewWriter returns a Writer with the default modes.
func NewWriter() *Writer {
	return &Writer{
		CertificateMode: DefaultCertificateMode,
		KeyMode:         DefaultKeyMode,
	}
}

// Write publishes the certificate and key in dir, creating dir when
// missing.
func (w *Writer) Write(dir string, certPEM, keyPEM []byte) error {
	if dir == "" {
		return errors.New("target path is empty")
	}
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create target path %s: %w", dir, err)
	}
	return w.swap(dir, certPEM, keyPEM)
}

// Replace swaps in a renewed pair. Unlike Write it never creates dir; a
// target path removed by an unpublish fails with ErrTargetMissing.
func (w *Writer) Replace(dir string, certPEM, keyPEM []byte) error {
	if dir == "" {
		return errors.New("target path is empty")
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrTargetMissing, dir)
	case err != nil:
		return fmt.Errorf("failed to stat target path %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("target path %s is not a directory", dir)
	}
	return w.swap(dir, certPEM, keyPEM)
}

func (w *Writer) swap(dir string, certPEM, keyPEM []byte) error {
	previous, _ := os.Readlink(filepath.Join(dir, DataDir))

	version, err := os.MkdirTemp(dir, versionPrefix)
	if err != nil {
		return fmt.Errorf("failed to create version directory in %s: %w", dir, err)
	}
	if err := os.Chmod(version, DefaultDirMode); err != nil {
		_ = os.RemoveAll(version)
		return fmt.Errorf("failed to set mode of %s: %w", version, err)
	}

	if err := writeAtomic(version, KeyFile, keyPEM, w.KeyMode); err != nil {
		_ = os.RemoveAll(version)
		return err
	}
	if err := writeAtomic(version, CertificateFile, certPEM, w.CertificateMode); err != nil {
		_ = os.RemoveAll(version)
		return err
	}

	if err := replaceSymlink(dir, DataDir, filepath.Base(version)); err != nil {
		_ = os.RemoveAll(version)
		return err
	}

	for _, name := range []string{KeyFile, CertificateFile} {
		if err := ensureLink(dir, name); err != nil {
			return err
		}
	}

	if previous != "" && previous != filepath.Base(version) {
		_ = os.RemoveAll(filepath.Join(dir, previous))
	}
	return nil
}

// ensureLink points name at ..data/name unless it already does.
func ensureLink(dir, name string) error {
	want := filepath.Join(DataDir, name)
	if current, err := os.Readlink(filepath.Join(dir, name)); err == nil && current == want {
		return nil
	}
	return replaceSymlink(dir, name, want)
}

// replaceSymlink atomically makes dir/name a symlink to target.
func replaceSymlink(dir, name, target string) error {
	tmp := filepath.Join(dir, dataDirTemp)
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to link %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// WriteCA atomically replaces the CA bundle in dir. It is skipped when the
// bundle on disk already matches caPEM.
func (w *Writer) WriteCA(dir string, caPEM []byte) error {
	if dir == "" || len(caPEM) == 0 {
		return nil
	}
	if current, err := os.ReadFile(filepath.Join(dir, CAFile)); err == nil && bytes.Equal(current, caPEM) {
		return nil
	}
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create CA directory %s: %w", dir, err)
	}
	return writeAtomic(dir, CAFile, caPEM, w.CertificateMode)
}

// Remove deletes the certificate layout from dir and then dir itself when
// nothing else is left in it. A missing dir is not an error.
func (w *Writer) Remove(dir string) error {
	if dir == "" {
		return nil
	}

	var errs []error
	for _, name := range []string{CertificateFile, KeyFile, DataDir, dataDirTemp} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", name, err))
		}
	}

	for _, pattern := range []string{versionDirPattern, tempPattern} {
		leftovers, _ := filepath.Glob(filepath.Join(dir, pattern))
		for _, path := range leftovers {
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read target path %s: %w", dir, err)
	case len(entries) > 0:
		return nil
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove target path %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether both files are readable through dir.
func Exists(dir string) bool {
	for _, name := range []string{CertificateFile, KeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func writeAtomic(dir, name string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
