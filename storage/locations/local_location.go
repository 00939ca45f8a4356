package locations

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

type LocalDirectory struct {
	path string
}

func NewLocalDirectory(path string) *LocalDirectory {
	return &LocalDirectory{path: filepath.Clean(path)}
}

func (d *LocalDirectory) Write(path string, data io.Reader) (string, error) {
	fullPath := d.resolve(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o777); err != nil {
		return "", fmt.Errorf("LocalDirectory.Write creating directory for %s: %w", fullPath, err)
	}

	// Write to a temporary sibling and rename so readers never see a partial
	// file.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-"+filepath.Base(fullPath)+"-*")
	if err != nil {
		return "", fmt.Errorf("LocalDirectory.Write creating file %s: %w", fullPath, err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("LocalDirectory.Write writing %s: %w", fullPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("LocalDirectory.Write renaming into %s: %w", fullPath, err)
	}
	return fullPath, nil
}

func (d *LocalDirectory) Read(path string) ([]byte, error) {
	return ReadLocalFile(d.resolve(path))
}

func (d *LocalDirectory) List() iter.Seq2[string, error] {
	errStop := errors.New("walk-dir-stop")

	return func(yield func(string, error) bool) {
		err := filepath.WalkDir(d.path, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return errStop
				}
				return err
			}
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
				return nil
			}
			rel, err := filepath.Rel(d.path, p)
			if err != nil {
				return err
			}
			if !yield(filepath.ToSlash(rel), nil) {
				return errStop
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			yield("", err)
		}
	}
}

func (d *LocalDirectory) URI(path string) (string, error) {
	fullPath := d.resolve(path)
	_, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return fullPath, nil
}

func (d *LocalDirectory) Copy(sourceURI string, destination string) error {
	src, err := os.Open(d.resolve(sourceURI))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer src.Close()

	_, err = d.Write(destination, src)
	return err
}

func (d *LocalDirectory) Rename(source string, destination string) error {
	destinationPath := d.resolve(destination)
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o777); err != nil {
		return fmt.Errorf("LocalDirectory.Rename creating directory for %s: %w", destinationPath, err)
	}
	err := os.Rename(d.resolve(source), destinationPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rename %s: %w", source, ErrNotFound)
	}
	return err
}

func (d *LocalDirectory) Remove(paths ...string) error {
	var compositeErr error
	for _, path := range paths {
		err := os.Remove(d.resolve(path))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			compositeErr = errors.Join(compositeErr, fmt.Errorf("LocalDirectory.Remove %s: %w", path, err))
		}
	}
	return compositeErr
}

// resolve joins relative paths to the directory and leaves absolute paths
// alone.
func (d *LocalDirectory) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.path, filepath.FromSlash(path))
}

var _ StorageLocation = (*LocalDirectory)(nil)
