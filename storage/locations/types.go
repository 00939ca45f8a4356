package locations

import (
	"errors"
	"io"
	"iter"
)

type StorageLocation interface {
	// Write data to the given file path. The path is relative to whatever path
	// prefixes the location was initialized with. However the returned URI
	// represents the full path to this file.
	Write(path string, data io.Reader) (uri string, err error)
	// Read accepts a relative path or a URI returned by this location.
	Read(path string) ([]byte, error)
	// List yields the paths of all files, relative to the location, in lexical
	// order.
	List() iter.Seq2[string, error]
	URI(path string) (string, error)
	Copy(sourceURI string, destination string) error
	// Rename moves a file within the location, replacing any existing
	// destination. A missing source returns ErrNotFound.
	Rename(source string, destination string) error
	// Remove deletes files. Missing files are not an error.
	Remove(paths ...string) error
}

var ErrNotFound = errors.New("path not found")

// Exists reports whether a file is present at path.
func Exists(loc StorageLocation, path string) (bool, error) {
	_, err := loc.URI(path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
