package locations

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"reduction.dev/tablesink/storage/objstore"
)

// ReadFile reads one file given as a local path or an s3:// URI, such as a
// config file or a savepoint.
func ReadFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		client, err := newS3Client()
		if err != nil {
			return nil, err
		}
		return ReadS3File(client, path)
	}
	return ReadLocalFile(path)
}

func ReadLocalFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file %s: %w", path, err)
	}
	defer file.Close()

	return io.ReadAll(file)
}

// ReadS3File reads the object at uri through a location rooted at its bucket.
func ReadS3File(s3Client objstore.S3Service, uri string) ([]byte, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if !ok || key == "" {
		return nil, fmt.Errorf("invalid S3 URI, must include bucket and key: %s", uri)
	}
	loc, err := NewS3Location(s3Client, bucket)
	if err != nil {
		return nil, err
	}
	return loc.Read(key)
}
