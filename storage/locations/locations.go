package locations

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"reduction.dev/tablesink/storage/objstore"
	"reduction.dev/tablesink/telemetry"
)

// New creates a StorageLocation type from the given path. Returns an
// S3Location if the path is an S3 URI, otherwise returns a local file
// system location.
func New(path string) (StorageLocation, error) {
	// Check if the path is an S3 URI
	if strings.HasPrefix(path, "s3://") {
		client, err := newS3Client()
		if err != nil {
			return nil, err
		}
		return NewS3Location(client, path)
	}

	// Otherwise, return a local file system location
	return NewLocalDirectory(path), nil
}

// newS3Client loads the default AWS configuration with request metrics on the
// HTTP transport and request counting for cost estimates.
func newS3Client() (objstore.S3Service, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithHTTPClient(&http.Client{
			Transport: telemetry.NewMetricsTransport("s3", nil),
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return objstore.NewUsageS3Service(s3.NewFromConfig(cfg)), nil
}
