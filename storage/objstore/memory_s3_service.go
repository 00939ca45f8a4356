package objstore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MemoryS3Service is an in-memory implementation of the S3Service for testing.
type MemoryS3Service struct {
	data map[string][]byte
	mu   sync.Mutex
}

func NewMemoryS3Service() *MemoryS3Service {
	return &MemoryS3Service{
		data: make(map[string][]byte),
	}
}

func (m *MemoryS3Service) CopyObject(ctx context.Context, input *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sourceData, ok := m.data[*input.CopySource]
	if !ok {
		slog.Debug("source key not found", "key", *input.CopySource)
		return nil, &types.NoSuchKey{}
	}

	m.data[path.Join(*input.Bucket, *input.Key)] = slices.Clone(sourceData)
	return &s3.CopyObjectOutput{}, nil
}

func (m *MemoryS3Service) GetObject(ctx context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[path.Join(*input.Bucket, *input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// HeadObject returns NoSuchKey for missing objects to match GetObject.
func (m *MemoryS3Service) HeadObject(ctx context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[path.Join(*input.Bucket, *input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	size := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

func (m *MemoryS3Service) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Get sorted list of keys that match the prefix
	bucketAndPrefix := *input.Bucket + "/"
	if input.Prefix != nil {
		bucketAndPrefix += *input.Prefix
	}
	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, bucketAndPrefix) {
			keys = append(keys, strings.TrimPrefix(key, *input.Bucket+"/"))
		}
	}
	slices.Sort(keys)

	contents := make([]types.Object, 0, len(keys))
	for _, key := range keys {
		contents = append(contents, types.Object{
			Key: &key,
		})
	}

	return &s3.ListObjectsV2Output{
		Contents: contents,
	}, nil
}

func (m *MemoryS3Service) PutObject(ctx context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	buf, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path.Join(*input.Bucket, *input.Key)] = buf
	return &s3.PutObjectOutput{}, nil
}

func (m *MemoryS3Service) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, path.Join(*input.Bucket, *input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

var _ S3Service = (*MemoryS3Service)(nil)
