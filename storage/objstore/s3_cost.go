package objstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Usage keeps track of the number of cheap and expensive requests. It is
// safe for concurrent use.
type S3Usage struct {
	cheapRequests     atomic.Int64
	expensiveRequests atomic.Int64
}

// Cost per 1,000 requests in microdollars (1 dollar = 1,000,000 microdollars)
const (
	cheapCostPerThousand     = 400   // $0.0004 = 400 microdollars
	expensiveCostPerThousand = 5_000 // $0.005 = 5000 microdollars
)

// AddCheapRequest increments the number of cheap requests
func (s *S3Usage) AddCheapRequest() {
	s.cheapRequests.Add(1)
}

// AddExpensiveRequest increments the number of expensive requests
func (s *S3Usage) AddExpensiveRequest() {
	s.expensiveRequests.Add(1)
}

func (s *S3Usage) Requests() (cheap, expensive int64) {
	return s.cheapRequests.Load(), s.expensiveRequests.Load()
}

// TotalCost calculates the total cost and returns it formatted as USD.
func (s *S3Usage) TotalCost() string {
	// Calculate the total cost in microdollars
	cheapCost := (s.cheapRequests.Load() * cheapCostPerThousand) / 1000
	expensiveCost := (s.expensiveRequests.Load() * expensiveCostPerThousand) / 1000
	totalMicrodollars := cheapCost + expensiveCost

	// Convert microdollars to dollars and cents
	dollars := totalMicrodollars / 1_000_000
	cents := (totalMicrodollars % 1_000_000) / 10_000
	remainderMicrodollars := (totalMicrodollars % 10_000) / 100

	// Format the cost
	if dollars > 0 || cents > 0 {
		return fmt.Sprintf("$%d.%02d", dollars, cents)
	}
	return fmt.Sprintf("$0.%04d", remainderMicrodollars)
}

// UsageS3Service counts the requests made through an S3Service. GET and HEAD
// are billed as cheap requests, everything else as expensive.
type UsageS3Service struct {
	S3Service
	Usage *S3Usage
}

func NewUsageS3Service(s S3Service) *UsageS3Service {
	return &UsageS3Service{S3Service: s, Usage: &S3Usage{}}
}

func (u *UsageS3Service) CopyObject(ctx context.Context, input *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	u.Usage.AddExpensiveRequest()
	return u.S3Service.CopyObject(ctx, input, optFns...)
}

func (u *UsageS3Service) GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	u.Usage.AddCheapRequest()
	return u.S3Service.GetObject(ctx, input, optFns...)
}

func (u *UsageS3Service) HeadObject(ctx context.Context, input *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	u.Usage.AddCheapRequest()
	return u.S3Service.HeadObject(ctx, input, optFns...)
}

func (u *UsageS3Service) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	u.Usage.AddExpensiveRequest()
	return u.S3Service.ListObjectsV2(ctx, input, optFns...)
}

func (u *UsageS3Service) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	u.Usage.AddExpensiveRequest()
	return u.S3Service.PutObject(ctx, input, optFns...)
}

func (u *UsageS3Service) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	// DELETE requests are free but are counted with the expensive tier to stay
	// conservative.
	u.Usage.AddExpensiveRequest()
	return u.S3Service.DeleteObject(ctx, input, optFns...)
}

var _ S3Service = (*UsageS3Service)(nil)
