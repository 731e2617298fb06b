package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/promokit/promokit/internal/pkg/env"
)

// OutputStore persists finished generation outputs and returns a URL the
// client can fetch.
type OutputStore interface {
	StoreOutput(ctx context.Context, batchID string, batchIndex int, contentType string, body io.Reader, size int64) (string, error)
}

// S3Store writes outputs to an S3-compatible bucket under
// outputs/<batch>/<index>-<uuid>.
type S3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Store builds the output store from the environment. Works against AWS
// and S3-compatible endpoints (MinIO, Backblaze B2) via S3_ENDPOINT_URL.
func NewS3Store() (*S3Store, error) {
	region := env.GetEnv("S3_REGION", "us-east-1")
	endpoint := env.GetEnv("S3_ENDPOINT_URL", "")
	bucket := env.GetEnv("S3_BUCKET", "promokit-outputs")

	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			env.GetEnv("S3_ACCESS_KEY_ID", ""),
			env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	store := &S3Store{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(env.GetEnv("S3_PUBLIC_URL", ""), "/"),
	}

	_, err = client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", bucket, err)
	}

	log.Infof("[Storage] Successfully initialized S3 output store for bucket: %s", bucket)
	return store, nil
}

// StoreOutput uploads one output and returns its public URL. The random key
// suffix keeps retried jobs from overwriting an earlier upload.
func (s *S3Store) StoreOutput(ctx context.Context, batchID string, batchIndex int, contentType string, body io.Reader, size int64) (string, error) {
	objectKey := fmt.Sprintf("outputs/%s/%d-%s", batchID, batchIndex, uuid.New().String())

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload output to S3: %w", err)
	}

	log.Infof("[Storage] Uploaded output: s3://%s/%s", s.bucket, objectKey)
	return s.objectURL(objectKey), nil
}

func (s *S3Store) objectURL(objectKey string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + objectKey
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, objectKey)
}
