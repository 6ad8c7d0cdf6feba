package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores blobs in an S3-compatible object store under
// s3://<bucket>/artifacts/<sha256>.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend loads the default AWS config (region, credentials
// chain) and returns a backend bound to bucket.
func NewS3Backend(ctx context.Context, bucket string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: failed to load AWS config: %w", err)
	}
	return &S3Backend{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (b *S3Backend) key(sha256 string) string {
	return fmt.Sprintf("artifacts/%s", sha256)
}

func (b *S3Backend) url(sha256 string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key(sha256))
}

// Put uploads data under s3://<bucket>/artifacts/<sha256>.
func (b *S3Backend) Put(ctx context.Context, sha256 string, data []byte) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(sha256)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("artifactstore: failed to upload blob: %w", err)
	}
	return b.url(sha256), nil
}

// Get downloads the object referenced by the s3:// storage URL.
func (b *S3Backend) Get(ctx context.Context, storageURL string) ([]byte, error) {
	bucket, key, err := parseS3URL(storageURL)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrBlobMissing
		}
		return nil, fmt.Errorf("artifactstore: failed to download blob: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: failed to read blob body: %w", err)
	}
	return data, nil
}

func parseS3URL(storageURL string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(storageURL, "s3://")
	if rest == storageURL {
		return "", "", fmt.Errorf("artifactstore: not an s3:// url: %s", storageURL)
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("artifactstore: malformed s3 url: %s", storageURL)
	}
	return parts[0], parts[1], nil
}
