package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/taleforge/api/internal/config"
	"github.com/taleforge/api/internal/model"
)

// StorageClient defines the interface for object storage operations.
// Keys are bucket-relative; URIs have the form s3://bucket/key.
type StorageClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetURI(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	URI(key string) string
}

// S3Client implements StorageClient for any S3-compatible endpoint
type S3Client struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
}

// NewS3Client creates a new storage client
func NewS3Client(cfg *config.StorageConfig) (*S3Client, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("storage configuration incomplete: bucket name is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: cfg.UsePathStyle,
			}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.BucketName,
	}, nil
}

// Get downloads an object from the default bucket
func (c *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.getObject(ctx, c.bucketName, key)
}

// GetURI downloads an object addressed by s3:// URI or bare key
func (c *S3Client) GetURI(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, &model.StorageError{Op: "get", Key: uri, Err: err}
	}
	if bucket == "" {
		bucket = c.bucketName
	}
	return c.getObject(ctx, bucket, key)
}

func (c *S3Client) getObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &model.StorageError{Op: "get", Key: key, Err: translateS3Error(err)}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &model.StorageError{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Put uploads data and returns its s3:// URI
func (c *S3Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", &model.StorageError{Op: "put", Key: key, Err: err}
	}
	return c.URI(key), nil
}

// Exists reports whether the key is present
func (c *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(translateS3Error(err), model.ErrObjectNotFound) {
		return false, nil
	}
	return false, &model.StorageError{Op: "head", Key: key, Err: err}
}

// Delete removes an object
func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return &model.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// GetSignedURL generates a presigned URL for temporary access
func (c *S3Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", &model.StorageError{Op: "presign", Key: key, Err: err}
	}
	return req.URL, nil
}

func (c *S3Client) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucketName, key)
}

func translateS3Error(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return model.ErrObjectNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return model.ErrObjectNotFound
		}
	}
	return err
}

// ParseURI splits s3://bucket/key. A value without the scheme is a bare key
// in the default bucket and yields an empty bucket.
func ParseURI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		key = strings.TrimPrefix(uri, "/")
		if key == "" {
			return "", "", fmt.Errorf("empty object key")
		}
		return "", key, nil
	}
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 uri %q", uri)
	}
	return bucket, key, nil
}

// KeyFromURI returns the bucket-relative key of uri.
func KeyFromURI(uri string) (string, error) {
	_, key, err := ParseURI(uri)
	return key, err
}

// NewStorage builds the configured storage driver.
func NewStorage(cfg *config.StorageConfig) (StorageClient, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStorage(cfg.BucketName), nil
	case "", "s3":
		return NewS3Client(cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
