package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/depotlab/commons/pkg/config"
)

var tracer = otel.Tracer("commons/files")

// TooLargeError is returned when an uploaded logo exceeds the configured
// size limit.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("logo exceeds the maximum size of %d bytes", e.Limit)
}

// NotFoundError is returned when a community has no stored logo.
type NotFoundError struct {
	CommunityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no logo stored for community %s", e.CommunityID)
}

// objectAPI is the subset of the S3 client used by the logo store.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// LogoStore reads and writes community logos in object storage.
type LogoStore struct {
	client  objectAPI
	bucket  string
	maxSize int64
}

// NewLogoStore creates a logo store from the files configuration.
func NewLogoStore(ctx context.Context, cfg config.FilesConfig) (*LogoStore, error) {
	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials, used with MinIO or explicit AWS keys.
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars).
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &LogoStore{client: client, bucket: cfg.S3Bucket, maxSize: cfg.MaxLogoSize}, nil
}

func logoKey(communityID string) string {
	return fmt.Sprintf("communities/%s/logo", communityID)
}

// PutLogo uploads a community logo, replacing any previous image. The
// upload is rejected with a TooLargeError if it exceeds the configured
// maximum size.
func (s *LogoStore) PutLogo(ctx context.Context, communityID string, content io.Reader, contentType string) error {
	key := logoKey(communityID)
	ctx, span := tracer.Start(ctx, "LogoStore.PutLogo",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
			attribute.String("content.type", contentType),
		),
	)
	defer span.End()

	// Read one byte past the limit so oversized uploads are detected
	// without buffering the whole stream.
	data, err := io.ReadAll(io.LimitReader(content, s.maxSize+1))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read logo content")
		return fmt.Errorf("failed to read logo content: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return &TooLargeError{Limit: s.maxSize}
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	hash := sha256.Sum256(data)
	checksum := hex.EncodeToString(hash[:])

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": checksum,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload logo")
		return fmt.Errorf("failed to upload logo: %w", err)
	}

	span.SetStatus(codes.Ok, "logo uploaded")
	return nil
}

// GetLogo returns the stored logo and its content type. The caller must
// close the returned reader.
func (s *LogoStore) GetLogo(ctx context.Context, communityID string) (io.ReadCloser, string, error) {
	key := logoKey(communityID)
	ctx, span := tracer.Start(ctx, "LogoStore.GetLogo",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", &NotFoundError{CommunityID: communityID}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get logo")
		return nil, "", fmt.Errorf("failed to get logo: %w", err)
	}

	contentType := ""
	if result.ContentType != nil {
		contentType = *result.ContentType
	}
	span.SetStatus(codes.Ok, "logo retrieved")
	return result.Body, contentType, nil
}

// HasLogo reports whether a logo is stored for the community.
func (s *LogoStore) HasLogo(ctx context.Context, communityID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(logoKey(communityID)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check logo existence: %w", err)
	}
	return true, nil
}

// DeleteLogo removes a community's logo. Deleting a missing logo is not
// an error.
func (s *LogoStore) DeleteLogo(ctx context.Context, communityID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(logoKey(communityID)),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete logo: %w", err)
	}
	return nil
}

// HealthCheck verifies object storage connectivity.
func (s *LogoStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("object storage health check failed: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
