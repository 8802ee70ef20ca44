package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"plugin-runner/internal/config"
	"plugin-runner/internal/models"
)

var _ Store = (*S3)(nil)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 keeps artifacts as objects under prefix/<job id>/<name>.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 builds the S3 driver from config, honoring a custom endpoint for
// S3-compatible stores.
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	if cfg.ArtifactS3Bucket == "" {
		return nil, errors.New("ARTIFACT_S3_BUCKET is required for the s3 artifact driver")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	})
	return newS3WithClient(client, cfg.ArtifactS3Bucket, cfg.ArtifactS3Prefix), nil
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) key(jobID, name string) string {
	return path.Join(s.prefix, jobID, name)
}

// Persist uploads the artifact with If-None-Match so an existing object is
// never overwritten. PutObject returns after the object is durable.
func (s *S3) Persist(ctx context.Context, jobID string, r io.Reader, name, dataKind, mediaType string) (models.ArtifactRef, error) {
	if err := cleanJobID(jobID); err != nil {
		return models.ArtifactRef{}, err
	}
	name, err := cleanName(name)
	if err != nil {
		return models.ArtifactRef{}, err
	}

	// Buffer so the SDK can compute checksums and retry the body.
	body, err := io.ReadAll(r)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("read artifact: %w", err)
	}

	key := s.key(jobID, name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(mediaType),
		IfNoneMatch: aws.String("*"),
		Metadata:    map[string]string{"data-kind": dataKind},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "ConditionalRequestConflict") {
			return models.ArtifactRef{}, fmt.Errorf("%w: %s", ErrExists, key)
		}
		return models.ArtifactRef{}, fmt.Errorf("put object: %w", err)
	}

	return models.ArtifactRef{
		Name:      name,
		DataKind:  dataKind,
		MediaType: mediaType,
		URI:       fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Size:      int64(len(body)),
	}, nil
}

// Open streams the object body.
func (s *S3) Open(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	if err := cleanJobID(jobID); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(jobID, name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var respErr interface{ HTTPStatusCode() int }
		if errors.As(err, &noKey) || (errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, name)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}
