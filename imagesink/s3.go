package imagesink

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink uploads pages to a bucket
type S3Sink struct {
	uploader uploader
	bucket   string
	prefix   string
}

type S3Options struct {
	Bucket  string
	Prefix  string
	Region  string
	Profile string
}

func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	loaders := []func(*config.LoadOptions) error{
		config.WithRetryMode(aws.RetryModeAdaptive),
	}
	if opts.Profile != "" {
		loaders = append(loaders, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Sink{
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

func (s *S3Sink) Location(dir string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, path.Join(s.prefix, dir))
}

func (s *S3Sink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path.Join(s.prefix, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("error uploading s3://%s/%s: %w", s.bucket, path.Join(s.prefix, key), err)
	}
	return nil
}
