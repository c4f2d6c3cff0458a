package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
)

// s3API is the slice of the S3 client the mover needs.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mover uploads finished files to a bucket and removes the local copy.
type S3Mover struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ Mover = (*S3Mover)(nil)

// NewS3 creates an S3Mover using the default AWS credential chain.
func NewS3(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*S3Mover, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Mover{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(slog.String("component", "storage")),
	}, nil
}

func (m *S3Mover) Move(ctx context.Context, localPath, filename string) (string, error) {
	if filename == "" {
		filename = path.Base(localPath)
	}
	key := path.Join(m.prefix, filename)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}

	if err := os.Remove(localPath); err != nil {
		m.logger.Warn("staging file left behind after upload",
			slog.String("path", localPath), slog.String("error", err.Error()))
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}
