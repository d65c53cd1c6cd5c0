// Package archive uploads generated reports to S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jordanlanch/funnelsync/pkg/logger"
)

// PutObjectAPI is the part of the S3 client the archiver uses
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds archive configuration
type Config struct {
	Region             string
	Bucket             string
	Prefix             string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// Archiver stores report files under prefix/YYYY/MM/DD/
type Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
	log    logger.Logger
}

// NewS3Archiver builds an archiver from the default AWS chain. Static keys
// take precedence when both are set.
func NewS3Archiver(ctx context.Context, cfg Config, log logger.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix, log), nil
}

// New wraps an existing client
func New(client PutObjectAPI, bucket, prefix string, log logger.Logger) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		log:    log,
	}
}

// WithClock overrides the time source used for the date path
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Key returns the object key used for name
func (a *Archiver) Key(name string) string {
	return path.Join(a.prefix, a.now().UTC().Format("2006/01/02"), name)
}

// Upload stores body and returns its s3:// location
func (a *Archiver) Upload(ctx context.Context, name, contentType string, body []byte) (string, error) {
	key := a.Key(name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	location := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.log.Info("report archived", "location", location, "bytes", len(body))
	return location, nil
}
