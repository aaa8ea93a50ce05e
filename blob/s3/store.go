// Package s3 provides an S3-based blob store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rbaliyan/datastore/blob"
)

// Store implements blob.Store using AWS S3.
type Store struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new S3 blob store.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		region: "us-east-1",
		prefix: "blobs",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if o.endpoint != "" {
			opts.BaseEndpoint = aws.String(o.endpoint)
			opts.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildAWSConfig builds AWS config based on authentication options.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	var optFns []func(*config.LoadOptions) error

	optFns = append(optFns, config.WithRegion(o.region))

	switch {
	case o.accessKey != "" && o.secretKey != "":
		// Static credentials (Access Key + Secret Key)
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		// IAM Role - use STS AssumeRole
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		stsCreds := newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)
		optFns = append(optFns, config.WithCredentialsProvider(stsCreds))

	default:
		// Default credential chain (env vars, shared config, EC2/EKS roles).
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// Put uploads blob content to S3 under its content hash.
// If an object for the hash already exists the upload is skipped.
func (s *Store) Put(ctx context.Context, hash string, content io.Reader) error {
	if err := blob.ValidateHash(hash); err != nil {
		return err
	}
	key := s.objectKey(hash)

	// Content-addressed objects are immutable, so an existing object
	// already holds the right bytes.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		s.logger.Debug("blob already in s3", "bucket", s.bucket, "key", key)
		return nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return fmt.Errorf("head object from s3: %w", err)
	}

	input := &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        content,
		ContentType: aws.String("application/octet-stream"),
	}
	if _, err := s.tm.UploadObject(ctx, input); err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Debug("uploaded blob to s3", "bucket", s.bucket, "key", key)
	return nil
}

// Get returns a reader for the blob content.
func (s *Store) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := blob.ValidateHash(hash); err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("get object from s3: %w", err)
	}

	return output.Body, nil
}

// Delete removes the blob from S3.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := blob.ValidateHash(hash); err != nil {
		return err
	}
	key := s.objectKey(hash)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object from s3: %w", err)
	}

	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", key)
	return nil
}

// objectKey derives the S3 key for a hash.
// The two-character fan-out keeps listing tools usable on large buckets.
func (s *Store) objectKey(hash string) string {
	return path.Join(s.prefix, hash[:2], hash)
}
