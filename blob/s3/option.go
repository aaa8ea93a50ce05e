package s3

import (
	"log/slog"
)

// options holds S3 store configuration.
type options struct {
	// Bucket configuration
	bucket string
	prefix string
	region string

	// Custom endpoint (for S3-compatible services like MinIO)
	endpoint     string
	usePathStyle bool

	// Static credentials (Access Key + Secret Key)
	accessKey    string
	secretKey    string
	sessionToken string

	// IAM Role-based access
	roleARN         string
	roleSessionName string
	externalID      string

	// Logger
	logger *slog.Logger
}

// Option configures the S3 store.
type Option func(*options)

// WithBucket sets the S3 bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the key prefix for blobs.
// Default is "blobs".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRegion sets the AWS region.
// Default is "us-east-1".
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithEndpoint sets a custom S3 endpoint for S3-compatible services (MinIO, LocalStack, etc.).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPathStyle enables path-style addressing (required for some S3-compatible services).
func WithPathStyle(enabled bool) Option {
	return func(o *options) {
		o.usePathStyle = enabled
	}
}

// WithStaticCredentials sets static AWS credentials (Access Key + Secret Key).
// Use this for programmatic access with long-term credentials.
// For Kubernetes, prefer IAM Roles for Service Accounts (IRSA) instead.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// WithSessionToken sets an optional session token for temporary credentials.
// Use with WithStaticCredentials when using STS temporary credentials.
func WithSessionToken(token string) Option {
	return func(o *options) {
		o.sessionToken = token
	}
}

// WithAssumeRole configures IAM role assumption.
// The store will use STS AssumeRole to get temporary credentials.
// roleARN: The ARN of the role to assume (e.g., "arn:aws:iam::123456789012:role/MyRole")
// sessionName: A name for the assumed role session (optional, defaults to "datastore-blob-store")
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		if sessionName != "" {
			o.roleSessionName = sessionName
		} else {
			o.roleSessionName = "datastore-blob-store"
		}
	}
}

// WithExternalID sets the external ID for role assumption.
// Used for cross-account access when the role requires an external ID.
func WithExternalID(externalID string) Option {
	return func(o *options) {
		o.externalID = externalID
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
