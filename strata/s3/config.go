package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/justapithecus/strata/strata"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL.
	// Used for S3-compatible services (MinIO, LocalStack, R2).
	// Example: "http://localhost:4566" for LocalStack.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted
	// style. Required for some S3-compatible services (e.g., LocalStack,
	// MinIO with default config).
	UsePathStyle bool

	// Anonymous disables request signing for public buckets.
	Anonymous bool

	// Credentials are the AWS credentials to use.
	// If nil, uses the default credential chain.
	Credentials aws.CredentialsProvider
}

// NewClient creates a new S3 client with the given configuration.
//
// For AWS S3:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Region: "us-east-1"})
//
// For MinIO:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:       "us-east-1",
//	    Endpoint:     "http://localhost:9000",
//	    UsePathStyle: true,
//	    Credentials:  credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}
	if cfg.Anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Opts := []func(*s3.Options){}

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Secret keys recognized by ConfigFromSecrets.
const (
	SecretRegion       = "region"
	SecretEndpoint     = "endpoint"
	SecretAccessKey    = "access_key_id"
	SecretSecretKey    = "secret_access_key"
	SecretSessionToken = "session_token"
	SecretAnonymous    = "anonymous"
	SecretPathStyle    = "path_style"
)

// ConfigFromSecrets builds a ClientConfig from a flat secrets map, the
// shape connection parameters arrive in when passed alongside a URL.
// Unknown keys are ignored.
func ConfigFromSecrets(secrets strata.Secrets) ClientConfig {
	cfg := ClientConfig{
		Region:       secrets[SecretRegion],
		Endpoint:     secrets[SecretEndpoint],
		UsePathStyle: secrets[SecretPathStyle] == "true",
		Anonymous:    secrets[SecretAnonymous] == "true",
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if key := secrets[SecretAccessKey]; key != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(
			key, secrets[SecretSecretKey], secrets[SecretSessionToken])
	}
	return cfg
}

// NewFilesystemFromSecrets creates a filesystem whose client is configured
// entirely from a secrets map.
func NewFilesystemFromSecrets(ctx context.Context, secrets strata.Secrets) (*Filesystem, error) {
	client, err := NewClient(ctx, ConfigFromSecrets(secrets))
	if err != nil {
		return nil, err
	}
	return NewFilesystem(client)
}
