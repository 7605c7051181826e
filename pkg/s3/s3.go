// Package s3 talks to the S3-compatible object store holding bundle archives.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"forged/pkg/config"
)

// Client is a thin wrapper around the AWS SDK v2 S3 client tuned for self-hosted endpoints.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// New builds a Client from the S3_* settings.
func New(ctx context.Context, cfg config.S3Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	base := endpointURL(endpoint, cfg.DisableTLS)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(base)
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func endpointURL(endpoint string, disableTLS bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https"
	if disableTLS {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, endpoint)
}

// PutObject uploads data to bucket/key with a SHA-256 checksum the server verifies.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ContentType:       aws.String("application/zstd"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": sha256,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}

	return req.URL, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode sha256: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
