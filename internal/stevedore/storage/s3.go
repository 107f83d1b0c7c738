package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"spyglass/pkg/logging"
)

// DefaultPresignExpiry bounds how long a signed PUT URL stays usable.
const DefaultPresignExpiry = 15 * time.Minute

// ErrObjectMissing is returned by Head when the key has no object behind
// it, which for Stevedore means the client never finished its PUT.
var ErrObjectMissing = errors.New("object not found in storage")

// Config holds the object storage settings for the upload landing zone.
type Config struct {
	Bucket    string // bucket name
	Prefix    string // key prefix for all uploads
	Region    string // AWS region (default: us-east-1)
	Endpoint  string // custom endpoint for S3-compatible storage (MinIO, etc.)
	AccessKey string // access key (optional, IAM role chain if empty)
	SecretKey string // secret key (optional, IAM role chain if empty)
}

// ObjectInfo is the subset of HeadObject output Stevedore verifies after
// a client reports its upload complete.
type ObjectInfo struct {
	SizeBytes int64
	ETag      string
}

// Client signs uploads into the landing bucket and verifies landed
// objects. It holds credentials; clients only ever see presigned URLs.
type Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	config  Config
	logger  logging.Logger
}

func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	// Explicit credentials when provided, otherwise the default chain
	// (IAM roles, env, shared config).
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO and most S3-compatible storage
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	logger.WithFields(logging.Fields{
		"bucket":   cfg.Bucket,
		"prefix":   cfg.Prefix,
		"region":   cfg.Region,
		"endpoint": cfg.Endpoint,
	}).Info("Upload storage client initialized")

	return &Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  cfg,
		logger:  logger,
	}, nil
}

func (c *Client) fullKey(key string) string {
	if c.config.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(c.config.Prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

// PresignPut signs a time-limited PUT URL for one object. The content
// type is baked into the signature, so a client cannot sign an mp4 and
// upload something else.
func (c *Client) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, time.Time, error) {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	fullKey := c.fullKey(key)

	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.config.Bucket),
		Key:         aws.String(fullKey),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate presigned PUT URL: %w", err)
	}

	expiresAt := time.Now().Add(expiry)
	c.logger.WithFields(logging.Fields{
		"bucket": c.config.Bucket,
		"key":    fullKey,
		"expiry": expiry,
	}).Info("Generated presigned PUT URL")

	return req.URL, expiresAt, nil
}

// Head verifies an object landed and reports its size and ETag.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	fullKey := c.fullKey(key)

	resp, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFoundError(err) {
			return ObjectInfo{}, ErrObjectMissing
		}
		return ObjectInfo{}, fmt.Errorf("failed to check object: %w", err)
	}

	info := ObjectInfo{}
	if resp.ContentLength != nil {
		info.SizeBytes = *resp.ContentLength
	}
	if resp.ETag != nil {
		info.ETag = strings.Trim(*resp.ETag, `"`)
	}
	return info, nil
}

// Delete removes a landed object, used when completion verification
// rejects it.
func (c *Client) Delete(ctx context.Context, key string) error {
	fullKey := c.fullKey(key)

	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"bucket": c.config.Bucket,
		"key":    fullKey,
	}).Info("Deleted rejected upload")
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.config.Bucket
}

// UploadKey builds the object key for an upload: the uploader's pubkey
// namespaces the object, the upload id keeps it unique and the original
// extension is preserved for downstream processing.
func UploadKey(pubKey, uploadID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("uploads/%s/%s%s", pubKey, uploadID, ext)
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "404")
}
