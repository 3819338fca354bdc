package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const md5MetadataKey = "content-md5"

// Config describes an S3-compatible endpoint and the bucket holding archives.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	DisableTLS     bool
	ForcePathStyle bool
}

// ObjectInfo is the subset of object metadata the archiver compares.
type ObjectInfo struct {
	MD5  string
	Size int64
}

// PutOptions carries the integrity data sent with an upload.
type PutOptions struct {
	MD5  string
	Size int64
}

// Client is a thin wrapper around the AWS SDK v2 S3 client scoped to one bucket.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
	http    *http.Client

	mu   sync.Mutex
	dirs map[string]struct{}
}

// ConfigFromEnv reads the project's S3 environment variables.
//
// Required environment variables:
//   - S3_ENDPOINT: host:port or full URL to the S3 endpoint.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials.
//   - S3_BUCKET: bucket holding archives and agent bundles.
//
// Optional environment variables:
//   - S3_REGION (default "us-east-1").
//   - S3_DISABLE_TLS (bool; default false) to toggle TLS usage.
//   - S3_FORCE_PATH_STYLE (bool; default true).
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Endpoint:       strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		Region:         os.Getenv("S3_REGION"),
		Bucket:         os.Getenv("S3_BUCKET"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		ForcePathStyle: true,
	}
	cfg.DisableTLS, _ = strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.ForcePathStyle = parsed
		}
	}
	return cfg, cfg.Validate()
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("S3 endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("S3 access and secret keys are required")
	}
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// NewClientFromEnv initialises a Client from ConfigFromEnv.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, nil)
}

// New builds a client for cfg. httpClient may carry a proxying transport;
// nil selects a plain client with a 30s timeout.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if cfg.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		http:    httpClient,
		dirs:    make(map[string]struct{}),
	}, nil
}

// Bucket returns the bucket the client writes to.
func (c *Client) Bucket() string { return c.bucket }

// Close releases idle connections held by the client's transport.
func (c *Client) Close() error {
	if c == nil || c.http == nil {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}

// Info returns the stored content hash of the object at p, or ErrNotFound.
func (c *Client) Info(ctx context.Context, p string) (ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(p)),
	})
	if err != nil {
		return ObjectInfo{}, classify(err)
	}
	info := ObjectInfo{MD5: out.Metadata[md5MetadataKey]}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if info.MD5 == "" && out.ETag != nil {
		info.MD5 = md5FromETag(*out.ETag)
	}
	return info, nil
}

// Mkdirp ensures a directory marker exists for dir. Markers already
// written by this client are not rewritten.
func (c *Client) Mkdirp(ctx context.Context, dir string) error {
	key := objectKey(path.Clean(dir))
	if key == "" || key == "." {
		return nil
	}
	key += "/"

	c.mu.Lock()
	_, done := c.dirs[key]
	c.mu.Unlock()
	if done {
		return nil
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		IfNoneMatch:   aws.String("*"),
	})
	if err = classify(err); err != nil && !errors.Is(err, ErrPreconditionFailed) {
		return fmt.Errorf("mkdirp %s: %w", dir, err)
	}

	c.mu.Lock()
	c.dirs[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Put creates the object at p. It never overwrites: an existing object
// yields ErrPreconditionFailed.
func (c *Client) Put(ctx context.Context, p string, body io.Reader, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objectKey(p)),
		Body:          body,
		ContentLength: aws.Int64(opts.Size),
		IfNoneMatch:   aws.String("*"),
	}
	if opts.MD5 != "" {
		input.ContentMD5 = aws.String(opts.MD5)
		input.Metadata = map[string]string{md5MetadataKey: opts.MD5}
	}
	_, err := c.api.PutObject(ctx, input)
	return classify(err)
}

// PutObject uploads data to key with checksum metadata, replacing any existing object.
func (c *Client) PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(objectKey(key)),
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": sha256,
		},
	})
	return classify(err)
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey(key)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

func objectKey(p string) string {
	return strings.TrimLeft(p, "/")
}

// md5FromETag converts a single-part ETag to the base64 form used in
// Content-MD5. Multipart ETags carry no content hash.
func md5FromETag(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 {
		return ""
	}
	raw, err := hex.DecodeString(etag)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
