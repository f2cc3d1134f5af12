package s3

import (
	"bytes"
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MetadataSHA256 is the user metadata key carrying the hex digest of an object.
const MetadataSHA256 = "sha256"

// API is the subset of the AWS S3 client used by Client.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Options configures a Client. Empty credentials fall back to the default AWS chain.
type Options struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	DisableTLS     bool
	ForcePathStyle bool
	// HTTPTimeout bounds a whole request including the body. Zero leaves it to the caller's context.
	HTTPTimeout time.Duration
}

// ObjectInfo is the metadata returned by HEAD and GET requests.
type ObjectInfo struct {
	Size         int64
	LastModified time.Time
	ETag         string
	Metadata     map[string]string
}

// Client is a thin wrapper around the AWS SDK v2 S3 client tuned for S3-compatible endpoints.
type Client struct {
	api API
}

// NewClient initialises a Client from opts.
//
// SDK level retries are disabled; callers own the retry policy.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if opts.DisableTLS {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
		awsconfig.WithHTTPClient(&http.Client{
			Timeout:   opts.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if opts.AccessKey != "" || opts.SecretKey != "" {
		if opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("s3 access key and secret key must be set together")
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Client{api: client}, nil
}

// NewFromAPI wraps an existing API implementation.
func NewFromAPI(api API) *Client {
	return &Client{api: api}
}

// PutObject uploads data to the given bucket/key. sha256 is the hex digest of
// the body and becomes the request checksum; it is also recorded as the sha256
// user metadata unless meta already carries that key.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string, meta map[string]string) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(sha256)
	if err != nil {
		return err
	}

	metadata := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		metadata[k] = v
	}
	if _, ok := metadata[MetadataSHA256]; !ok {
		metadata[MetadataSHA256] = sha256
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          metadata,
	})
	return classify(err)
}

// PutObjectIfAbsent writes body only if no object exists at key.
// It returns ErrPreconditionFailed when the key is already taken.
func (c *Client) PutObjectIfAbsent(ctx context.Context, bucket, key string, body []byte, meta map[string]string) error {
	if c == nil {
		return errors.New("nil client")
	}
	size := int64(len(body))
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &bucket,
		Key:           &key,
		Body:          bytes.NewReader(body),
		ContentLength: &size,
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
		Metadata:      meta,
	})
	return classify(err)
}

// HeadObject fetches object metadata without the body.
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if c == nil {
		return ObjectInfo{}, errors.New("nil client")
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return ObjectInfo{}, classify(err)
	}
	return ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Metadata:     copyMetadata(out.Metadata),
	}, nil
}

// GetObject opens the object body for streaming. The caller closes the reader.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if c == nil {
		return nil, ObjectInfo{}, errors.New("nil client")
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, ObjectInfo{}, classify(err)
	}
	info := ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Metadata:     copyMetadata(out.Metadata),
	}
	return out.Body, info, nil
}

// DeleteObject removes the object. Deleting a missing key is not an error.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	if c == nil {
		return errors.New("nil client")
	}
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err = classify(err); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
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
