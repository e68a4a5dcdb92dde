package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
)

const (
	defaultS3RequestTimeout = 5 * time.Minute
	defaultPartSize         = 16 * 1024 * 1024
)

// S3Config describes an S3 compatible bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every key.
	Prefix string
	// PublicEndpoint is the base of the URLs handed to clients, e.g. a CDN.
	PublicEndpoint string
	UsePathStyle   bool
	RequestTimeout time.Duration
	PartSize       int64
	Breaker        BreakerConfig
	Logger         *slog.Logger
}

// BreakerConfig tunes the circuit breaker wrapped around S3 calls.
type BreakerConfig struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads through the aws-sdk-go-v2 multipart upload manager.
type S3Store struct {
	cfg      S3Config
	client   s3API
	uploader s3Uploader
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewS3Store loads AWS configuration from the environment, overridden by
// any static credentials and endpoint in cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			// S3 compatible servers often reject the newer default checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	partSize := cfg.PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = defaultPartSize
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	return newS3Store(cfg, client, uploader), nil
}

func newS3Store(cfg S3Config, client s3API, uploader s3Uploader) *S3Store {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultS3RequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.Breaker.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s3:" + cfg.Bucket,
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("object store circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &S3Store{
		cfg:      cfg,
		client:   client,
		uploader: uploader,
		breaker:  breaker,
		logger:   logger,
	}
}

func (s *S3Store) bucket(bucket string) string {
	if trimmed := strings.TrimSpace(bucket); trimmed != "" {
		return trimmed
	}
	return s.cfg.Bucket
}

func (s *S3Store) applyPrefix(key string) string {
	prefix := strings.Trim(strings.TrimSpace(s.cfg.Prefix), "/")
	if prefix == "" {
		return key
	}
	if key == prefix || strings.HasPrefix(key, prefix+"/") {
		return key
	}
	return prefix + "/" + key
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (Object, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	finalKey := s.applyPrefix(cleaned)
	target := s.bucket(bucket)
	counter := &countingReader{r: body}
	input := &s3.PutObjectInput{
		Bucket: aws.String(target),
		Key:    aws.String(finalKey),
		Body:   counter,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	result, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		return s.uploader.Upload(ctx, input)
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	obj := Object{Bucket: target, Key: finalKey, Size: counter.n, ContentType: contentType}
	if out, ok := result.(*manager.UploadOutput); ok && out != nil && out.ETag != nil {
		obj.ETag = strings.Trim(*out.ETag, `"`)
	}
	return obj, nil
}

func (s *S3Store) Stat(ctx context.Context, bucket, key string) (Object, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	finalKey := s.applyPrefix(cleaned)
	target := s.bucket(bucket)
	result, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(target),
			Key:    aws.String(finalKey),
		})
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return Object{}, fmt.Errorf("stat object %s: %w", finalKey, err)
	}
	out := result.(*s3.HeadObjectOutput)
	obj := Object{Bucket: target, Key: finalKey}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if out.ETag != nil {
		obj.ETag = strings.Trim(*out.ETag, `"`)
	}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	finalKey := s.applyPrefix(cleaned)
	target := s.bucket(bucket)
	_, err = s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(target),
			Key:    aws.String(finalKey),
		})
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

// PublicURL prefers the configured public endpoint, then a path-style URL on
// the custom endpoint, then the virtual-hosted AWS URL. Keys returned by Put
// already carry the prefix.
func (s *S3Store) PublicURL(bucket, key string) string {
	cleaned, err := cleanKey(key)
	if err != nil {
		return ""
	}
	finalKey := s.applyPrefix(cleaned)
	target := s.bucket(bucket)
	if base := strings.TrimSpace(s.cfg.PublicEndpoint); base != "" {
		return joinURL(base, finalKey)
	}
	if endpoint := strings.TrimSpace(s.cfg.Endpoint); endpoint != "" {
		return joinURL(endpoint, target, finalKey)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", target, s.cfg.Region, finalKey)
}

// BreakerState exposes the circuit breaker state for health reporting.
func (s *S3Store) BreakerState() string {
	return s.breaker.State().String()
}
