package s3

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/3leaps/dartctl/pkg/provider"
)

// Provider lists the keys of one bucket on AWS S3 or an S3-compatible store.
type Provider struct {
	client   s3.ListObjectsV2APIClient
	bucket   string
	pageSize int
}

var _ provider.Provider = (*Provider)(nil)

// New resolves AWS configuration for cfg and returns a provider for
// cfg.Bucket. Credentials come from the SDK default chain unless cfg
// carries a static key pair.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "Open", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newWithClient(client, cfg.Bucket, cfg.MaxKeys), nil
}

func newWithClient(client s3.ListObjectsV2APIClient, bucket string, pageSize int) *Provider {
	return &Provider{client: client, bucket: bucket, pageSize: clampMaxKeys(pageSize, DefaultMaxKeys)}
}

// Bucket returns the bucket this provider lists.
func (p *Provider) Bucket() string { return p.bucket }

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// List returns one page of keys under opts.Prefix.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		MaxKeys: aws.Int32(int32(clampMaxKeys(opts.MaxKeys, p.pageSize))),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	page, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, p.classify("List", opts.Prefix, err)
	}

	res := &provider.ListResult{
		Objects:           make([]provider.ObjectSummary, 0, len(page.Contents)),
		ContinuationToken: aws.ToString(page.NextContinuationToken),
		IsTruncated:       aws.ToBool(page.IsTruncated),
	}
	for _, obj := range page.Contents {
		res.Objects = append(res.Objects, provider.ObjectSummary{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return res, nil
}

func (p *Provider) Close() error { return nil }

// errorCodes maps S3 API error codes to listing failure kinds.
var errorCodes = map[string]error{
	"NoSuchKey":             provider.ErrNotFound,
	"NotFound":              provider.ErrNotFound,
	"NoSuchBucket":          provider.ErrBucketNotFound,
	"AccessDenied":          provider.ErrAccessDenied,
	"AllAccessDisabled":     provider.ErrAccessDenied,
	"Forbidden":             provider.ErrAccessDenied,
	"InvalidAccessKeyId":    provider.ErrInvalidCredentials,
	"SignatureDoesNotMatch": provider.ErrInvalidCredentials,
	"ExpiredToken":          provider.ErrInvalidCredentials,
	"SlowDown":              provider.ErrThrottled,
	"Throttling":            provider.ErrThrottled,
	"RequestLimitExceeded":  provider.ErrThrottled,
	"ServiceUnavailable":    provider.ErrProviderUnavailable,
	"InternalError":         provider.ErrProviderUnavailable,
}

// classify wraps err in a ProviderError whose Err is the failure kind,
// judged by modeled error type, then API error code, then HTTP status.
func (p *Provider) classify(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderS3, Bucket: p.bucket, Key: key, Err: err}

	var (
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
		apiErr       smithy.APIError
		respErr      *smithyhttp.ResponseError
	)
	var kind error
	switch {
	case errors.As(err, &noSuchKey):
		kind = provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		kind = provider.ErrBucketNotFound
	case errors.As(err, &apiErr) && errorCodes[apiErr.ErrorCode()] != nil:
		kind = errorCodes[apiErr.ErrorCode()]
	case errors.As(err, &respErr):
		kind = statusKind(respErr.HTTPStatusCode())
	}
	if kind != nil {
		wrapped.Err, wrapped.Cause = kind, err
	}
	return wrapped
}

func statusKind(status int) error {
	switch {
	case status == http.StatusNotFound:
		return provider.ErrNotFound
	case status == http.StatusUnauthorized:
		return provider.ErrInvalidCredentials
	case status == http.StatusForbidden:
		return provider.ErrAccessDenied
	case status == http.StatusTooManyRequests:
		return provider.ErrThrottled
	case status >= http.StatusInternalServerError:
		return provider.ErrProviderUnavailable
	}
	return nil
}

// clampMaxKeys uses fallback for a non-positive request and caps the
// result at what S3 accepts per page.
func clampMaxKeys(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	return min(requested, MaxAllowedKeys)
}

// resolveRegion keeps the region the SDK resolved from config, environment
// or profile. AWS S3 without one falls back to DefaultAWSRegion; an
// S3-compatible endpoint gets no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" || endpoint != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}
