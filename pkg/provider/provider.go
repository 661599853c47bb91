// Package provider defines the storage listing abstraction used to enumerate
// task inputs.
//
// Providers only list keys. Authentication uses SDK default credential chains - providers
// should not implement custom auth logic.
package provider

import (
	"context"
	"time"
)

// Provider lists the objects of one source.
//
// Implementations should:
//   - Use SDK default credential chains (AWS default config)
//   - Support pagination via continuation tokens
//   - Be safe for concurrent use
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	// Empty string starts from the beginning.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	// Objects contains the object summaries for this page.
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	// IsTruncated indicates whether more results are available.
	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key (path) relative to the provider root.
	Key string

	// Size is the object size in bytes.
	Size int64

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents the local filesystem.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ListAll pages through List until the listing is exhausted and returns
// every object in provider order.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var (
		objects []ObjectSummary
		token   string
	)
	for {
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		objects = append(objects, res.Objects...)

		if !res.IsTruncated || res.ContinuationToken == "" {
			return objects, nil
		}
		token = res.ContinuationToken
	}
}
