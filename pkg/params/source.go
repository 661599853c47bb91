// Package params enumerates task inputs from a local directory or an S3
// prefix and renders one parameter string per input.
package params

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for source parsing.
var (
	// ErrUnsupportedScheme indicates a source URL whose scheme has no
	// enumeration backend.
	ErrUnsupportedScheme = errors.New("unsupported storage scheme")

	// ErrInvalidSource indicates an empty or malformed source.
	ErrInvalidSource = errors.New("invalid source")
)

// Supported schemes. A source without a scheme is a local directory.
const (
	SchemeLocal = ""
	SchemeS3    = "s3"
	SchemeS3A   = "s3a"
)

// Source is a parsed data source.
type Source struct {
	// Scheme is empty for local directories.
	Scheme string

	// Bucket is set for object-storage sources.
	Bucket string

	// Path is the local directory, or the key prefix inside Bucket.
	Path string
}

// IsLocal reports whether the source names a local directory.
func (s Source) IsLocal() bool { return s.Scheme == SchemeLocal }

func (s Source) String() string {
	if s.IsLocal() {
		return s.Path
	}
	if s.Path == "" {
		return s.Scheme + "://" + s.Bucket
	}
	return s.Scheme + "://" + s.Bucket + "/" + s.Path
}

// ParseSource splits a source into scheme, bucket and path.
//
//	/data/inputs          -> local /data/inputs
//	s3://bucket/prefix    -> s3 bucket=bucket path=prefix
//	ftp://host/x          -> ErrUnsupportedScheme
func ParseSource(source string) (Source, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Source{}, fmt.Errorf("%w: empty source", ErrInvalidSource)
	}

	idx := strings.Index(source, "://")
	if idx < 0 {
		return Source{Scheme: SchemeLocal, Path: source}, nil
	}

	scheme := strings.ToLower(source[:idx])
	rest := source[idx+3:]
	switch scheme {
	case SchemeS3, SchemeS3A:
	default:
		return Source{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Source{}, fmt.Errorf("%w: %s source without bucket", ErrInvalidSource, scheme)
	}
	return Source{Scheme: scheme, Bucket: bucket, Path: prefix}, nil
}
