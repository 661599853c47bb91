package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Listing failures are reduced to these kinds so the CLI can choose an exit
// status without knowing which backend produced the error.
var (
	ErrNotFound            = errors.New("not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// ProviderError is a failed listing call on one source location.
//
// Err is the kind sentinel when the failure could be classified, otherwise
// the backend error itself. Cause is set only alongside a sentinel and
// keeps the backend error.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", strings.ToLower(e.Op), e.Location(), e.Err)
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

// Location renders the failing path as a URI, e.g. s3://inputs/batch or
// file://data.
func (e *ProviderError) Location() string {
	if e.Bucket == "" {
		return fmt.Sprintf("%s://%s", e.Provider, e.Key)
	}
	return strings.TrimSuffix(fmt.Sprintf("%s://%s/%s", e.Provider, e.Bucket, e.Key), "/")
}

func (e *ProviderError) Unwrap() []error {
	errs := []error{e.Err}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

func IsBucketNotFound(err error) bool { return errors.Is(err, ErrBucketNotFound) }

func IsInvalidCredentials(err error) bool { return errors.Is(err, ErrInvalidCredentials) }

func IsProviderUnavailable(err error) bool { return errors.Is(err, ErrProviderUnavailable) }

func IsThrottled(err error) bool { return errors.Is(err, ErrThrottled) }

// Transient reports whether the same listing may succeed if retried later.
func Transient(err error) bool {
	return IsThrottled(err) || IsProviderUnavailable(err)
}
