package s3

import (
	"errors"
	"fmt"
	"net/http"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrNotFound indicates the object or bucket does not exist.
	ErrNotFound = errors.New("s3: not found")
	// ErrPreconditionFailed indicates a conditional write lost to an existing object.
	ErrPreconditionFailed = errors.New("s3: precondition failed")
	// ErrAccessDenied indicates the credentials were rejected. Retrying will not help.
	ErrAccessDenied = errors.New("s3: access denied")
	// ErrInvalidRequest indicates the request itself was malformed.
	ErrInvalidRequest = errors.New("s3: invalid request")
)

// IsPermanent reports whether err will fail again no matter how often it is retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidRequest)
}

// classify maps SDK errors onto the package sentinels while keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noSuchBucket *s3types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case "InvalidArgument", "InvalidBucketName", "InvalidRequest":
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
	}

	return err
}
