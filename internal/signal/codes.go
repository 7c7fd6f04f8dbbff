package signal

import (
	"errors"
	"fmt"

	"github.com/ssd-technologies/swarmdrop/internal/access"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

// Wire error codes surfaced to clients.
const (
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeShareLimit       = "SHARE_LIMIT_EXCEEDED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodePeerOffline      = "PEER_OFFLINE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL"
)

// codeFor maps registry and access errors onto wire codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, registry.ErrChecksumMismatch):
		return CodeChecksumMismatch
	case errors.Is(err, registry.ErrFileNotFound):
		return CodeFileNotFound
	case errors.Is(err, registry.ErrInvalidAnnounce):
		return CodeBadRequest
	case errors.Is(err, access.ErrLimitExceeded):
		return CodeShareLimit
	case errors.Is(err, access.ErrPermissionDenied):
		return CodePermissionDenied
	default:
		return CodeInternal
	}
}

// WireError is a coordinator error as seen by the client.
type WireError struct {
	Code string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("coordinator: %s", e.Code)
}

// IsCode reports whether err is a WireError with the given code.
func IsCode(err error, code string) bool {
	var we *WireError
	return errors.As(err, &we) && we.Code == code
}
