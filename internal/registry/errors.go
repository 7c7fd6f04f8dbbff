package registry

import "errors"

var (
	// ErrAccessDenied is returned for any lookup by a principal outside
	// sharedWith. Missing files return the same error so existence is never
	// disclosed to unauthorized callers.
	ErrAccessDenied = errors.New("access denied")

	// ErrChecksumMismatch is returned when an announce presents a checksum
	// that differs from the canonical value fixed by the first announce.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrFileNotFound is returned from internal paths where the caller's
	// authorization has already been established.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidAnnounce is returned when announce parameters are
	// inconsistent, e.g. chunk count not matching file size.
	ErrInvalidAnnounce = errors.New("invalid announce")
)
