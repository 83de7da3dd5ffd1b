package blob

import "errors"

// ============================================================================
// Standard Blob Driver Errors
// ============================================================================

// Implementations wrap these errors with the offending hash:
//
//	return fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)

var (
	// ErrBlobNotFound indicates no committed blob exists for (format, hash).
	//
	// Returned by Erase. GetBlob reports absence with a nil blob instead.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrStagingClosed indicates Commit or Reject was called on a staged
	// blob that was already resolved the other way.
	ErrStagingClosed = errors.New("staged blob already resolved")

	// ErrDigestMismatch indicates received bytes do not hash to the expected
	// digest.
	ErrDigestMismatch = errors.New("blob digest mismatch")

	// ErrInvalidFormat indicates an empty or malformed format name.
	ErrInvalidFormat = errors.New("invalid blob format")
)
