package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the record does not exist remotely. On first sync this
	// is a routine outcome, not a conflict.
	ErrNotFound = errors.New("remote record not found")

	// ErrVersionMismatch means the remote row version moved past the version
	// the writer last read. The caller routes the pair of versions to the
	// conflict resolver instead of retrying blindly.
	ErrVersionMismatch = errors.New("remote version mismatch")

	// ErrUnauthorized means the backing store rejected the credentials.
	// Terminal: retrying without new credentials cannot succeed.
	ErrUnauthorized = errors.New("remote authorization failed")
)

// NetworkError wraps a transient transport failure. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error is a transient failure worth retrying
// with backoff. Version mismatches and authorization failures are not.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
