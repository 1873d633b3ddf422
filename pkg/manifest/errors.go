package manifest

import "errors"

var (
	// ErrVerification is the umbrella for every validator rejection. Update
	// handling treats any error wrapping it as reject-before-write.
	ErrVerification = errors.New("agent verification failed")

	ErrMalformedManifest = errors.New("malformed manifest")
	ErrMalformedImage    = errors.New("malformed agent image")
	ErrImageDigest       = errors.New("image digest mismatch")
	ErrBudgetExceeded    = errors.New("declared resource budget exceeds device capacity")
)
