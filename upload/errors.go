package upload

import "errors"

var (
	// ErrInvalidConfiguration means the controller configuration is unusable;
	// detected before any network call.
	ErrInvalidConfiguration = errors.New("invalid upload configuration")

	// ErrUploadInProgress is returned when Upload is called while a prior
	// upload is still running. The call is rejected, not queued.
	ErrUploadInProgress = errors.New("an upload is already in progress")

	// ErrSessionInitFailed wraps a failure to open the remote session.
	ErrSessionInitFailed = errors.New("session initialization failed")

	// ErrFinalizeFailed wraps a digest mismatch or remote assembly error.
	ErrFinalizeFailed = errors.New("upload finalization failed")

	// ErrCancelled is the result of a cooperative abort via Cancel. It is
	// never retried and never counted as a transmit failure.
	ErrCancelled = errors.New("upload cancelled")

	// ErrNoFileToRetry is returned by Retry when no source is retained from
	// a failed attempt (for example after an explicit Cancel, which drops it).
	ErrNoFileToRetry = errors.New("no source file retained to retry")
)
