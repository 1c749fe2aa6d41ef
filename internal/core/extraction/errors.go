package extraction

import "fmt"

// FileValidationError reports an image rejected before any provider
// call was made. It is never retryable.
type FileValidationError struct {
	Reason string
}

func (e *FileValidationError) Error() string {
	return fmt.Sprintf("invalid receipt image: %s", e.Reason)
}

// ExtractionError reports a provider response that could not be turned
// into a structured receipt. Transient marks failures worth retrying
// with backoff (rate limits, provider outages, timeouts); everything
// else fails the run immediately.
type ExtractionError struct {
	Stage     string
	Transient bool
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed at %s: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func newTransientError(stage string, err error) *ExtractionError {
	return &ExtractionError{Stage: stage, Transient: true, Err: err}
}

func newPermanentError(stage string, err error) *ExtractionError {
	return &ExtractionError{Stage: stage, Transient: false, Err: err}
}
