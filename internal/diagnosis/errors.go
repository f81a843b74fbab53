package diagnosis

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so the request boundary can map them to responses.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation means the caller supplied missing or malformed input.
	KindValidation
	// KindStorage means the upload could not be staged locally.
	KindStorage
	// KindInvocation means the collaborator could not be started or timed out.
	KindInvocation
	// KindDecode means the collaborator output was not a well-formed result.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindInvocation:
		return "invocation"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// ErrNoImage is the validation cause for a request without an image.
var ErrNoImage = errors.New("no image uploaded")

// ErrTooLarge is the validation cause for an upload over the size limit.
var ErrTooLarge = errors.New("image too large")

// Error is the single error type produced by the pipeline.
type Error struct {
	Kind      Kind
	Op        string
	RequestID string

	// Raw holds the collaborator's standard output verbatim for decode failures.
	Raw string
	// Timeout is set on invocation failures caused by the bounded wait expiring.
	Timeout bool

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request_id=%s)", msg, e.RequestID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewValidationError reports caller input that cannot be processed.
func NewValidationError(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// NewStorageError reports a failure to stage or release an artifact.
func NewStorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// NewInvocationError reports a collaborator that could not be started.
func NewInvocationError(op string, err error) *Error {
	return &Error{Kind: KindInvocation, Op: op, Err: err}
}

// NewTimeoutError reports a collaborator that did not exit within the bounded wait.
func NewTimeoutError(op string, err error) *Error {
	return &Error{Kind: KindInvocation, Op: op, Timeout: true, Err: err}
}

// NewDecodeError reports unparsable collaborator output, keeping it verbatim.
func NewDecodeError(op, raw string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Raw: raw, Err: err}
}

// KindOf extracts the failure kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// WithRequestID stamps the request identifier onto a pipeline error in place.
func WithRequestID(err error, requestID string) error {
	var e *Error
	if errors.As(err, &e) && e.RequestID == "" {
		e.RequestID = requestID
	}
	return err
}
