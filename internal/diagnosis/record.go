// Package diagnosis holds the data model of the upload-to-inference pipeline
// and the decoder that turns collaborator output into a Record.
package diagnosis

import (
	"io"
	"time"
)

// Upload is an inbound image as received from the caller.
type Upload struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// Outcome is what the collaborator process left behind once it exited.
type Outcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Record is the decoded diagnosis returned to callers.
type Record struct {
	Condition   string  `json:"condition"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
	// Positive is false for the "no abnormality" outcome.
	Positive bool `json:"-"`
}

// State is a step in the per-request lifecycle.
type State string

const (
	StateReceived  State = "received"
	StateStaged    State = "staged"
	StateInvoked   State = "invoked"
	StateDecoded   State = "decoded"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
