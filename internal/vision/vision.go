package vision

import (
	"context"
	"fmt"
)

// Request is a single chat-completion call carrying one inline image.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// ImageDataURI is a data: URI with the base64 encoded image.
	ImageDataURI string
}

// Client exposes the subset of the multimodal API used by the verification flow.
// Complete returns the text of the first completion choice.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// StatusError describes a failed upstream exchange. StatusCode is zero when no
// HTTP response was received (network failure, timeout).
type StatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream unreachable: %s", e.Message)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// EmptyReplyError is returned when the upstream answered without any choice.
type EmptyReplyError struct{}

func (EmptyReplyError) Error() string { return "upstream returned no choices" }
