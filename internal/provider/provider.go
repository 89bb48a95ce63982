package provider

import (
	"context"
	"fmt"

	"animalchat-engine/internal/domain"
)

// ErrorKind classifies provider failures for retry and caller-side handling.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "RateLimited"
	KindTimeout        ErrorKind = "Timeout"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindUnavailable    ErrorKind = "Unavailable"
	KindUnknown        ErrorKind = "Unknown"
)

// Retryable reports whether the kind is transient and safe to retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status when applicable, 0 otherwise
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Usage is aggregate token accounting for one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is a provider-agnostic generation request.
type Request struct {
	Model          string
	Messages       []domain.ChatMessage
	Temperature    float64
	TopP           float64
	MaxTokens      int
	ResponseFormat string
}

// Result is the outcome of a completed, non-streaming generation.
type Result struct {
	Text         string
	Usage        Usage
	Model        string
	FinishReason string
}

// Chunk is one element of a streamed generation. The final chunk before
// io.EOF carries the aggregate Usage and the finish reason.
type Chunk struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// Stream yields generation chunks in order. Recv returns io.EOF after the
// final chunk; Close releases the underlying connection and is safe to call
// at any point, including mid-stream cancellation.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Completer is the capability interface a concrete generation provider must
// implement. The gateway wraps one injected Completer with retry and circuit
// breaking; swapping providers never touches the orchestrator.
type Completer interface {
	Complete(ctx context.Context, req Request) (Result, error)
	StreamComplete(ctx context.Context, req Request) (Stream, error)
}
