// Package generation is the boundary to the external text-generation
// service. The coordinator hands it one assembled prompt and receives
// plain text back, complete or streamed.
package generation

import (
	"context"

	apperrors "github.com/taleforge/taleforge/internal/errors"
)

// ChunkFunc receives one streamed text chunk. Returning an error aborts
// the stream.
type ChunkFunc func(chunk string) error

// Generator produces narration text from an assembled prompt. Failures
// and timeouts surface as GENERATION_FAILED and GENERATION_TIMED_OUT
// domain errors.
type Generator interface {
	// Complete returns the full response in one piece.
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream delivers the response incrementally through fn and returns
	// the accumulated text. Chunks arrive in generation order.
	Stream(ctx context.Context, prompt string, fn ChunkFunc) (string, error)
}

// Failed wraps a generation failure in its domain error.
func Failed(cause error) error {
	return apperrors.Wrap(apperrors.CodeGenerationFailed, "generation failed", cause)
}

// TimedOut wraps a generation timeout in its retryable domain error.
func TimedOut(cause error) error {
	return apperrors.Wrap(apperrors.CodeGenerationTimedOut, "generation timed out", cause)
}
