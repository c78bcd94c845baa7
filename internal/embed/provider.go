// Package embed turns text into vectors through a configurable embedding
// backend, with an in-process LRU in front of it so repeated chunks and
// queries embed once.
package embed

import (
	"context"
	"errors"
)

// Sentinel errors shared by providers.
var (
	ErrEmptyText    = errors.New("embed: empty text")
	ErrUnavailable  = errors.New("embed: provider unreachable")
	ErrModelMissing = errors.New("embed: model not found")
	ErrBadDimension = errors.New("embed: dimension mismatch")
)

// Provider is an embedding backend.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors in input order. A failure on any text fails
	// the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model names the embedding model.
	Model() string

	// Dimensions is the length of the vectors this provider produces.
	Dimensions() int

	// Ping reports whether the backend answers and the model is present.
	Ping(ctx context.Context) error
}
