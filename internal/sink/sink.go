// Package sink persists encoded query results: the local file is the primary
// copy, object storage, Redis and Kafka are optional mirrors.
package sink

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/YaganovValera/dune-sync/internal/query"
)

var tracer = otel.Tracer("dune-sync/sink")

// Snapshot is one encoded result set ready to be stored.
type Snapshot struct {
	Query       query.Descriptor
	ExecutionID string
	Rows        int
	Payload     []byte
	SyncedAt    time.Time
}

// Sink stores a snapshot somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, s Snapshot) error
}

// Closer is implemented by sinks that hold network connections.
type Closer interface {
	Close() error
}

// CloseAll closes every sink that holds resources and returns the first error.
func CloseAll(sinks ...Sink) error {
	var first error
	for _, s := range sinks {
		c, ok := s.(Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
