// Package transmit uploads the planned chunks of a session: a Transmitter
// sends one chunk with retry and backoff, a Scheduler drives the whole chunk
// sequence with a bounded number of in-flight transmissions.
package transmit

import (
	"context"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
)

// Payload is one chunk ready to send: its descriptor, content digest, and
// raw bytes.
type Payload struct {
	Descriptor chunkplan.Descriptor
	Hash       string
	Data       []byte
}

// Receipt is the remote side's acknowledgement of a single chunk: how many
// chunks it has persisted so far, the percentage that represents, and
// whether it considers the upload complete. Complete is a hint only; the
// session controller decides completion at finalize.
type Receipt struct {
	ChunksReceived int
	Progress       float64
	Complete       bool
}

// SendFunc posts one chunk to the ingestion endpoint. Implementations must
// honor ctx cancellation.
type SendFunc func(ctx context.Context, sessionID string, payload Payload) (Receipt, error)

// Source provides lazy access to chunk byte ranges. Implementations must be
// safe for concurrent calls.
type Source interface {
	ReadRange(descriptor chunkplan.Descriptor) ([]byte, error)
}

// ChunkSender sends a single chunk to completion, including any retries.
type ChunkSender interface {
	Transmit(ctx context.Context, sessionID string, descriptor chunkplan.Descriptor, data []byte) (Receipt, error)
}
