package transmit

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
	"github.com/filetransit/go-uploadclient/upload/integrity"
)

// ChunkTransmitError is returned when a chunk exhausts its retry budget.
// It is fatal to the whole session.
type ChunkTransmitError struct {
	Index    int
	Attempts int
	Cause    error
}

// Error ...
func (e *ChunkTransmitError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %s", e.Index, e.Attempts, e.Cause)
}

// Unwrap ...
func (e *ChunkTransmitError) Unwrap() error {
	return e.Cause
}

// Transmitter sends single chunks with bounded retry and exponential backoff.
// It does not mutate any shared session state; results are returned for the
// scheduler's consumer to fold in.
type Transmitter struct {
	send        SendFunc
	maxRetries  int
	backoffBase time.Duration
	logger      log.Logger
	stats       *Stats
}

// NewTransmitter creates a Transmitter that delivers chunks via send.
func NewTransmitter(send SendFunc, config Config, logger log.Logger, stats *Stats) *Transmitter {
	config = config.Normalize()
	if stats == nil {
		stats = NewStats()
	}

	return &Transmitter{
		send:        send,
		maxRetries:  config.MaxRetries,
		backoffBase: config.BackoffBase,
		logger:      logger,
		stats:       stats,
	}
}

// Transmit digests and sends one chunk. Transient failures are retried with
// backoffBase × 2^attempt delays until the retry ceiling is reached, at which
// point a *ChunkTransmitError is returned. Cancellation is never retried.
func (t *Transmitter) Transmit(ctx context.Context, sessionID string, descriptor chunkplan.Descriptor, data []byte) (Receipt, error) {
	payload := Payload{
		Descriptor: descriptor,
		Hash:       integrity.Digest(data),
		Data:       data,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("chunk %d transmission cancelled: %w", descriptor.Index, ctx.Err())
		default:
		}

		t.logger.Debugf("Sending chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
			descriptor.Index, attempt+1, t.maxRetries+1,
			t.stats.FinishedCount(), t.stats.Average().Round(time.Millisecond))

		start := time.Now()
		receipt, err := t.send(ctx, sessionID, payload)
		if err == nil {
			took := time.Since(start)
			t.stats.Update(took, descriptor.Size())
			t.logger.Debugf("Chunk %d acknowledged in %v", descriptor.Index, took.Round(time.Millisecond))
			return receipt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Receipt{}, fmt.Errorf("chunk %d transmission cancelled: %w", descriptor.Index, ctx.Err())
		}

		if attempt >= t.maxRetries {
			break
		}

		backoff := t.backoffBase << uint(attempt)
		t.logger.Warnf("Chunk %d attempt %d failed: %s (retrying after %v)",
			descriptor.Index, attempt+1, err, backoff)

		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("chunk %d transmission cancelled: %w", descriptor.Index, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return Receipt{}, &ChunkTransmitError{
		Index:    descriptor.Index,
		Attempts: t.maxRetries + 1,
		Cause:    lastErr,
	}
}

// Stats returns the transfer metrics accumulated so far.
func (t *Transmitter) Stats() *Stats {
	return t.stats
}
