package transmit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
)

// Scheduler drives all chunks of a session to completion with a bounded
// number of in-flight transmissions. Chunk byte ranges are read lazily as
// chunks are admitted, so at most Concurrency chunk buffers are alive at
// once. Initiation follows index order; completion order is not guaranteed.
type Scheduler struct {
	concurrency int
	logger      log.Logger
}

// NewScheduler creates a Scheduler with the configured concurrency ceiling.
func NewScheduler(config Config, logger log.Logger) *Scheduler {
	config = config.Normalize()
	return &Scheduler{
		concurrency: config.Concurrency,
		logger:      logger,
	}
}

type outcome struct {
	descriptor chunkplan.Descriptor
	receipt    Receipt
	err        error
}

// Run transmits every descriptor via sender, reading chunk data from source.
// onReceipt is invoked from a single goroutine, in completion order, for each
// acknowledged chunk. After a fatal chunk failure no further chunks are
// admitted; the error is returned once all in-flight transmissions settle.
// In-flight transmissions are only aborted through ctx.
func (s *Scheduler) Run(ctx context.Context, descriptors []chunkplan.Descriptor, source Source, sender ChunkSender, sessionID string, onReceipt func(chunkplan.Descriptor, Receipt)) error {
	if len(descriptors) == 0 {
		return nil
	}

	semaphore := make(chan struct{}, s.concurrency)
	results := make(chan outcome, len(descriptors))
	var wg sync.WaitGroup
	var failed int32

	go func() {
		defer close(results)

		for _, descriptor := range descriptors {
			semaphore <- struct{}{}

			// The slot may have been acquired long after a failure or
			// cancellation; stop admitting in that case.
			if atomic.LoadInt32(&failed) != 0 || ctx.Err() != nil {
				<-semaphore
				break
			}

			wg.Add(1)
			go func(descriptor chunkplan.Descriptor) {
				defer wg.Done()
				defer func() { <-semaphore }()

				data, err := source.ReadRange(descriptor)
				if err != nil {
					atomic.StoreInt32(&failed, 1)
					results <- outcome{descriptor: descriptor, err: fmt.Errorf("read chunk %d: %w", descriptor.Index, err)}
					return
				}

				receipt, err := sender.Transmit(ctx, sessionID, descriptor, data)
				if err != nil {
					atomic.StoreInt32(&failed, 1)
				}
				results <- outcome{descriptor: descriptor, receipt: receipt, err: err}
			}(descriptor)
		}

		wg.Wait()
	}()

	var firstErr error
	for result := range results {
		if result.err != nil {
			if firstErr == nil {
				firstErr = result.err
			} else {
				s.logger.Debugf("Suppressing secondary chunk failure: %s", result.err)
			}
			continue
		}
		if firstErr == nil && onReceipt != nil {
			onReceipt(result.descriptor, result.receipt)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload cancelled: %w", err)
	}
	return nil
}
