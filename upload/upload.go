// Package upload is the resumable chunked upload client: it splits a source
// file into chunks, transmits them to a remote assembly service with bounded
// concurrency, verifies integrity end to end, and finalizes the upload into
// a single server-side artifact.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
	"github.com/filetransit/go-uploadclient/upload/compression"
	"github.com/filetransit/go-uploadclient/upload/network"
	"github.com/filetransit/go-uploadclient/upload/transmit"
)

const cleanupTimeout = 30 * time.Second

type sessionInfo struct {
	id          string
	fileName    string
	totalSize   int64
	chunkSize   int64
	totalChunks int
}

// Controller owns the lifecycle of one upload at a time: it opens a remote
// session, drives the chunk transmissions, aggregates progress, and
// finalizes or cleans up. A second Upload call while one is running is
// rejected with ErrUploadInProgress.
type Controller struct {
	config  Config
	service network.Service
	logger  log.Logger

	mu        sync.Mutex
	active    bool
	state     State
	session   sessionInfo
	completed int
	retained  *Source
	cancel    context.CancelFunc
	lastError error
	snapshot  ProgressSnapshot
}

// NewController creates a Controller that uploads through service.
// Configuration problems are reported here, before any upload starts.
func NewController(config Config, service network.Service, logger log.Logger) (*Controller, error) {
	normalized, err := config.normalize()
	if err != nil {
		return nil, err
	}

	return &Controller{
		config:  normalized,
		service: service,
		logger:  logger,
	}, nil
}

// Upload transmits source and returns the assembly service's final payload.
// It blocks until the upload completes, fails, or is cancelled; progress is
// reported asynchronously through the configured callbacks. The controller
// takes ownership of source: it is closed when the upload completes or is
// cancelled, and kept open after a failure so Retry can replay it.
func (c *Controller) Upload(ctx context.Context, source *Source) (json.RawMessage, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil, ErrUploadInProgress
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.active = true
	c.state = StateInitializing
	previous := c.retained
	c.retained = source
	c.cancel = cancel
	c.lastError = nil
	c.completed = 0
	c.session = sessionInfo{
		fileName:  source.Name(),
		totalSize: source.Size(),
		chunkSize: c.config.ChunkSize,
	}
	c.mu.Unlock()
	defer cancel()

	// A source retained from an earlier failed attempt is superseded now.
	if previous != nil && previous != source {
		if closeErr := previous.Close(); closeErr != nil {
			c.logger.Warnf("Failed to close superseded source: %s", closeErr)
		}
	}

	payload, err := c.run(sessionCtx, source)
	return c.finish(source, payload, err)
}

// UploadFile opens path and uploads it.
func (c *Controller) UploadFile(ctx context.Context, path string) (json.RawMessage, error) {
	source, err := OpenSource(path)
	if err != nil {
		return nil, err
	}

	payload, err := c.Upload(ctx, source)
	if errors.Is(err, ErrUploadInProgress) {
		// Ownership was refused, so the handle is still ours to release.
		source.Close()
	}
	return payload, err
}

// Retry replays the previous failed upload with the source retained from
// that attempt. Returns ErrNoFileToRetry when no source is held, for example
// after an explicit Cancel or a completed upload.
func (c *Controller) Retry(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil, ErrUploadInProgress
	}
	source := c.retained
	c.mu.Unlock()

	if source == nil {
		return nil, ErrNoFileToRetry
	}

	c.logger.Infof("Retrying upload of %s", source.Name())
	return c.Upload(ctx, source)
}

// Cancel signals the shared cancellation token of the running upload, if
// any, and drops the retained source so a later Retry is not possible.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	active := c.active
	source := c.retained
	c.retained = nil
	if !active {
		c.state = StateCancelled
	}
	c.mu.Unlock()

	if cancel != nil {
		c.logger.Infof("Cancelling upload")
		cancel()
	}
	if !active && source != nil {
		if err := source.Close(); err != nil {
			c.logger.Warnf("Failed to close retained source: %s", err)
		}
	}
}

// Progress returns the most recent progress snapshot.
func (c *Controller) Progress() ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// LastError returns the error of the most recent upload, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// State returns the lifecycle state of the current or most recent session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) run(ctx context.Context, original *Source) (json.RawMessage, error) {
	source := original
	if c.config.CompressSource {
		compressedPath, err := compression.NewCompressor(c.logger).Compress(original.Path())
		if err != nil {
			return nil, fmt.Errorf("%w: compress source: %s", ErrSessionInitFailed, err)
		}
		defer os.Remove(compressedPath)

		compressed, err := OpenSource(compressedPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionInitFailed, err)
		}
		defer compressed.Close()
		source = compressed

		c.mu.Lock()
		c.session.totalSize = source.Size()
		c.mu.Unlock()
	}

	descriptors, err := chunkplan.Plan(source.Size(), c.config.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfiguration, err)
	}

	c.logger.Infof("Uploading %s (%s in %d chunks of up to %s)",
		original.Name(), units.HumanSize(float64(source.Size())),
		len(descriptors), units.HumanSize(float64(c.config.ChunkSize)))

	remote, err := c.service.InitializeUpload(ctx, network.InitParams{
		FileName:  original.Name(),
		TotalSize: source.Size(),
		ChunkSize: c.config.ChunkSize,
	})
	if err != nil {
		// No remote session exists yet, so no cleanup call either.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionInitFailed, err)
	}
	if remote.TotalChunks != 0 && remote.TotalChunks != len(descriptors) {
		c.logger.Warnf("Remote planned %d chunks, client planned %d", remote.TotalChunks, len(descriptors))
	}

	c.mu.Lock()
	c.session.id = remote.UploadID
	c.session.totalChunks = len(descriptors)
	c.state = StateTransmitting
	snapshot := makeSnapshot(c.session, 0, false, nil)
	c.snapshot = snapshot
	c.mu.Unlock()
	c.emitProgress(snapshot)

	stats := transmit.NewStats()
	transmitter := transmit.NewTransmitter(c.service.UploadChunk, c.config.transmitConfig(), c.logger, stats)
	scheduler := transmit.NewScheduler(c.config.transmitConfig(), c.logger)

	if err := scheduler.Run(ctx, descriptors, source, transmitter, remote.UploadID, c.foldReceipt); err != nil {
		c.cleanupRemote(remote.UploadID)
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrCancelled, err)
		}
		return nil, err
	}

	c.mu.Lock()
	c.state = StateFinalizing
	c.mu.Unlock()

	// Cancel may have won the race after the last chunk settled; finalize
	// must never run once the token fired.
	if ctx.Err() != nil {
		c.cleanupRemote(remote.UploadID)
		return nil, fmt.Errorf("%w: %s", ErrCancelled, ctx.Err())
	}

	digest, err := source.Digest()
	if err != nil {
		c.cleanupRemote(remote.UploadID)
		return nil, fmt.Errorf("%w: compute file digest: %s", ErrFinalizeFailed, err)
	}

	c.logger.Debugf("Finalizing session %s (digest %s, throughput %s)",
		remote.UploadID, digest, stats.Throughput())

	payload, err := c.service.FinalizeUpload(ctx, remote.UploadID, digest)
	if err != nil {
		c.cleanupRemote(remote.UploadID)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s", ErrFinalizeFailed, err)
	}

	return payload, nil
}

// foldReceipt is invoked by the scheduler's single consumer goroutine, so
// chunk completions fold into the session counters sequentially.
func (c *Controller) foldReceipt(descriptor chunkplan.Descriptor, receipt transmit.Receipt) {
	c.mu.Lock()
	c.completed++
	completed := c.completed
	total := c.session.totalChunks
	snapshot := makeSnapshot(c.session, completed, false, nil)
	c.snapshot = snapshot
	c.mu.Unlock()

	c.logger.Debugf("Chunk %d acknowledged (%d/%d, remote reports %d received)",
		descriptor.Index, completed, total, receipt.ChunksReceived)
	c.emitProgress(snapshot)
}

func (c *Controller) finish(source *Source, payload json.RawMessage, err error) (json.RawMessage, error) {
	c.mu.Lock()
	c.active = false
	c.cancel = nil

	closeSource := false
	switch {
	case err == nil:
		c.state = StateComplete
		c.retained = nil
		c.lastError = nil
		closeSource = true
		c.snapshot = makeSnapshot(c.session, c.completed, true, nil)
	case errors.Is(err, ErrCancelled):
		c.state = StateCancelled
		c.retained = nil
		c.lastError = err
		closeSource = true
		c.snapshot = makeSnapshot(c.session, c.completed, false, err)
	default:
		c.state = StateFailed
		c.lastError = err
		// Source stays open for Retry, unless a concurrent Cancel already
		// dropped it.
		closeSource = c.retained == nil
		c.snapshot = makeSnapshot(c.session, c.completed, false, err)
	}
	snapshot := c.snapshot
	c.mu.Unlock()

	if closeSource {
		if closeErr := source.Close(); closeErr != nil {
			c.logger.Warnf("Failed to close source: %s", closeErr)
		}
	}
	c.emitProgress(snapshot)

	if err != nil {
		c.logger.Errorf("Upload failed: %s", err)
		if c.config.OnError != nil {
			c.config.OnError(err.Error())
		}
		return nil, err
	}

	c.logger.Donef("Upload of %s complete", snapshot.FileName)
	if c.config.OnComplete != nil {
		c.config.OnComplete(payload)
	}
	return payload, nil
}

// cleanupRemote issues the best-effort remote cancel; the session token is
// already dead at this point, so the call gets its own deadline.
func (c *Controller) cleanupRemote(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := c.service.CancelUpload(ctx, uploadID); err != nil {
		c.logger.Warnf("Best-effort remote cleanup failed: %s", err)
	}
}

func (c *Controller) emitProgress(snapshot ProgressSnapshot) {
	if c.config.OnProgress != nil {
		c.config.OnProgress(snapshot)
	}
}
