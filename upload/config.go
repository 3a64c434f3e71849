package upload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/filetransit/go-uploadclient/upload/transmit"
)

// DefaultChunkSize is used when Config.ChunkSize is left unset.
const DefaultChunkSize = int64(1024 * 1024)

// Config is the controller's caller-facing configuration surface.
type Config struct {
	// ChunkSize is the transfer granularity in bytes; it trades memory for
	// per-request overhead. Defaults to 1 MiB.
	ChunkSize int64

	// MaxRetries is the per-chunk retry ceiling. Defaults to 3.
	MaxRetries int

	// MaxConcurrency bounds simultaneously in-flight chunk transmissions.
	// Peak memory is MaxConcurrency × ChunkSize. Defaults to 3.
	MaxConcurrency int

	// BackoffBase is the delay before a chunk's first retry; doubled on each
	// subsequent attempt. Defaults to 1s.
	BackoffBase time.Duration

	// CompressSource enables zstd compression of the source into a temp file
	// before the session is opened.
	CompressSource bool

	// OnProgress is invoked with a fresh snapshot on every state change.
	OnProgress func(ProgressSnapshot)

	// OnComplete is invoked exactly once per successful upload with the
	// assembly service's final payload.
	OnComplete func(json.RawMessage)

	// OnError is invoked exactly once per failed upload with a user-facing
	// message. OnComplete and OnError are mutually exclusive for one upload.
	OnError func(message string)
}

func (c Config) normalize() (Config, error) {
	if c.ChunkSize < 0 {
		return Config{}, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, c.ChunkSize)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxRetries < 0 {
		return Config{}, fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfiguration, c.MaxRetries)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = transmit.DefaultMaxRetries
	}
	if c.MaxConcurrency < 0 {
		return Config{}, fmt.Errorf("%w: max concurrency must be positive, got %d", ErrInvalidConfiguration, c.MaxConcurrency)
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = transmit.DefaultConcurrency
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = transmit.DefaultBackoffBase
	}
	return c, nil
}

func (c Config) transmitConfig() transmit.Config {
	return transmit.Config{
		Concurrency: c.MaxConcurrency,
		MaxRetries:  c.MaxRetries,
		BackoffBase: c.BackoffBase,
	}
}

// ParseChunkSize converts a human-readable size ("1MB", "512KiB") to bytes.
func ParseChunkSize(size string) (int64, error) {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidConfiguration, err)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("%w: chunk size must be positive, got %q", ErrInvalidConfiguration, size)
	}
	return bytes, nil
}
