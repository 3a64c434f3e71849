// Package compression shrinks an upload source with zstd before the session
// is opened. The compressed file becomes the session's source: its size and
// digest are what the assembly service sees.
package compression

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
)

// Compressor compresses upload sources into temp files.
type Compressor struct {
	logger log.Logger
	level  zstd.EncoderLevel
}

// NewCompressor ...
func NewCompressor(logger log.Logger) *Compressor {
	return &Compressor{
		logger: logger,
		level:  zstd.SpeedDefault,
	}
}

// Compress writes a zstd-compressed copy of srcPath into a temp file and
// returns its path. The caller owns the returned file and removes it when
// the upload is done.
func (c *Compressor) Compress(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	dst, err := os.CreateTemp("", "uploadsrc-*.zst")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	encoder, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(c.level))
	if err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(encoder, src); err != nil {
		encoder.Close()
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("compress source: %w", err)
	}
	if err := encoder.Close(); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("flush zstd stream: %w", err)
	}

	compressedSize, err := dst.Seek(0, io.SeekEnd)
	if err == nil {
		c.logger.Debugf("Compressed %s to %s (%s -> %s)",
			srcPath, dst.Name(),
			units.HumanSize(float64(info.Size())), units.HumanSize(float64(compressedSize)))
	}

	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return dst.Name(), nil
}

// Decompress expands a zstd-compressed file to dstPath. Used to verify
// archives fetched back after finalize.
func Decompress(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open compressed file: %w", err)
	}
	defer src.Close()

	decoder, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer decoder.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	if _, err := io.Copy(dst, decoder); err != nil {
		dst.Close()
		return fmt.Errorf("decompress: %w", err)
	}
	return dst.Close()
}
