package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
	"github.com/filetransit/go-uploadclient/upload/integrity"
)

// Source is the file being uploaded. It keeps the file handle open for the
// lifetime of the session so a failed upload can be retried against the same
// content, and serves lazy chunk-range reads to the scheduler.
type Source struct {
	file *os.File
	path string
	name string
	size int64
}

// OpenSource opens the file at path as an upload source.
func OpenSource(path string) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("source is a directory: %s", path)
	}

	return &Source{
		file: file,
		path: path,
		name: filepath.Base(path),
		size: info.Size(),
	}, nil
}

// ResolveSource expands a doublestar glob pattern (such as
// "build/outputs/**/*.apk") and opens the first match in lexical order.
func ResolveSource(pattern string) (*Source, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("evaluate pattern %s: %w", pattern, err)
	}

	files := matches[:0]
	for _, match := range matches {
		info, err := os.Stat(match)
		if err == nil && info.Mode().IsRegular() {
			files = append(files, match)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no file matches pattern %s", pattern)
	}
	sort.Strings(files)

	return OpenSource(files[0])
}

// Name returns the file name reported to the assembly service.
func (s *Source) Name() string {
	return s.name
}

// Size returns the source size in bytes.
func (s *Source) Size() int64 {
	return s.size
}

// Path returns the path the source was opened from.
func (s *Source) Path() string {
	return s.path
}

// ReadRange reads the descriptor's byte range. Safe for concurrent calls:
// each read goes through its own section reader over the shared handle.
func (s *Source) ReadRange(descriptor chunkplan.Descriptor) ([]byte, error) {
	data := make([]byte, descriptor.Size())
	if len(data) == 0 {
		return data, nil
	}

	reader := io.NewSectionReader(s.file, descriptor.Start, descriptor.Size())
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("read range [%d, %d): %w", descriptor.Start, descriptor.End, err)
	}
	return data, nil
}

// Digest computes the whole-file content digest for finalize-time
// verification without loading the file into memory.
func (s *Source) Digest() (string, error) {
	return integrity.DigestReader(io.NewSectionReader(s.file, 0, s.size))
}

// Close releases the file handle.
func (s *Source) Close() error {
	return s.file.Close()
}
