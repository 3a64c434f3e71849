// Package integrity computes the content digests exchanged with the assembly
// service: one per chunk and one over the whole file at finalize time.
package integrity

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest returns the hex-encoded MD5 digest of data. The digest algorithm is
// part of the wire contract with the assembly service; it verifies transport
// integrity, not authenticity.
func Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader returns the hex-encoded MD5 digest of everything readable
// from r, without buffering the content in memory.
func DigestReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read content for digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the hex-encoded MD5 digest of the file at path.
func DigestFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for digest: %w", err)
	}
	defer file.Close()

	return DigestReader(file)
}
