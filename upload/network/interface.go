// Package network contains the clients for the remote assembly service:
// an HTTP implementation of the session protocol, an S3 multipart variant,
// and a downloader for finalized artifacts.
package network

import (
	"context"
	"encoding/json"

	"github.com/filetransit/go-uploadclient/upload/transmit"
)

// InitParams describes the upload a new session is opened for.
type InitParams struct {
	FileName  string
	TotalSize int64
	ChunkSize int64
}

// Session is the remote side's view of a freshly opened upload session.
type Session struct {
	UploadID    string
	TotalChunks int
}

// Service is the remote assembly service boundary. CancelUpload is
// best-effort; its errors are logged by callers, not surfaced.
type Service interface {
	InitializeUpload(ctx context.Context, params InitParams) (Session, error)
	UploadChunk(ctx context.Context, uploadID string, payload transmit.Payload) (transmit.Receipt, error)
	FinalizeUpload(ctx context.Context, uploadID string, finalHash string) (json.RawMessage, error)
	CancelUpload(ctx context.Context, uploadID string) error
}
