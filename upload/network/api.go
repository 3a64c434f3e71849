package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/filetransit/go-uploadclient/upload/transmit"
)

type initializeUploadRequest struct {
	FileName  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size"`
}

type initializeUploadResponse struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

type uploadChunkResponse struct {
	ChunksReceived int     `json:"chunks_received"`
	Progress       float64 `json:"progress"`
	IsComplete     bool    `json:"is_complete"`
}

type finalizeUploadRequest struct {
	FinalHash string `json:"final_hash"`
}

// APIClient talks to the assembly service over HTTP. Control calls
// (initialize, finalize, cancel) go through a retryable client; chunk
// ingestion uses a plain client because the transmitter owns the chunk
// retry policy.
type APIClient struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	requestID   string
	logger      log.Logger
}

// NewAPIClient creates a Service implementation for the assembly service at
// baseURL.
func NewAPIClient(baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  retryhttp.NewClient(logger),
		chunkClient: DefaultChunkClient(),
		baseURL:     baseURL,
		accessToken: accessToken,
		requestID:   uuid.New().String(),
		logger:      logger,
	}
}

// DefaultChunkClient creates an HTTP client tuned for concurrent chunk
// ingestion. Per-chunk timeouts are handled via context, not a client-wide
// deadline.
func DefaultChunkClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// CloseIdleConnections closes idle chunk ingestion connections.
func (c *APIClient) CloseIdleConnections() {
	if transport, ok := c.chunkClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// InitializeUpload opens a new upload session.
func (c *APIClient) InitializeUpload(ctx context.Context, params InitParams) (Session, error) {
	url := fmt.Sprintf("%s/uploads", c.baseURL)

	body, err := json.Marshal(initializeUploadRequest{
		FileName:  params.FileName,
		TotalSize: params.TotalSize,
		ChunkSize: params.ChunkSize,
	})
	if err != nil {
		return Session{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return Session{}, err
	}
	req = req.WithContext(ctx)
	c.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Session{}, unwrapError(resp)
	}

	var response initializeUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return Session{}, err
	}

	c.logger.Debugf("Opened upload session %s (%d chunks)", response.UploadID, response.TotalChunks)
	return Session{UploadID: response.UploadID, TotalChunks: response.TotalChunks}, nil
}

// UploadChunk posts one chunk to the ingestion endpoint as a multipart form
// carrying the chunk number, its digest, and the raw bytes.
func (c *APIClient) UploadChunk(ctx context.Context, uploadID string, payload transmit.Payload) (transmit.Receipt, error) {
	url := fmt.Sprintf("%s/uploads/%s/chunks", c.baseURL, uploadID)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("chunk_number", strconv.Itoa(payload.Descriptor.Index)); err != nil {
		return transmit.Receipt{}, fmt.Errorf("write chunk_number field: %w", err)
	}
	if err := writer.WriteField("chunk_hash", payload.Hash); err != nil {
		return transmit.Receipt{}, fmt.Errorf("write chunk_hash field: %w", err)
	}
	part, err := writer.CreateFormFile("chunk_bytes", fmt.Sprintf("chunk-%d", payload.Descriptor.Index))
	if err != nil {
		return transmit.Receipt{}, fmt.Errorf("create chunk_bytes field: %w", err)
	}
	if _, err := part.Write(payload.Data); err != nil {
		return transmit.Receipt{}, fmt.Errorf("write chunk bytes: %w", err)
	}
	if err := writer.Close(); err != nil {
		return transmit.Receipt{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &form)
	if err != nil {
		return transmit.Receipt{}, err
	}
	c.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.ContentLength = int64(form.Len())

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return transmit.Receipt{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return transmit.Receipt{}, unwrapError(resp)
	}

	var response uploadChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return transmit.Receipt{}, err
	}

	return transmit.Receipt{
		ChunksReceived: response.ChunksReceived,
		Progress:       response.Progress,
		Complete:       response.IsComplete,
	}, nil
}

// FinalizeUpload asks the service to assemble the chunks and verify the
// whole-file digest. The response payload is opaque to the client and passed
// through to the caller.
func (c *APIClient) FinalizeUpload(ctx context.Context, uploadID string, finalHash string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/uploads/%s/finalize", c.baseURL, uploadID)

	body, err := json.Marshal(finalizeUploadRequest{FinalHash: finalHash})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	c.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// CancelUpload asks the service to drop the session and delete any chunks it
// has persisted.
func (c *APIClient) CancelUpload(ctx context.Context, uploadID string) error {
	url := fmt.Sprintf("%s/uploads/%s", c.baseURL, uploadID)

	req, err := retryablehttp.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	c.setCommonHeaders(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return unwrapError(resp)
	}
	return nil
}

func (c *APIClient) setCommonHeaders(header http.Header) {
	if c.accessToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	header.Set("X-Upload-Request-Id", c.requestID)
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
