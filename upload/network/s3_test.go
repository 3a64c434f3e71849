package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
	"github.com/filetransit/go-uploadclient/upload/integrity"
	"github.com/filetransit/go-uploadclient/upload/transmit"
)

// fakeS3 implements just enough of the S3 multipart REST surface for the
// transport: initiate, upload part, complete, abort, tagging.
type fakeS3 struct {
	server *httptest.Server

	mu        sync.Mutex
	parts     map[int][]byte
	completed bool
	aborted   bool
	tags      map[string]string
}

func newFakeS3(t *testing.T) *fakeS3 {
	t.Helper()

	s := &fakeS3{parts: map[int][]byte{}, tags: map[string]string{}}

	router := mux.NewRouter()
	router.HandleFunc("/{bucket}/{key:.*}", s.handleInitiate).Methods(http.MethodPost).Queries("uploads", "")
	router.HandleFunc("/{bucket}/{key:.*}", s.handleUploadPart).Methods(http.MethodPut).Queries("partNumber", "{n}", "uploadId", "{id}")
	router.HandleFunc("/{bucket}/{key:.*}", s.handleComplete).Methods(http.MethodPost).Queries("uploadId", "{id}")
	router.HandleFunc("/{bucket}/{key:.*}", s.handleAbort).Methods(http.MethodDelete).Queries("uploadId", "{id}")
	router.HandleFunc("/{bucket}/{key:.*}", s.handleTagging).Methods(http.MethodPut).Queries("tagging", "")
	router.HandleFunc("/{bucket}/{key:.*}", s.handlePutObject).Methods(http.MethodPut)

	s.server = httptest.NewServer(router)
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeS3) handleInitiate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<InitiateMultipartUploadResult>
  <Bucket>%s</Bucket>
  <Key>%s</Key>
  <UploadId>fake-multipart-id</UploadId>
</InitiateMultipartUploadResult>`, vars["bucket"], vars["key"])
}

func (s *fakeS3) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	partNumber := 0
	fmt.Sscanf(r.URL.Query().Get("partNumber"), "%d", &partNumber)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if sent := r.Header.Get("Content-Md5"); sent != "" {
		want := base64.StdEncoding.EncodeToString(mustHexDecode(integrity.Digest(data)))
		if sent != want {
			http.Error(w, "BadDigest", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.parts[partNumber] = data
	s.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf("\"etag-part-%d\"", partNumber))
}

func (s *fakeS3) handleComplete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<CompleteMultipartUploadResult>
  <Location>%s/%s/%s</Location>
  <Bucket>%s</Bucket>
  <Key>%s</Key>
  <ETag>"final-etag"</ETag>
</CompleteMultipartUploadResult>`, s.server.URL, vars["bucket"], vars["key"], vars["bucket"], vars["key"])
}

func (s *fakeS3) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeS3) handlePutObject(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	w.Header().Set("ETag", "\"put-etag\"")
}

func (s *fakeS3) handleTagging(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.tags["raw"] = string(body)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func mustHexDecode(hexDigest string) []byte {
	decoded, err := hex.DecodeString(hexDigest)
	if err != nil {
		panic(err)
	}
	return decoded
}

func newTestTransport(t *testing.T, endpoint string) *S3Transport {
	t.Helper()

	transport, err := NewS3Transport(context.Background(), S3Params{
		Region:          "us-east-1",
		Bucket:          "test-bucket",
		KeyPrefix:       "artifacts",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret",
		EndpointURL:     endpoint,
	}, log.NewLogger())
	require.NoError(t, err)
	return transport
}

func TestS3Transport_FullSession(t *testing.T) {
	fake := newFakeS3(t)
	transport := newTestTransport(t, fake.server.URL)

	content := []byte("abcdefghijklmnopqrst")
	ctx := context.Background()

	session, err := transport.InitializeUpload(ctx, InitParams{
		FileName:  "artifact.bin",
		TotalSize: int64(len(content)),
		ChunkSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, "fake-multipart-id", session.UploadID)
	assert.Equal(t, 3, session.TotalChunks)

	descriptors, err := chunkplan.Plan(int64(len(content)), 8)
	require.NoError(t, err)

	var lastReceipt transmit.Receipt
	for _, descriptor := range descriptors {
		data := content[descriptor.Start:descriptor.End]
		lastReceipt, err = transport.UploadChunk(ctx, session.UploadID, transmit.Payload{
			Descriptor: descriptor,
			Hash:       integrity.Digest(data),
			Data:       data,
		})
		require.NoError(t, err)
	}
	assert.True(t, lastReceipt.Complete)
	assert.Equal(t, 3, lastReceipt.ChunksReceived)

	payload, err := transport.FinalizeUpload(ctx, session.UploadID, integrity.Digest(content))
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "test-bucket", result["bucket"])
	assert.Equal(t, "artifacts/artifact.bin", result["key"])
	assert.Equal(t, "\"final-etag\"", result["etag"])

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.completed)
	assert.Len(t, fake.parts, 3)
	assert.Equal(t, content[:8], fake.parts[1], "part numbers are 1-based")
	assert.Contains(t, fake.tags["raw"], integrity.Digest(content))
}

func TestS3Transport_FinalizeRejectsIncompleteSession(t *testing.T) {
	fake := newFakeS3(t)
	transport := newTestTransport(t, fake.server.URL)

	ctx := context.Background()
	session, err := transport.InitializeUpload(ctx, InitParams{FileName: "f", TotalSize: 16, ChunkSize: 8})
	require.NoError(t, err)

	_, err = transport.FinalizeUpload(ctx, session.UploadID, "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 of 2 chunks received")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.False(t, fake.completed, "no CompleteMultipartUpload for an incomplete session")
}

func TestS3Transport_CancelAborts(t *testing.T) {
	fake := newFakeS3(t)
	transport := newTestTransport(t, fake.server.URL)

	ctx := context.Background()
	session, err := transport.InitializeUpload(ctx, InitParams{FileName: "f", TotalSize: 16, ChunkSize: 8})
	require.NoError(t, err)

	require.NoError(t, transport.CancelUpload(ctx, session.UploadID))

	fake.mu.Lock()
	aborted := fake.aborted
	fake.mu.Unlock()
	assert.True(t, aborted)

	_, err = transport.UploadChunk(ctx, session.UploadID, transmit.Payload{})
	require.Error(t, err, "session is dropped after cancel")
}

func TestS3Transport_UnknownSession(t *testing.T) {
	fake := newFakeS3(t)
	transport := newTestTransport(t, fake.server.URL)

	_, err := transport.UploadChunk(context.Background(), "nope", transmit.Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown upload session")
}

func TestS3Transport_PutWhole(t *testing.T) {
	fake := newFakeS3(t)
	transport := newTestTransport(t, fake.server.URL)

	content := []byte("small file")
	err := transport.PutWhole(context.Background(), "small.bin", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
}

func TestHexDigestToContentMD5(t *testing.T) {
	// d41d8cd98f00b204e9800998ecf8427e is the MD5 of the empty input
	got, err := hexDigestToContentMD5("d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, "1B2M2Y8AsgTpgAmY7PhCfg==", got)

	_, err = hexDigestToContentMD5("not-hex")
	assert.Error(t, err)
}
