package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filetransit/go-uploadclient/upload/integrity"
	"github.com/filetransit/go-uploadclient/upload/network"
	"github.com/filetransit/go-uploadclient/upload/transmit"
)

// fakeService is an in-memory assembly service: it reassembles chunks by
// index and verifies both per-chunk and whole-file digests.
type fakeService struct {
	mu          sync.Mutex
	chunks      map[int][]byte
	totalChunks int

	initErr       error
	finalizeErr   error
	failuresLeft  map[int]int // chunk index -> remaining induced failures
	chunkDelay    time.Duration
	finalPayload  json.RawMessage
	lastFinalHash string

	initCalls     int
	chunkCalls    int
	finalizeCalls int
	cancelCalls   int

	chunkStarted chan int // when set, receives each chunk index as it starts
}

func newFakeService() *fakeService {
	return &fakeService{
		chunks:       map[int][]byte{},
		failuresLeft: map[int]int{},
		finalPayload: json.RawMessage(`{"artifact_id":"artifact-42","status":"complete"}`),
	}
}

func (s *fakeService) InitializeUpload(ctx context.Context, params network.InitParams) (network.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initCalls++
	if s.initErr != nil {
		return network.Session{}, s.initErr
	}

	totalChunks := int((params.TotalSize + params.ChunkSize - 1) / params.ChunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}
	s.totalChunks = totalChunks
	s.chunks = map[int][]byte{}

	return network.Session{UploadID: "fake-upload-1", TotalChunks: totalChunks}, nil
}

func (s *fakeService) UploadChunk(ctx context.Context, uploadID string, payload transmit.Payload) (transmit.Receipt, error) {
	index := payload.Descriptor.Index

	s.mu.Lock()
	s.chunkCalls++
	started := s.chunkStarted
	s.mu.Unlock()

	if started != nil {
		started <- index
	}

	if s.chunkDelay > 0 {
		select {
		case <-ctx.Done():
			return transmit.Receipt{}, ctx.Err()
		case <-time.After(s.chunkDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return transmit.Receipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if remaining := s.failuresLeft[index]; remaining != 0 {
		if remaining > 0 {
			s.failuresLeft[index] = remaining - 1
		}
		return transmit.Receipt{}, fmt.Errorf("induced failure for chunk %d", index)
	}

	if got := integrity.Digest(payload.Data); got != payload.Hash {
		return transmit.Receipt{}, errors.New("chunk digest mismatch")
	}

	stored := make([]byte, len(payload.Data))
	copy(stored, payload.Data)
	s.chunks[index] = stored
	received := len(s.chunks)

	return transmit.Receipt{
		ChunksReceived: received,
		Progress:       float64(received) / float64(s.totalChunks) * 100,
		Complete:       received == s.totalChunks,
	}, nil
}

func (s *fakeService) FinalizeUpload(ctx context.Context, uploadID string, finalHash string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finalizeCalls++
	s.lastFinalHash = finalHash
	if s.finalizeErr != nil {
		return nil, s.finalizeErr
	}

	var assembled []byte
	for i := 0; i < s.totalChunks; i++ {
		chunk, ok := s.chunks[i]
		if !ok {
			return nil, fmt.Errorf("missing chunk %d", i)
		}
		assembled = append(assembled, chunk...)
	}
	if integrity.Digest(assembled) != finalHash {
		return nil, errors.New("file digest mismatch")
	}

	return s.finalPayload, nil
}

func (s *fakeService) CancelUpload(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	s.chunks = map[int][]byte{}
	return nil
}

func (s *fakeService) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assembled []byte
	for i := 0; i < s.totalChunks; i++ {
		assembled = append(assembled, s.chunks[i]...)
	}
	return assembled
}

func (s *fakeService) counts() (init, chunk, finalize, cancel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls, s.chunkCalls, s.finalizeCalls, s.cancelCalls
}

// callbackRecorder captures controller callbacks for exactly-once checks.
type callbackRecorder struct {
	mu        sync.Mutex
	snapshots []ProgressSnapshot
	completes []json.RawMessage
	errors    []string
}

func (r *callbackRecorder) bind(config *Config) {
	config.OnProgress = func(snapshot ProgressSnapshot) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.snapshots = append(r.snapshots, snapshot)
	}
	config.OnComplete = func(payload json.RawMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.completes = append(r.completes, payload)
	}
	config.OnError = func(message string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, message)
	}
}

func (r *callbackRecorder) counts() (completes, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes), len(r.errors)
}
