package transmit

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Stats tracks per-chunk transfer metrics for progress logging.
type Stats struct {
	sum            time.Duration
	bytes          int64
	finishedChunks int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk transmission.
func (s *Stats) Update(took time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += took
	s.bytes += size
	s.finishedChunks++
}

// Average returns the average transmission duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of completed chunk transmissions.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// TotalBytes returns the number of bytes acknowledged so far.
func (s *Stats) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Throughput returns a human-readable transfer rate, e.g. "12.5MB/s".
// Returns an empty string before the first chunk completes.
func (s *Stats) Throughput() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 || s.sum <= 0 {
		return ""
	}
	return fmt.Sprintf("%s/s", units.HumanSize(float64(s.bytes)/s.sum.Seconds()))
}
