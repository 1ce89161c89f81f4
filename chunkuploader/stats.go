package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks attempt durations and outcomes of one upload.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	failedAttempts int64
	mergeAttempts  int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// Fail records a failed chunk attempt.
func (s *Stats) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts++
}

// Merge records a merge attempt.
func (s *Stats) Merge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeAttempts++
}

// Average returns the average upload duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of completed chunk uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// FailedAttempts returns the number of failed chunk attempts.
func (s *Stats) FailedAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttempts
}

// MergeAttempts returns the number of merge attempts.
func (s *Stats) MergeAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeAttempts
}

// TotalDuration returns the sum of all upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
