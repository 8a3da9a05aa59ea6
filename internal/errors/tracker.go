package errors

import (
	"sync"
	"time"
)

// ErrorTracker counts classified dispatch errors for observability.
type ErrorTracker struct {
	mu             sync.RWMutex
	errorCounts    map[ErrorCategory]uint64
	lastOccurrence map[ErrorCategory]time.Time
	lastInternal   error
}

// NewErrorTracker creates a new error tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		errorCounts:    make(map[ErrorCategory]uint64),
		lastOccurrence: make(map[ErrorCategory]time.Time),
	}
}

// RecordError records an error occurrence.
func (et *ErrorTracker) RecordError(err error, category ErrorCategory) {
	et.mu.Lock()
	defer et.mu.Unlock()

	et.errorCounts[category]++
	et.lastOccurrence[category] = time.Now()
	if category == ErrorInternal {
		et.lastInternal = err
	}
}

// GetErrorCount returns the count of errors for a category.
func (et *ErrorTracker) GetErrorCount(category ErrorCategory) uint64 {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.errorCounts[category]
}

// GetLastOccurrence returns the last occurrence time for a category.
func (et *ErrorTracker) GetLastOccurrence(category ErrorCategory) time.Time {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.lastOccurrence[category]
}

// LastInternal returns the most recent scheduling fault, if any.
func (et *ErrorTracker) LastInternal() error {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.lastInternal
}

// Snapshot returns a copy of all category counts.
func (et *ErrorTracker) Snapshot() map[ErrorCategory]uint64 {
	et.mu.RLock()
	defer et.mu.RUnlock()
	out := make(map[ErrorCategory]uint64, len(et.errorCounts))
	for k, v := range et.errorCounts {
		out[k] = v
	}
	return out
}
