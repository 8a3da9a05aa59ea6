package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryController implements exponential backoff with jitter for retry logic.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
}

// NewRetryController creates a new retry controller with default settings.
// Default: initial delay 10ms, max delay 1s, max retries 5
func NewRetryController() *RetryController {
	return &RetryController{
		initialDelay: 10 * time.Millisecond,
		maxDelay:     1 * time.Second,
		maxRetries:   5,
	}
}

// NewRetryControllerWith creates a retry controller from explicit settings.
func NewRetryControllerWith(initialDelay, maxDelay time.Duration, maxRetries int) *RetryController {
	if initialDelay <= 0 {
		initialDelay = time.Millisecond
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryController{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		maxRetries:   maxRetries,
	}
}

// Retry executes a function with retry logic based on error classification.
// The wait between attempts is abandoned as soon as ctx is done.
func (rc *RetryController) Retry(ctx context.Context, fn func() error, classifier *Classifier) error {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		category := classifier.Classify(err)

		// Don't retry permanent or validation errors
		if !classifier.ShouldRetry(category) {
			return err
		}

		// Don't retry on last attempt
		if attempt >= rc.maxRetries {
			return err
		}

		timer := time.NewTimer(rc.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for a given attempt using exponential backoff + jitter.
func (rc *RetryController) calculateDelay(attempt int) time.Duration {
	delay := rc.initialDelay * time.Duration(1<<uint(attempt))

	if delay > rc.maxDelay || delay <= 0 {
		delay = rc.maxDelay
	}

	// Add jitter: ±25% random variation
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter

	if delay < 0 {
		delay = rc.initialDelay
	}

	return delay
}
