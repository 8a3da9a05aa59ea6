package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{&RemoteError{Code: "22012", Message: "division by zero", ContentID: 1}, ErrorRemote},
		{&CancelledError{}, ErrorCancelled},
		{context.Canceled, ErrorCancelled},
		{&PlanTooLargeError{SizeKB: 10, MaxKB: 1}, ErrorValidation},
		{&DirectDispatchError{SliceIndex: 1, Targets: 2}, ErrorValidation},
		{&InternalFaultError{Dispatched: 1, Total: 2}, ErrorInternal},
		{&ConnectionError{ContentID: 0, Err: syscall.ECONNRESET}, ErrorNetwork},
		{syscall.EAGAIN, ErrorTransient},
		{&ConnectionError{ContentID: 0, Err: io.EOF}, ErrorPermanent},
		{errors.New("boom"), ErrorPermanent},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(&PlanTooLargeError{}, ErrPlanTooLarge) {
		t.Error("PlanTooLargeError should match ErrPlanTooLarge")
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", &RemoteError{Message: "x"}), ErrRemoteExecution) {
		t.Error("wrapped RemoteError should match ErrRemoteExecution")
	}
	connErr := &ConnectionError{ContentID: 3, Err: syscall.ECONNREFUSED}
	if !errors.Is(connErr, ErrConnection) || !errors.Is(connErr, syscall.ECONNREFUSED) {
		t.Error("ConnectionError should match both ErrConnection and its cause")
	}
	if !errors.Is(&CancelledError{Cause: context.Canceled}, context.Canceled) {
		t.Error("CancelledError should unwrap to its cause")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(&RemoteError{Code: "22012"}); got != "22012" {
		t.Errorf("remote code = %q", got)
	}
	if got := CodeOf(&ConnectionError{Err: io.EOF}); got != CodeConnectionFailure {
		t.Errorf("connection code = %q", got)
	}
	if got := CodeOf(&CancelledError{}); got != CodeQueryCanceled {
		t.Errorf("cancel code = %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("nil code = %q", got)
	}
}

func TestDispatchErrorFormatsMergedContents(t *testing.T) {
	e := &DispatchError{
		Code: "22012",
		Messages: []MergedMessage{
			{Message: "division by zero", Contents: []int{2, 0}},
			{Message: "disk full", Contents: []int{1}},
		},
	}
	got := e.Error()
	if !strings.Contains(got, "division by zero (seg0,seg2)") {
		t.Errorf("merged message not formatted: %q", got)
	}
	if !strings.Contains(got, "disk full (seg1)") {
		t.Errorf("second message missing: %q", got)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	rc := NewRetryControllerWith(time.Millisecond, 2*time.Millisecond, 3)
	calls := 0
	err := rc.Retry(context.Background(), func() error {
		calls++
		return errors.New("permanent")
	}, NewClassifier())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRetriesTransient(t *testing.T) {
	rc := NewRetryControllerWith(time.Millisecond, 2*time.Millisecond, 3)
	calls := 0
	err := rc.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return syscall.EAGAIN
		}
		return nil
	}, NewClassifier())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	rc := NewRetryControllerWith(time.Hour, time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := rc.Retry(ctx, func() error {
		calls++
		return syscall.EAGAIN
	}, NewClassifier())
	if !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestErrorTracker(t *testing.T) {
	tr := NewErrorTracker()
	fault := &InternalFaultError{Dispatched: 1, Total: 3}
	tr.RecordError(fault, ErrorInternal)
	tr.RecordError(errors.New("x"), ErrorRemote)
	tr.RecordError(errors.New("y"), ErrorRemote)

	if got := tr.GetErrorCount(ErrorRemote); got != 2 {
		t.Errorf("remote count = %d, want 2", got)
	}
	if tr.LastInternal() != fault {
		t.Error("LastInternal should return the recorded fault")
	}
	if tr.GetLastOccurrence(ErrorInternal).IsZero() {
		t.Error("last occurrence should be set")
	}
	if snap := tr.Snapshot(); snap[ErrorInternal] != 1 {
		t.Errorf("snapshot internal = %d", snap[ErrorInternal])
	}
}
