package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/intent-solutions-io/git-with-intent/idkey"
)

func TestProcess_ConcurrentDuplicates_InvokesHandlerOnce(t *testing.T) {
	store := NewMemStore(nil)
	svc := NewService(store, DefaultConfig())

	in := KeyInput{Source: idkey.SourceGitHubWebhook, Fields: idkey.Fields{DeliveryID: "550e8400-e29b-41d4-a716-446655440000"}}

	var calls int64
	handler := func(ctx context.Context) (string, CachedResponse, error) {
		atomic.AddInt64(&calls, 1)
		return "run-1", NewRunStartedResponse("run-1", 202, nil), nil
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make([]Result, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				res, err := svc.Process(context.Background(), in, "tenant-a", map[string]any{"x": 1}, handler)
				if err != nil {
					if _, ok := err.(*IdempotencyProcessingError); ok {
						continue // S1: retry like a real caller would after backoff
					}
					errs[i] = err
					return
				}
				results[i] = res
				return
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("handler invoked %d times, want 1 (property 1)", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: unexpected error: %v", i, err)
		}
	}
	for i, res := range results {
		if res.RunID != "run-1" {
			t.Fatalf("worker %d: runID = %q, want run-1 (property 2)", i, res.RunID)
		}
	}
}

func TestProcess_SettledDuplicate_ReplaysWithoutHandler(t *testing.T) {
	store := NewMemStore(nil)
	svc := NewService(store, DefaultConfig())
	in := KeyInput{Source: idkey.SourceScheduler, Fields: idkey.Fields{ScheduleID: "daily-cleanup", ExecutionTimeISO: "2024-12-19T00:00:00Z"}}

	var calls int
	handler := func(ctx context.Context) (string, CachedResponse, error) {
		calls++
		return "", NewMessageResponse(`{"cleaned":42}`), nil
	}

	first, err := svc.Process(context.Background(), in, "t1", map[string]any{}, handler)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if !first.Processed {
		t.Fatalf("first call should be Processed=true")
	}

	for i := 0; i < 2; i++ {
		dup, err := svc.Process(context.Background(), in, "t1", map[string]any{}, handler)
		if err != nil {
			t.Fatalf("duplicate Process: %v", err)
		}
		if dup.Processed {
			t.Fatalf("duplicate call %d should be Processed=false", i)
		}
		if dup.Response != first.Response {
			t.Fatalf("duplicate %d response = %+v, want %+v", i, dup.Response, first.Response)
		}
	}
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
}

func TestProcess_HandlerError_SettlesFailedAndReturnsError(t *testing.T) {
	store := NewMemStore(nil)
	svc := NewService(store, DefaultConfig())
	in := KeyInput{Source: idkey.SourceAPI, Fields: idkey.Fields{ClientID: "c1", RequestID: "r1"}}

	wantErr := &testError{"boom"}
	_, err := svc.Process(context.Background(), in, "t1", nil, func(ctx context.Context) (string, CachedResponse, error) {
		return "", CachedResponse{}, wantErr
	})
	if err != wantErr {
		t.Fatalf("Process error = %v, want %v", err, wantErr)
	}

	key, _ := idkey.Derive(in.Source, in.Fields)
	rec, err := svc.GetStatus(context.Background(), "t1", key)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("record status = %q, want failed", rec.Status)
	}
}

func TestCleanupExpired_RemovesOnlyExpiredSettledRecords(t *testing.T) {
	store := NewMemStore(nil)
	svc := NewService(store, Config{LockTimeoutMS: 1000, MaxAttempts: 3, CompletedTTLMS: -1, FailedTTLMS: -1})
	in := KeyInput{Source: idkey.SourceAPI, Fields: idkey.Fields{ClientID: "c1", RequestID: "r1"}}

	if _, err := svc.Process(context.Background(), in, "t1", nil, func(ctx context.Context) (string, CachedResponse, error) {
		return "run-x", NewRunStartedResponse("run-x", 200, nil), nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	n, err := svc.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("CleanupExpired removed %d, want 1", n)
	}

	key, _ := idkey.Derive(in.Source, in.Fields)
	if _, err := svc.GetStatus(context.Background(), "t1", key); err != ErrNotFound {
		t.Fatalf("GetStatus after cleanup err = %v, want ErrNotFound", err)
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
