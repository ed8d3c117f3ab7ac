package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/event"
)

type recordingProcessor struct {
	mu    sync.Mutex
	seen  map[string][]string
	fail  map[string]error
	calls int
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{seen: make(map[string][]string), fail: make(map[string]error)}
}

func (p *recordingProcessor) ProcessEvent(_ context.Context, ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.seen[ev.UserID] = append(p.seen[ev.UserID], ev.ID)
	return p.fail[ev.ID]
}

type captureDeadLetter struct {
	mu      sync.Mutex
	entries []string
}

func (d *captureDeadLetter) OnUnrecoverable(_ context.Context, ev *event.Event, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, ev.ID)
}

func poolEvent(userID string, seq int) *event.Event {
	return &event.Event{
		ID:     fmt.Sprintf("%s-%d", userID, seq),
		UserID: userID,
		Type:   event.TypePageView,
	}
}

func TestPool_LinearizesPerUser(t *testing.T) {
	proc := newRecordingProcessor()
	pool := NewPool(proc, &captureDeadLetter{}, PoolConfig{Workers: 4, QueueSize: 8})
	ctx := context.Background()

	const perUser = 20
	users := []string{"u1", "u2", "u3", "u4", "u5"}

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for seq := 0; seq < perUser; seq++ {
				if err := pool.Ingest(ctx, poolEvent(user, seq)); err != nil {
					t.Errorf("Ingest(%s-%d) error = %v", user, seq, err)
					return
				}
			}
		}(user)
	}
	wg.Wait()
	pool.Stop()

	for _, user := range users {
		got := proc.seen[user]
		if len(got) != perUser {
			t.Fatalf("user %s: processed %d events, want %d", user, len(got), perUser)
		}
		for seq, id := range got {
			if want := fmt.Sprintf("%s-%d", user, seq); id != want {
				t.Fatalf("user %s: event %d = %s, want %s (order must be preserved)", user, seq, id, want)
			}
		}
	}
}

func TestPool_DeadLettersTransientFailures(t *testing.T) {
	proc := newRecordingProcessor()
	proc.fail["u1-0"] = common.NewTransientStoreError("put", errors.New("connection refused"))
	dead := &captureDeadLetter{}
	pool := NewPool(proc, dead, PoolConfig{Workers: 2, QueueSize: 4})

	ctx := context.Background()
	if err := pool.Ingest(ctx, poolEvent("u1", 0)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := pool.Ingest(ctx, poolEvent("u1", 1)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	pool.Stop()

	if len(dead.entries) != 1 || dead.entries[0] != "u1-0" {
		t.Errorf("dead letters = %v, want exactly [u1-0]", dead.entries)
	}
}

func TestPool_ValidationFailureIsNotDeadLettered(t *testing.T) {
	proc := newRecordingProcessor()
	proc.fail["u1-0"] = &event.ValidationError{Violations: []event.Violation{
		{Code: event.CodeMissingField, Field: "userId", Message: "user ID is required"},
	}}
	dead := &captureDeadLetter{}
	pool := NewPool(proc, dead, PoolConfig{Workers: 1, QueueSize: 4})

	if err := pool.Ingest(context.Background(), poolEvent("u1", 0)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	pool.Stop()

	if len(dead.entries) != 0 {
		t.Errorf("dead letters = %v, rejected events must not be replayed", dead.entries)
	}
}

func TestPool_IngestAfterStop(t *testing.T) {
	pool := NewPool(newRecordingProcessor(), &captureDeadLetter{}, PoolConfig{Workers: 1, QueueSize: 1})
	pool.Stop()

	if err := pool.Ingest(context.Background(), poolEvent("u1", 0)); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Ingest() error = %v, want ErrPoolStopped", err)
	}
}

type gatedProcessor struct {
	inner   *recordingProcessor
	started chan struct{}
	release chan struct{}
}

func (p *gatedProcessor) ProcessEvent(ctx context.Context, ev *event.Event) error {
	p.started <- struct{}{}
	<-p.release
	return p.inner.ProcessEvent(ctx, ev)
}

func TestPool_StopWaitsForBlockedIngest(t *testing.T) {
	proc := newRecordingProcessor()
	gate := &gatedProcessor{inner: proc, started: make(chan struct{}, 3), release: make(chan struct{})}
	pool := NewPool(gate, &captureDeadLetter{}, PoolConfig{Workers: 1, QueueSize: 1})
	ctx := context.Background()

	// First event occupies the worker, second fills its queue.
	if err := pool.Ingest(ctx, poolEvent("u1", 0)); err != nil {
		t.Fatalf("Ingest(0) error = %v", err)
	}
	<-gate.started
	if err := pool.Ingest(ctx, poolEvent("u1", 1)); err != nil {
		t.Fatalf("Ingest(1) error = %v", err)
	}

	// Third ingest blocks on the full queue.
	ingestDone := make(chan error, 1)
	go func() {
		ingestDone <- pool.Ingest(ctx, poolEvent("u1", 2))
	}()
	time.Sleep(10 * time.Millisecond)

	// Stop while the send is pending: it must wait for the send, never
	// close the queue under it.
	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		pool.Stop()
	}()
	time.Sleep(10 * time.Millisecond)

	close(gate.release)

	if err := <-ingestDone; err != nil {
		t.Fatalf("Ingest(2) error = %v, a send already in flight when Stop runs must land", err)
	}
	<-stopDone

	if proc.calls != 3 {
		t.Errorf("processed = %d, want all 3 events including the one ingested during Stop", proc.calls)
	}
}

func TestPool_StopDrainsQueuedEvents(t *testing.T) {
	proc := newRecordingProcessor()
	pool := NewPool(proc, &captureDeadLetter{}, PoolConfig{Workers: 1, QueueSize: 64})
	ctx := context.Background()

	for seq := 0; seq < 50; seq++ {
		if err := pool.Ingest(ctx, poolEvent("u1", seq)); err != nil {
			t.Fatalf("Ingest(%d) error = %v", seq, err)
		}
	}
	pool.Stop()

	if proc.calls != 50 {
		t.Errorf("processed = %d, want all 50 queued events drained on stop", proc.calls)
	}
}
