package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/metrics"
)

// ErrPoolStopped is returned by Ingest after Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Processor consumes one event. Implemented by Manager.
type Processor interface {
	ProcessEvent(ctx context.Context, ev *event.Event) error
}

// DeadLetter receives events the pipeline could not consume for a
// non-validation reason, so they can be replayed after the fault
// clears.
type DeadLetter interface {
	OnUnrecoverable(ctx context.Context, ev *event.Event, reason error)
}

// AuditDeadLetter records dead-lettered events to an audit sink.
type AuditDeadLetter struct {
	sink audit.Sink
}

// NewAuditDeadLetter wraps an audit sink as a DeadLetter.
func NewAuditDeadLetter(sink audit.Sink) *AuditDeadLetter {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	return &AuditDeadLetter{sink: sink}
}

// OnUnrecoverable implements DeadLetter.
func (a *AuditDeadLetter) OnUnrecoverable(ctx context.Context, ev *event.Event, reason error) {
	logrus.Errorf("dead-lettering event %s for user %s: %v", ev.ID, ev.UserID, reason)
	a.sink.Record(ctx, audit.Entry{
		Kind:    audit.KindEventDeadLettered,
		UserID:  ev.UserID,
		EventID: ev.ID,
		Detail: map[string]interface{}{
			"eventType": string(ev.Type),
			"reason":    reason.Error(),
		},
		Timestamp: ev.Timestamp,
	})
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Workers is the number of worker goroutines.
	Workers int
	// QueueSize bounds each worker's queue.
	QueueSize int
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 8, QueueSize: 256}
}

func (c PoolConfig) normalized() PoolConfig {
	d := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Pool fans events out to N workers. Events for the same user always
// land on the same worker, so per-user processing is strictly ordered
// even under concurrency.
type Pool struct {
	proc   Processor
	dead   DeadLetter
	cfg    PoolConfig
	queues []chan *event.Event

	// mu is held for reading across the queue send in Ingest and for
	// writing in Stop, so a queue is never closed mid-send.
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates and starts the pool.
func NewPool(proc Processor, dead DeadLetter, cfg PoolConfig) *Pool {
	cfg = cfg.normalized()
	if dead == nil {
		dead = NewAuditDeadLetter(nil)
	}

	p := &Pool{
		proc:   proc,
		dead:   dead,
		cfg:    cfg,
		queues: make([]chan *event.Event, cfg.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *event.Event, cfg.QueueSize)
		p.wg.Add(1)
		go p.work(i)
	}

	logrus.Infof("worker pool started with %d workers, queue size %d", cfg.Workers, cfg.QueueSize)
	return p
}

// Ingest routes an event to its user's worker. Blocks while the queue
// is full, which backpressures the source.
func (p *Pool) Ingest(ctx context.Context, ev *event.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	// The read lock stays held across the send: Stop takes the write
	// lock before closing the queues, so it waits for in-flight sends.
	// Workers drain the queues without touching the lock, so a blocked
	// send still completes.
	select {
	case p.queues[p.workerFor(ev.UserID)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workerFor hashes a user id onto a worker index. Stable across calls,
// so one user's events are linearized.
func (p *Pool) workerFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(p.cfg.Workers))
}

func (p *Pool) work(i int) {
	defer p.wg.Done()

	label := strconv.Itoa(i)
	for ev := range p.queues[i] {
		metrics.WorkerQueueDepth.WithLabelValues(label).Set(float64(len(p.queues[i])))

		err := p.proc.ProcessEvent(context.Background(), ev)
		if err == nil {
			continue
		}

		// Validation rejections are terminal and already audited by the
		// manager. Everything else goes to the dead-letter path for
		// replay.
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			continue
		}

		metrics.DeadLetterTotal.Inc()
		p.dead.OnUnrecoverable(context.Background(), ev, err)
	}
}

// Stop closes the queues, drains queued events, and waits for the
// workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true

	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("worker pool stopped")
}
