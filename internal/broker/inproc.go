package broker

import (
	"context"
	"sync"
)

const inprocQueueDepth = 1024

// InprocBroker is the channel-backed broker used when BROKER_URL is
// inproc://. Suitable for development and tests; state is lost on
// restart.
type InprocBroker struct {
	mu       sync.Mutex
	statuses map[string]Status
	revoked  map[string]struct{}
	queue    chan Task
	closed   bool
}

func NewInprocBroker() *InprocBroker {
	return &InprocBroker{
		statuses: make(map[string]Status),
		revoked:  make(map[string]struct{}),
		queue:    make(chan Task, inprocQueueDepth),
	}
}

func (b *InprocBroker) Enqueue(ctx context.Context, task Task) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.statuses[task.ID] = Status{Status: StatusPending}
	b.mu.Unlock()

	select {
	case b.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InprocBroker) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-b.queue:
		if !ok {
			return Task{}, ErrClosed
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (b *InprocBroker) SetStatus(ctx context.Context, taskID, status string, result *string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[taskID] = Status{Status: status, Result: result}
	return nil
}

func (b *InprocBroker) Status(ctx context.Context, taskID string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[taskID]
	if !ok {
		return Status{Status: StatusPending}, nil
	}
	return st, nil
}

func (b *InprocBroker) Revoke(ctx context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[taskID] = struct{}{}
	b.statuses[taskID] = Status{Status: StatusRevoked}
	return nil
}

func (b *InprocBroker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.revoked[taskID]
	return ok, nil
}

func (b *InprocBroker) Ping(ctx context.Context) error { return nil }

func (b *InprocBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	return nil
}
