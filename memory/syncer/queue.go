package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/becomeliminal/memsync/core"
)

type pendingUpdate struct {
	store  string
	record core.Record
}

// UpdateItem stores r in store and reconciles that id into every other
// registered store with the same conflict rules as SyncOneWay. It returns
// false without error when store is not registered. Failures in other stores
// do not stop propagation; they are joined into the returned error.
func (m *Manager) UpdateItem(ctx context.Context, store string, r core.Record) (bool, error) {
	src, ok := m.registry.Adapter(store)
	if !ok {
		return false, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	id, err := src.Store(ctx, r)
	if err != nil {
		return false, fmt.Errorf("update %s in %s: %w", r.ID, store, err)
	}
	r.ID = id

	var errs []error
	for _, name := range m.registry.Names() {
		if name == store {
			continue
		}
		dst, ok := m.registry.Adapter(name)
		if !ok {
			continue
		}
		if _, err := m.reconcile(ctx, src, dst, r); err != nil {
			errs = append(errs, fmt.Errorf("propagate %s to %s: %w", r.ID, name, err))
		}
	}
	m.addSynchronized(1)
	m.notify(ctx, &r)
	m.ClearCache()
	return true, errors.Join(errs...)
}

// QueueUpdate appends an update to the pending queue. In async mode a
// debounced flush is scheduled.
func (m *Manager) QueueUpdate(ctx context.Context, store string, r core.Record) {
	m.queueMu.Lock()
	m.queue = append(m.queue, pendingUpdate{store: store, record: r.Clone()})
	n := len(m.queue)
	m.queueMu.Unlock()
	m.metrics.queueDepth.Set(float64(n))

	m.notify(ctx, &r)
	m.ClearCache()
	if m.asyncMode {
		m.ScheduleFlush(m.flushDelay)
	}
}

// QueueLen returns the number of pending updates.
func (m *Manager) QueueLen() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// DiscardQueue drops every pending update.
func (m *Manager) DiscardQueue() {
	m.queueMu.Lock()
	dropped := len(m.queue)
	m.queue = nil
	m.queueMu.Unlock()
	m.metrics.queueDepth.Set(0)
	if dropped > 0 {
		m.logger.Info("pending updates discarded", "count", dropped)
	}
}

func (m *Manager) pop() (pendingUpdate, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return pendingUpdate{}, false
	}
	u := m.queue[0]
	m.queue = m.queue[1:]
	m.metrics.queueDepth.Set(float64(len(m.queue)))
	return u, true
}

func (m *Manager) apply(ctx context.Context, u pendingUpdate) error {
	ok, err := m.UpdateItem(ctx, u.store, u.record)
	if !ok && err == nil {
		m.logger.Warn("dropping update for unregistered store", "store", u.store, "id", u.record.ID)
	}
	return err
}

// FlushQueue applies pending updates in FIFO order until the queue is
// observed empty, including updates queued while flushing. Every update is
// attempted; failures are joined.
func (m *Manager) FlushQueue(ctx context.Context) error {
	var errs []error
	flushed := 0
	for {
		u, ok := m.pop()
		if !ok {
			break
		}
		if err := m.apply(ctx, u); err != nil {
			errs = append(errs, err)
		}
		flushed++
	}
	if flushed > 0 {
		m.logger.Debug("queue flushed", "count", flushed)
		m.notify(ctx, nil)
	}
	m.ClearCache()
	return errors.Join(errs...)
}

// FlushQueueAsync drains the queue on another goroutine, yielding after each
// update. It stops early when ctx is done, leaving the remaining updates
// queued. The channel receives the joined error and is then closed.
func (m *Manager) FlushQueueAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		var errs []error
		flushed := 0
		for {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			u, ok := m.pop()
			if !ok {
				break
			}
			if err := m.apply(ctx, u); err != nil {
				errs = append(errs, err)
			}
			flushed++
			runtime.Gosched()
		}
		if flushed > 0 {
			m.logger.Debug("queue flushed", "count", flushed)
			m.notify(ctx, nil)
		}
		m.ClearCache()
		done <- errors.Join(errs...)
	}()
	return done
}

// ScheduleFlush flushes the queue once delay has elapsed without blocking
// the caller. Scheduling again before the flush runs resets the delay.
func (m *Manager) ScheduleFlush(delay time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	// A stopped timer never runs, so its waiters move to the new one.
	var done chan struct{}
	if m.timer != nil && m.timer.Stop() {
		done = m.timerDone
	} else {
		done = make(chan struct{})
		m.pending = append(m.pending, done)
	}
	m.timerDone = done
	m.timer = time.AfterFunc(delay, func() {
		err := m.FlushQueue(context.Background())
		if err != nil {
			m.logger.Error("scheduled flush failed", "error", err)
		}
		m.timerMu.Lock()
		if err != nil {
			m.asyncErrs = append(m.asyncErrs, err)
		}
		m.pending = slices.DeleteFunc(m.pending, func(c chan struct{}) bool { return c == done })
		m.timerMu.Unlock()
		close(done)
	})
}

// WaitForAsync blocks until every flush scheduled before the call has run
// and returns the joined errors of finished scheduled flushes.
func (m *Manager) WaitForAsync(ctx context.Context) error {
	m.timerMu.Lock()
	pending := slices.Clone(m.pending)
	m.timerMu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.timerMu.Lock()
	errs := m.asyncErrs
	m.asyncErrs = nil
	m.timerMu.Unlock()
	return errors.Join(errs...)
}
