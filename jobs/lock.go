package jobs

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

// UpdateLock is the process-wide exclusive resource held while game
// binaries are being written. Waiters are served strictly FIFO. A sentinel
// file mirrors the lock state so generated start scripts can observe it.
type UpdateLock struct {
	mu         sync.Mutex
	holder     *Grant
	acquiredAt time.Time
	waiters    []*lockWaiter

	sentinel string
	logger   *slog.Logger
}

// Grant is one successful acquisition. Only the grant that currently holds
// the lock can release it; releasing a stale grant is a logged no-op, so a
// double release or a manual release can never free a lock an exclusive
// job still depends on.
type Grant struct {
	lock   *UpdateLock
	reason string
}

// Release frees the lock if this grant still holds it.
func (g *Grant) Release() { g.lock.release(g) }

type lockWaiter struct {
	ch      chan struct{}
	grant   *Grant
	granted bool
}

// NewUpdateLock creates an unlocked UpdateLock. sentinel may be empty to
// skip the advisory file.
func NewUpdateLock(sentinel string) *UpdateLock {
	return &UpdateLock{sentinel: sentinel, logger: logging.Get("jobs")}
}

// Acquire blocks until the lock is granted or ctx is done. Grant order is
// arrival order.
func (l *UpdateLock) Acquire(ctx context.Context, reason string) (*Grant, error) {
	g := &Grant{lock: l, reason: reason}
	l.mu.Lock()
	if l.holder == nil && len(l.waiters) == 0 {
		l.grantLocked(g)
		l.mu.Unlock()
		return g, nil
	}
	w := &lockWaiter{ch: make(chan struct{}), grant: g}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ch:
		return g, nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Granted while we were giving up; pass it on.
			l.mu.Unlock()
			g.Release()
			return nil, asaman.WrapErr(asaman.KindConflict, ctx.Err(), "gave up waiting for update lock")
		}
		for i, queued := range l.waiters {
			if queued == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return nil, asaman.WrapErr(asaman.KindConflict, ctx.Err(), "gave up waiting for update lock")
	}
}

// TryAcquire grants the lock only if it is free right now. Used by the
// manual lock endpoint, which must not queue behind jobs.
func (l *UpdateLock) TryAcquire(reason string) (*Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil {
		return nil, asaman.E(asaman.KindConflict, "update lock already held (%s)", l.holder.reason)
	}
	if len(l.waiters) > 0 {
		return nil, asaman.E(asaman.KindConflict, "update lock has queued waiters")
	}
	g := &Grant{lock: l, reason: reason}
	l.grantLocked(g)
	return g, nil
}

// release hands the lock to the next waiter, or frees it. Only the current
// holder's grant is honored.
func (l *UpdateLock) release(g *Grant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != g {
		l.logger.Warn("ignoring release from a grant that does not hold the update lock", "reason", g.reason)
		return
	}
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		w.granted = true
		l.grantLocked(w.grant)
		close(w.ch)
		return
	}
	l.holder = nil
	l.removeSentinel()
}

// Status reports the current lock state.
func (l *UpdateLock) Status() asaman.LockStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := asaman.LockStatus{Locked: l.holder != nil}
	if l.holder != nil {
		status.Reason = l.holder.reason
		at := l.acquiredAt
		status.AcquiredAt = &at
	}
	return status
}

func (l *UpdateLock) grantLocked(g *Grant) {
	l.holder = g
	l.acquiredAt = time.Now().UTC()
	l.writeSentinel()
}

func (l *UpdateLock) writeSentinel() {
	if l.sentinel == "" {
		return
	}
	if err := os.WriteFile(l.sentinel, []byte(l.holder.reason+"\n"), 0644); err != nil {
		l.logger.Warn("could not write lock sentinel", "path", l.sentinel, "error", err)
	}
}

func (l *UpdateLock) removeSentinel() {
	if l.sentinel == "" {
		return
	}
	if err := os.Remove(l.sentinel); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("could not remove lock sentinel", "path", l.sentinel, "error", err)
	}
}
