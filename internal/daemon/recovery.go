package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/lock"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/status"
	"github.com/msageha/knotify/internal/store"
)

// Recovery settles the checkpoints left by a previous daemon process as if
// time had kept running while it was down. It never repeats a delivery.
type Recovery struct {
	store  store.StatusStore
	mirror *status.Mirror
	clock  clock.Clock
	timing model.TimingConfig
	locks  *lock.MutexMap[int]
	logger *logrus.Entry
	wg     sync.WaitGroup

	mu    sync.Mutex
	tails map[int]context.CancelFunc
}

func NewRecovery(st store.StatusStore, mirror *status.Mirror, clk clock.Clock, timing model.TimingConfig, locks *lock.MutexMap[int], logger *logrus.Entry) *Recovery {
	if clk == nil {
		clk = clock.WallClock
	}
	if locks == nil {
		locks = lock.NewMutexMap[int]()
	}
	if logger == nil {
		logger = logrus.WithField("component", "recovery")
	}
	return &Recovery{
		store:  st,
		mirror: mirror,
		clock:  clk,
		timing: timing,
		locks:  locks,
		logger: logger,
		tails:  make(map[int]context.CancelFunc),
	}
}

// Run sweeps the store once. Expired checkpoints are settled immediately;
// pending ones are restored to the mirror and finished in the background
// when their resume time arrives, or abandoned when ctx ends.
func (r *Recovery) Run(ctx context.Context) error {
	entries, err := r.store.List()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	now := r.clock.Now()
	for _, e := range entries {
		if !model.IsKnownStatus(string(e.Status)) {
			r.logger.Warnf("dropping checkpoint action=%d with unknown status %q", e.ActionID, e.Status)
			r.clear(e.ActionID)
			continue
		}
		st := model.ParseStatus(string(e.Status))
		if st == model.StatusIdle {
			r.clear(e.ActionID)
			continue
		}

		remaining := e.Remaining(now)
		if remaining <= 0 {
			r.logger.Infof("checkpoint expired action=%d status=%s, settling to idle", e.ActionID, st)
			r.mirror.Set(e.ActionID, model.StatusIdle, status.OriginRecovery)
			r.clear(e.ActionID)
			continue
		}

		r.logger.Infof("restoring action=%d status=%s remaining=%s", e.ActionID, st, remaining)
		r.mirror.Restore(e.ActionID, st)
		tailCtx := r.track(ctx, e.ActionID)
		r.wg.Add(1)
		go r.resume(tailCtx, e.ActionID, st, remaining)
	}
	return nil
}

// Cancel abandons the pending tail of id, if any. Callers hold the action's
// lock, so a cancelled tail never acts after Cancel returns.
func (r *Recovery) Cancel(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.tails[id]; ok {
		cancel()
		delete(r.tails, id)
		r.logger.Debugf("recovery tail cancelled action=%d", id)
	}
}

// Pending reports whether id still has a restored checkpoint to settle.
func (r *Recovery) Pending(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tails[id]
	return ok
}

func (r *Recovery) track(ctx context.Context, id int) context.Context {
	tailCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if prev, ok := r.tails[id]; ok {
		prev()
	}
	r.tails[id] = cancel
	r.mu.Unlock()
	return tailCtx
}

func (r *Recovery) untrack(ctx context.Context, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Only the tail's own entry; a cancelled tail has already been removed.
	if ctx.Err() == nil {
		if cancel, ok := r.tails[id]; ok {
			cancel()
			delete(r.tails, id)
		}
	}
}

// Wait blocks until every background tail has returned.
func (r *Recovery) Wait() {
	r.wg.Wait()
}

func (r *Recovery) resume(ctx context.Context, id int, restored model.Status, remaining time.Duration) {
	defer r.wg.Done()
	defer r.untrack(ctx, id)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("panic in recovery tail action=%d: %v", id, rec)
		}
	}()

	if !sleepCtx(ctx, r.clock, remaining) {
		return
	}

	hold := false
	r.locks.With(id, func() {
		if ctx.Err() != nil {
			return
		}
		if r.mirror.Get(id) != restored {
			r.logger.Infof("recovery tail skipped action=%d: status moved on", id)
			return
		}
		switch restored {
		case model.StatusExecuting:
			// The delivery outcome is unknown; report success and hold it
			// briefly rather than sending again.
			if err := r.store.Set(id, model.StatusSuccess, r.clock.Now().Add(r.timing.RecoveryHold())); err != nil {
				r.logger.Errorf("checkpoint success action=%d: %v", id, err)
			}
			r.mirror.Set(id, model.StatusSuccess, status.OriginRecovery)
			hold = true
		default:
			r.mirror.Set(id, model.StatusIdle, status.OriginRecovery)
			r.clear(id)
		}
	})
	if !hold {
		return
	}

	if !sleepCtx(ctx, r.clock, r.timing.RecoveryHold()) {
		return
	}
	r.locks.With(id, func() {
		if ctx.Err() != nil || r.mirror.Get(id) != model.StatusSuccess {
			return
		}
		r.mirror.Set(id, model.StatusIdle, status.OriginRecovery)
		r.clear(id)
	})
}

func (r *Recovery) clear(id int) {
	if err := r.store.Clear(id); err != nil {
		r.logger.Errorf("clear checkpoint action=%d: %v", id, err)
	}
}
