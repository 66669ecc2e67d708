package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/knotify/internal/events"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/status"
	"github.com/msageha/knotify/internal/store"
)

// ErrCycleInFlight is returned by Execute while a cycle for the same action
// is still registered.
var ErrCycleInFlight = errors.New("delivery cycle already in flight")

// cycle is one EXECUTING → SUCCESS|ERROR → IDLE run for an action.
type cycle struct {
	id      int
	token   string
	ctx     context.Context
	cancel  context.CancelFunc
	monitor *StatusMonitor
}

// Orchestrator runs delivery cycles. At most one cycle per action is
// registered at a time; the network call itself is additionally collapsed per
// action through a singleflight group so that a call left running by a
// cancelled cycle is joined rather than repeated.
type Orchestrator struct {
	ctx       context.Context
	store     store.StatusStore
	mirror    *status.Mirror
	deliverer Deliverer
	bus       *events.Bus
	clock     clock.Clock
	timing    model.TimingConfig
	logger    *logrus.Entry

	group   singleflight.Group
	workers *semaphore.Weighted

	// mu serializes registry changes with checkpoint commits, so a cancelled
	// cycle can never write after its cancellation returned.
	mu     sync.Mutex
	cycles map[int]*cycle
	seq    uint64
	wg     sync.WaitGroup
}

type OrchestratorConfig struct {
	Store     store.StatusStore
	Mirror    *status.Mirror
	Deliverer Deliverer
	Bus       *events.Bus
	Clock     clock.Clock
	Timing    model.TimingConfig
	Workers   int64
	Logger    *logrus.Entry
}

// NewOrchestrator binds every cycle to ctx, normally the daemon lifetime.
func NewOrchestrator(ctx context.Context, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "orchestrator")
	}
	return &Orchestrator{
		ctx:       ctx,
		store:     cfg.Store,
		mirror:    cfg.Mirror,
		deliverer: cfg.Deliverer,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		timing:    cfg.Timing,
		logger:    cfg.Logger,
		workers:   semaphore.NewWeighted(cfg.Workers),
		cycles:    make(map[int]*cycle),
	}
}

// Execute starts a delivery cycle for actionID. Before it returns, the durable
// EXECUTING checkpoint is written and the mirror shows EXECUTING.
func (o *Orchestrator) Execute(actionID int, d Delivery) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ctx.Err(); err != nil {
		return fmt.Errorf("orchestrator stopped: %w", err)
	}
	if _, busy := o.cycles[actionID]; busy {
		return fmt.Errorf("action %d: %w", actionID, ErrCycleInFlight)
	}

	if err := o.store.Clear(actionID); err != nil {
		o.logger.Warnf("clear stale checkpoint action=%d: %v", actionID, err)
	}
	now := o.clock.Now()
	if err := o.store.Set(actionID, model.StatusExecuting, now.Add(o.timing.GraceDelay())); err != nil {
		return fmt.Errorf("checkpoint executing action=%d: %w", actionID, err)
	}

	o.seq++
	ctx, cancel := context.WithCancel(o.ctx)
	c := &cycle{
		id:     actionID,
		token:  "cycle-" + strconv.Itoa(actionID) + "-" + strconv.FormatUint(o.seq, 10),
		ctx:    ctx,
		cancel: cancel,
	}
	o.cycles[actionID] = c
	o.mirror.Set(actionID, model.StatusExecuting, c.token)
	c.monitor = StartStatusMonitor(o.mirror, actionID, c.token, func() { o.cancelCycle(c) }, o.logger)

	o.logger.Infof("cycle started action=%d kind=%s cycle=%s", actionID, d.Kind, c.token)
	o.wg.Add(1)
	go o.run(c, d)
	return nil
}

// Cancel aborts the registered cycle of actionID, if any. A delivery call
// already on the wire keeps running; its result is discarded.
func (o *Orchestrator) Cancel(actionID int) {
	o.mu.Lock()
	c, ok := o.cycles[actionID]
	if ok {
		delete(o.cycles, actionID)
	}
	o.mu.Unlock()

	if ok {
		c.cancel()
		o.logger.Infof("cycle cancelled action=%d cycle=%s", actionID, c.token)
	}
}

// InFlight reports whether a cycle is registered for actionID.
func (o *Orchestrator) InFlight(actionID int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cycles[actionID]
	return ok
}

// Wait blocks until every cycle goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) cancelCycle(c *cycle) {
	o.mu.Lock()
	if o.cycles[c.id] == c {
		delete(o.cycles, c.id)
	}
	o.mu.Unlock()
	c.cancel()
}

func (o *Orchestrator) run(c *cycle, d Delivery) {
	defer o.wg.Done()
	defer func() {
		c.monitor.Stop()
		o.cancelCycle(c)
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("panic in cycle action=%d cycle=%s: %v\n%s", c.id, c.token, r, debug.Stack())
			o.forceReset(c)
		}
	}()

	if !sleepCtx(c.ctx, o.clock, o.timing.GraceDelay()) {
		o.logger.Infof("cycle aborted during grace action=%d cycle=%s", c.id, c.token)
		return
	}

	ok, err := o.deliver(c, d)
	if c.ctx.Err() != nil {
		o.logger.Infof("cycle cancelled during delivery, result discarded action=%d cycle=%s", c.id, c.token)
		return
	}

	final, visible, outcome := model.StatusSuccess, o.timing.SuccessVisible(), "success"
	switch {
	case err != nil:
		final, visible, outcome = model.StatusError, o.timing.FailureVisible(), "error"
		o.logger.Errorf("delivery error action=%d: %v", c.id, err)
	case !ok:
		final, visible, outcome = model.StatusError, o.timing.ErrorVisible(), "failure"
		o.logger.Warnf("delivery failed action=%d", c.id)
	default:
		o.logger.Infof("delivery succeeded action=%d", c.id)
	}
	o.publishOutcome(c.id, d, outcome, err)

	resolvedAt := o.clock.Now()
	committed := o.commit(c, func() {
		if err := o.store.Set(c.id, final, resolvedAt.Add(visible)); err != nil {
			o.logger.Errorf("checkpoint %s action=%d: %v", final, c.id, err)
		}
		o.mirror.Set(c.id, final, c.token)
	})
	if !committed {
		return
	}

	if !sleepCtx(c.ctx, o.clock, visible+o.timing.TrailingDelay()) {
		o.logger.Infof("cycle hold interrupted action=%d cycle=%s", c.id, c.token)
		return
	}

	o.commit(c, func() {
		if err := o.store.Clear(c.id); err != nil {
			o.logger.Errorf("clear checkpoint action=%d: %v", c.id, err)
		}
		o.mirror.Set(c.id, model.StatusIdle, c.token)
	})
	o.logger.Infof("cycle finished action=%d status=%s cycle=%s", c.id, final, c.token)
}

// deliver runs the side effect on a context detached from the cycle, so a
// cancellation never tears down a request that may already have reached the
// endpoint.
func (o *Orchestrator) deliver(c *cycle, d Delivery) (bool, error) {
	ctx := context.WithoutCancel(c.ctx)
	v, err, shared := o.group.Do(strconv.Itoa(c.id), func() (interface{}, error) {
		if err := o.workers.Acquire(ctx, 1); err != nil {
			return false, err
		}
		defer o.workers.Release(1)
		return o.safeDeliver(ctx, c.id, d)
	})
	if shared {
		o.logger.Infof("joined in-flight delivery action=%d cycle=%s", c.id, c.token)
	}
	ok, _ := v.(bool)
	return ok, err
}

func (o *Orchestrator) safeDeliver(ctx context.Context, id int, d Delivery) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
			ok = false
		}
	}()
	return o.deliverer.Deliver(ctx, id, d)
}

// commit runs fn unless c was cancelled. Cancellation and commits are
// serialized on o.mu.
func (o *Orchestrator) commit(c *cycle, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// forceReset puts the action back to idle after a broken cycle. It never
// fails; store errors are logged.
func (o *Orchestrator) forceReset(c *cycle) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("panic during forced reset action=%d: %v", c.id, r)
		}
	}()
	o.commit(c, func() {
		o.mirror.Set(c.id, model.StatusIdle, c.token)
		if err := o.store.Clear(c.id); err != nil {
			o.logger.Errorf("forced reset: clear checkpoint action=%d: %v", c.id, err)
		}
	})
}

func (o *Orchestrator) publishOutcome(id int, d Delivery, outcome string, err error) {
	if o.bus == nil {
		return
	}
	data := map[string]interface{}{
		"action_id": id,
		"kind":      d.Kind.String(),
		"outcome":   outcome,
	}
	if err != nil {
		data["detail"] = err.Error()
	}
	o.bus.Publish(events.EventDeliveryFinished, data)
}

// sleepCtx waits d on clk. It returns false if ctx ended first.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return ctx.Err() == nil
	}
}
