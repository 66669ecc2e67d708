package daemon

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/lock"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/status"
	"github.com/msageha/knotify/internal/store"
)

// PressEvent is one button press together with the status the caller
// observed and the payload currently configured for the action. An empty
// ObservedStatus means the mirror's current status.
type PressEvent struct {
	ActionID       int
	ObservedStatus model.Status
	MessageText    string
	WebhookURL     string
	WebhookEnabled bool
}

func (e PressEvent) hasWebhook() bool { return e.WebhookEnabled && e.WebhookURL != "" }
func (e PressEvent) hasMessage() bool { return e.MessageText != "" }

// Executor starts and aborts delivery cycles.
type Executor interface {
	Execute(actionID int, d Delivery) error
	Cancel(actionID int)
}

// PendingCanceller abandons background work that would otherwise settle an
// action later, such as a restored recovery tail.
type PendingCanceller interface {
	Cancel(actionID int)
}

type noPending struct{}

func (noPending) Cancel(int) {}

// debounceContext is the per-action click bookkeeping. It is only touched
// while holding the action's lock.
type debounceContext struct {
	lastClick          time.Time
	armedAt            time.Time
	executingStartedAt time.Time
	recent             []time.Time // presses seen while executing, oldest first
	timer              clock.Timer
	generation         uint64
}

// PressHandler turns presses into status transitions:
// idle → first (arm), first → executing (confirm, hands off to the
// executor), and the abort edges back to idle.
type PressHandler struct {
	store    store.StatusStore
	mirror   *status.Mirror
	executor Executor
	pending  PendingCanceller
	clock    clock.Clock
	timing   model.TimingConfig
	locks    *lock.MutexMap[int]
	logger   *logrus.Entry

	mu       sync.Mutex
	contexts map[int]*debounceContext
}

type PressHandlerConfig struct {
	Store    store.StatusStore
	Mirror   *status.Mirror
	Executor Executor
	// Pending is cancelled whenever a press starts or ends a cycle.
	Pending PendingCanceller
	Clock   clock.Clock
	Timing  model.TimingConfig
	// Locks is shared with the recovery supervisor so that a recovery tail
	// and a press never interleave for the same action.
	Locks  *lock.MutexMap[int]
	Logger *logrus.Entry
}

func NewPressHandler(cfg PressHandlerConfig) *PressHandler {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.NewMutexMap[int]()
	}
	if cfg.Pending == nil {
		cfg.Pending = noPending{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "press")
	}
	return &PressHandler{
		store:    cfg.Store,
		mirror:   cfg.Mirror,
		executor: cfg.Executor,
		pending:  cfg.Pending,
		clock:    cfg.Clock,
		timing:   cfg.Timing,
		locks:    cfg.Locks,
		logger:   cfg.Logger,
		contexts: make(map[int]*debounceContext),
	}
}

// Press evaluates one press and returns the resulting mirror status. It never
// fails: any error or panic during evaluation resets the action to idle.
func (h *PressHandler) Press(ev PressEvent) model.Status {
	h.locks.Lock(ev.ActionID)
	defer h.locks.Unlock(ev.ActionID)

	if ev.ObservedStatus == "" {
		ev.ObservedStatus = h.mirror.Get(ev.ActionID)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Errorf("panic evaluating press action=%d: %v\n%s", ev.ActionID, r, debug.Stack())
				h.forceReset(ev.ActionID, "panic")
			}
		}()
		if err := h.evaluate(ev); err != nil {
			h.logger.Errorf("press failed action=%d: %v", ev.ActionID, err)
			h.forceReset(ev.ActionID, "error")
		}
	}()
	return h.mirror.Get(ev.ActionID)
}

func (h *PressHandler) evaluate(ev PressEvent) error {
	id := ev.ActionID
	dc := h.context(id)
	now := h.clock.Now()

	if ev.ObservedStatus == model.StatusExecuting {
		h.onExecutingPress(ev, dc, now)
		return nil
	}

	dc.recent = nil
	dc.lastClick = now

	switch ev.ObservedStatus {
	case model.StatusError, model.StatusSuccess:
		h.forceReset(id, "press on "+string(ev.ObservedStatus))
		return nil
	case model.StatusIdle:
		if !ev.hasWebhook() && !ev.hasMessage() {
			h.logger.Debugf("press ignored action=%d: no payload configured", id)
			h.forceReset(id, "no payload")
			return nil
		}
		return h.arm(id, dc, now)
	case model.StatusFirst:
		return h.confirm(ev, dc, now)
	default:
		h.forceReset(id, "unknown status "+string(ev.ObservedStatus))
		return nil
	}
}

// onExecutingPress aborts a running cycle when it has overrun the executing
// ceiling, when the user mashed the button, or when the payload vanished.
// Any other press during execution is ignored.
func (h *PressHandler) onExecutingPress(ev PressEvent, dc *debounceContext, now time.Time) {
	window := h.timing.RapidClickWindow()
	kept := dc.recent[:0]
	for _, t := range dc.recent {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	dc.recent = append(kept, now)

	if dc.executingStartedAt.IsZero() {
		dc.executingStartedAt = now
	}

	reason := ""
	switch {
	case now.Sub(dc.executingStartedAt) > h.timing.ExecutingTimeout():
		reason = "executing timeout"
	case len(dc.recent) >= h.timing.RapidClicks():
		reason = "rapid clicks"
	case !ev.hasWebhook() && !ev.hasMessage():
		reason = "payload removed"
	default:
		h.logger.Debugf("press ignored action=%d: executing, presses in window=%d", ev.ActionID, len(dc.recent))
		return
	}
	dc.lastClick = now
	h.forceReset(ev.ActionID, reason)
}

// arm moves idle → first, durably, and starts the auto-abort timer.
func (h *PressHandler) arm(id int, dc *debounceContext, now time.Time) error {
	h.stopTimer(dc)
	h.executor.Cancel(id)
	h.pending.Cancel(id)

	dc.armedAt = now
	dc.executingStartedAt = time.Time{}

	timeout := h.timing.ExecutingTimeout()
	if err := h.store.Set(id, model.StatusFirst, now.Add(timeout)); err != nil {
		return fmt.Errorf("checkpoint first: %w", err)
	}
	h.mirror.Set(id, model.StatusFirst, status.OriginPress)

	gen := dc.generation
	dc.timer = h.clock.AfterFunc(timeout, func() { h.expire(id, gen) })
	h.logger.Infof("armed action=%d", id)
	return nil
}

// confirm is the second press: hand off to the executor. With both payloads
// configured the webhook wins. A confirm that races a running cycle is a
// bounce and is ignored.
func (h *PressHandler) confirm(ev PressEvent, dc *debounceContext, now time.Time) error {
	h.stopTimer(dc)

	var d Delivery
	switch {
	case ev.hasWebhook():
		d = Delivery{Kind: DeliverWebhook}
	case ev.hasMessage():
		d = Delivery{Kind: DeliverMessage, MessageText: ev.MessageText}
	default:
		h.forceReset(ev.ActionID, "no payload")
		return nil
	}

	err := h.executor.Execute(ev.ActionID, d)
	if errors.Is(err, ErrCycleInFlight) {
		h.logger.Debugf("press ignored action=%d: cycle already in flight", ev.ActionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	h.pending.Cancel(ev.ActionID)
	dc.executingStartedAt = now
	h.logger.Infof("confirmed action=%d kind=%s armed_for=%s", ev.ActionID, d.Kind, now.Sub(dc.armedAt))
	return nil
}

// Reset settles id to idle from outside a press, cancelling whatever it was
// doing.
func (h *PressHandler) Reset(id int, reason string) {
	h.locks.Lock(id)
	defer h.locks.Unlock(id)
	h.forceReset(id, reason)
}

// expire fires when an armed action was never confirmed.
func (h *PressHandler) expire(id int, gen uint64) {
	h.locks.Lock(id)
	defer h.locks.Unlock(id)

	dc := h.context(id)
	if dc.generation != gen {
		return
	}
	if h.mirror.Get(id) != model.StatusFirst {
		return
	}
	h.forceReset(id, "arming timeout")
}

// forceReset is the single way back to idle from any failure. It cannot fail:
// the mirror update always succeeds and store errors are only logged.
func (h *PressHandler) forceReset(id int, reason string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("panic during forced reset action=%d: %v", id, r)
		}
	}()

	dc := h.context(id)
	h.stopTimer(dc)
	dc.recent = nil
	dc.armedAt = time.Time{}
	dc.executingStartedAt = time.Time{}

	h.executor.Cancel(id)
	h.pending.Cancel(id)
	prev := h.mirror.Get(id)
	h.mirror.Set(id, model.StatusIdle, status.OriginReset)
	if err := h.store.Clear(id); err != nil {
		h.logger.Errorf("forced reset: clear checkpoint action=%d: %v", id, err)
	}
	if prev != model.StatusIdle {
		h.logger.Infof("reset action=%d from=%s reason=%s", id, prev, reason)
	}
}

// stopTimer stops the arming timer and invalidates any callback already
// scheduled from it.
func (h *PressHandler) stopTimer(dc *debounceContext) {
	dc.generation++
	if dc.timer != nil {
		dc.timer.Stop()
		dc.timer = nil
	}
}

// lastPress returns when a press last changed the action's state, or the
// zero time.
func (h *PressHandler) lastPress(id int) time.Time {
	h.locks.Lock(id)
	defer h.locks.Unlock(id)
	return h.context(id).lastClick
}

func (h *PressHandler) context(id int) *debounceContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	dc, ok := h.contexts[id]
	if !ok {
		dc = &debounceContext{}
		h.contexts[id] = dc
	}
	return dc
}
