package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/events"
	"github.com/msageha/knotify/internal/model"
)

// Origins of mirror changes that are not delivery cycles. Cycles use their
// own per-cycle token.
const (
	OriginPress    = "press"
	OriginReset    = "reset"
	OriginRecovery = "recovery"
)

// Change is one mirror update as seen by subscribers.
type Change struct {
	ActionID int
	From     model.Status
	To       model.Status
	Origin   string
	At       time.Time
}

// Mirror is the in-memory, externally observable status of every action.
// Unset ids read as idle. Every Set is published on the bus as
// events.EventStatusChanged.
type Mirror struct {
	mu       sync.RWMutex
	statuses map[int]model.Status
	bus      *events.Bus
	logger   *logrus.Entry
}

func NewMirror(bus *events.Bus, logger *logrus.Entry) *Mirror {
	if logger == nil {
		logger = logrus.WithField("component", "status")
	}
	return &Mirror{
		statuses: make(map[int]model.Status),
		bus:      bus,
		logger:   logger,
	}
}

// Set records status for id and publishes the change. Transitions outside the
// action cycle are logged but still applied; the mirror reflects what the
// state machine decided.
func (m *Mirror) Set(id int, s model.Status, origin string) Change {
	return m.set(id, s, origin, true)
}

func (m *Mirror) set(id int, s model.Status, origin string, validate bool) Change {
	m.mu.Lock()
	from, ok := m.statuses[id]
	if !ok {
		from = model.StatusIdle
	}
	if s == model.StatusIdle {
		delete(m.statuses, id)
	} else {
		m.statuses[id] = s
	}
	m.mu.Unlock()

	if validate && from != s {
		if err := model.ValidateActionTransition(from, s); err != nil {
			m.logger.Warnf("unexpected transition action=%d origin=%s: %v", id, origin, err)
		}
	}

	change := Change{ActionID: id, From: from, To: s, Origin: origin, At: time.Now().UTC()}
	if m.bus != nil {
		m.bus.Publish(events.EventStatusChanged, map[string]interface{}{
			"action_id": id,
			"from":      string(from),
			"status":    string(s),
			"origin":    origin,
		})
	}
	return change
}

// Restore sets a status read back from durable storage. Unlike Set it does
// not check the transition, since the previous in-memory state is gone.
func (m *Mirror) Restore(id int, s model.Status) Change {
	return m.set(id, s, OriginRecovery, false)
}

func (m *Mirror) Get(id int) model.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[id]; ok {
		return s
	}
	return model.StatusIdle
}

// Snapshot returns the non-idle statuses keyed by action id.
func (m *Mirror) Snapshot() map[int]model.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]model.Status, len(m.statuses))
	for id, s := range m.statuses {
		out[id] = s
	}
	return out
}

// ActiveIDs returns the ids with a non-idle status in ascending order.
func (m *Mirror) ActiveIDs() []int {
	snap := m.Snapshot()
	ids := make([]int, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Subscribe calls fn for every change of id, in order, on the bus delivery
// goroutine. The returned function unsubscribes.
func (m *Mirror) Subscribe(id int, fn func(Change)) func() {
	if m.bus == nil {
		return func() {}
	}
	return m.bus.Subscribe(events.EventStatusChanged, func(e events.Event) {
		if e.Int("action_id") != id {
			return
		}
		fn(Change{
			ActionID: id,
			From:     model.Status(e.String("from")),
			To:       model.Status(e.String("status")),
			Origin:   e.String("origin"),
			At:       e.Timestamp,
		})
	})
}
