package daemon

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/msageha/knotify/internal/events"
	"github.com/msageha/knotify/internal/lock"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/status"
	"github.com/msageha/knotify/internal/store"
)

const shortWait = 2 * time.Second

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

// memStore is an in-memory StatusStore.
type memStore struct {
	mu      sync.Mutex
	entries map[int]store.Entry
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[int]store.Entry)}
}

func (s *memStore) Get(id int) (store.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok, nil
}

func (s *memStore) Set(id int, st model.Status, resumeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errTestStore
	}
	s.entries[id] = store.Entry{ActionID: id, Status: st, ResumeAt: resumeAt}
	return nil
}

func (s *memStore) Clear(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) List() ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) status(id int) (model.Status, bool) {
	e, ok, _ := s.Get(id)
	return e.Status, ok
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestStore = testError("store unavailable")

// fakeExecutor records Execute and Cancel calls.
type fakeExecutor struct {
	mu        sync.Mutex
	executed  []Delivery
	cancelled int
	err       error
}

func (f *fakeExecutor) Execute(actionID int, d Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.executed = append(f.executed, d)
	return nil
}

func (f *fakeExecutor) Cancel(actionID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeExecutor) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

// fakeDeliverer returns a fixed outcome and counts calls. When block is set,
// every call waits until it is closed.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls int
	ok    bool
	err   error
	panic bool
	block chan struct{}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, actionID int, d Delivery) (bool, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.panic {
		panic("deliverer exploded")
	}
	return f.ok, f.err
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// rig wires a press handler to a real orchestrator on a test clock.
type rig struct {
	clock    *testclock.Clock
	store    *memStore
	bus      *events.Bus
	mirror   *status.Mirror
	deliver  *fakeDeliverer
	orch     *Orchestrator
	presses  *PressHandler
	recovery *Recovery
	ctx      context.Context
	cancel   context.CancelFunc
}

func newRig(t *testing.T, d *fakeDeliverer) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clk := testclock.NewClock(epoch)
	st := newMemStore()
	bus := events.NewBus(100)
	mirror := status.NewMirror(bus, nullEntry())

	orch := NewOrchestrator(ctx, OrchestratorConfig{
		Store:     st,
		Mirror:    mirror,
		Deliverer: d,
		Bus:       bus,
		Clock:     clk,
		Logger:    nullEntry(),
	})
	locks := lock.NewMutexMap[int]()
	recovery := NewRecovery(st, mirror, clk, model.TimingConfig{}, locks, nullEntry())
	presses := NewPressHandler(PressHandlerConfig{
		Store:    st,
		Mirror:   mirror,
		Executor: orch,
		Pending:  recovery,
		Clock:    clk,
		Locks:    locks,
		Logger:   nullEntry(),
	})
	r := &rig{
		clock:    clk,
		store:    st,
		bus:      bus,
		mirror:   mirror,
		deliver:  d,
		orch:     orch,
		presses:  presses,
		recovery: recovery,
		ctx:      ctx,
		cancel:   cancel,
	}
	t.Cleanup(func() {
		cancel()
		orch.Wait()
		recovery.Wait()
		bus.Close()
	})
	return r
}

// press sends one press; the handler takes the observed status from the
// mirror.
func (r *rig) press(id int, payload PressEvent) model.Status {
	payload.ActionID = id
	payload.ObservedStatus = ""
	return r.presses.Press(payload)
}

func (r *rig) waitStatus(t *testing.T, id int, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return r.mirror.Get(id) == want }, shortWait, 5*time.Millisecond,
		"action %d never reached %s (now %s)", id, want, r.mirror.Get(id))
}

var (
	webhookPayload = PressEvent{WebhookURL: "https://hooks.example.com/a", WebhookEnabled: true}
	messagePayload = PressEvent{MessageText: "on my way"}
	bothPayloads   = PressEvent{WebhookURL: "https://hooks.example.com/a", WebhookEnabled: true, MessageText: "on my way"}
)
