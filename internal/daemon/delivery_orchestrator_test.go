package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/knotify/internal/events"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/status"
)

func (r *rig) confirm(t *testing.T, id int, payload PressEvent) {
	t.Helper()
	require.Equal(t, model.StatusFirst, r.press(id, payload))
	require.Equal(t, model.StatusExecuting, r.press(id, payload))
}

func TestOrchestrator_CycleOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		d       *fakeDeliverer
		final   model.Status
		visible time.Duration
		outcome string
	}{
		{"success", &fakeDeliverer{ok: true}, model.StatusSuccess, 4 * time.Second, "success"},
		{"failure", &fakeDeliverer{ok: false}, model.StatusError, 5 * time.Second, "failure"},
		{"error", &fakeDeliverer{err: errors.New("boom")}, model.StatusError, 10 * time.Second, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, tt.d)
			outcomes := make(chan string, 1)
			r.bus.Subscribe(events.EventDeliveryFinished, func(e events.Event) { outcomes <- e.String("outcome") })

			r.confirm(t, 3, webhookPayload)
			e, ok, _ := r.store.Get(3)
			require.True(t, ok)
			assert.Equal(t, model.StatusExecuting, e.Status)
			assert.Equal(t, epoch.Add(4*time.Second), e.ResumeAt)
			assert.True(t, r.orch.InFlight(3))

			require.NoError(t, r.clock.WaitAdvance(4*time.Second, shortWait, 1))
			r.waitStatus(t, 3, tt.final)
			e, _, _ = r.store.Get(3)
			assert.Equal(t, tt.final, e.Status)
			assert.Equal(t, epoch.Add(4*time.Second+tt.visible), e.ResumeAt)

			select {
			case got := <-outcomes:
				assert.Equal(t, tt.outcome, got)
			case <-time.After(shortWait):
				t.Fatal("no delivery_finished event")
			}

			require.NoError(t, r.clock.WaitAdvance(tt.visible+600*time.Millisecond, shortWait, 1))
			r.waitStatus(t, 3, model.StatusIdle)
			require.Eventually(t, func() bool { return !r.orch.InFlight(3) }, shortWait, 5*time.Millisecond)
			_, stored := r.store.status(3)
			assert.False(t, stored)
			assert.Equal(t, 1, tt.d.count())
		})
	}
}

func TestOrchestrator_DelivererPanicReportsError(t *testing.T) {
	d := &fakeDeliverer{panic: true}
	r := newRig(t, d)
	r.confirm(t, 1, messagePayload)

	require.NoError(t, r.clock.WaitAdvance(4*time.Second, shortWait, 1))

	r.waitStatus(t, 1, model.StatusError)
	assert.Equal(t, 1, d.count())
}

func TestOrchestrator_RapidClicksCancelDuringGrace(t *testing.T) {
	d := &fakeDeliverer{ok: true}
	r := newRig(t, d)
	r.confirm(t, 1, webhookPayload)

	for i := 0; i < 3; i++ {
		r.clock.Advance(300 * time.Millisecond)
		r.press(1, webhookPayload)
	}
	require.Equal(t, model.StatusIdle, r.mirror.Get(1))
	require.False(t, r.orch.InFlight(1))

	r.clock.Advance(10 * time.Second)
	assert.Never(t, func() bool { return d.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	_, stored := r.store.status(1)
	assert.False(t, stored)
}

func TestOrchestrator_ExternalIdleDiscardsResult(t *testing.T) {
	d := &fakeDeliverer{ok: true, block: make(chan struct{})}
	r := newRig(t, d)
	r.confirm(t, 1, webhookPayload)

	require.NoError(t, r.clock.WaitAdvance(4*time.Second, shortWait, 1))
	require.Eventually(t, func() bool { return d.count() == 1 }, shortWait, 5*time.Millisecond)

	// Someone else settles the action while the call is on the wire.
	r.mirror.Set(1, model.StatusIdle, status.OriginReset)
	require.NoError(t, r.store.Clear(1))
	require.Eventually(t, func() bool { return !r.orch.InFlight(1) }, shortWait, 5*time.Millisecond)

	close(d.block)
	assert.Never(t, func() bool { return r.mirror.Get(1) != model.StatusIdle }, 200*time.Millisecond, 10*time.Millisecond)
	_, stored := r.store.status(1)
	assert.False(t, stored)
}

func TestOrchestrator_RejectsSecondCycle(t *testing.T) {
	r := newRig(t, &fakeDeliverer{ok: true})

	require.NoError(t, r.orch.Execute(1, Delivery{Kind: DeliverWebhook}))
	err := r.orch.Execute(1, Delivery{Kind: DeliverWebhook})

	assert.ErrorIs(t, err, ErrCycleInFlight)
}

func TestOrchestrator_StoppedRefusesWork(t *testing.T) {
	r := newRig(t, &fakeDeliverer{ok: true})
	r.cancel()

	err := r.orch.Execute(1, Delivery{Kind: DeliverWebhook})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StatusIdle, r.mirror.Get(1))
}

func TestOrchestrator_DoubleClickDeliversOnce(t *testing.T) {
	d := &fakeDeliverer{ok: true}
	r := newRig(t, d)

	r.press(1, bothPayloads)
	r.clock.Advance(500 * time.Millisecond)
	require.Equal(t, model.StatusExecuting, r.press(1, bothPayloads))
	r.clock.Advance(time.Second)
	r.press(1, bothPayloads)

	require.NoError(t, r.clock.WaitAdvance(3*time.Second, shortWait, 1))
	r.waitStatus(t, 1, model.StatusSuccess)
	require.NoError(t, r.clock.WaitAdvance(5*time.Second, shortWait, 1))
	r.waitStatus(t, 1, model.StatusIdle)

	assert.Equal(t, 1, d.count())
}

func TestSleepCtx(t *testing.T) {
	r := newRig(t, &fakeDeliverer{})
	ctx, cancel := context.WithCancel(context.Background())

	assert.True(t, sleepCtx(ctx, r.clock, 0))

	done := make(chan bool, 1)
	go func() { done <- sleepCtx(ctx, r.clock, time.Minute) }()
	require.NoError(t, r.clock.WaitAdvance(time.Minute, shortWait, 1))
	assert.True(t, <-done)

	cancel()
	assert.False(t, sleepCtx(ctx, r.clock, time.Minute))
}

func TestOrchestrator_StaleConfirmIsIgnored(t *testing.T) {
	d := &fakeDeliverer{ok: true}
	r := newRig(t, d)
	require.Equal(t, model.StatusFirst, r.press(1, webhookPayload))

	stale := webhookPayload
	stale.ActionID = 1
	stale.ObservedStatus = model.StatusFirst
	require.Equal(t, model.StatusExecuting, r.presses.Press(stale))
	assert.Equal(t, model.StatusExecuting, r.presses.Press(stale), "a bounce must not reset the running cycle")
	assert.True(t, r.orch.InFlight(1))

	require.NoError(t, r.clock.WaitAdvance(4*time.Second, shortWait, 1))
	r.waitStatus(t, 1, model.StatusSuccess)
	assert.Equal(t, 1, d.count())
}

func TestOrchestrator_ConcurrentConfirmsDeliverOnce(t *testing.T) {
	d := &fakeDeliverer{ok: true}
	r := newRig(t, d)
	require.Equal(t, model.StatusFirst, r.press(1, webhookPayload))

	// The observed status is left for the handler to read under the lock.
	ev := webhookPayload
	ev.ActionID = 1
	var wg sync.WaitGroup
	results := make([]model.Status, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.presses.Press(ev)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []model.Status{model.StatusExecuting, model.StatusExecuting}, results)
	require.NoError(t, r.clock.WaitAdvance(4*time.Second, shortWait, 1))
	r.waitStatus(t, 1, model.StatusSuccess)
	assert.Equal(t, 1, d.count())
}
