package daemon

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/status"
)

// StatusMonitor watches one action on the status mirror for the lifetime of a
// delivery cycle. When the action is settled to idle by anyone other than the
// cycle itself, it calls onExternalIdle once and ignores later changes.
type StatusMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	once   sync.Once
}

func StartStatusMonitor(mirror *status.Mirror, actionID int, token string, onExternalIdle func(), logger *logrus.Entry) *StatusMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &StatusMonitor{ctx: ctx, cancel: cancel}

	m.unsub = mirror.Subscribe(actionID, func(c status.Change) {
		if m.ctx.Err() != nil {
			return
		}
		if c.To != model.StatusIdle || c.Origin == token {
			return
		}
		logger.Infof("monitor: action=%d settled to idle by origin=%s, cancelling cycle=%s", actionID, c.Origin, token)
		m.cancel()
		onExternalIdle()
	})
	return m
}

// done is closed once the monitor has stopped.
func (m *StatusMonitor) done() <-chan struct{} {
	return m.ctx.Done()
}

// Stop unsubscribes from the mirror. It is safe to call more than once.
func (m *StatusMonitor) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.unsub()
	})
}
