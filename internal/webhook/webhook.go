// Package webhook builds and sends the webhook payload of an action and
// decides which actions a lifecycle event fires.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/telemetry"
)

var (
	ErrInvalidURL     = errors.New("invalid webhook url")
	ErrActionNotFound = errors.New("action not found")
)

// StatusError is a non-2xx answer from the webhook endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook answered status %d", e.Code)
}

// Catalog is the part of the action catalog the sender reads.
type Catalog interface {
	Actions() []model.Action
	Find(id int) (model.Action, bool)
}

type Sender struct {
	catalog   Catalog
	telemetry telemetry.Provider
	transport Transport
	radius    float64
	logger    *logrus.Entry
}

func NewSender(catalog Catalog, tp telemetry.Provider, transport Transport, radiusM float64, logger *logrus.Entry) *Sender {
	if logger == nil {
		logger = logrus.WithField("component", "webhook")
	}
	if radiusM <= 0 {
		radiusM = 70
	}
	return &Sender{
		catalog:   catalog,
		telemetry: tp,
		transport: transport,
		radius:    radiusM,
		logger:    logger,
	}
}

// Send posts the action's payload with statusText substituted for %status%.
// It returns nil only for a 2xx answer.
func (s *Sender) Send(ctx context.Context, action model.Action, statusText string) error {
	if !strings.HasPrefix(action.URL, "http://") && !strings.HasPrefix(action.URL, "https://") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, action.URL)
	}

	distance := FormatDistance(s.telemetry.RemainingDistance(), s.telemetry.Units())
	body := strings.ReplaceAll(action.Post, statusPlaceholder, statusText)
	body = strings.ReplaceAll(body, distancePlaceholder, distance)

	headers := ParseHeaders(action.Header)
	code, err := s.transport.Post(ctx, action.URL, headers, BuildBody(body, action.Header))
	if err != nil {
		return fmt.Errorf("webhook action=%d: %w", action.ID, err)
	}
	if code < 200 || code >= 300 {
		return &StatusError{Code: code}
	}
	return nil
}

// HandleEvent sends the webhook of action id if it is configured to fire on
// eventType and its location gate is open. It reports whether a 2xx answer
// was received; send failures are logged and reported as false. The only
// errors returned are for an unknown action.
func (s *Sender) HandleEvent(ctx context.Context, eventType model.EventType, id int) (bool, error) {
	action, ok := s.catalog.Find(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrActionNotFound, id)
	}

	fire, statusText := action.TriggerFor(eventType)
	if !fire {
		s.logger.Debugf("not triggered action=%d event=%s", id, eventType)
		return false, nil
	}
	if action.OnlyIfLocation && !s.geofenceOpen() {
		return false, nil
	}

	if err := s.Send(ctx, action, statusText); err != nil {
		s.logger.Errorf("send failed action=%d event=%s: %v", id, eventType, err)
		return false, nil
	}
	s.logger.Infof("sent action=%d event=%s url=%s", id, eventType, action.URL)
	return true, nil
}

// Triggered returns the ids of enabled webhook actions configured to fire on
// eventType, in catalog order.
func (s *Sender) Triggered(eventType model.EventType) []int {
	var ids []int
	for _, a := range s.catalog.Actions() {
		if fire, _ := a.TriggerFor(eventType); fire && a.HasWebhook() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Broadcast runs HandleEvent for every triggered action and returns the ids
// that were delivered successfully.
func (s *Sender) Broadcast(ctx context.Context, eventType model.EventType) []int {
	var delivered []int
	for _, id := range s.Triggered(eventType) {
		ok, err := s.HandleEvent(ctx, eventType, id)
		if err != nil {
			s.logger.Warnf("broadcast event=%s action=%d: %v", eventType, id, err)
			continue
		}
		if ok {
			delivered = append(delivered, id)
		}
	}
	return delivered
}
