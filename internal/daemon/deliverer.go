package daemon

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/notify"
)

// DeliveryKind selects which payload of an action a cycle delivers.
type DeliveryKind int

const (
	DeliverWebhook DeliveryKind = iota
	DeliverMessage
)

func (k DeliveryKind) String() string {
	if k == DeliverMessage {
		return "message"
	}
	return "webhook"
}

// Delivery is the payload handed from the press handler to the orchestrator.
type Delivery struct {
	Kind        DeliveryKind
	MessageText string
}

// Deliverer performs the side effect of a cycle. ok=false with a nil error is
// an ordinary failure (non-2xx, gate closed); a non-nil error means the
// delivery itself broke.
type Deliverer interface {
	Deliver(ctx context.Context, actionID int, d Delivery) (ok bool, err error)
}

// EventHandler is the webhook side of delivery.
type EventHandler interface {
	HandleEvent(ctx context.Context, eventType model.EventType, id int) (bool, error)
}

// ActionDeliverer routes webhook deliveries through the custom trigger of the
// action and message deliveries to the configured message provider.
type ActionDeliverer struct {
	webhooks EventHandler
	messages notify.Sender
	title    string
	logger   *logrus.Entry
}

func NewActionDeliverer(webhooks EventHandler, messages notify.Sender, title string, logger *logrus.Entry) *ActionDeliverer {
	if title == "" {
		title = "knotify"
	}
	return &ActionDeliverer{webhooks: webhooks, messages: messages, title: title, logger: logger}
}

func (a *ActionDeliverer) Deliver(ctx context.Context, actionID int, d Delivery) (bool, error) {
	switch d.Kind {
	case DeliverWebhook:
		return a.webhooks.HandleEvent(ctx, model.EventCustom, actionID)
	case DeliverMessage:
		if err := a.messages.Send(ctx, a.title, d.MessageText); err != nil {
			a.logger.Errorf("message send failed action=%d: %v", actionID, err)
			return false, nil
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown delivery kind %d", d.Kind)
	}
}
