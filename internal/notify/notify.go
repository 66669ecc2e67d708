// Package notify sends the text message payload of an action.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/model"
)

const (
	ProviderLog     = "log"
	ProviderDesktop = "desktop"
)

// Sender delivers one message. A nil error means the provider accepted it.
type Sender interface {
	Send(ctx context.Context, title, message string) error
}

// New returns the sender selected by cfg.Provider.
func New(cfg model.MessageConfig, logger *logrus.Entry) (Sender, error) {
	switch cfg.Provider {
	case "", ProviderLog:
		return &LogSender{logger: logger}, nil
	case ProviderDesktop:
		return NewDesktopSender(), nil
	default:
		return nil, fmt.Errorf("unknown message provider %q", cfg.Provider)
	}
}

// LogSender writes messages to the daemon log. It never fails.
type LogSender struct {
	logger *logrus.Entry
}

func (s *LogSender) Send(_ context.Context, title, message string) error {
	s.logger.WithField("title", title).Infof("message sent: %s", message)
	return nil
}

// DesktopSender shows a macOS notification via osascript.
type DesktopSender struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDesktopSender() *DesktopSender {
	return &DesktopSender{run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}}
}

func (s *DesktopSender) Send(ctx context.Context, title, message string) error {
	if out, err := s.run(ctx, "osascript", "-e", notificationScript(title, message)); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func notificationScript(title, message string) string {
	return fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title))
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
