package model

import "strings"

// EventType is a ride lifecycle event that may fire a webhook.
type EventType string

const (
	EventStart  EventType = "start"
	EventStop   EventType = "stop"
	EventPause  EventType = "pause"
	EventResume EventType = "resume"
	EventCustom EventType = "custom"
)

func ParseEventType(s string) (EventType, bool) {
	switch e := EventType(strings.ToLower(strings.TrimSpace(s))); e {
	case EventStart, EventStop, EventPause, EventResume, EventCustom:
		return e, true
	}
	return "", false
}

// UnitSystem is the user's preferred distance unit system.
type UnitSystem string

const (
	UnitsMetric   UnitSystem = "metric"
	UnitsImperial UnitSystem = "imperial"
)

type Coordinates struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lng float64 `yaml:"lng" json:"lng"`
}

// IsZero reports whether the coordinates were never set.
func (c Coordinates) IsZero() bool {
	return c.Lat == 0 && c.Lng == 0
}

// Action is one configured trigger slot: its webhook payload, optional
// message text and per-event trigger flags.
type Action struct {
	ID             int           `yaml:"id"`
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	Enabled        bool          `yaml:"enabled"`
	Header         string        `yaml:"header,omitempty"`
	Post           string        `yaml:"post,omitempty"`
	Message        string        `yaml:"message,omitempty"`
	OnlyIfLocation bool          `yaml:"only_if_location,omitempty"`
	Triggers       EventTriggers `yaml:"triggers"`
	StatusText     StatusTexts   `yaml:"status_text"`
}

type EventTriggers struct {
	OnStart  bool `yaml:"on_start"`
	OnStop   bool `yaml:"on_stop"`
	OnPause  bool `yaml:"on_pause"`
	OnResume bool `yaml:"on_resume"`
	OnCustom bool `yaml:"on_custom"`
}

type StatusTexts struct {
	Start  string `yaml:"start,omitempty"`
	Stop   string `yaml:"stop,omitempty"`
	Pause  string `yaml:"pause,omitempty"`
	Resume string `yaml:"resume,omitempty"`
	Custom string `yaml:"custom,omitempty"`
}

// HasWebhook reports whether the webhook payload is usable.
func (a Action) HasWebhook() bool {
	return a.Enabled && a.URL != ""
}

// HasMessage reports whether a message payload is configured.
func (a Action) HasMessage() bool {
	return a.Message != ""
}

// TriggerFor returns whether the action fires on the event and the status
// text substituted for %status% in its body.
func (a Action) TriggerFor(e EventType) (bool, string) {
	switch e {
	case EventStart:
		return a.Triggers.OnStart, a.StatusText.Start
	case EventStop:
		return a.Triggers.OnStop, a.StatusText.Stop
	case EventPause:
		return a.Triggers.OnPause, a.StatusText.Pause
	case EventResume:
		return a.Triggers.OnResume, a.StatusText.Resume
	case EventCustom:
		return a.Triggers.OnCustom, a.StatusText.Custom
	default:
		return false, ""
	}
}

// ActionsFile is the on-disk layout of actions.yaml.
type ActionsFile struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	Actions       []Action `yaml:"actions"`
}
