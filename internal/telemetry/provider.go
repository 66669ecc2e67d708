// Package telemetry keeps the latest location, remaining distance and unit
// preference reported to the daemon.
package telemetry

import (
	"errors"
	"sync"

	"github.com/msageha/knotify/internal/model"
)

var (
	// ErrNoFix is returned by Location before any position was reported.
	ErrNoFix = errors.New("no location fix")
	// ErrNoHome is returned by Home when no home point is configured.
	ErrNoHome = errors.New("home location not configured")
)

// Provider answers the questions webhook delivery asks about the device.
type Provider interface {
	Location() (model.Coordinates, error)
	Home() (model.Coordinates, error)
	// RemainingDistance is the distance to destination in meters; 0 when unknown.
	RemainingDistance() float64
	Units() model.UnitSystem
}

// Update is a partial telemetry report; nil fields are left unchanged.
type Update struct {
	Location          *model.Coordinates
	RemainingDistance *float64
	Units             *model.UnitSystem
}

// Latest is a Provider holding the most recent reported values.
type Latest struct {
	mu        sync.RWMutex
	location  model.Coordinates
	hasFix    bool
	home      model.Coordinates
	remaining float64
	units     model.UnitSystem
}

func NewLatest(cfg model.LocationConfig) *Latest {
	units := cfg.Units
	if units != model.UnitsImperial {
		units = model.UnitsMetric
	}
	return &Latest{home: cfg.Home, units: units}
}

func (l *Latest) Apply(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u.Location != nil {
		l.location = *u.Location
		l.hasFix = true
	}
	if u.RemainingDistance != nil {
		l.remaining = *u.RemainingDistance
	}
	if u.Units != nil {
		switch *u.Units {
		case model.UnitsImperial:
			l.units = model.UnitsImperial
		default:
			l.units = model.UnitsMetric
		}
	}
}

func (l *Latest) Location() (model.Coordinates, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.hasFix {
		return model.Coordinates{}, ErrNoFix
	}
	return l.location, nil
}

func (l *Latest) Home() (model.Coordinates, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.home.IsZero() {
		return model.Coordinates{}, ErrNoHome
	}
	return l.home, nil
}

func (l *Latest) RemainingDistance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.remaining < 0 {
		return 0
	}
	return l.remaining
}

func (l *Latest) Units() model.UnitSystem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.units
}
