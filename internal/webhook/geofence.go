package webhook

import (
	"math"

	"github.com/msageha/knotify/internal/model"
)

const earthRadiusM = 6371_000.0

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b model.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlat := lat2 - lat1
	dlng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlng/2), 2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// geofenceOpen reports whether the current location lies within radius
// meters of home. Any telemetry error closes the gate.
func (s *Sender) geofenceOpen() bool {
	home, err := s.telemetry.Home()
	if err != nil {
		s.logger.Warnf("geofence closed: %v", err)
		return false
	}
	here, err := s.telemetry.Location()
	if err != nil {
		s.logger.Warnf("geofence closed: %v", err)
		return false
	}
	d := Distance(here, home)
	if d > s.radius {
		s.logger.Debugf("geofence closed distance=%.0fm radius=%.0fm", d, s.radius)
		return false
	}
	return true
}
