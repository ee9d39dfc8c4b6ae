// Package geofence decides whether the driver is inside the proximity
// boundary of a known charger.
package geofence

import (
	"math"
	"sync"

	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
)

// Result is the outcome of one evaluation.
type Result struct {
	HasFix           bool    `json:"has_fix"`
	NearestChargerID string  `json:"nearest_charger_id,omitempty"`
	DistanceM        float64 `json:"distance_m"`
	InRadius         bool    `json:"in_radius"`
}

// Evaluate returns the nearest charger and whether it is within radiusM.
// Coordinates are rounded to ~11 m before any distance is computed so that
// GPS jitter below that grid cannot flip the verdict. A nil fix yields
// HasFix=false, which callers must not treat as "outside".
func Evaluate(coords *domain.Coordinates, chargers []domain.Charger, radiusM float64) Result {
	if coords == nil {
		return Result{}
	}
	lat, lng := Round(coords.Lat), Round(coords.Lng)

	res := Result{HasFix: true, DistanceM: math.Inf(1)}
	for _, c := range chargers {
		d := HaversineMeters(lat, lng, c.Lat, c.Lng)
		if d < res.DistanceM {
			res.DistanceM = d
			res.NearestChargerID = c.ID
		}
	}
	if res.NearestChargerID == "" {
		res.DistanceM = 0
		return res
	}
	res.InRadius = res.DistanceM < radiusM
	return res
}

// Round truncates a coordinate to config.CoordinatePrecision decimals.
func Round(v float64) float64 {
	p := math.Pow(10, config.CoordinatePrecision)
	return math.Round(v*p) / p
}

// HaversineMeters returns great-circle distance in metres between two lat/lon points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371000.0 // Earth radius in metres
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	lat1Rad := toRad(lat1)
	lat2Rad := toRad(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return r * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Tracker remembers the previous verdict and only reports a change when the
// rounded position moved to another grid cell and the in-radius verdict flipped.
type Tracker struct {
	mu       sync.Mutex
	chargers []domain.Charger
	radiusM  float64

	last     *Result
	lastCell [2]float64
}

// NewTracker returns a tracker over a fixed charger list.
func NewTracker(chargers []domain.Charger, radiusM float64) *Tracker {
	if radiusM <= 0 {
		radiusM = config.GeofenceRadiusM
	}
	return &Tracker{chargers: chargers, radiusM: radiusM}
}

// Update evaluates coords and reports whether the in-radius verdict changed
// since the last fix. Nil coords never report a change.
func (t *Tracker) Update(coords *domain.Coordinates) (Result, bool) {
	res := Evaluate(coords, t.chargers, t.radiusM)
	if !res.HasFix {
		return res, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cell := [2]float64{Round(coords.Lat), Round(coords.Lng)}
	if t.last == nil {
		t.last, t.lastCell = &res, cell
		return res, true
	}
	if cell == t.lastCell {
		return *t.last, false
	}
	changed := res.InRadius != t.last.InRadius
	t.last, t.lastCell = &res, cell
	return res, changed
}

// Last returns the most recent verdict, if any fix was seen.
func (t *Tracker) Last() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Result{}, false
	}
	return *t.last, true
}
