package motion

import (
	"math"
	"time"

	"github.com/relabs-tech/gnss_relay/internal/gps"
)

const (
	// EarthRadiusM is the mean Earth radius used for great-circle distance.
	EarthRadiusM = 6371000.0

	// DefaultJitterM is the displacement below which a new fix is treated as
	// receiver noise.
	DefaultJitterM = 1.0

	// MinReportedSpeedKmh is the smallest sentence-reported speed that counts
	// as real movement inside the jitter radius.
	MinReportedSpeedKmh = 0.5
)

// State is the estimator output after each update. HasFix is false until the
// first valid fix arrives.
type State struct {
	HasFix     bool
	Fix        gps.Fix   // last accepted fix, coordinates snapped on jitter
	ObservedAt time.Time // monotonic arrival time of Fix
	SpeedKmh   float64
	DistanceM  float64 // displacement applied by the last update
	Jitter     bool    // last update was inside the jitter radius
	Reported   bool    // SpeedKmh came from the sentence, not from displacement
}

// Estimator derives position and speed from consecutive fixes. It is owned by
// a single goroutine.
type Estimator struct {
	jitterM   float64
	smoothing float64
	state     State
}

// New returns an estimator. smoothing is the EMA weight of the newest speed
// sample in (0, 1]; 1 reports raw samples.
func New(jitterM, smoothing float64) *Estimator {
	if jitterM < 0 {
		jitterM = 0
	}
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 1
	}
	return &Estimator{jitterM: jitterM, smoothing: smoothing}
}

// State returns the current state without modifying it.
func (e *Estimator) State() State {
	return e.state
}

// Update feeds one fix observed at now. Invalid fixes leave the state
// untouched.
func (e *Estimator) Update(fix gps.Fix, now time.Time) State {
	if !fix.Valid {
		return e.state
	}

	if !e.state.HasFix {
		e.state = State{HasFix: true, Fix: fix, ObservedAt: now}
		return e.state
	}

	prev := e.state
	if !fix.HasSpeed && sameEpoch(prev.Fix, fix) {
		// GGA after RMC for the same instant: the RMC already set the speed
		return prev
	}
	dist := Haversine(prev.Fix.Latitude, prev.Fix.Longitude, fix.Latitude, fix.Longitude)
	elapsed := now.Sub(prev.ObservedAt).Seconds()

	next := State{HasFix: true, Fix: fix, ObservedAt: now, DistanceM: dist}

	var sample float64
	switch {
	case dist < e.jitterM:
		// position is not allowed to walk on noise
		next.Fix.Latitude = prev.Fix.Latitude
		next.Fix.Longitude = prev.Fix.Longitude
		next.DistanceM = 0
		next.Jitter = true
		if !fix.HasSpeed || fix.GroundSpeedKmh < MinReportedSpeedKmh {
			e.state = next
			return next
		}
		sample = fix.GroundSpeedKmh
		next.Reported = true
	case fix.HasSpeed:
		sample = fix.GroundSpeedKmh
		next.Reported = true
	case elapsed <= 0:
		next.SpeedKmh = prev.SpeedKmh
		e.state = next
		return next
	default:
		sample = dist / elapsed * 3.6
	}

	next.SpeedKmh = e.smooth(prev.SpeedKmh, sample)
	e.state = next
	return next
}

// sameEpoch reports whether a and b were stamped at the same receiver time.
// GGA carries no date, so only the time of day is compared when either side
// lacks one.
func sameEpoch(a, b gps.Fix) bool {
	if !a.HasTime || !b.HasTime {
		return false
	}
	if a.UTCTime.Year() == 0 || b.UTCTime.Year() == 0 {
		ah, am, as := a.UTCTime.Clock()
		bh, bm, bs := b.UTCTime.Clock()
		return ah == bh && am == bm && as == bs && a.UTCTime.Nanosecond() == b.UTCTime.Nanosecond()
	}
	return a.UTCTime.Equal(b.UTCTime)
}

func (e *Estimator) smooth(prev, sample float64) float64 {
	if e.smoothing >= 1 {
		return sample
	}
	return e.smoothing*sample + (1-e.smoothing)*prev
}

// Haversine returns the great-circle distance in meters between two points
// given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
