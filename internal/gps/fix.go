package gps

import "time"

// Fix is one position report decoded from a single NMEA sentence.
// Valid implies Latitude/Longitude are present and in range.
type Fix struct {
	Latitude       float64   `json:"lat"`       // decimal degrees
	Longitude      float64   `json:"lon"`       // decimal degrees
	GroundSpeedKmh float64   `json:"speed_kmh"` // only meaningful when HasSpeed
	HasSpeed       bool      `json:"has_speed"` // sentence carried SOG (RMC)
	UTCTime        time.Time `json:"utc_time"`  // time of day (and date for RMC)
	HasTime        bool      `json:"has_time"`
	Valid          bool      `json:"valid"`  // GGA quality > 0 / RMC status "A"
	Type           string    `json:"type"`   // e.g. "GGA", "RMC"
	Talker         string    `json:"talker"` // e.g. "GP", "GN"
}
