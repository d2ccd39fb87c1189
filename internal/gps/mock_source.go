// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const earthRadiusM = 6371000.0

type mockSource struct {
	lat, lon float64 // current position, decimal degrees
	speedKmh float64
	period   time.Duration

	ticker  *time.Ticker
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

// NewMockSource creates a GNSS byte source that emits one checksummed RMC and
// GGA pair per period for a point moving east at speedKmh.
func NewMockSource(lat, lon, speedKmh float64, period time.Duration) io.ReadCloser {
	if period <= 0 {
		period = time.Second
	}
	return &mockSource{
		lat:      lat,
		lon:      lon,
		speedKmh: speedKmh,
		period:   period,
		ticker:   time.NewTicker(period),
		closed:   make(chan struct{}),
	}
}

func (m *mockSource) Read(p []byte) (int, error) {
	if len(m.pending) == 0 {
		select {
		case <-m.closed:
			return 0, io.EOF
		case now := <-m.ticker.C:
			m.advance()
			m.pending = m.sentences(now.UTC())
		}
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *mockSource) Close() error {
	m.once.Do(func() {
		m.ticker.Stop()
		close(m.closed)
	})
	return nil
}

// advance moves the point east by one period's worth of travel.
func (m *mockSource) advance() {
	d := m.speedKmh / 3.6 * m.period.Seconds()
	dLon := d / (earthRadiusM * math.Cos(m.lat*math.Pi/180)) * 180 / math.Pi
	m.lon += dLon
	if m.lon > 180 {
		m.lon -= 360
	}
}

func (m *mockSource) sentences(now time.Time) []byte {
	hms := fmt.Sprintf("%02d%02d%02d.%02d", now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1e7)
	dmy := fmt.Sprintf("%02d%02d%02d", now.Day(), int(now.Month()), now.Year()%100)
	lat, ns := toNMEA(m.lat, 2, "N", "S")
	lon, ew := toNMEA(m.lon, 3, "E", "W")
	knots := m.speedKmh / KnotsToKmh

	rmc := fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.3f,90.0,%s,,,A", hms, lat, ns, lon, ew, knots, dmy)
	gga := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,08,0.9,545.4,M,46.9,M,,", hms, lat, ns, lon, ew)
	return []byte("$" + rmc + "*" + nmea.Checksum(rmc) + "\r\n" +
		"$" + gga + "*" + nmea.Checksum(gga) + "\r\n")
}

// toNMEA renders decimal degrees as (D)DDMM.MMMMM plus a hemisphere letter.
func toNMEA(deg float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if deg < 0 {
		hemi = neg
		deg = -deg
	}
	whole := math.Floor(deg)
	minutes := math.Round((deg-whole)*60*1e5) / 1e5
	if minutes >= 60 {
		whole++
		minutes = 0
	}
	return fmt.Sprintf("%0*d%08.5f", degDigits, int(whole), minutes), hemi
}
