package gps

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// KnotsToKmh converts speed over ground from knots.
const KnotsToKmh = 1.852

// ErrParse is matched (errors.Is) by every *ParseError.
var ErrParse = errors.New("gps: parse error")

// ParseError reports a sentence that could not be turned into a Fix.
// It only ever affects that one sentence.
type ParseError struct {
	Sentence string
	Reason   string
	Err      error // underlying decoder error, may be nil
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gps: %s: %v (sentence %q)", e.Reason, e.Err, e.Sentence)
	}
	return fmt.Sprintf("gps: %s (sentence %q)", e.Reason, e.Sentence)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

func parseErr(sentence, reason string, err error) error {
	return &ParseError{Sentence: sentence, Reason: reason, Err: err}
}

// ParseFix decodes one framed NMEA sentence.
//
// GGA and RMC (any talker, e.g. GP or GN) produce positional fixes. Other
// sentence types the decoder knows (GSA, GSV, VTG, ...) yield a Fix with
// Valid=false that only signals receiver liveness. Everything else, a bad
// checksum, a missing mandatory field or an out-of-range coordinate returns a
// *ParseError.
func ParseFix(line string) (Fix, error) {
	line = strings.TrimSpace(line)

	// tolerate garbage in front of the start delimiter after a resync
	start := strings.IndexByte(line, '$')
	if start < 0 {
		return Fix{}, parseErr(line, "missing '$' start delimiter", nil)
	}
	line = line[start:]

	body := line[1:]
	if star := strings.IndexByte(body, '*'); star >= 0 {
		want := strings.ToUpper(strings.TrimSpace(body[star+1:]))
		body = body[:star]
		if got := nmea.Checksum(body); got != want {
			return Fix{}, parseErr(line, fmt.Sprintf("checksum mismatch: got %s want %s", got, want), nil)
		}
	} else {
		// checksum is optional on the wire, the decoder wants one
		line = "$" + body + "*" + nmea.Checksum(body)
	}

	fields := strings.Split(body, ",")
	id := fields[0]
	if len(id) < 5 {
		return Fix{}, parseErr(line, "malformed sentence identifier", nil)
	}
	talker, kind := id[:2], id[len(id)-3:]

	// No-fix GGA/RMC sentences leave the coordinates empty. They are still
	// useful as liveness signals.
	if empty, ok := emptyPosition(kind, fields[1:]); ok && empty {
		return Fix{Type: kind, Talker: talker}, nil
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, parseErr(line, "decode failed", err)
	}

	switch s.DataType() {
	case nmea.TypeGGA:
		return fromGGA(line, s.(nmea.GGA))
	case nmea.TypeRMC:
		return fromRMC(line, s.(nmea.RMC))
	default:
		return Fix{Type: s.DataType(), Talker: s.TalkerID()}, nil
	}
}

// emptyPosition reports whether a GGA/RMC sentence without a usable fix has
// blank coordinate fields. ok is false for other sentence types.
//
// GGA fields: time,lat,NS,lon,EW,quality,...
// RMC fields: time,status,lat,NS,lon,EW,sog,...
func emptyPosition(kind string, f []string) (empty, ok bool) {
	switch kind {
	case nmea.TypeGGA:
		if len(f) < 6 {
			return false, true
		}
		if f[1] != "" && f[3] != "" {
			return false, true
		}
		// A fix claimed without coordinates is malformed, not a liveness signal.
		return f[5] == "" || f[5] == "0", true
	case nmea.TypeRMC:
		if len(f) < 6 {
			return false, true
		}
		if f[2] != "" && f[4] != "" {
			return false, true
		}
		return f[1] != "A", true
	}
	return false, false
}

func fromGGA(line string, m nmea.GGA) (Fix, error) {
	if len(m.Fields) < 6 || m.Fields[1] == "" || m.Fields[3] == "" {
		return Fix{}, parseErr(line, "missing latitude/longitude", nil)
	}
	if err := checkRange(line, m.Latitude, m.Longitude); err != nil {
		return Fix{}, err
	}

	fix := Fix{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Valid:     m.FixQuality != "" && m.FixQuality != "0",
		Type:      nmea.TypeGGA,
		Talker:    m.TalkerID(),
	}
	if m.Time.Valid {
		fix.UTCTime = time.Date(0, time.January, 1, m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
		fix.HasTime = true
	}
	return fix, nil
}

func fromRMC(line string, m nmea.RMC) (Fix, error) {
	if len(m.Fields) < 7 || m.Fields[2] == "" || m.Fields[4] == "" {
		return Fix{}, parseErr(line, "missing latitude/longitude", nil)
	}
	if err := checkRange(line, m.Latitude, m.Longitude); err != nil {
		return Fix{}, err
	}

	fix := Fix{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Valid:     m.Validity == "A",
		Type:      nmea.TypeRMC,
		Talker:    m.TalkerID(),
	}
	if m.Fields[6] != "" {
		if m.Speed < 0 {
			return Fix{}, parseErr(line, "negative ground speed", nil)
		}
		fix.GroundSpeedKmh = m.Speed * KnotsToKmh
		fix.HasSpeed = true
	}
	if m.Time.Valid {
		year, month, day := 0, time.January, 1
		if m.Date.Valid {
			year, month, day = 2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD
		}
		fix.UTCTime = time.Date(year, month, day, m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
		fix.HasTime = true
	}
	return fix, nil
}

func checkRange(line string, lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return parseErr(line, fmt.Sprintf("latitude %f out of range", lat), nil)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return parseErr(line, fmt.Sprintf("longitude %f out of range", lon), nil)
	}
	return nil
}
