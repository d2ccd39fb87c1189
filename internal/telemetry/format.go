package telemetry

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/gnss_relay/internal/motion"
)

// NoFix is sent instead of a position until the first valid fix is seen.
const NoFix = "NO_FIX"

// TimestampLayout is the UTC timestamp at the start of every payload.
const TimestampLayout = "2006-01-02 15:04:05"

// ErrNoTelemetry is returned by Parse for lines without LAT/LON/SPD fields.
var ErrNoTelemetry = errors.New("telemetry: no LAT/LON/SPD fields")

// receiverPattern is the match used on the receiving end of the link.
var receiverPattern = regexp.MustCompile(`LAT:(-?\d+\.\d+) LON:(-?\d+\.\d+) SPD:(\d+\.\d+)km/h`)

// Message is the unit of payload formatting, built fresh every cycle.
type Message struct {
	TimestampUTC string  `json:"timestamp_utc"`
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
	SpeedKmh     float64 `json:"speed_kmh"`
}

// FromState builds a Message stamped with now in UTC. ok is false when the
// estimator has not seen a valid fix yet.
func FromState(st motion.State, now time.Time) (Message, bool) {
	if !st.HasFix {
		return Message{}, false
	}
	return Message{
		TimestampUTC: now.UTC().Format(TimestampLayout),
		Latitude:     st.Fix.Latitude,
		Longitude:    st.Fix.Longitude,
		SpeedKmh:     st.SpeedKmh,
	}, true
}

// Format renders m in the fixed wire grammar (no trailing newline; the
// transport adds its own framing).
func Format(m Message) string {
	spd := m.SpeedKmh
	// the receiver pattern has no sign on SPD; also avoid "-0.00"
	if spd < 0 || math.IsNaN(spd) {
		spd = 0
	}
	return fmt.Sprintf("%s LAT:%.7f LON:%.7f SPD:%.2fkm/h", m.TimestampUTC, m.Latitude, m.Longitude, spd)
}

// FormatState is Format(FromState(st, now)), or NoFix.
func FormatState(st motion.State, now time.Time) string {
	m, ok := FromState(st, now)
	if !ok {
		return NoFix
	}
	return Format(m)
}

// Parse decodes a received payload. Text before LAT: is kept as the
// timestamp when it parses as one.
func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	loc := receiverPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return Message{}, fmt.Errorf("%w: %q", ErrNoTelemetry, line)
	}

	var m Message
	var err error
	if m.Latitude, err = strconv.ParseFloat(line[loc[2]:loc[3]], 64); err != nil {
		return Message{}, fmt.Errorf("telemetry: latitude: %w", err)
	}
	if m.Longitude, err = strconv.ParseFloat(line[loc[4]:loc[5]], 64); err != nil {
		return Message{}, fmt.Errorf("telemetry: longitude: %w", err)
	}
	if m.SpeedKmh, err = strconv.ParseFloat(line[loc[6]:loc[7]], 64); err != nil {
		return Message{}, fmt.Errorf("telemetry: speed: %w", err)
	}

	prefix := strings.TrimSpace(line[:loc[0]])
	if len(prefix) >= len(TimestampLayout) {
		ts := prefix[len(prefix)-len(TimestampLayout):]
		if _, err := time.Parse(TimestampLayout, ts); err == nil {
			m.TimestampUTC = ts
		}
	}
	return m, nil
}
