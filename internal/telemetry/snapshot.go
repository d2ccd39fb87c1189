package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Snapshot is a read-only copy of the relay status taken after a cycle.
// It is handed to observers by value and never aliases relay state.
//
// CBOR uses small integer keys to keep websocket frames compact.
type Snapshot struct {
	At             time.Time `json:"at" cbor:"1,keyasint"`
	State          string    `json:"state" cbor:"2,keyasint"`
	Backend        string    `json:"backend" cbor:"3,keyasint"`
	Payload        string    `json:"payload" cbor:"4,keyasint"`
	HasFix         bool      `json:"has_fix" cbor:"5,keyasint"`
	Latitude       float64   `json:"lat" cbor:"6,keyasint"`
	Longitude      float64   `json:"lon" cbor:"7,keyasint"`
	SpeedKmh       float64   `json:"speed_kmh" cbor:"8,keyasint"`
	Cycles         uint64    `json:"cycles" cbor:"9,keyasint"`
	Sent           uint64    `json:"sent" cbor:"10,keyasint"`
	SendFailures   uint64    `json:"send_failures" cbor:"11,keyasint"`
	ParseErrors    uint64    `json:"parse_errors" cbor:"12,keyasint"`
	FrameOverflows uint64    `json:"frame_overflows" cbor:"13,keyasint"`
	Reinits        uint64    `json:"reinits" cbor:"14,keyasint"`
	Sentences      uint64    `json:"sentences" cbor:"15,keyasint"`
	LastSuccess    time.Time `json:"last_success" cbor:"16,keyasint"`
	LastError      string    `json:"last_error,omitempty" cbor:"17,keyasint,omitempty"`
	GNSSAlive      bool      `json:"gnss_alive" cbor:"18,keyasint"` // false once the GNSS feed has closed
}

// cborEnc keeps sub-second timestamps; the library default is whole Unix seconds.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeCBOR encodes s for binary websocket frames.
func EncodeCBOR(s Snapshot) ([]byte, error) {
	data, err := cborEnc.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeCBOR is the inverse of EncodeCBOR.
func DecodeCBOR(data []byte) (Snapshot, error) {
	var s Snapshot
	if len(data) == 0 {
		return s, fmt.Errorf("telemetry: empty CBOR payload")
	}
	if err := cbor.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("telemetry: decode snapshot: %w", err)
	}
	return s, nil
}

// EncodeJSON encodes s for MQTT and the HTTP status endpoint.
func EncodeJSON(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeJSON is the inverse of EncodeJSON.
func DecodeJSON(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("telemetry: decode snapshot: %w", err)
	}
	return s, nil
}
