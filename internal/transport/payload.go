package transport

import "fmt"

// Policy decides what happens to a payload longer than the backend limit.
type Policy string

const (
	// PolicyTruncate sends the first limit bytes.
	PolicyTruncate Policy = "truncate"
	// PolicyDrop fails the send with ErrSendFailure.
	PolicyDrop Policy = "drop"
	// PolicySplit sends consecutive limit-sized frames.
	PolicySplit Policy = "split"
)

// Backend payload limits in bytes; 0 means unlimited.
const (
	LimitSPI = 255 // FIFO / payload length register
	LimitAT  = 240
	LimitRaw = 0
)

func effectiveLimit(override, backend int) int {
	if override > 0 {
		return override
	}
	return backend
}

// fitPayload returns the frames to transmit for payload under limit.
func fitPayload(payload string, limit int, policy Policy) ([]string, error) {
	if limit <= 0 || len(payload) <= limit {
		return []string{payload}, nil
	}
	switch policy {
	case PolicyDrop:
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", ErrSendFailure, len(payload), limit)
	case PolicySplit:
		frames := make([]string, 0, (len(payload)+limit-1)/limit)
		for len(payload) > limit {
			frames = append(frames, payload[:limit])
			payload = payload[limit:]
		}
		return append(frames, payload), nil
	default:
		return []string{payload[:limit]}, nil
	}
}
