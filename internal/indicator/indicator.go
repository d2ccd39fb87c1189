package indicator

import (
	"context"
	"log"
	"time"
)

// DefaultPulse is how long the LED stays on for one successful send.
const DefaultPulse = 100 * time.Millisecond

// LED is a single digital output.
type LED interface {
	Set(on bool) error
	Close() error
}

// Open returns the LED on the given BCM GPIO. pin 0 disables the LED and
// returns a no-op.
func Open(pin int) (LED, error) {
	if pin == 0 {
		return noop{}, nil
	}
	return openFn(pin)
}

var openFn = openGPIO

type noop struct{}

func (noop) Set(bool) error { return nil }
func (noop) Close() error   { return nil }

// Blinker pulses an LED without blocking the caller.
type Blinker struct {
	led   LED
	pulse time.Duration
	req   chan struct{}
}

// NewBlinker wraps led. Pulses requested while one is in progress coalesce.
func NewBlinker(led LED, pulse time.Duration) *Blinker {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	return &Blinker{led: led, pulse: pulse, req: make(chan struct{}, 1)}
}

// Pulse requests one blink. It never blocks.
func (b *Blinker) Pulse() {
	select {
	case b.req <- struct{}{}:
	default:
	}
}

// Run serves pulse requests until ctx is done, then turns the LED off and
// closes it.
func (b *Blinker) Run(ctx context.Context) {
	defer func() {
		_ = b.led.Set(false)
		if err := b.led.Close(); err != nil {
			log.Printf("indicator: close: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.req:
		}
		if err := b.led.Set(true); err != nil {
			log.Printf("indicator: set: %v", err)
			continue
		}
		t := time.NewTimer(b.pulse)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := b.led.Set(false); err != nil {
			log.Printf("indicator: set: %v", err)
		}
	}
}
