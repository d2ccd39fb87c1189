// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/gnss_relay/internal/config"
)

// Error taxonomy shared by every backend.
var (
	// ErrSendFailure is a recoverable failed or unconfirmed send.
	ErrSendFailure = errors.New("transport: send failed")
	// ErrUnavailable means no backend could be selected.
	ErrUnavailable = errors.New("transport: no backend available")
	// ErrResourceOpen means a backend's device could not be acquired.
	ErrResourceOpen = errors.New("transport: cannot open resource")
)

// Backend names, also the accepted TRANSPORT config values.
const (
	KindAuto = "auto"
	KindSPI  = "spi"
	KindAT   = "at"
	KindRaw  = "raw"
)

// Transport sends payloads over one radio backend. A Transport owns its
// device handles; Close releases them.
type Transport interface {
	Name() string
	// Send transmits one payload. Waits are bounded and observe ctx.
	Send(ctx context.Context, payload string) error
	// Healthy reports whether the device is open and responsive.
	Healthy() bool
	Close() error
}

// Radio holds modulation parameters pushed to the modem on open.
type Radio struct {
	FrequencyHz     int64
	SpreadingFactor int
	BandwidthKHz    int
	CodingRate      int // denominator of 4/x
	TxPowerDBm      int
}

// Options selects and configures a backend.
type Options struct {
	Kind string

	SerialPort string
	BaudRate   int

	SPIDevice  string
	SPISpeedHz int64
	ResetPin   string
	BusyPin    string
	IRQPin     string

	Radio Radio

	ATTimeout    time.Duration
	SPITxTimeout time.Duration

	// MaxPayload overrides the backend limit when > 0.
	MaxPayload int
	Oversize   Policy
}

// OptionsFromConfig maps the relay configuration onto transport options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Kind:       cfg.Transport,
		SerialPort: cfg.LoRaSerialPort,
		BaudRate:   cfg.LoRaBaudRate,
		SPIDevice:  cfg.LoRaSPIDevice,
		SPISpeedHz: cfg.LoRaSPISpeedHz,
		ResetPin:   cfg.LoRaResetPin,
		BusyPin:    cfg.LoRaBusyPin,
		IRQPin:     cfg.LoRaIRQPin,
		Radio: Radio{
			FrequencyHz:     cfg.LoRaFrequencyHz,
			SpreadingFactor: cfg.LoRaSpreadingFactor,
			BandwidthKHz:    cfg.LoRaBandwidthKHz,
			CodingRate:      cfg.LoRaCodingRate,
			TxPowerDBm:      cfg.LoRaTxPowerDBm,
		},
		ATTimeout:    time.Duration(cfg.ATResponseTimeoutMS) * time.Millisecond,
		SPITxTimeout: time.Duration(cfg.SPITxTimeoutMS) * time.Millisecond,
		MaxPayload:   cfg.PayloadMaxBytes,
		Oversize:     Policy(cfg.PayloadOversizePolicy),
	}
}

// OpenFunc opens one backend.
type OpenFunc func(ctx context.Context, opts Options) (Transport, error)

// Opener applies the selection policy over a set of backend constructors.
// The zero value is not usable; see DefaultOpener.
type Opener struct {
	SPI OpenFunc
	AT  OpenFunc
	Raw OpenFunc
}

// DefaultOpener uses the hardware backends.
var DefaultOpener = Opener{SPI: OpenSPI, AT: OpenAT, Raw: OpenRaw}

// Open selects a backend with DefaultOpener.
func Open(ctx context.Context, opts Options) (Transport, error) {
	return DefaultOpener.Open(ctx, opts)
}

// Open selects a backend. "auto" tries SPI, then the AT modem, which must have
// answered its configuration; the raw link is only used when asked for
// explicitly since it cannot be probed. A failed selection matches
// ErrUnavailable.
func (o Opener) Open(ctx context.Context, opts Options) (Transport, error) {
	switch opts.Kind {
	case KindAuto, "":
		t, spiErr := o.SPI(ctx, opts)
		if spiErr == nil {
			return t, nil
		}
		log.Printf("transport: spi backend unavailable: %v", spiErr)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}

		t, atErr := o.AT(ctx, opts)
		if atErr == nil {
			if t.Healthy() {
				return t, nil
			}
			// no answer to AT, likely nothing attached
			_ = t.Close()
			atErr = fmt.Errorf("%w: at modem not answering", ErrResourceOpen)
		}
		log.Printf("transport: at backend unavailable: %v", atErr)
		return nil, fmt.Errorf("%w: spi: %v; at: %w", ErrUnavailable, spiErr, atErr)

	case KindSPI:
		return explicit(ctx, o.SPI, opts)
	case KindAT:
		return explicit(ctx, o.AT, opts)
	case KindRaw:
		return explicit(ctx, o.Raw, opts)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnavailable, opts.Kind)
	}
}

func explicit(ctx context.Context, open OpenFunc, opts Options) (Transport, error) {
	t, err := open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, opts.Kind, err)
	}
	return t, nil
}
