// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SX127x register map (LoRa mode).
const (
	regFifo          = 0x00
	regOpMode        = 0x01
	regFrfMsb        = 0x06
	regFrfMid        = 0x07
	regFrfLsb        = 0x08
	regPaConfig      = 0x09
	regPaRamp        = 0x0A
	regLna           = 0x0C
	regFifoAddrPtr   = 0x0D
	regFifoTxBase    = 0x0E
	regIrqFlags      = 0x12
	regModemConfig1  = 0x1D
	regModemConfig2  = 0x1E
	regPayloadLength = 0x22
	regVersion       = 0x42

	modeLoRaSleep   = 0x80
	modeLoRaStandby = 0x81
	modeLoRaTx      = 0x83

	irqTxDone = 0x08
	writeFlag = 0x80

	crystalHz = 32_000_000
)

const (
	spiPoll       = 5 * time.Millisecond
	busyTimeout   = 100 * time.Millisecond
	resetLowTime  = 10 * time.Millisecond
	resetHighTime = 50 * time.Millisecond
)

// spiConn is the part of spi.Conn the driver uses.
type spiConn interface {
	Tx(w, r []byte) error
}

type outputPin interface {
	Out(l gpio.Level) error
}

type inputPin interface {
	Read() gpio.Level
}

// spiRadio drives an SX127x-class radio through its register interface.
type spiRadio struct {
	mu      sync.Mutex
	port    io.Closer // may be nil in tests
	conn    spiConn
	reset   outputPin
	irq     inputPin // DIO0, TxDone
	busy    inputPin // optional
	opts    Options
	limit   int
	version byte
	closed  bool
}

// OpenSPI acquires the SPI device and control lines and configures the radio.
func OpenSPI(ctx context.Context, opts Options) (Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: periph host init: %w", ErrResourceOpen, err)
	}

	port, err := spireg.Open(opts.SPIDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: spi %s: %w", ErrResourceOpen, opts.SPIDevice, err)
	}
	conn, err := port.Connect(physic.Frequency(opts.SPISpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: spi %s connect: %w", ErrResourceOpen, opts.SPIDevice, err)
	}

	reset := gpioreg.ByName(opts.ResetPin)
	if reset == nil {
		port.Close()
		return nil, fmt.Errorf("%w: reset pin %q not found", ErrResourceOpen, opts.ResetPin)
	}
	irq := gpioreg.ByName(opts.IRQPin)
	if irq == nil {
		port.Close()
		return nil, fmt.Errorf("%w: irq pin %q not found", ErrResourceOpen, opts.IRQPin)
	}
	if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: irq pin %q: %w", ErrResourceOpen, opts.IRQPin, err)
	}

	r := &spiRadio{port: port, conn: conn, reset: reset, irq: irq, opts: opts}
	if opts.BusyPin != "" {
		busy := gpioreg.ByName(opts.BusyPin)
		if busy == nil {
			port.Close()
			return nil, fmt.Errorf("%w: busy pin %q not found", ErrResourceOpen, opts.BusyPin)
		}
		if err := busy.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			port.Close()
			return nil, fmt.Errorf("%w: busy pin %q: %w", ErrResourceOpen, opts.BusyPin, err)
		}
		r.busy = busy
	}

	if err := r.init(ctx); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %w", ErrResourceOpen, err)
	}
	log.Printf("transport: spi radio ready on %s (version 0x%02x, %d Hz)", opts.SPIDevice, r.version, opts.Radio.FrequencyHz)
	return r, nil
}

func newSPIRadio(conn spiConn, reset outputPin, irq, busy inputPin, opts Options) *spiRadio {
	return &spiRadio{conn: conn, reset: reset, irq: irq, busy: busy, opts: opts}
}

// init pulses reset, checks the silicon version and programs the modem.
func (r *spiRadio) init(ctx context.Context) error {
	r.limit = effectiveLimit(r.opts.MaxPayload, LimitSPI)
	if r.limit > LimitSPI {
		r.limit = LimitSPI
	}

	if err := r.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("reset low: %w", err)
	}
	if err := sleepCtx(ctx, resetLowTime); err != nil {
		return err
	}
	if err := r.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("reset high: %w", err)
	}
	if err := sleepCtx(ctx, resetHighTime); err != nil {
		return err
	}

	v, err := r.readReg(ctx, regVersion)
	if err != nil {
		return err
	}
	if v == 0x00 || v == 0xFF {
		return fmt.Errorf("no radio answering on SPI (version 0x%02x)", v)
	}
	r.version = v

	frf := (uint64(r.opts.Radio.FrequencyHz) << 19) / crystalHz
	regs := [][2]byte{
		{regOpMode, modeLoRaSleep},
		{regFrfMsb, byte(frf >> 16)},
		{regFrfMid, byte(frf >> 8)},
		{regFrfLsb, byte(frf)},
		{regPaConfig, paConfig(r.opts.Radio.TxPowerDBm)},
		{regPaRamp, 0x09},
		{regLna, 0x23},
		{regModemConfig1, bandwidthCode(r.opts.Radio.BandwidthKHz)<<4 | byte(r.opts.Radio.CodingRate-4)<<1},
		{regModemConfig2, byte(r.opts.Radio.SpreadingFactor)<<4 | 0x04}, // CRC on
		{regFifoTxBase, 0x00},
		{regOpMode, modeLoRaStandby},
	}
	for _, kv := range regs {
		if err := r.writeReg(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func (r *spiRadio) Name() string { return KindSPI }

func (r *spiRadio) Send(ctx context.Context, payload string) error {
	frames, err := fitPayload(payload, r.limit, r.opts.Oversize)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := r.sendFrame(ctx, []byte(f)); err != nil {
			return err
		}
	}
	return nil
}

func (r *spiRadio) sendFrame(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: spi radio closed", ErrSendFailure)
	}

	steps := [][2]byte{
		{regOpMode, modeLoRaStandby},
		{regFifoAddrPtr, 0x00},
	}
	for _, kv := range steps {
		if err := r.writeReg(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailure, err)
		}
	}
	if err := r.tx(ctx, append([]byte{regFifo | writeFlag}, data...), nil); err != nil {
		return fmt.Errorf("%w: fifo write: %w", ErrSendFailure, err)
	}
	steps = [][2]byte{
		{regPayloadLength, byte(len(data))},
		{regIrqFlags, 0xFF},
		{regOpMode, modeLoRaTx},
	}
	for _, kv := range steps {
		if err := r.writeReg(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailure, err)
		}
	}

	timeout := r.opts.SPITxTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	err := Wait(ctx, timeout, spiPoll, func() (bool, error) {
		if r.irq != nil && r.irq.Read() == gpio.High {
			return true, nil
		}
		flags, err := r.readReg(ctx, regIrqFlags)
		if err != nil {
			return false, err
		}
		return flags&irqTxDone != 0, nil
	})

	// leave TX mode whatever happened; clear flags for the next frame
	_ = r.writeReg(ctx, regIrqFlags, 0xFF)
	if err != nil {
		_ = r.writeReg(ctx, regOpMode, modeLoRaStandby)
		return fmt.Errorf("%w: tx done: %w", ErrSendFailure, err)
	}
	return nil
}

func (r *spiRadio) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	v, err := r.readReg(ctx, regVersion)
	return err == nil && v != 0x00 && v != 0xFF
}

func (r *spiRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if err := r.writeReg(ctx, regOpMode, modeLoRaSleep); err != nil {
		log.Printf("transport: spi sleep on close: %v", err)
	}
	if r.port != nil {
		return r.port.Close()
	}
	return nil
}

func (r *spiRadio) readReg(ctx context.Context, addr byte) (byte, error) {
	rx := make([]byte, 2)
	if err := r.tx(ctx, []byte{addr &^ writeFlag, 0x00}, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}

func (r *spiRadio) writeReg(ctx context.Context, addr, v byte) error {
	return r.tx(ctx, []byte{addr | writeFlag, v}, nil)
}

// tx waits for the busy line (when wired) and runs one SPI transaction.
func (r *spiRadio) tx(ctx context.Context, w, rx []byte) error {
	if r.busy != nil {
		err := Wait(ctx, busyTimeout, time.Millisecond, func() (bool, error) {
			return r.busy.Read() == gpio.Low, nil
		})
		if err != nil {
			return fmt.Errorf("busy line: %w", err)
		}
	}
	if err := r.conn.Tx(w, rx); err != nil {
		return fmt.Errorf("spi tx: %w", err)
	}
	return nil
}

// paConfig selects PA_BOOST with output power clamped to 2..17 dBm.
func paConfig(dbm int) byte {
	if dbm >= 17 {
		return 0xFF
	}
	if dbm < 2 {
		dbm = 2
	}
	return 0xF0 | byte(dbm-2)
}

// bandwidthCode maps kHz onto the ModemConfig1 bandwidth field.
func bandwidthCode(khz int) byte {
	switch {
	case khz <= 8:
		return 0
	case khz <= 10:
		return 1
	case khz <= 16:
		return 2
	case khz <= 21:
		return 3
	case khz <= 31:
		return 4
	case khz <= 42:
		return 5
	case khz <= 63:
		return 6
	case khz <= 125:
		return 7
	case khz <= 250:
		return 8
	default:
		return 9
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
