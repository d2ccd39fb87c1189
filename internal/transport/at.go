// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	atReadTimeout = 20 * time.Millisecond
	atPoll        = 10 * time.Millisecond
	// DefaultATTimeout is the reply window for one AT command.
	DefaultATTimeout = 500 * time.Millisecond
)

// ErrATRejected is returned when the modem answers a command with ERROR.
var ErrATRejected = errors.New("transport: modem rejected command")

// serialPort is the part of serial.Port the UART backends use.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenSerialPort opens a UART in 8N1 mode.
func OpenSerialPort(name string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %w", ErrResourceOpen, name, err)
	}
	return port, nil
}

// atModem is a UART LoRa modem driven with AT commands.
type atModem struct {
	mu      sync.Mutex
	port    serialPort
	opts    Options
	limit   int
	timeout time.Duration
	closed  bool
}

// OpenAT opens the modem UART and pushes the radio parameters. A modem that
// stays silent during configuration is still returned; Healthy tells the
// caller whether it answers.
func OpenAT(ctx context.Context, opts Options) (Transport, error) {
	port, err := OpenSerialPort(opts.SerialPort, opts.BaudRate)
	if err != nil {
		return nil, err
	}
	m, err := newATModem(port, opts)
	if err != nil {
		port.Close()
		return nil, err
	}
	m.configure(ctx)
	log.Printf("transport: at modem on %s at %d baud", opts.SerialPort, opts.BaudRate)
	return m, nil
}

func newATModem(port serialPort, opts Options) (*atModem, error) {
	if err := port.SetReadTimeout(atReadTimeout); err != nil {
		return nil, fmt.Errorf("%w: set read timeout: %w", ErrResourceOpen, err)
	}
	timeout := opts.ATTimeout
	if timeout <= 0 {
		timeout = DefaultATTimeout
	}
	return &atModem{
		port:    port,
		opts:    opts,
		limit:   effectiveLimit(opts.MaxPayload, LimitAT),
		timeout: timeout,
	}, nil
}

// configure issues the liveness probe and radio settings. Failures are
// warnings only.
func (m *atModem) configure(ctx context.Context) {
	r := m.opts.Radio
	cmds := []string{
		"AT",
		fmt.Sprintf("AT+FREQ=%d", r.FrequencyHz),
		fmt.Sprintf("AT+SF=%d", r.SpreadingFactor),
		fmt.Sprintf("AT+BW=%d", r.BandwidthKHz),
		fmt.Sprintf("AT+CR=%d", r.CodingRate),
		fmt.Sprintf("AT+POWER=%d", r.TxPowerDBm),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range cmds {
		if _, err := m.command(ctx, cmd); err != nil {
			log.Printf("transport: at: warning: %s: %v", cmd, err)
		}
	}
}

func (m *atModem) Name() string { return KindAT }

func (m *atModem) Send(ctx context.Context, payload string) error {
	frames, err := fitPayload(payload, m.limit, m.opts.Oversize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: at modem closed", ErrSendFailure)
	}
	for _, f := range frames {
		if _, err := m.command(ctx, "AT+SEND="+f); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailure, err)
		}
	}
	return nil
}

// Command sends one raw AT command and returns the modem reply.
func (m *atModem) Command(ctx context.Context, cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("%w: at modem closed", ErrSendFailure)
	}
	return m.command(ctx, cmd)
}

// command writes cmd and collects the reply until an OK/ERROR line or the
// reply window closes. Caller holds m.mu.
func (m *atModem) command(ctx context.Context, cmd string) (string, error) {
	if err := m.port.ResetInputBuffer(); err != nil {
		return "", fmt.Errorf("reset input: %w", err)
	}
	if _, err := io.WriteString(m.port, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}

	var reply strings.Builder
	buf := make([]byte, 128)
	var rejected bool
	err := Wait(ctx, m.timeout, atPoll, func() (bool, error) {
		n, err := m.port.Read(buf)
		if err != nil {
			return false, fmt.Errorf("read reply: %w", err)
		}
		reply.Write(buf[:n])
		s := reply.String()
		if strings.Contains(s, "ERR") {
			rejected = true
			return true, nil
		}
		return strings.Contains(s, "OK"), nil
	})
	resp := strings.TrimSpace(reply.String())
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return resp, fmt.Errorf("no OK for %q within %s (got %q)", cmd, m.timeout, resp)
		}
		return resp, err
	}
	if rejected {
		return resp, fmt.Errorf("%w: %q: %q", ErrATRejected, cmd, resp)
	}
	return resp, nil
}

func (m *atModem) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.timeout)
	defer cancel()
	_, err := m.command(ctx, "AT")
	return err == nil
}

func (m *atModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.port.Close()
}
