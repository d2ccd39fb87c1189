package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// fakeSerial is an in-memory UART. reply, when set, produces the modem's
// answer to each written line.
type fakeSerial struct {
	mu       sync.Mutex
	written  bytes.Buffer
	lines    []string
	pending  []byte
	reply    func(cmd string) string
	writeErr error
	closed   bool
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written.Write(p)
	cmd := strings.TrimRight(string(p), "\r\n")
	f.lines = append(f.lines, cmd)
	if f.reply != nil {
		f.pending = append(f.pending, f.reply(cmd)...)
	}
	return len(p), nil
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer f.mu.Unlock()
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSerial) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeSerial) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	return nil
}

func (f *fakeSerial) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// fakeSX is a register-level SX127x stand-in.
type fakeSX struct {
	mu        sync.Mutex
	regs      [0x80]byte
	fifo      []byte
	txDone    bool // whether entering TX raises TxDone
	txCount   int
	failAfter int // Tx calls before errors start, 0 = never
	calls     int
}

func newFakeSX() *fakeSX {
	f := &fakeSX{txDone: true}
	f.regs[regVersion] = 0x12
	return f
}

func (f *fakeSX) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAfter > 0 && f.calls > f.failAfter {
		return errors.New("spi bus error")
	}
	addr := w[0] &^ writeFlag
	if w[0]&writeFlag == 0 {
		if len(r) >= 2 {
			r[1] = f.regs[addr]
		}
		return nil
	}
	switch addr {
	case regFifo:
		f.fifo = append([]byte(nil), w[1:]...)
	case regIrqFlags:
		f.regs[regIrqFlags] &^= w[1]
	case regOpMode:
		f.regs[regOpMode] = w[1]
		if w[1] == modeLoRaTx {
			f.txCount++
			if f.txDone {
				f.regs[regIrqFlags] |= irqTxDone
			}
		}
	default:
		f.regs[addr] = w[1]
	}
	return nil
}

func (f *fakeSX) reg(addr byte) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr]
}

type fakePin struct {
	mu     sync.Mutex
	level  gpio.Level
	levels []gpio.Level
}

func (p *fakePin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = l
	p.levels = append(p.levels, l)
	return nil
}

func (p *fakePin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// stubTransport is a scripted Transport for selection tests.
type stubTransport struct {
	name   string
	silent bool
	closed bool
}

func (s *stubTransport) Name() string                       { return s.name }
func (s *stubTransport) Send(context.Context, string) error { return nil }
func (s *stubTransport) Healthy() bool                      { return !s.closed && !s.silent }
func (s *stubTransport) Close() error                       { s.closed = true; return nil }
