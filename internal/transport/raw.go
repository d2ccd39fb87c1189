package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
)

// rawLink is a transparent UART radio: whatever is written goes on air.
type rawLink struct {
	mu     sync.Mutex
	port   io.WriteCloser
	limit  int
	policy Policy
	closed bool
}

// OpenRaw opens the transparent UART link. There is nothing to probe.
func OpenRaw(_ context.Context, opts Options) (Transport, error) {
	port, err := OpenSerialPort(opts.SerialPort, opts.BaudRate)
	if err != nil {
		return nil, err
	}
	log.Printf("transport: raw link on %s at %d baud", opts.SerialPort, opts.BaudRate)
	return newRawLink(port, opts), nil
}

func newRawLink(port io.WriteCloser, opts Options) *rawLink {
	return &rawLink{
		port:   port,
		limit:  effectiveLimit(opts.MaxPayload, LimitRaw),
		policy: opts.Oversize,
	}
}

func (l *rawLink) Name() string { return KindRaw }

// Send succeeds when the write completes.
func (l *rawLink) Send(ctx context.Context, payload string) error {
	frames, err := fitPayload(payload, l.limit, l.policy)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: raw link closed", ErrSendFailure)
	}
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailure, err)
		}
		if _, err := io.WriteString(l.port, f+"\n"); err != nil {
			return fmt.Errorf("%w: write: %w", ErrSendFailure, err)
		}
	}
	return nil
}

func (l *rawLink) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *rawLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}
