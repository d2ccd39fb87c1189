package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// DefaultQueueSize is the number of read chunks buffered between the GNSS
// reader goroutine and the relay loop.
const DefaultQueueSize = 64

const (
	readBufSize = 256
	// idlePause bounds the spin on sources that report io.EOF without
	// blocking (closed pipes, exhausted test readers).
	idlePause = 10 * time.Millisecond
)

// Chunk is one read from the GNSS byte source, stamped with the arrival time.
type Chunk struct {
	Data []byte
	At   time.Time
}

// OpenSerial opens the GNSS UART. Reads return io.EOF after 100ms of silence
// so the reader can observe cancellation.
func OpenSerial(portName string, baud int) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 100,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("gps: open %s: %w", portName, err)
	}
	return port, nil
}

// Pump copies r into out until ctx is cancelled or r fails. It is the single
// producer for out. When out is full the oldest chunk is dropped, so Pump
// never blocks on a slow consumer.
func Pump(ctx context.Context, r io.Reader, out chan Chunk) error {
	return pump(ctx, r, out, nil)
}

func pump(ctx context.Context, r io.Reader, out chan Chunk, onDrop func()) error {
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if offer(out, Chunk{Data: data, At: time.Now()}) && onDrop != nil {
				onDrop()
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			// read timeout with no data
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idlePause):
			}
			continue
		}
		return fmt.Errorf("gps: read: %w", err)
	}
}

// offer enqueues c, evicting the oldest chunk if the queue is full.
// It reports whether a chunk was dropped.
func offer(out chan Chunk, c Chunk) bool {
	dropped := false
	for {
		select {
		case out <- c:
			return dropped
		default:
		}
		select {
		case <-out:
			dropped = true
		default:
		}
	}
}

// Reader owns a GNSS byte source and the goroutine pumping it.
// The source is closed when the context passed to StartReader is cancelled.
type Reader struct {
	src     io.ReadCloser
	out     chan Chunk
	wg      sync.WaitGroup
	once    sync.Once
	err     error
	dropped atomic.Uint64
}

// StartReader starts pumping src into a bounded queue of the given size.
func StartReader(ctx context.Context, src io.ReadCloser, queue int) *Reader {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	r := &Reader{src: src, out: make(chan Chunk, queue)}

	// unblock a pending Read on shutdown
	stop := context.AfterFunc(ctx, r.closeSource)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.out)
		defer r.closeSource()
		defer stop()

		r.err = pump(ctx, src, r.out, func() { r.dropped.Add(1) })
		if r.err != nil {
			log.Printf("gps: reader stopped: %v", r.err)
		}
	}()
	return r
}

func (r *Reader) closeSource() {
	r.once.Do(func() {
		if err := r.src.Close(); err != nil {
			log.Printf("gps: close source: %v", err)
		}
	})
}

// Chunks is closed once the reader goroutine has exited.
func (r *Reader) Chunks() <-chan Chunk {
	return r.out
}

// Dropped returns how many chunks were evicted because the queue was full.
func (r *Reader) Dropped() uint64 {
	return r.dropped.Load()
}

// Wait blocks until the reader goroutine has exited and the source is closed.
func (r *Reader) Wait() error {
	r.wg.Wait()
	return r.err
}
