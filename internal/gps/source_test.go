package gps

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}

func TestOffer_DropsOldestWhenFull(t *testing.T) {
	out := make(chan Chunk, 2)
	assert.False(t, offer(out, Chunk{Data: []byte("1")}))
	assert.False(t, offer(out, Chunk{Data: []byte("2")}))
	assert.True(t, offer(out, Chunk{Data: []byte("3")}))

	assert.Equal(t, "2", string((<-out).Data))
	assert.Equal(t, "3", string((<-out).Data))
}

func TestPump_CopiesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Chunk, 8)

	done := make(chan error, 1)
	go func() { done <- Pump(ctx, strings.NewReader("$GPGGA,1\r\n"), out) }()

	select {
	case c := <-out:
		assert.Equal(t, "$GPGGA,1\r\n", string(c.Data))
		assert.False(t, c.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no chunk delivered")
	}

	// exhausted reader keeps reporting EOF; Pump treats it as idle
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pump did not observe cancellation")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestPump_ReturnsReadError(t *testing.T) {
	err := Pump(context.Background(), failingReader{}, make(chan Chunk, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestStartReader_ClosesSourceOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &closeTracker{Reader: strings.NewReader("$A\n")}

	r := StartReader(ctx, src, 4)
	c, ok := <-r.Chunks()
	require.True(t, ok)
	assert.Equal(t, "$A\n", string(c.Data))

	cancel()
	require.NoError(t, r.Wait())
	assert.True(t, src.closed.Load())

	_, ok = <-r.Chunks()
	assert.False(t, ok, "queue is closed after the reader exits")
}

func TestMockSource_EmitsParseableFixes(t *testing.T) {
	src := NewMockSource(48.1173, 11.5167, 36, 5*time.Millisecond)
	defer src.Close()

	f := NewFramer(0)
	buf := make([]byte, 64)
	var fixes []Fix
	deadline := time.Now().Add(2 * time.Second)
	for len(fixes) < 4 && time.Now().Before(deadline) {
		n, err := src.Read(buf)
		require.NoError(t, err)
		_, err = f.Write(buf[:n])
		require.NoError(t, err)
		for {
			line, ok := f.Next()
			if !ok {
				break
			}
			fix, err := ParseFix(line)
			require.NoError(t, err, line)
			fixes = append(fixes, fix)
		}
	}
	require.GreaterOrEqual(t, len(fixes), 4)

	assert.Equal(t, "RMC", fixes[0].Type)
	assert.True(t, fixes[0].Valid)
	assert.True(t, fixes[0].HasSpeed)
	assert.InDelta(t, 36, fixes[0].GroundSpeedKmh, 0.01)
	assert.InDelta(t, 48.1173, fixes[0].Latitude, 1e-4)
	assert.Equal(t, "GGA", fixes[1].Type)

	// moving east
	assert.Greater(t, fixes[2].Longitude, fixes[0].Longitude)
}

func TestMockSource_ReadAfterClose(t *testing.T) {
	src := NewMockSource(0, 0, 0, time.Hour)
	require.NoError(t, src.Close())
	_, err := src.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}

func TestToNMEA(t *testing.T) {
	v, h := toNMEA(-33.8688, 2, "N", "S")
	assert.Equal(t, "3352.12800", v)
	assert.Equal(t, "S", h)

	v, h = toNMEA(11.5, 3, "E", "W")
	assert.Equal(t, "01130.00000", v)
	assert.Equal(t, "E", h)
}
