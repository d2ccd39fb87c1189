package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gnss_relay/internal/gps"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
	"github.com/relabs-tech/gnss_relay/internal/transport"
)

func nmeaLine(payload string) string {
	return "$" + payload + "*" + nmea.Checksum(payload) + "\r\n"
}

type fakeTransport struct {
	mu     sync.Mutex
	id     int
	fail   bool
	sent   []string
	closed bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	if f.fail || f.closed {
		return transport.ErrSendFailure
	}
	return nil
}

func (f *fakeTransport) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// opener hands out transports; the n-th open uses plan[n] (true = fails to
// open). Opens past the plan succeed.
type opener struct {
	mu        sync.Mutex
	plan      []bool
	failSends bool // new transports fail every send
	opened    []*fakeTransport
	calls     int
}

func (o *opener) open(context.Context) (transport.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.calls
	o.calls++
	if n < len(o.plan) && o.plan[n] {
		return nil, transport.ErrResourceOpen
	}
	t := &fakeTransport{id: n, fail: o.failSends}
	o.opened = append(o.opened, t)
	return t, nil
}

func (o *opener) last() *fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[len(o.opened)-1]
}

func testSettings() Settings {
	return Settings{Interval: time.Second, StallGrace: 1200 * time.Millisecond, JitterM: 1, Smoothing: 1, FrameMax: 512}
}

func TestLoop_StartupFailureIsFatal(t *testing.T) {
	o := &opener{plan: []bool{true}}
	l := New(testSettings(), nil, o.open)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	assert.Equal(t, StateStopped, l.State())
}

func TestLoop_NoFixThenFix(t *testing.T) {
	chunks := make(chan gps.Chunk, 4)
	o := &opener{}
	l := New(testSettings(), chunks, o.open)
	t0 := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.start(context.Background(), t0))

	l.cycle(context.Background(), t0.Add(time.Second))
	assert.Equal(t, []string{telemetry.NoFix}, o.last().payloads())

	chunks <- gps.Chunk{Data: []byte("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"), At: t0.Add(time.Second)}
	l.cycle(context.Background(), t0.Add(2*time.Second))

	got := o.last().payloads()
	require.Len(t, got, 2)
	assert.Equal(t, "2026-10-19 12:00:02 LAT:48.1173000 LON:11.5166667 SPD:0.00km/h", got[1])

	snap := l.Snapshot(t0.Add(2 * time.Second))
	assert.True(t, snap.HasFix)
	assert.Equal(t, uint64(2), snap.Sent)
	assert.Equal(t, uint64(1), snap.Sentences)
	assert.Equal(t, "RUNNING", snap.State)
	assert.Equal(t, "fake", snap.Backend)
}

func TestLoop_DerivedSpeedEndToEnd(t *testing.T) {
	chunks := make(chan gps.Chunk, 4)
	o := &opener{}
	l := New(testSettings(), chunks, o.open)
	t0 := time.Now()
	require.NoError(t, l.start(context.Background(), t0))

	// two RMC fixes ~100 m apart, 10 s apart, no SOG field
	chunks <- gps.Chunk{Data: []byte(nmeaLine("GPRMC,120000,A,4807.00000,N,01131.00000,E,,,191026,,,A")), At: t0}
	chunks <- gps.Chunk{Data: []byte(nmeaLine("GPRMC,120010,A,4807.05396,N,01131.00000,E,,,191026,,,A")), At: t0.Add(10 * time.Second)}
	l.cycle(context.Background(), t0.Add(10*time.Second))

	got := o.last().payloads()
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0], "SPD:36.00km/h"), got[0])
}

func TestLoop_MockStreamReportsSpeed(t *testing.T) {
	// RMC and GGA for every epoch, moving east at 36 km/h
	src := gps.NewMockSource(48.1173, 11.5167, 36, 20*time.Millisecond)
	chunks := make(chan gps.Chunk, gps.DefaultQueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer src.Close()
	go func() { _ = gps.Pump(ctx, src, chunks) }()

	o := &opener{}
	l := New(testSettings(), chunks, o.open)
	t0 := time.Now()
	require.NoError(t, l.start(ctx, t0))

	// several epochs reach the queue before the cycle drains it
	time.Sleep(250 * time.Millisecond)
	l.cycle(ctx, t0.Add(time.Second))

	got := o.last().payloads()
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0], "SPD:36.00km/h"), got[0])

	snap := l.Snapshot(t0)
	assert.GreaterOrEqual(t, snap.Sentences, uint64(4))
	assert.Zero(t, snap.ParseErrors)
	assert.InDelta(t, 36.0, snap.SpeedKmh, 0.01)
}

func TestLoop_ClosedGNSSFeedIsReported(t *testing.T) {
	chunks := make(chan gps.Chunk, 2)
	o := &opener{}
	l := New(testSettings(), chunks, o.open)
	t0 := time.Now()
	ctx := context.Background()
	require.NoError(t, l.start(ctx, t0))

	chunks <- gps.Chunk{Data: []byte("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"), At: t0}
	l.cycle(ctx, t0.Add(time.Second))
	assert.True(t, l.Snapshot(t0).GNSSAlive)

	close(chunks)
	l.cycle(ctx, t0.Add(2*time.Second))
	l.cycle(ctx, t0.Add(3*time.Second))

	snap := l.Snapshot(t0)
	assert.False(t, snap.GNSSAlive)
	assert.True(t, snap.HasFix, "last position is kept")
	assert.Equal(t, uint64(3), snap.Sent)
}

func TestLoop_SentenceErrorsStayLocal(t *testing.T) {
	chunks := make(chan gps.Chunk, 8)
	o := &opener{}
	s := testSettings()
	s.FrameMax = 100
	l := New(s, chunks, o.open)
	t0 := time.Now()
	require.NoError(t, l.start(context.Background(), t0))

	chunks <- gps.Chunk{Data: []byte("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00\r\n"), At: t0}
	chunks <- gps.Chunk{Data: []byte(strings.Repeat("#", 150)), At: t0}
	chunks <- gps.Chunk{Data: []byte("garbage\n$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"), At: t0}
	l.cycle(context.Background(), t0.Add(time.Second))

	snap := l.Snapshot(t0)
	assert.Equal(t, uint64(1), snap.ParseErrors, "bad checksum")
	assert.Equal(t, uint64(1), snap.FrameOverflows)
	assert.Equal(t, uint64(2), snap.Sentences)
	assert.True(t, snap.HasFix, "recovered after resync")
	assert.Equal(t, uint64(1), snap.Sent)
}

func TestLoop_WatchdogOncePerEpisodeThenResumes(t *testing.T) {
	o := &opener{failSends: true}
	l := New(testSettings(), nil, o.open)
	t0 := time.Now()
	ctx := context.Background()
	require.NoError(t, l.start(ctx, t0))
	first := o.last()

	// stall threshold is 2.2 s
	l.cycle(ctx, t0.Add(1*time.Second))
	l.cycle(ctx, t0.Add(2*time.Second))
	assert.Equal(t, StateRunning, l.State())
	assert.Zero(t, l.Snapshot(t0).Reinits)

	// the replacement transport works
	o.mu.Lock()
	o.failSends = false
	o.mu.Unlock()

	l.cycle(ctx, t0.Add(3*time.Second))
	assert.Equal(t, StateRunning, l.State())
	assert.Equal(t, uint64(1), l.Snapshot(t0).Reinits)
	assert.True(t, first.closed, "old handle released")
	require.Len(t, o.opened, 2)

	for i := 4; i < 10; i++ {
		l.cycle(ctx, t0.Add(time.Duration(i)*time.Second))
	}
	snap := l.Snapshot(t0)
	assert.Equal(t, uint64(1), snap.Reinits)
	assert.Equal(t, uint64(6), snap.Sent)
	assert.Equal(t, uint64(3), snap.SendFailures)
}

func TestLoop_FailedReinitRetriedWithoutNewEpisode(t *testing.T) {
	// initial open ok, next two reopen attempts fail
	o := &opener{plan: []bool{false, true, true}, failSends: true}
	l := New(testSettings(), nil, o.open)
	t0 := time.Now()
	ctx := context.Background()
	require.NoError(t, l.start(ctx, t0))

	var states []string
	l.Observe(func(s telemetry.Snapshot) { states = append(states, s.State) })

	l.cycle(ctx, t0.Add(3*time.Second)) // stall, reopen fails
	l.cycle(ctx, t0.Add(4*time.Second)) // retry fails
	o.mu.Lock()
	o.failSends = false
	o.mu.Unlock()
	l.cycle(ctx, t0.Add(5*time.Second)) // retry succeeds
	l.cycle(ctx, t0.Add(6*time.Second))

	assert.Equal(t, []string{"REINIT", "REINIT", "RUNNING", "RUNNING"}, states)
	snap := l.Snapshot(t0)
	assert.Equal(t, uint64(1), snap.Reinits)
	assert.Equal(t, 4, o.calls)
	assert.Equal(t, uint64(1), snap.Sent)
}

func TestLoop_PersistentFailureStartsNewEpisodes(t *testing.T) {
	o := &opener{failSends: true}
	l := New(testSettings(), nil, o.open)
	t0 := time.Now()
	ctx := context.Background()
	require.NoError(t, l.start(ctx, t0))

	for i := 1; i <= 6; i++ {
		l.cycle(ctx, t0.Add(time.Duration(i)*time.Second))
	}
	// episodes at 3 s and 6 s (window resets on each reinit)
	assert.Equal(t, uint64(2), l.Snapshot(t0).Reinits)
	assert.Equal(t, StateRunning, l.State())
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	chunks := make(chan gps.Chunk, 1)
	o := &opener{}
	s := testSettings()
	s.Interval = 5 * time.Millisecond
	l := New(s, chunks, o.open)

	var mu sync.Mutex
	var snaps []telemetry.Snapshot
	l.Observe(func(s telemetry.Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(40 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.True(t, o.last().closed, "transport released on shutdown")
	assert.Equal(t, StateStopped, l.State())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(snaps), 2)
	assert.Equal(t, "STOPPED", snaps[len(snaps)-1].State)
	assert.Equal(t, telemetry.NoFix, snaps[0].Payload)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "REINIT", StateReinit.String())
	assert.Equal(t, "State(9)", State(9).String())
}
