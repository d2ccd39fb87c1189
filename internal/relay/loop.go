// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/gnss_relay/internal/config"
	"github.com/relabs-tech/gnss_relay/internal/gps"
	"github.com/relabs-tech/gnss_relay/internal/motion"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
	"github.com/relabs-tech/gnss_relay/internal/transport"
)

// State of the relay loop.
type State int

const (
	StateInit State = iota
	StateRunning
	StateReinit
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateReinit:
		return "REINIT"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Settings tunes the loop.
type Settings struct {
	Interval   time.Duration // send cadence
	StallGrace time.Duration // watchdog fires after Interval+StallGrace without a successful send
	JitterM    float64
	Smoothing  float64
	FrameMax   int
}

// SettingsFromConfig maps the relay configuration onto loop settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Interval:   time.Duration(cfg.SendIntervalMS) * time.Millisecond,
		StallGrace: time.Duration(cfg.StallGraceMS) * time.Millisecond,
		JitterM:    cfg.JitterThresholdM,
		Smoothing:  cfg.SpeedSmoothing,
		FrameMax:   cfg.FrameMaxBytes,
	}
}

// OpenFunc acquires a fresh transport using the startup selection policy.
type OpenFunc func(ctx context.Context) (transport.Transport, error)

type counters struct {
	cycles         uint64
	sent           uint64
	sendFailures   uint64
	parseErrors    uint64
	frameOverflows uint64
	reinits        uint64
	sentences      uint64
}

// Loop drives framing, parsing, motion estimation and sending at a fixed
// cadence. It is the only owner of the estimator and the transport; observers
// get value snapshots.
type Loop struct {
	settings Settings
	chunks   <-chan gps.Chunk // nil once the GNSS feed has closed
	open     OpenFunc

	framer *gps.Framer
	est    *motion.Estimator
	tr     transport.Transport

	state       State
	lastSuccess time.Time
	lastPayload string
	lastErr     string
	n           counters

	observers []func(telemetry.Snapshot)
}

// New creates a loop reading GNSS chunks from chunks. open is called once at
// start and again on every reinitialization.
func New(settings Settings, chunks <-chan gps.Chunk, open OpenFunc) *Loop {
	if settings.Interval <= 0 {
		settings.Interval = time.Second
	}
	return &Loop{
		settings: settings,
		chunks:   chunks,
		open:     open,
		framer:   gps.NewFramer(settings.FrameMax),
		est:      motion.New(settings.JitterM, settings.Smoothing),
		state:    StateInit,
	}
}

// Observe registers fn to receive a snapshot after every cycle. fn runs on
// the loop goroutine and must not block.
func (l *Loop) Observe(fn func(telemetry.Snapshot)) {
	l.observers = append(l.observers, fn)
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state
}

// StallThreshold is the time without a successful send that triggers REINIT.
func (l *Loop) StallThreshold() time.Duration {
	return l.settings.Interval + l.settings.StallGrace
}

// Run acquires the transport and cycles until ctx is cancelled. A transport
// that cannot be acquired at startup is fatal and the error matches
// transport.ErrUnavailable. Cancellation returns nil after the transport is
// released.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.start(ctx, time.Now()); err != nil {
		return err
	}
	defer l.stop()

	ticker := time.NewTicker(l.settings.Interval)
	defer ticker.Stop()

	l.cycle(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.cycle(ctx, now)
		}
	}
}

// start is the INIT state.
func (l *Loop) start(ctx context.Context, now time.Time) error {
	tr, err := l.open(ctx)
	if err != nil {
		l.state = StateStopped
		if !errors.Is(err, transport.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
		}
		return fmt.Errorf("relay: startup: %w", err)
	}
	l.tr = tr
	l.state = StateRunning
	l.lastSuccess = now
	log.Printf("relay: running backend=%s interval=%s stall_threshold=%s", tr.Name(), l.settings.Interval, l.StallThreshold())
	return nil
}

// stop releases the transport and enters STOPPED.
func (l *Loop) stop() {
	if l.tr != nil {
		if err := l.tr.Close(); err != nil {
			log.Printf("relay: close transport: %v", err)
		}
		l.tr = nil
	}
	l.state = StateStopped
	log.Printf("relay: stopped cycles=%d sent=%d failures=%d reinits=%d", l.n.cycles, l.n.sent, l.n.sendFailures, l.n.reinits)
	l.emit(time.Now())
}

// cycle runs one cadence tick.
func (l *Loop) cycle(ctx context.Context, now time.Time) {
	l.n.cycles++
	l.drain()

	payload := telemetry.FormatState(l.est.State(), now)
	l.lastPayload = payload
	l.send(ctx, payload, now)

	l.watchdog(ctx, now)
	l.emit(now)
}

// drain feeds every chunk received since the last cycle through the framer,
// parser and estimator. Errors stay local to the sentence that caused them.
func (l *Loop) drain() {
	for {
		select {
		case c, ok := <-l.chunks:
			if !ok {
				l.chunks = nil
				log.Printf("relay: gnss feed closed, position is no longer updated")
				return
			}
			l.feed(c)
		default:
			return
		}
	}
}

func (l *Loop) feed(c gps.Chunk) {
	if _, err := l.framer.Write(c.Data); err != nil {
		l.n.frameOverflows++
		log.Printf("relay: %v (resynchronizing)", err)
	}
	for {
		line, ok := l.framer.Next()
		if !ok {
			return
		}
		l.n.sentences++
		fix, err := gps.ParseFix(line)
		if err != nil {
			l.n.parseErrors++
			log.Printf("relay: %v", err)
			continue
		}
		l.est.Update(fix, c.At)
	}
}

func (l *Loop) send(ctx context.Context, payload string, now time.Time) {
	if l.tr == nil {
		l.lastErr = "no transport"
		return
	}
	if err := l.tr.Send(ctx, payload); err != nil {
		l.n.sendFailures++
		l.lastErr = err.Error()
		log.Printf("relay: send via %s failed: %v payload=%q", l.tr.Name(), err, payload)
		return
	}
	l.n.sent++
	l.lastSuccess = now
	l.lastErr = ""
}

// watchdog enters REINIT once per stall episode. A failed reopen stays in
// REINIT and is retried next cycle without starting a new episode.
func (l *Loop) watchdog(ctx context.Context, now time.Time) {
	if l.state == StateRunning {
		stalled := now.Sub(l.lastSuccess)
		if stalled <= l.StallThreshold() {
			return
		}
		l.state = StateReinit
		l.n.reinits++
		log.Printf("relay: no successful send for %s (threshold %s), reinitializing transport", stalled.Round(time.Millisecond), l.StallThreshold())
	}
	if l.state != StateReinit {
		return
	}

	if l.tr != nil {
		if err := l.tr.Close(); err != nil {
			log.Printf("relay: close %s: %v", l.tr.Name(), err)
		}
		l.tr = nil
	}
	tr, err := l.open(ctx)
	if err != nil {
		l.lastErr = err.Error()
		log.Printf("relay: reinitialization failed, retrying next cycle: %v", err)
		return
	}
	l.tr = tr
	l.state = StateRunning
	l.lastSuccess = now
	log.Printf("relay: transport reinitialized backend=%s", tr.Name())
}

// Snapshot returns a copy of the current status.
func (l *Loop) Snapshot(now time.Time) telemetry.Snapshot {
	st := l.est.State()
	s := telemetry.Snapshot{
		At:             now,
		State:          l.state.String(),
		Payload:        l.lastPayload,
		HasFix:         st.HasFix,
		Latitude:       st.Fix.Latitude,
		Longitude:      st.Fix.Longitude,
		SpeedKmh:       st.SpeedKmh,
		Cycles:         l.n.cycles,
		Sent:           l.n.sent,
		SendFailures:   l.n.sendFailures,
		ParseErrors:    l.n.parseErrors,
		FrameOverflows: l.n.frameOverflows,
		Reinits:        l.n.reinits,
		Sentences:      l.n.sentences,
		LastSuccess:    l.lastSuccess,
		LastError:      l.lastErr,
		GNSSAlive:      l.chunks != nil,
	}
	if l.tr != nil {
		s.Backend = l.tr.Name()
	}
	return s
}

func (l *Loop) emit(now time.Time) {
	if len(l.observers) == 0 {
		return
	}
	s := l.Snapshot(now)
	for _, fn := range l.observers {
		fn(s)
	}
}
