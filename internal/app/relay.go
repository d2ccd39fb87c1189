package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/gnss_relay/internal/config"
	"github.com/relabs-tech/gnss_relay/internal/gps"
	"github.com/relabs-tech/gnss_relay/internal/indicator"
	"github.com/relabs-tech/gnss_relay/internal/relay"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
	"github.com/relabs-tech/gnss_relay/internal/transport"
)

const statusQueueSize = 16

// RunRelay reads the GNSS receiver, relays telemetry over the configured
// LoRa transport and fans out status snapshots to MQTT and the status LED.
func RunRelay() error {
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- 1) GNSS byte source ----
	src, err := openGNSS(cfg)
	if err != nil {
		return err
	}
	reader := gps.StartReader(ctx, src, gps.DefaultQueueSize)

	// ---- 2) Relay loop ----
	opts := transport.OptionsFromConfig(cfg)
	loop := relay.New(relay.SettingsFromConfig(cfg), reader.Chunks(), func(ctx context.Context) (transport.Transport, error) {
		return transport.Open(ctx, opts)
	})

	// ---- 3) Status fan-out ----
	var observers []func(telemetry.Snapshot)

	if cfg.MQTTBroker != "" {
		client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDRelay)
		if err != nil {
			// status is best effort; the radio link does not depend on it
			log.Printf("relay: mqtt unavailable, status not published: %v", err)
		} else {
			defer client.Disconnect(250)
			pub := newStatusPublisher(statusQueueSize, func(b []byte) error {
				token := client.Publish(cfg.TopicStatus, 0, true, b)
				token.Wait()
				return token.Error()
			})
			go pub.run(ctx)
			observers = append(observers, pub.offer)
			log.Printf("relay: publishing status to %s on %s", cfg.TopicStatus, cfg.MQTTBroker)
		}
	}

	led, err := indicator.Open(cfg.StatusLEDPin)
	if err != nil {
		log.Printf("relay: status led disabled: %v", err)
	} else {
		blinker := indicator.NewBlinker(led, indicator.DefaultPulse)
		go blinker.Run(ctx)
		observers = append(observers, sentBlinker(blinker.Pulse))
	}

	loop.Observe(func(s telemetry.Snapshot) {
		for _, fn := range observers {
			fn(s)
		}
	})

	log.Printf("relay: source=%s transport=%s interval=%dms", cfg.GNSSSource, cfg.Transport, cfg.SendIntervalMS)

	runErr := loop.Run(ctx)
	stop()

	if err := reader.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("relay: gnss reader: %v", err)
	}
	log.Printf("relay: stopped, %d gnss chunks dropped", reader.Dropped())
	return runErr
}

func openGNSS(cfg *config.Config) (io.ReadCloser, error) {
	switch cfg.GNSSSource {
	case "mock":
		log.Printf("relay: using mock gnss at %.5f,%.5f %.1fkm/h", cfg.MockLat, cfg.MockLon, cfg.MockSpeedKmh)
		return gps.NewMockSource(cfg.MockLat, cfg.MockLon, cfg.MockSpeedKmh, time.Second), nil
	default:
		port, err := gps.OpenSerial(cfg.GPSSerialPort, cfg.GPSBaudRate)
		if err != nil {
			return nil, err
		}
		log.Printf("relay: gnss serial port opened on %s at %d baud", cfg.GPSSerialPort, cfg.GPSBaudRate)
		return port, nil
	}
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}

// sentBlinker calls pulse whenever the sent counter moves.
func sentBlinker(pulse func()) func(telemetry.Snapshot) {
	var last uint64
	return func(s telemetry.Snapshot) {
		if s.Sent > last {
			pulse()
		}
		last = s.Sent
	}
}

// statusPublisher decouples the relay loop from the broker. offer never
// blocks; when the queue is full the oldest snapshot is dropped.
type statusPublisher struct {
	queue   chan telemetry.Snapshot
	publish func([]byte) error
}

func newStatusPublisher(size int, publish func([]byte) error) *statusPublisher {
	return &statusPublisher{queue: make(chan telemetry.Snapshot, size), publish: publish}
}

func (p *statusPublisher) offer(s telemetry.Snapshot) {
	for {
		select {
		case p.queue <- s:
			return
		default:
		}
		select {
		case <-p.queue:
		default:
		}
	}
}

func (p *statusPublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.queue:
			b, err := telemetry.EncodeJSON(s)
			if err != nil {
				log.Printf("relay: status marshal error: %v", err)
				continue
			}
			if err := p.publish(b); err != nil {
				log.Printf("relay: status publish error: %v", err)
			}
		}
	}
}
