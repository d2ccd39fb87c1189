package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/gnss_relay/internal/config"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
	"github.com/relabs-tech/gnss_relay/internal/transport"
)

// Reception is one decoded payload as published on the RX topic.
type Reception struct {
	telemetry.Message
	Address int    `json:"address,omitempty"`
	RSSI    int    `json:"rssi,omitempty"`
	SNR     int    `json:"snr,omitempty"`
	Raw     string `json:"raw"`
}

// RunReceiver reads the receiving radio's UART and decodes relay payloads.
func RunReceiver() error {
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port, err := transport.OpenSerialPort(cfg.ReceiverSerialPort, cfg.ReceiverBaudRate)
	if err != nil {
		return err
	}
	log.Printf("receiver: listening on %s at %d baud", cfg.ReceiverSerialPort, cfg.ReceiverBaudRate)

	var client mqtt.Client
	if cfg.MQTTBroker != "" {
		client, err = connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDReceiver)
		if err != nil {
			log.Printf("receiver: mqtt unavailable, not publishing: %v", err)
			client = nil
		} else {
			defer client.Disconnect(250)
			log.Printf("receiver: publishing to %s", cfg.TopicRX)
		}
	}

	publish := func(r Reception) {
		if client == nil {
			return
		}
		b, err := json.Marshal(r)
		if err != nil {
			log.Printf("receiver: marshal error: %v", err)
			return
		}
		token := client.Publish(cfg.TopicRX, 0, false, b)
		token.Wait()
		if token.Error() != nil {
			log.Printf("receiver: publish error: %v", token.Error())
		}
	}

	return receiveLines(ctx, port, publish)
}

// receiveLines decodes each line of r until ctx is done or r fails.
func receiveLines(ctx context.Context, r io.ReadCloser, onRecv func(Reception)) error {
	stopClose := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stopClose()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := DecodeReception(line)
		if err != nil {
			if errors.Is(err, telemetry.ErrNoTelemetry) {
				log.Printf("receiver: %s", line)
			} else {
				log.Printf("receiver: %v", err)
			}
			continue
		}
		log.Printf("receiver: %s lat=%.7f lon=%.7f speed=%.2fkm/h rssi=%d snr=%d",
			rec.TimestampUTC, rec.Latitude, rec.Longitude, rec.SpeedKmh, rec.RSSI, rec.SNR)
		onRecv(rec)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("receiver: read: %w", err)
	}
	return nil
}

// DecodeReception strips an optional +RCV=<addr>,<len>,<data>,<rssi>,<snr>
// modem wrapper and decodes the payload inside.
func DecodeReception(line string) (Reception, error) {
	rec := Reception{Raw: line}
	data := line
	if rest, ok := strings.CutPrefix(line, "+RCV="); ok {
		parts := strings.Split(rest, ",")
		if len(parts) < 5 {
			return Reception{}, fmt.Errorf("receiver: malformed %q", line)
		}
		// the data field may itself hold commas; rssi and snr are the last two
		n := len(parts)
		fields := []struct {
			name string
			raw  string
			dst  *int
		}{
			{"address", parts[0], &rec.Address},
			{"rssi", parts[n-2], &rec.RSSI},
			{"snr", parts[n-1], &rec.SNR},
		}
		for _, f := range fields {
			v, err := strconv.Atoi(strings.TrimSpace(f.raw))
			if err != nil {
				return Reception{}, fmt.Errorf("receiver: malformed %q: %s: %w", line, f.name, err)
			}
			*f.dst = v
		}
		data = strings.Join(parts[2:n-2], ",")
	}
	msg, err := telemetry.Parse(data)
	if err != nil {
		return Reception{}, err
	}
	rec.Message = msg
	return rec, nil
}
