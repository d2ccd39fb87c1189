package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/gnss_relay/internal/config"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
)

func RunConsoleMQTT() error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Subscribe to relay status
	statusToken := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s, err := telemetry.DecodeJSON(msg.Payload())
		if err != nil {
			log.Printf("console: status unmarshal error: %v", err)
			return
		}
		printStatus(os.Stdout, s)
	})
	statusToken.Wait()
	if statusToken.Error() != nil {
		return statusToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicStatus)

	// Subscribe to receiver output
	rxToken := client.Subscribe(cfg.TopicRX, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r Reception
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("console: rx unmarshal error: %v", err)
			return
		}
		fmt.Printf("[RX  ] %s lat=%.7f lon=%.7f speed=%.2fkm/h rssi=%d snr=%d\n",
			r.TimestampUTC, r.Latitude, r.Longitude, r.SpeedKmh, r.RSSI, r.SNR)
	})
	rxToken.Wait()
	if rxToken.Error() != nil {
		return rxToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicRX)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

func printStatus(w io.Writer, s telemetry.Snapshot) {
	fmt.Fprintf(w, "[RELAY] %-7s via=%-4s sent=%d fail=%d reinit=%d parse_err=%d overflow=%d\n",
		s.State, s.Backend, s.Sent, s.SendFailures, s.Reinits, s.ParseErrors, s.FrameOverflows)
	fmt.Fprintf(w, "[TX   ] %s\n", s.Payload)
	if !s.GNSSAlive {
		fmt.Fprintf(w, "[WARN ] gnss feed down, position is stale\n")
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "[ERR  ] %s\n", s.LastError)
	}
}
