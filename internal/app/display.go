package app

import (
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/gnss_relay/internal/config"
	"github.com/relabs-tech/gnss_relay/internal/telemetry"
)

const (
	oledW = 128
	oledH = 64
)

// DisplayData holds the latest relay status for the OLED.
type DisplayData struct {
	mu     sync.RWMutex
	status telemetry.Snapshot
	have   bool
}

func RunDisplay() error {
	cfg := config.Get()

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Println("display: initialized")

	if err := drawLines(dev, []string{"GNSS relay", "Looking for", "sats"}); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	data := &DisplayData{}

	// Connect to MQTT
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay)
	if err != nil {
		return err
	}
	log.Printf("display: connected to MQTT broker at %s", cfg.MQTTBroker)

	token := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s, err := telemetry.DecodeJSON(msg.Payload())
		if err != nil {
			log.Printf("display: status unmarshal error: %v", err)
			return
		}
		data.mu.Lock()
		data.status = s
		data.have = true
		data.mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("display: subscribed to %s", cfg.TopicStatus)

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("display: starting update loop")

	for range ticker.C {
		data.mu.RLock()
		s, have := data.status, data.have
		data.mu.RUnlock()

		if err := drawLines(dev, statusLines(s, have)); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}

	return nil
}

// statusLines lays out up to four 7x13 text rows.
func statusLines(s telemetry.Snapshot, have bool) []string {
	if !have {
		return []string{"", "Relay status", "Waiting..."}
	}
	lines := []string{fmt.Sprintf("%s %s", s.State, s.Backend)}
	if !s.HasFix {
		lines = append(lines, telemetry.NoFix, "")
	} else {
		latDir := "N"
		lat := s.Latitude
		if lat < 0 {
			latDir = "S"
			lat = -lat
		}
		lonDir := "E"
		lon := s.Longitude
		if lon < 0 {
			lonDir = "W"
			lon = -lon
		}
		lines = append(lines,
			fmt.Sprintf("%.5f%s", lat, latDir),
			fmt.Sprintf("%.5f%s", lon, lonDir))
	}
	lines = append(lines, fmt.Sprintf("%.1fkm/h tx%d", s.SpeedKmh, s.Sent))
	return lines
}

func renderLines(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, oledW, oledH))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, l := range lines {
		if i >= 4 {
			break
		}
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(l)
	}
	return img
}

func drawLines(dev *ssd1306.Dev, lines []string) error {
	return dev.Draw(dev.Bounds(), renderLines(lines), image.Point{})
}
