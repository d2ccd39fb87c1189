// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration values.
type Config struct {
	// GNSS input
	GNSSSource    string  `yaml:"gnss_source" toml:"gnss_source"` // "serial" or "mock"
	GPSSerialPort string  `yaml:"gps_serial_port" toml:"gps_serial_port"`
	GPSBaudRate   int     `yaml:"gps_baud_rate" toml:"gps_baud_rate"`
	FrameMaxBytes int     `yaml:"frame_max_bytes" toml:"frame_max_bytes"`
	MockLat       float64 `yaml:"mock_lat" toml:"mock_lat"`
	MockLon       float64 `yaml:"mock_lon" toml:"mock_lon"`
	MockSpeedKmh  float64 `yaml:"mock_speed_kmh" toml:"mock_speed_kmh"`

	// Transport selection: "auto", "spi", "at", "raw"
	Transport string `yaml:"transport" toml:"transport"`

	// UART radio (AT-command modem or transparent link)
	LoRaSerialPort string `yaml:"lora_serial_port" toml:"lora_serial_port"`
	LoRaBaudRate   int    `yaml:"lora_baud_rate" toml:"lora_baud_rate"`

	// SPI radio
	LoRaSPIDevice  string `yaml:"lora_spi_device" toml:"lora_spi_device"`
	LoRaSPISpeedHz int64  `yaml:"lora_spi_speed_hz" toml:"lora_spi_speed_hz"`
	LoRaResetPin   string `yaml:"lora_reset_pin" toml:"lora_reset_pin"`
	LoRaBusyPin    string `yaml:"lora_busy_pin" toml:"lora_busy_pin"` // optional
	LoRaIRQPin     string `yaml:"lora_irq_pin" toml:"lora_irq_pin"`

	// Radio parameters
	LoRaFrequencyHz       int64  `yaml:"lora_frequency_hz" toml:"lora_frequency_hz"`
	LoRaSpreadingFactor   int    `yaml:"lora_spreading_factor" toml:"lora_spreading_factor"` // 5-12
	LoRaBandwidthKHz      int    `yaml:"lora_bandwidth_khz" toml:"lora_bandwidth_khz"`
	LoRaCodingRate        int    `yaml:"lora_coding_rate" toml:"lora_coding_rate"` // 5-8 (4/5 .. 4/8)
	LoRaTxPowerDBm        int    `yaml:"lora_tx_power_dbm" toml:"lora_tx_power_dbm"`
	ATResponseTimeoutMS   int    `yaml:"at_response_timeout_ms" toml:"at_response_timeout_ms"`
	SPITxTimeoutMS        int    `yaml:"spi_tx_timeout_ms" toml:"spi_tx_timeout_ms"`
	PayloadMaxBytes       int    `yaml:"payload_max_bytes" toml:"payload_max_bytes"` // 0 = backend limit
	PayloadOversizePolicy string `yaml:"payload_oversize_policy" toml:"payload_oversize_policy"`

	// Relay timing and motion
	SendIntervalMS   int     `yaml:"send_interval_ms" toml:"send_interval_ms"`
	JitterThresholdM float64 `yaml:"jitter_threshold_m" toml:"jitter_threshold_m"`
	StallGraceMS     int     `yaml:"stall_grace_ms" toml:"stall_grace_ms"`
	SpeedSmoothing   float64 `yaml:"speed_smoothing" toml:"speed_smoothing"` // EMA alpha, 1 = off

	// MQTT status fan-out (empty broker disables publishing)
	MQTTBroker           string `yaml:"mqtt_broker" toml:"mqtt_broker"`
	MQTTClientIDRelay    string `yaml:"mqtt_client_id_relay" toml:"mqtt_client_id_relay"`
	MQTTClientIDConsole  string `yaml:"mqtt_client_id_console" toml:"mqtt_client_id_console"`
	MQTTClientIDWeb      string `yaml:"mqtt_client_id_web" toml:"mqtt_client_id_web"`
	MQTTClientIDDisplay  string `yaml:"mqtt_client_id_display" toml:"mqtt_client_id_display"`
	MQTTClientIDReceiver string `yaml:"mqtt_client_id_receiver" toml:"mqtt_client_id_receiver"`

	// Topics
	TopicStatus string `yaml:"topic_status" toml:"topic_status"`
	TopicRX     string `yaml:"topic_rx" toml:"topic_rx"`

	// Status LED (BCM number, 0 = disabled)
	StatusLEDPin int `yaml:"status_led_pin" toml:"status_led_pin"`

	// Web Server
	WebServerPort int `yaml:"web_server_port" toml:"web_server_port"`

	// Display
	DisplayUpdateInterval int `yaml:"display_update_interval" toml:"display_update_interval"` // milliseconds

	// Receiver
	ReceiverSerialPort string `yaml:"receiver_serial_port" toml:"receiver_serial_port"`
	ReceiverBaudRate   int    `yaml:"receiver_baud_rate" toml:"receiver_baud_rate"`
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through InitGlobal/Get.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		GNSSSource:    "serial",
		GPSSerialPort: "/dev/ttyAMA0",
		GPSBaudRate:   9600,
		FrameMaxBytes: 512,
		MockLat:       48.1173,
		MockLon:       11.5167,

		Transport: "auto",

		LoRaSerialPort: "/dev/serial0",
		LoRaBaudRate:   9600,

		LoRaSPIDevice:  "/dev/spidev0.0",
		LoRaSPISpeedHz: 1_000_000,
		LoRaResetPin:   "GPIO25",
		LoRaIRQPin:     "GPIO24",

		LoRaFrequencyHz:       868_000_000,
		LoRaSpreadingFactor:   9,
		LoRaBandwidthKHz:      125,
		LoRaCodingRate:        5,
		LoRaTxPowerDBm:        22,
		ATResponseTimeoutMS:   500,
		SPITxTimeoutMS:        500,
		PayloadOversizePolicy: "truncate",

		SendIntervalMS:   1000,
		JitterThresholdM: 1.0,
		StallGraceMS:     1200,
		SpeedSmoothing:   1.0,

		MQTTClientIDRelay:    "gnss-relay",
		MQTTClientIDConsole:  "gnss-relay-console",
		MQTTClientIDWeb:      "gnss-relay-web",
		MQTTClientIDDisplay:  "gnss-relay-display",
		MQTTClientIDReceiver: "gnss-relay-receiver",

		TopicStatus: "gnss_relay/status",
		TopicRX:     "gnss_relay/rx",

		WebServerPort:         8080,
		DisplayUpdateInterval: 500,

		ReceiverSerialPort: "/dev/ttyUSB0",
		ReceiverBaudRate:   9600,
	}
}

// Load reads the configuration file and returns a Config struct.
// The format is picked from the extension: .yaml/.yml, .toml, or the
// KEY=VALUE text format for anything else. Keys missing from the file keep
// their defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		if err := cfg.parseKeyValue(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseKeyValue(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := c.setValue(key, value); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// GNSS input
	case "GNSS_SOURCE":
		c.GNSSSource = strings.ToLower(value)
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		c.GPSBaudRate, err = parseInt(key, value)
	case "FRAME_MAX_BYTES":
		c.FrameMaxBytes, err = parseInt(key, value)
	case "MOCK_LAT":
		c.MockLat, err = parseFloat(key, value)
	case "MOCK_LON":
		c.MockLon, err = parseFloat(key, value)
	case "MOCK_SPEED_KMH":
		c.MockSpeedKmh, err = parseFloat(key, value)

	// Transport
	case "TRANSPORT":
		c.Transport = strings.ToLower(value)
	case "LORA_SERIAL_PORT":
		c.LoRaSerialPort = value
	case "LORA_BAUD_RATE":
		c.LoRaBaudRate, err = parseInt(key, value)
	case "LORA_SPI_DEVICE":
		c.LoRaSPIDevice = value
	case "LORA_SPI_SPEED_HZ":
		c.LoRaSPISpeedHz, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			err = fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	case "LORA_RESET_PIN":
		c.LoRaResetPin = value
	case "LORA_BUSY_PIN":
		c.LoRaBusyPin = value
	case "LORA_IRQ_PIN":
		c.LoRaIRQPin = value

	// Radio parameters
	case "LORA_FREQUENCY_HZ":
		c.LoRaFrequencyHz, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			err = fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	case "LORA_SPREADING_FACTOR":
		c.LoRaSpreadingFactor, err = parseInt(key, value)
	case "LORA_BANDWIDTH_KHZ":
		c.LoRaBandwidthKHz, err = parseInt(key, value)
	case "LORA_CODING_RATE":
		c.LoRaCodingRate, err = parseInt(key, value)
	case "LORA_TX_POWER_DBM":
		c.LoRaTxPowerDBm, err = parseInt(key, value)
	case "AT_RESPONSE_TIMEOUT_MS":
		c.ATResponseTimeoutMS, err = parseInt(key, value)
	case "SPI_TX_TIMEOUT_MS":
		c.SPITxTimeoutMS, err = parseInt(key, value)
	case "PAYLOAD_MAX_BYTES":
		c.PayloadMaxBytes, err = parseInt(key, value)
	case "PAYLOAD_OVERSIZE_POLICY":
		c.PayloadOversizePolicy = strings.ToLower(value)

	// Relay timing and motion
	case "SEND_INTERVAL_MS":
		c.SendIntervalMS, err = parseInt(key, value)
	case "JITTER_THRESHOLD_M":
		c.JitterThresholdM, err = parseFloat(key, value)
	case "STALL_GRACE_MS":
		c.StallGraceMS, err = parseInt(key, value)
	case "SPEED_SMOOTHING":
		c.SpeedSmoothing, err = parseFloat(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_RELAY":
		c.MQTTClientIDRelay = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "MQTT_CLIENT_ID_RECEIVER":
		c.MQTTClientIDReceiver = value

	// Topics
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_RX":
		c.TopicRX = value

	// Status LED
	case "STATUS_LED_PIN":
		c.StatusLEDPin, err = parseInt(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)

	// Display
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseInt(key, value)

	// Receiver
	case "RECEIVER_SERIAL_PORT":
		c.ReceiverSerialPort = value
	case "RECEIVER_BAUD_RATE":
		c.ReceiverBaudRate, err = parseInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// validate checks that all required fields are set and in range.
func (c *Config) validate() error {
	switch c.GNSSSource {
	case "serial":
		if c.GPSSerialPort == "" {
			return fmt.Errorf("GPS_SERIAL_PORT is required")
		}
		if c.GPSBaudRate <= 0 {
			return fmt.Errorf("GPS_BAUD_RATE must be > 0, got %d", c.GPSBaudRate)
		}
	case "mock":
	default:
		return fmt.Errorf("GNSS_SOURCE must be serial or mock, got %q", c.GNSSSource)
	}
	// A single NMEA sentence may be up to 82 characters.
	if c.FrameMaxBytes < 82 {
		return fmt.Errorf("FRAME_MAX_BYTES must be >= 82, got %d", c.FrameMaxBytes)
	}

	switch c.Transport {
	case "auto", "spi", "at", "raw":
	default:
		return fmt.Errorf("TRANSPORT must be auto, spi, at or raw, got %q", c.Transport)
	}
	if (c.Transport == "at" || c.Transport == "raw") && c.LoRaSerialPort == "" {
		return fmt.Errorf("LORA_SERIAL_PORT is required for TRANSPORT=%s", c.Transport)
	}
	if c.Transport == "spi" && c.LoRaSPIDevice == "" {
		return fmt.Errorf("LORA_SPI_DEVICE is required for TRANSPORT=spi")
	}
	if c.LoRaSpreadingFactor < 5 || c.LoRaSpreadingFactor > 12 {
		return fmt.Errorf("LORA_SPREADING_FACTOR must be 5-12, got %d", c.LoRaSpreadingFactor)
	}
	if c.LoRaCodingRate < 5 || c.LoRaCodingRate > 8 {
		return fmt.Errorf("LORA_CODING_RATE must be 5-8 (4/5..4/8), got %d", c.LoRaCodingRate)
	}
	if c.LoRaFrequencyHz <= 0 {
		return fmt.Errorf("LORA_FREQUENCY_HZ must be > 0, got %d", c.LoRaFrequencyHz)
	}
	if c.ATResponseTimeoutMS <= 0 || c.SPITxTimeoutMS <= 0 {
		return fmt.Errorf("AT_RESPONSE_TIMEOUT_MS and SPI_TX_TIMEOUT_MS must be > 0")
	}
	if c.PayloadMaxBytes < 0 {
		return fmt.Errorf("PAYLOAD_MAX_BYTES must be >= 0, got %d", c.PayloadMaxBytes)
	}
	switch c.PayloadOversizePolicy {
	case "truncate", "drop", "split":
	default:
		return fmt.Errorf("PAYLOAD_OVERSIZE_POLICY must be truncate, drop or split, got %q", c.PayloadOversizePolicy)
	}

	if c.SendIntervalMS <= 0 {
		return fmt.Errorf("SEND_INTERVAL_MS must be > 0, got %d", c.SendIntervalMS)
	}
	if c.JitterThresholdM < 0 {
		return fmt.Errorf("JITTER_THRESHOLD_M must be >= 0, got %g", c.JitterThresholdM)
	}
	if c.StallGraceMS < 0 {
		return fmt.Errorf("STALL_GRACE_MS must be >= 0, got %d", c.StallGraceMS)
	}
	if c.SpeedSmoothing <= 0 || c.SpeedSmoothing > 1 {
		return fmt.Errorf("SPEED_SMOOTHING must be in (0, 1], got %g", c.SpeedSmoothing)
	}
	if c.StatusLEDPin < 0 {
		return fmt.Errorf("STATUS_LED_PIN must be >= 0, got %d", c.StatusLEDPin)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
