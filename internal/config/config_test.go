// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_KeyValueDefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "relay.cfg", "# bench setup\n\nTRANSPORT=at\nLORA_SERIAL_PORT=/dev/ttyS1\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "at", cfg.Transport)
	assert.Equal(t, "/dev/ttyS1", cfg.LoRaSerialPort)
	assert.Equal(t, 512, cfg.FrameMaxBytes)
	assert.Equal(t, 1000, cfg.SendIntervalMS)
	assert.Equal(t, 1200, cfg.StallGraceMS)
	assert.Equal(t, 1.0, cfg.JitterThresholdM)
	assert.Equal(t, "truncate", cfg.PayloadOversizePolicy)
	assert.Equal(t, int64(868_000_000), cfg.LoRaFrequencyHz)
}

func TestLoad_KeyValueAllTypes(t *testing.T) {
	path := writeTempConfig(t, "relay.cfg", `GNSS_SOURCE=MOCK
MOCK_SPEED_KMH=12.5
LORA_FREQUENCY_HZ=915000000
LORA_SPREADING_FACTOR=7
JITTER_THRESHOLD_M=2.5
SPEED_SMOOTHING=0.4
MQTT_BROKER=tcp://localhost:1883
STATUS_LED_PIN=17
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.GNSSSource)
	assert.InDelta(t, 12.5, cfg.MockSpeedKmh, 1e-9)
	assert.Equal(t, int64(915_000_000), cfg.LoRaFrequencyHz)
	assert.Equal(t, 7, cfg.LoRaSpreadingFactor)
	assert.InDelta(t, 2.5, cfg.JitterThresholdM, 1e-9)
	assert.InDelta(t, 0.4, cfg.SpeedSmoothing, 1e-9)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBroker)
	assert.Equal(t, 17, cfg.StatusLEDPin)
}

func TestLoad_KeyValueErrors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     string
	}{
		{"unknown key", "NOPE=1\n", `config line 1: unknown config key: "NOPE"`},
		{"missing equals", "TRANSPORT\n", `invalid config line 1: "TRANSPORT"`},
		{"bad int", "\nSEND_INTERVAL_MS=fast\n", "config line 2: invalid SEND_INTERVAL_MS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, "relay.cfg", tc.contents))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeTempConfig(t, "relay.yaml", `
transport: spi
lora_spi_device: /dev/spidev0.1
send_interval_ms: 2000
jitter_threshold_m: 0.5
payload_oversize_policy: split
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "spi", cfg.Transport)
	assert.Equal(t, "/dev/spidev0.1", cfg.LoRaSPIDevice)
	assert.Equal(t, 2000, cfg.SendIntervalMS)
	assert.InDelta(t, 0.5, cfg.JitterThresholdM, 1e-9)
	assert.Equal(t, "split", cfg.PayloadOversizePolicy)
	// untouched keys keep defaults
	assert.Equal(t, "/dev/ttyAMA0", cfg.GPSSerialPort)
}

func TestLoad_TOML(t *testing.T) {
	path := writeTempConfig(t, "relay.toml", `
transport = "raw"
lora_serial_port = "/dev/ttyUSB1"
lora_baud_rate = 115200
stall_grace_ms = 3000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "raw", cfg.Transport)
	assert.Equal(t, "/dev/ttyUSB1", cfg.LoRaSerialPort)
	assert.Equal(t, 115200, cfg.LoRaBaudRate)
	assert.Equal(t, 3000, cfg.StallGraceMS)
	assert.Equal(t, 1000, cfg.SendIntervalMS)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{"interval", "SEND_INTERVAL_MS=0", "SEND_INTERVAL_MS must be > 0"},
		{"jitter", "JITTER_THRESHOLD_M=-1", "JITTER_THRESHOLD_M must be >= 0"},
		{"grace", "STALL_GRACE_MS=-5", "STALL_GRACE_MS must be >= 0"},
		{"frame", "FRAME_MAX_BYTES=40", "FRAME_MAX_BYTES must be >= 82"},
		{"transport", "TRANSPORT=carrier-pigeon", "TRANSPORT must be auto, spi, at or raw"},
		{"policy", "PAYLOAD_OVERSIZE_POLICY=compress", "PAYLOAD_OVERSIZE_POLICY must be"},
		{"source", "GNSS_SOURCE=usb", "GNSS_SOURCE must be serial or mock"},
		{"sf", "LORA_SPREADING_FACTOR=13", "LORA_SPREADING_FACTOR must be 5-12"},
		{"cr", "LORA_CODING_RATE=4", "LORA_CODING_RATE must be 5-8"},
		{"smoothing", "SPEED_SMOOTHING=0", "SPEED_SMOOTHING must be in (0, 1]"},
		{"raw port", "TRANSPORT=raw\nLORA_SERIAL_PORT=", "LORA_SERIAL_PORT is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, "relay.cfg", tc.extra+"\n"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cfg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
