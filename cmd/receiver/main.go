package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/gnss_relay/internal/app"
	"github.com/relabs-tech/gnss_relay/internal/config"
)

func main() {
	configPath := flag.String("config", "gnss_relay.txt", "configuration file (KEY=VALUE, .yaml or .toml)")
	flag.Parse()

	log.Println("starting gnss-relay receiver (LoRa UART → telemetry)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunReceiver(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
