// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "loractl",
	Short: "LoRa link bench tool",
	Long: `loractl - helpers for bringing up the GNSS relay radio link.

  ports    list serial ports
  probe    find AT-command modems and their baud rate
  at       send one AT command and print the reply
  monitor  decode relay telemetry arriving on a receiver UART`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "Baud rate")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 500*time.Millisecond, "AT reply timeout")
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
