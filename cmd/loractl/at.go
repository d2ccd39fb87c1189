package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/gnss_relay/internal/transport"
)

var atCmd = &cobra.Command{
	Use:   "at <command>",
	Short: "Send one AT command",
	Example: `  loractl at -p /dev/serial0 AT+SF=9
  loractl at -p /dev/ttyUSB0 -b 115200 AT`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if portName == "" {
			return fmt.Errorf("--port is required")
		}
		command := strings.Join(args, " ")
		if !strings.HasPrefix(strings.ToUpper(command), "AT") {
			command = "AT+" + command
		}
		reply, err := transport.ATCommand(cmd.Context(), portName, baudRate, command, timeout)
		if reply != "" {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(reply))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(atCmd)
}
