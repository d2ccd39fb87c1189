package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/gnss_relay/internal/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		printPorts(cmd.OutOrStdout(), ports)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func printPorts(w io.Writer, ports []transport.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(w, "%-20s usb %s:%s serial=%s %s\n", p.Name, p.VID, p.PID, p.Serial, p.Product)
		} else {
			fmt.Fprintf(w, "%s\n", p.Name)
		}
	}
}
