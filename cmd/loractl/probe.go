package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/gnss_relay/internal/transport"
)

var probeBauds []int

var probeCmd = &cobra.Command{
	Use:   "probe [port...]",
	Short: "Look for AT-command modems",
	Long: `Sends "AT" to each port at every candidate baud rate until one replies OK.
Without arguments every port from "loractl ports" is probed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports := args
		if len(ports) == 0 && portName != "" {
			ports = []string{portName}
		}
		if len(ports) == 0 {
			found, err := transport.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range found {
				ports = append(ports, p.Name)
			}
		}
		if len(ports) == 0 {
			return fmt.Errorf("no serial ports to probe")
		}

		results := transport.Probe(cmd.Context(), ports, probeBauds, timeout)
		if printProbe(cmd.OutOrStdout(), results) == 0 {
			return fmt.Errorf("no modem answered")
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().IntSliceVar(&probeBauds, "bauds", transport.ProbeBauds, "Baud rates to try, in order")
	rootCmd.AddCommand(probeCmd)
}

// printProbe reports each result and returns how many ports answered.
func printProbe(w io.Writer, results []transport.ProbeResult) int {
	found := 0
	for _, r := range results {
		if r.Baud != 0 {
			found++
			fmt.Fprintf(w, "%-20s %6d baud  %s\n", r.Port, r.Baud, strings.TrimSpace(r.Reply))
			continue
		}
		fmt.Fprintf(w, "%-20s no reply (%v)\n", r.Port, r.Err)
	}
	return found
}
