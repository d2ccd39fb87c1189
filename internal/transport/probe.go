package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ProbeBauds is the order in which baud rates are tried when looking for a
// modem.
var ProbeBauds = []int{9600, 115200, 57600, 38400, 19200}

// PortInfo describes one serial port found on the system.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListPorts enumerates serial ports, with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:    d.Name,
				IsUSB:   d.IsUSB,
				VID:     d.VID,
				PID:     d.PID,
				Serial:  d.SerialNumber,
				Product: d.Product,
			})
		}
		return out, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}

// ATCommand opens portName at baud, sends one command and closes the port.
func ATCommand(ctx context.Context, portName string, baud int, cmd string, timeout time.Duration) (string, error) {
	port, err := OpenSerialPort(portName, baud)
	if err != nil {
		return "", err
	}
	defer port.Close()

	m, err := newATModem(port, Options{ATTimeout: timeout})
	if err != nil {
		return "", err
	}
	return m.Command(ctx, cmd)
}

// ProbeResult is the outcome of probing one port.
type ProbeResult struct {
	Port  string
	Baud  int // 0 when nothing answered
	Reply string
	Err   error
}

// Probe looks for an AT modem on each port, trying every baud rate until one
// answers "AT" with OK.
func Probe(ctx context.Context, ports []string, bauds []int, timeout time.Duration) []ProbeResult {
	return probeWith(ctx, ports, bauds, func(ctx context.Context, port string, baud int) (string, error) {
		return ATCommand(ctx, port, baud, "AT", timeout)
	})
}

type atFunc func(ctx context.Context, port string, baud int) (string, error)

func probeWith(ctx context.Context, ports []string, bauds []int, at atFunc) []ProbeResult {
	results := make([]ProbeResult, 0, len(ports))
	for _, p := range ports {
		res := ProbeResult{Port: p}
		for _, b := range bauds {
			if ctx.Err() != nil {
				res.Err = ctx.Err()
				break
			}
			reply, err := at(ctx, p, b)
			if err == nil {
				res.Baud, res.Reply, res.Err = b, reply, nil
				break
			}
			res.Err = err
		}
		results = append(results, res)
	}
	return results
}
