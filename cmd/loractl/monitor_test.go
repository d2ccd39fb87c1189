package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/gnss_relay/internal/app"
	"github.com/relabs-tech/gnss_relay/internal/transport"
)

const payload = "2026-10-19 12:00:02 LAT:48.1173000 LON:11.5166667 SPD:3.40km/h"

func decoded(t *testing.T, line string) lineMsg {
	t.Helper()
	rec, err := app.DecodeReception(line)
	return lineMsg{at: time.Date(2026, time.October, 19, 12, 0, 3, 0, time.UTC), raw: line, rec: rec, err: err}
}

func TestMonitorModel_CountsAndRows(t *testing.T) {
	var m tea.Model = newMonitorModel("/dev/ttyUSB0", 9600)

	m, _ = m.Update(decoded(t, "+RCV=2,63,"+payload+",-61,7"))
	m, _ = m.Update(decoded(t, "NO_FIX"))
	m, _ = m.Update(decoded(t, payload))

	mm := m.(monitorModel)
	assert.Equal(t, 2, mm.received)
	assert.Equal(t, 1, mm.rejected)
	require.Len(t, mm.rows, 2)
	// newest first
	assert.Equal(t, "0", mm.rows[0][4])
	assert.Equal(t, "-61", mm.rows[1][4])
	assert.Equal(t, "3.40", mm.rows[1][3])

	view := mm.View()
	assert.Contains(t, view, "TELEMETRY MONITOR")
	assert.Contains(t, view, "48.1173000")
	assert.Contains(t, view, "NO_FIX")
}

func TestMonitorModel_RowCapAndClose(t *testing.T) {
	mm := newMonitorModel("p", 9600)
	mm.maxRows = 3
	var m tea.Model = mm
	for i := 0; i < 5; i++ {
		m, _ = m.Update(decoded(t, payload))
	}
	m, _ = m.Update(portClosedMsg{err: errors.New("unplugged")})

	mm = m.(monitorModel)
	assert.Len(t, mm.rows, 3)
	assert.Equal(t, 5, mm.received)
	assert.Contains(t, mm.View(), "Port closed: unplugged")
}

func TestMonitorModel_Quit(t *testing.T) {
	m := newMonitorModel("p", 9600)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestReadReceptions(t *testing.T) {
	in := io.NopCloser(strings.NewReader("+OK\r\n\r\n" + payload + "\r\n"))
	var got []lineMsg
	require.NoError(t, readReceptions(context.Background(), in, func(m lineMsg) { got = append(got, m) }))
	require.Len(t, got, 2)
	assert.Error(t, got[0].err)
	assert.NoError(t, got[1].err)
	assert.Contains(t, formatPlain(got[1]), "speed=3.40km/h")
	assert.Contains(t, formatPlain(got[0]), "?? +OK")
}

func TestPrintProbe(t *testing.T) {
	var buf bytes.Buffer
	n := printProbe(&buf, []transport.ProbeResult{
		{Port: "/dev/ttyUSB0", Baud: 115200, Reply: "+OK\r\n"},
		{Port: "/dev/ttyS0", Err: errors.New("timeout")},
	})
	assert.Equal(t, 1, n)
	out := buf.String()
	assert.Contains(t, out, "115200 baud  +OK")
	assert.Contains(t, out, "/dev/ttyS0")
	assert.Contains(t, out, "no reply (timeout)")
}

func TestPrintPorts(t *testing.T) {
	var buf bytes.Buffer
	printPorts(&buf, nil)
	assert.Equal(t, "no serial ports found\n", buf.String())

	buf.Reset()
	printPorts(&buf, []transport.PortInfo{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", Serial: "0001", Product: "CP2102"},
		{Name: "/dev/ttyAMA0"},
	})
	assert.Contains(t, buf.String(), "usb 10c4:ea60 serial=0001 CP2102")
	assert.Contains(t, buf.String(), "/dev/ttyAMA0\n")
}
