package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/relabs-tech/gnss_relay/internal/app"
	"github.com/relabs-tech/gnss_relay/internal/transport"
)

var plainOutput bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Decode relay telemetry from a receiver UART",
	Long: `Reads lines from the receiving radio, strips +RCV wrappers and decodes the
relay payload. Runs a live view on a terminal, plain lines otherwise.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVar(&plainOutput, "plain", false, "Print plain lines instead of the live view")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if portName == "" {
		return fmt.Errorf("--port is required")
	}
	port, err := transport.OpenSerialPort(portName, baudRate)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx := cmd.Context()

	if plainOutput || !term.IsTerminal(int(os.Stdout.Fd())) {
		out := cmd.OutOrStdout()
		return readReceptions(ctx, port, func(m lineMsg) {
			fmt.Fprintln(out, formatPlain(m))
		})
	}

	p := tea.NewProgram(newMonitorModel(portName, baudRate), tea.WithAltScreen(), tea.WithContext(ctx))

	// Serial reader goroutine
	go func() {
		err := readReceptions(ctx, port, func(m lineMsg) { p.Send(m) })
		p.Send(portClosedMsg{err: err})
	}()

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// lineMsg is one line read from the receiver.
type lineMsg struct {
	at  time.Time
	raw string
	rec app.Reception
	err error
}

type portClosedMsg struct{ err error }

type tickMsg time.Time

// readReceptions decodes every non-empty line of r until ctx is done or r
// fails.
func readReceptions(ctx context.Context, r io.ReadCloser, fn func(lineMsg)) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := app.DecodeReception(line)
		fn(lineMsg{at: time.Now(), raw: line, rec: rec, err: err})
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func formatPlain(m lineMsg) string {
	ts := m.at.Format("15:04:05.000")
	if m.err != nil {
		return fmt.Sprintf("[%s] ?? %s", ts, m.raw)
	}
	return fmt.Sprintf("[%s] %s lat=%.7f lon=%.7f speed=%.2fkm/h rssi=%d snr=%d",
		ts, m.rec.TimestampUTC, m.rec.Latitude, m.rec.Longitude, m.rec.SpeedKmh, m.rec.RSSI, m.rec.SNR)
}

// TUI model
type monitorModel struct {
	portName string
	baudRate int

	table    table.Model
	rows     []table.Row
	maxRows  int
	notes    []string
	maxNotes int

	received int
	rejected int
	lastRx   time.Time
	now      time.Time

	closed    bool
	closedErr error
	width     int
	height    int
}

func newMonitorModel(portName string, baudRate int) monitorModel {
	cols := []table.Column{
		{Title: "UTC", Width: 19},
		{Title: "Latitude", Width: 12},
		{Title: "Longitude", Width: 12},
		{Title: "km/h", Width: 8},
		{Title: "RSSI", Width: 5},
		{Title: "SNR", Width: 4},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithHeight(10),
		table.WithFocused(false),
	)
	return monitorModel{
		portName: portName,
		baudRate: baudRate,
		table:    t,
		maxRows:  100,
		maxNotes: 5,
		width:    80,
		height:   24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 12; h > 3 {
			m.table.SetHeight(h)
		}

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case lineMsg:
		if msg.err != nil {
			m.rejected++
			m.notes = append(m.notes, fmt.Sprintf("%s %s", msg.at.Format("15:04:05"), msg.raw))
			if len(m.notes) > m.maxNotes {
				m.notes = m.notes[len(m.notes)-m.maxNotes:]
			}
			return m, nil
		}
		m.received++
		m.lastRx = msg.at
		r := msg.rec
		row := table.Row{
			r.TimestampUTC,
			fmt.Sprintf("%.7f", r.Latitude),
			fmt.Sprintf("%.7f", r.Longitude),
			fmt.Sprintf("%.2f", r.SpeedKmh),
			fmt.Sprintf("%d", r.RSSI),
			fmt.Sprintf("%d", r.SNR),
		}
		// newest first
		m.rows = append([]table.Row{row}, m.rows...)
		if len(m.rows) > m.maxRows {
			m.rows = m.rows[:m.maxRows]
		}
		m.table.SetRows(m.rows)

	case portClosedMsg:
		m.closed = true
		m.closedErr = msg.err
	}

	return m, nil
}

func (m monitorModel) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("LORACTL - TELEMETRY MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Port: %s @ %d baud | Press 'q' to quit", m.portName, m.baudRate)))
	s.WriteString("\n\n")

	age := "never"
	if !m.lastRx.IsZero() {
		ref := m.now
		if ref.Before(m.lastRx) {
			ref = m.lastRx
		}
		age = fmt.Sprintf("%ds ago", int(ref.Sub(m.lastRx).Seconds()))
	}
	stats := fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Decoded:"), valueStyle.Render(fmt.Sprintf("%d", m.received)),
		labelStyle.Render("Other:"), valueStyle.Render(fmt.Sprintf("%d", m.rejected)),
		labelStyle.Render("Last:"), valueStyle.Render(age),
	)
	s.WriteString(boxStyle.Render(stats))
	s.WriteString("\n\n")

	if m.received == 0 {
		s.WriteString(headerStyle.Render("Waiting for telemetry..."))
		s.WriteString("\n")
	} else {
		s.WriteString(m.table.View())
		s.WriteString("\n")
	}

	if len(m.notes) > 0 {
		s.WriteString("\n")
		s.WriteString(labelStyle.Render("Other lines:"))
		s.WriteString("\n")
		for _, n := range m.notes {
			s.WriteString(headerStyle.Render(n))
			s.WriteString("\n")
		}
	}

	if m.closed {
		s.WriteString("\n")
		if m.closedErr != nil {
			s.WriteString(errorStyle.Render(fmt.Sprintf("Port closed: %v", m.closedErr)))
		} else {
			s.WriteString(errorStyle.Render("Port closed"))
		}
		s.WriteString("\n")
	}

	return s.String()
}
