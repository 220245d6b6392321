// Package interactive provides a terminal user interface for live
// monitoring and alarm control of a running gateway.
package interactive

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fieldbridge/indgw/pkg/bridge"
	"github.com/fieldbridge/indgw/pkg/emitter"
	"github.com/fieldbridge/indgw/pkg/gateway"
	"github.com/fieldbridge/indgw/pkg/stats"
	"github.com/fieldbridge/indgw/pkg/transport"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	deviceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("246"))
)

// TelemetryRecord is one bridged LEX record kept in the scrollback buffer
// shown by the telemetry viewer.
type TelemetryRecord struct {
	Timestamp time.Time
	Topic     string
	Payload   string
}

const maxTelemetryBuffer = 20 // keep last 20 records

type model struct {
	gw        *gateway.Gateway
	gatewayID string

	valueChan <-chan emitter.ValueEvent
	alarmChan <-chan emitter.AlarmEvent
	lexChan   <-chan bridge.Event

	// Menu state
	menuVisible  bool
	menuItems    []string
	selectedItem int

	// View state
	showHelp      bool
	showLogs      bool
	showStats     bool
	showTelemetry bool

	// Alarm selection
	alarms           map[string]emitter.AlarmEvent
	selectedAlarmIdx int

	// Runtime snapshot, refreshed on every tick
	snapshot     stats.StatisticsSnapshot
	deviceStates map[string]transport.State
	uptime       time.Duration
	startTime    time.Time

	// Logs
	debugLogs []string

	// Status
	statusMessage string
	statusIsError bool

	// Telemetry scrollback viewer state
	telemetryBuffer  []TelemetryRecord
	telemetryIndex   int
	telemetryScrollY int
}

type tickMsg time.Time
type valueEventMsg emitter.ValueEvent
type alarmEventMsg emitter.AlarmEvent
type lexEventMsg bridge.Event

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForValueEvent(m.valueChan),
		waitForAlarmEvent(m.alarmChan),
		waitForLexEvent(m.lexChan),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForValueEvent(ch <-chan emitter.ValueEvent) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return valueEventMsg(e)
	}
}

func waitForAlarmEvent(ch <-chan emitter.AlarmEvent) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return alarmEventMsg(e)
	}
}

func waitForLexEvent(ch <-chan bridge.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return lexEventMsg(e)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "i":
			m.menuVisible = !m.menuVisible
			if m.menuVisible {
				m.statusMessage = "Alarm control menu opened - use arrow keys to navigate"
				m.statusIsError = false
			}
			return m, nil

		case "A":
			ids := m.sortedAlarmIDs()
			if len(ids) > 0 {
				m.selectedAlarmIdx = (m.selectedAlarmIdx + 1) % len(ids)
				m.statusMessage = successStyle.Render(fmt.Sprintf("✓ Selected alarm: %s", ids[m.selectedAlarmIdx]))
				m.statusIsError = false
				m.addDebugLog(fmt.Sprintf("Selected alarm: %s", ids[m.selectedAlarmIdx]))
			} else {
				m.statusMessage = errorStyle.Render("✗ No alarms have fired yet")
				m.statusIsError = true
			}
			return m, nil

		case "a":
			m.acknowledgeSelected()
			return m, nil

		case "s":
			m.shelveSelected()
			return m, nil

		case "u":
			m.unshelveSelected()
			return m, nil

		case "h", "?":
			m.showHelp = !m.showHelp
			m.showLogs, m.showStats, m.menuVisible = false, false, false
			return m, nil

		case "l":
			m.showLogs = !m.showLogs
			m.showHelp, m.showStats, m.menuVisible = false, false, false
			return m, nil

		case "S":
			m.showStats = !m.showStats
			m.showHelp, m.showLogs, m.showTelemetry = false, false, false
			m.menuVisible = false
			return m, nil

		case "t":
			m.showTelemetry = !m.showTelemetry
			m.showHelp, m.showLogs, m.showStats = false, false, false
			m.menuVisible = false
			if m.showTelemetry {
				m.telemetryScrollY = 0
				m.statusMessage = "Telemetry viewer opened - use arrow keys to navigate, [n]/[p] for next/prev record"
			}
			return m, nil

		case "n":
			if m.showTelemetry && len(m.telemetryBuffer) > 0 {
				m.telemetryIndex = (m.telemetryIndex + 1) % len(m.telemetryBuffer)
				m.telemetryScrollY = 0
			}
			return m, nil

		case "p":
			if m.showTelemetry && len(m.telemetryBuffer) > 0 {
				m.telemetryIndex--
				if m.telemetryIndex < 0 {
					m.telemetryIndex = len(m.telemetryBuffer) - 1
				}
				m.telemetryScrollY = 0
			}
			return m, nil

		case "up":
			if m.menuVisible && m.selectedItem > 0 {
				m.selectedItem--
			} else if m.showTelemetry && m.telemetryScrollY > 0 {
				m.telemetryScrollY--
			}
			return m, nil

		case "down":
			if m.menuVisible && m.selectedItem < len(m.menuItems)-1 {
				m.selectedItem++
			} else if m.showTelemetry {
				m.telemetryScrollY++
			}
			return m, nil

		case "pgup":
			if m.showTelemetry {
				m.telemetryScrollY -= 10
				if m.telemetryScrollY < 0 {
					m.telemetryScrollY = 0
				}
			}
			return m, nil

		case "pgdown":
			if m.showTelemetry {
				m.telemetryScrollY += 10
			}
			return m, nil

		case "enter":
			if m.menuVisible {
				m.handleMenuSelection()
			}
			return m, nil
		}

	case tickMsg:
		m.uptime = time.Since(m.startTime)
		m.snapshot = m.gw.Stats()
		for id := range m.deviceStates {
			if state, ok := m.gw.DeviceState(id); ok {
				m.deviceStates[id] = state
			}
		}
		return m, tickCmd()

	case valueEventMsg:
		m.addDebugLog(fmt.Sprintf("%s/%s = %.3f %s", msg.DeviceID, msg.Name, msg.Value, msg.Unit))
		return m, waitForValueEvent(m.valueChan)

	case alarmEventMsg:
		e := emitter.AlarmEvent(msg)
		m.alarms[e.AlarmID] = e
		m.addDebugLog(fmt.Sprintf("alarm %s -> %s: %s", e.AlarmID, e.State, e.Message))
		return m, waitForAlarmEvent(m.alarmChan)

	case lexEventMsg:
		e := bridge.Event(msg)
		payload, _ := json.Marshal(e.Payload)
		m.telemetryBuffer = append(m.telemetryBuffer, TelemetryRecord{
			Timestamp: e.Timestamp, Topic: e.Topic, Payload: string(payload),
		})
		if len(m.telemetryBuffer) > maxTelemetryBuffer {
			m.telemetryBuffer = m.telemetryBuffer[len(m.telemetryBuffer)-maxTelemetryBuffer:]
			if m.telemetryIndex >= len(m.telemetryBuffer) {
				m.telemetryIndex = len(m.telemetryBuffer) - 1
			}
		}
		return m, waitForLexEvent(m.lexChan)
	}

	return m, nil
}

func (m model) sortedAlarmIDs() []string {
	ids := make([]string, 0, len(m.alarms))
	for id := range m.alarms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m model) selectedAlarmID() (string, bool) {
	ids := m.sortedAlarmIDs()
	if len(ids) == 0 {
		return "", false
	}
	if m.selectedAlarmIdx >= len(ids) {
		return ids[0], true
	}
	return ids[m.selectedAlarmIdx], true
}

func (m *model) acknowledgeSelected() {
	id, ok := m.selectedAlarmID()
	if !ok {
		m.statusMessage = errorStyle.Render("✗ No alarm selected")
		m.statusIsError = true
		return
	}
	if m.gw.AcknowledgeAlarm(id) {
		m.statusMessage = successStyle.Render(fmt.Sprintf("✓ Acknowledged %s", id))
		m.statusIsError = false
		m.addDebugLog(fmt.Sprintf("Acknowledged alarm %s", id))
	} else {
		m.statusMessage = errorStyle.Render(fmt.Sprintf("✗ %s is not currently Active", id))
		m.statusIsError = true
	}
}

func (m *model) shelveSelected() {
	id, ok := m.selectedAlarmID()
	if !ok {
		m.statusMessage = errorStyle.Render("✗ No alarm selected")
		m.statusIsError = true
		return
	}
	if m.gw.ShelveAlarm(id) {
		m.statusMessage = successStyle.Render(fmt.Sprintf("✓ Shelved %s", id))
		m.statusIsError = false
		m.addDebugLog(fmt.Sprintf("Shelved alarm %s", id))
	} else {
		m.statusMessage = errorStyle.Render(fmt.Sprintf("✗ Could not shelve %s", id))
		m.statusIsError = true
	}
}

func (m *model) unshelveSelected() {
	id, ok := m.selectedAlarmID()
	if !ok {
		m.statusMessage = errorStyle.Render("✗ No alarm selected")
		m.statusIsError = true
		return
	}
	if m.gw.UnshelveAlarm(id) {
		m.statusMessage = successStyle.Render(fmt.Sprintf("✓ Unshelved %s", id))
		m.statusIsError = false
		m.addDebugLog(fmt.Sprintf("Unshelved alarm %s", id))
	} else {
		m.statusMessage = errorStyle.Render(fmt.Sprintf("✗ Could not unshelve %s", id))
		m.statusIsError = true
	}
}

func (m *model) handleMenuSelection() {
	if m.selectedItem < 0 || m.selectedItem >= len(m.menuItems) {
		return
	}
	switch {
	case strings.Contains(m.menuItems[m.selectedItem], "Acknowledge"):
		m.acknowledgeSelected()
	case strings.Contains(m.menuItems[m.selectedItem], "Shelve") && !strings.Contains(m.menuItems[m.selectedItem], "Unshelve"):
		m.shelveSelected()
	case strings.Contains(m.menuItems[m.selectedItem], "Unshelve"):
		m.unshelveSelected()
	case strings.Contains(m.menuItems[m.selectedItem], "Exit"):
		m.menuVisible = false
	}
}

func (m *model) addDebugLog(message string) {
	timestamp := time.Now().Format("15:04:05")
	m.debugLogs = append(m.debugLogs, fmt.Sprintf("[%s] %s", timestamp, message))
	if len(m.debugLogs) > 100 {
		m.debugLogs = m.debugLogs[len(m.debugLogs)-100:]
	}
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf(" indgw status - %s ", m.gatewayID)))
	s.WriteString("\n\n")

	selectedAlarm := "None"
	if id, ok := m.selectedAlarmID(); ok {
		selectedAlarm = id
	}
	summary := fmt.Sprintf("Uptime: %s  |  Devices: %d/%d online  |  Requests: %d (%d failed)  |  Avg Latency: %dus  |  Alarms Active: %d  |  Selected: %s",
		formatDuration(m.uptime),
		m.snapshot.DevicesOnline,
		m.snapshot.DeviceCount,
		m.snapshot.PollSum(),
		m.snapshot.ErrorSum(),
		m.avgLatencyUs(),
		m.snapshot.AlarmsActive,
		selectedAlarm,
	)
	s.WriteString(statsStyle.Render(summary))
	s.WriteString("\n\n")

	s.WriteString(deviceStyle.Render("Devices:"))
	s.WriteString("\n")
	ids := make([]string, 0, len(m.deviceStates))
	for id := range m.deviceStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		state := m.deviceStates[id]
		stateStr := state.String()
		if state == transport.StateConnected {
			stateStr = successStyle.Render(stateStr)
		} else if state == transport.StateError {
			stateStr = errorStyle.Render(stateStr)
		}
		s.WriteString(fmt.Sprintf("  %s: %s\n", id, stateStr))
	}
	s.WriteString("\n")

	if len(m.alarms) > 0 {
		s.WriteString(errorStyle.Render("Alarms:"))
		s.WriteString("\n")
		for _, id := range m.sortedAlarmIDs() {
			a := m.alarms[id]
			prefix := "  "
			if id == selectedAlarm {
				prefix = selectedStyle.Render("→ ")
			}
			s.WriteString(fmt.Sprintf("%s%s: %s (current=%.3f threshold=%.3f)\n", prefix, a.AlarmID, a.State, a.CurrentValue, a.ThresholdValue))
		}
		s.WriteString("\n")
	}

	if m.statusMessage != "" {
		if m.statusIsError {
			s.WriteString(errorStyle.Render(m.statusMessage))
		} else {
			s.WriteString(m.statusMessage)
		}
		s.WriteString("\n\n")
	}

	if m.menuVisible {
		s.WriteString(m.renderMenu())
		s.WriteString("\n")
	}
	if m.showHelp {
		s.WriteString(m.renderHelp())
		s.WriteString("\n")
	}
	if m.showLogs {
		s.WriteString(m.renderLogs())
		s.WriteString("\n")
	}
	if m.showStats {
		s.WriteString(m.renderStatistics())
		s.WriteString("\n")
	}
	if m.showTelemetry {
		s.WriteString(m.renderTelemetry())
		s.WriteString("\n")
	}

	s.WriteString("Controls: [i] Menu  [A] Select Alarm  [a] Ack  [s] Shelve  [u] Unshelve  [h] Help  [l] Logs  [S] Stats  [t] Telemetry  [q] Quit")

	return s.String()
}

func (m model) avgLatencyUs() int64 {
	var total, count int64
	for _, stat := range m.snapshot.DeviceStats {
		total += stat.AvgLatencyUs
		count++
	}
	if count == 0 {
		return 0
	}
	return total / count
}

func (m model) renderMenu() string {
	var menu strings.Builder
	menu.WriteString("╔══════════════════════════════════════════════════════════════════╗\n")
	menu.WriteString("║              Alarm Control Menu                                  ║\n")
	menu.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")
	for i, item := range m.menuItems {
		if i == m.selectedItem {
			menu.WriteString("║ " + selectedStyle.Render("→ "+item))
		} else {
			menu.WriteString("║   " + item)
		}
		padding := 64 - len(item) - 3
		if padding < 0 {
			padding = 0
		}
		menu.WriteString(strings.Repeat(" ", padding))
		menu.WriteString("║\n")
	}
	menu.WriteString("╚══════════════════════════════════════════════════════════════════╝")
	return menu.String()
}

func (m model) renderHelp() string {
	var help strings.Builder
	help.WriteString("╔══════════════════════════════════════════════════════════════════╗\n")
	help.WriteString("║                          Help                                    ║\n")
	help.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")
	help.WriteString("║  [i]     Toggle alarm control menu                              ║\n")
	help.WriteString("║  [A]     Cycle through fired alarms                             ║\n")
	help.WriteString("║  [a]     Acknowledge selected alarm                             ║\n")
	help.WriteString("║  [s]     Shelve selected alarm                                  ║\n")
	help.WriteString("║  [u]     Unshelve selected alarm                                ║\n")
	help.WriteString("║  [h][?]  Toggle this help screen                                ║\n")
	help.WriteString("║  [l]     Toggle debug log viewer                                ║\n")
	help.WriteString("║  [S]     Toggle statistics viewer                               ║\n")
	help.WriteString("║  [t]     Toggle telemetry record viewer                         ║\n")
	help.WriteString("║  [n]/[p] Navigate records (next/previous) in telemetry viewer   ║\n")
	help.WriteString("║  [↑][↓]  Scroll telemetry / Navigate menu items                 ║\n")
	help.WriteString("║  [PgUp]  Page up in telemetry viewer                            ║\n")
	help.WriteString("║  [PgDn]  Page down in telemetry viewer                          ║\n")
	help.WriteString("║  [q]     Quit                                                   ║\n")
	help.WriteString("╚══════════════════════════════════════════════════════════════════╝")
	return help.String()
}

func (m model) renderLogs() string {
	var logs strings.Builder
	logs.WriteString("╔══════════════════════════════════════════════════════════════════╗\n")
	logs.WriteString("║                      Debug Log Viewer                            ║\n")
	logs.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")
	if len(m.debugLogs) == 0 {
		logs.WriteString("║ No debug logs yet                                                ║\n")
	} else {
		start := 0
		if len(m.debugLogs) > 10 {
			start = len(m.debugLogs) - 10
		}
		for _, log := range m.debugLogs[start:] {
			padded := log
			if len(log) > 64 {
				padded = log[:64]
			} else {
				padded = log + strings.Repeat(" ", 64-len(log))
			}
			logs.WriteString(fmt.Sprintf("║ %s ║\n", padded))
		}
	}
	logs.WriteString("╚══════════════════════════════════════════════════════════════════╝")
	return logs.String()
}

func (m model) renderStatistics() string {
	var out strings.Builder
	out.WriteString("╔══════════════════════════════════════════════════════════════════╗\n")
	out.WriteString("║                     Detailed Statistics                          ║\n")
	out.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")
	out.WriteString(fmt.Sprintf("║ Uptime:              %-45s ║\n", formatDuration(m.uptime)))
	out.WriteString(fmt.Sprintf("║ Devices:             %d/%d online                                  ║\n", m.snapshot.DevicesOnline, m.snapshot.DeviceCount))
	out.WriteString(fmt.Sprintf("║ Alarms Active:       %-45d ║\n", m.snapshot.AlarmsActive))
	out.WriteString(fmt.Sprintf("║ Alarms Raised:       %-45d ║\n", m.snapshot.AlarmsRaised))
	out.WriteString(fmt.Sprintf("║ Telemetry Events:    %-45d ║\n", m.snapshot.TelemetryEventsEmitted))
	out.WriteString(fmt.Sprintf("║ Memory Usage:        %d MB                                        ║\n", m.snapshot.MemoryUsageMB))
	out.WriteString(fmt.Sprintf("║ Goroutines:          %-45d ║\n", m.snapshot.GoroutineCount))
	out.WriteString("║                                                                  ║\n")
	for _, id := range m.sortedDeviceIDs() {
		stat := m.snapshot.DeviceStats[id]
		out.WriteString(fmt.Sprintf("║ %-10s  req=%-8d resp=%-8d err=%-6d lat=%dus%s║\n",
			id, stat.RequestsSent, stat.ResponsesReceived, stat.ErrorsEncountered, stat.AvgLatencyUs, strings.Repeat(" ", 8)))
	}
	out.WriteString("╚══════════════════════════════════════════════════════════════════╝")
	return out.String()
}

func (m model) sortedDeviceIDs() []string {
	ids := make([]string, 0, len(m.snapshot.DeviceStats))
	for id := range m.snapshot.DeviceStats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m model) renderTelemetry() string {
	var dump strings.Builder
	dump.WriteString("╔══════════════════════════════════════════════════════════════════╗\n")
	dump.WriteString("║                   Telemetry Record Viewer                         ║\n")
	dump.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")

	if len(m.telemetryBuffer) == 0 {
		dump.WriteString("║ No telemetry records bridged yet                                 ║\n")
		dump.WriteString("╚══════════════════════════════════════════════════════════════════╝")
		return dump.String()
	}

	idx := m.telemetryIndex
	if idx >= len(m.telemetryBuffer) {
		idx = len(m.telemetryBuffer) - 1
	}
	rec := m.telemetryBuffer[idx]

	dump.WriteString(fmt.Sprintf("║ Record: %d/%d                                                     ║\n", idx+1, len(m.telemetryBuffer)))
	dump.WriteString(fmt.Sprintf("║ Time:  %-58s ║\n", rec.Timestamp.Format("15:04:05.000000")))
	dump.WriteString(fmt.Sprintf("║ Topic: %-58s ║\n", rec.Topic))
	dump.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")

	lines := wrapText(rec.Payload, 66)
	maxLines := 15
	startLine := m.telemetryScrollY
	if startLine >= len(lines) {
		startLine = len(lines) - 1
		if startLine < 0 {
			startLine = 0
		}
	}
	endLine := startLine + maxLines
	if endLine > len(lines) {
		endLine = len(lines)
	}
	for _, line := range lines[startLine:endLine] {
		dump.WriteString(fmt.Sprintf("║ %-66s ║\n", line))
	}

	if len(lines) > maxLines {
		dump.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")
		dump.WriteString(fmt.Sprintf("║ Showing lines %d-%d of %d                                          ║\n", startLine+1, endLine, len(lines)))
	}

	dump.WriteString("╠══════════════════════════════════════════════════════════════════╣\n")
	dump.WriteString("║ Press [n] next record  [p] previous record  [t] close            ║\n")
	dump.WriteString("╚══════════════════════════════════════════════════════════════════╝")
	return dump.String()
}

func wrapText(s string, width int) []string {
	var lines []string
	for len(s) > width {
		lines = append(lines, s[:width])
		s = s[width:]
	}
	lines = append(lines, s)
	return lines
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// Run starts the interactive status TUI against a running gateway.
func Run(gw *gateway.Gateway, gatewayID string, deviceIDs []string) error {
	deviceStates := make(map[string]transport.State, len(deviceIDs))
	for _, id := range deviceIDs {
		deviceStates[id] = transport.StateDisconnected
	}

	menuItems := []string{
		"1. Acknowledge selected alarm",
		"2. Shelve selected alarm",
		"3. Unshelve selected alarm",
		"4. Exit Menu",
	}

	m := model{
		gw:            gw,
		gatewayID:     gatewayID,
		valueChan:     gw.SubscribeEvents(),
		alarmChan:     gw.SubscribeAlarms(),
		lexChan:       gw.SubscribeLex(),
		menuItems:     menuItems,
		alarms:        make(map[string]emitter.AlarmEvent),
		deviceStates:  deviceStates,
		startTime:     time.Now(),
		statusMessage: "Press 'i' for the alarm menu, 'h' for help",
		debugLogs:     make([]string, 0, 100),
	}
	m.snapshot = gw.Stats()
	m.addDebugLog(fmt.Sprintf("Attached status viewer to gateway %s", gatewayID))

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
