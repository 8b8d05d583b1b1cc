package monitor

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"exolink/pkg/engine"
)

type eventMsg engine.Event
type closedMsg struct{}
type tickMsg time.Time

func waitForEvent(ch <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	if m.events == nil {
		return tick()
	}
	return tea.Batch(waitForEvent(m.events), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.logViewport.GotoBottom()
			}
			return m, nil
		case "c":
			m.logLines = nil
			m.logViewport.SetContent("")
			return m, nil
		}
		var cmd tea.Cmd
		m.logViewport, cmd = m.logViewport.Update(msg)
		if !m.logViewport.AtBottom() {
			m.follow = false
		}
		return m, cmd

	case eventMsg:
		m.apply(engine.Event(msg))
		return m, waitForEvent(m.events)

	case closedMsg:
		m.closed = true
		m.appendLog("hub closed")
		return m, nil

	case tickMsg:
		now := time.Time(msg)
		if m.stats != nil {
			m.snapshot = m.stats()
		}
		if !m.rateSince.IsZero() {
			if elapsed := now.Sub(m.rateSince).Seconds(); elapsed > 0 {
				m.rate = float64(m.packets-m.ratePackets) / elapsed
			}
		}
		m.ratePackets = m.packets
		m.rateSince = now
		return m, tick()
	}
	return m, nil
}

func (m *Model) apply(ev engine.Event) {
	stamp := ev.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}
	switch ev.Kind {
	case engine.EventState:
		m.state = ev.State
		m.appendLogAt(stamp, "state "+ev.State.String())
	case engine.EventConfig:
		m.config = ev.Config
		m.hasConfig = true
		m.appendLogAt(stamp, fmt.Sprintf("config negotiated: %d channels, %d bytes/frame",
			len(ev.Config.Channels()), ev.Config.PacketSize()))
	case engine.EventPacket:
		m.last = ev.Packet
		m.hasPacket = true
		m.packets++
	case engine.EventWarning:
		m.appendLogAt(stamp, "warning: "+ev.Message)
	case engine.EventError:
		m.lastErr = ev.Err
		if ev.Err != nil {
			m.appendLogAt(stamp, "error: "+ev.Err.Error())
		}
	}
}

func (m *Model) appendLog(line string) {
	m.appendLogAt(time.Now(), line)
}

func (m *Model) appendLogAt(t time.Time, line string) {
	m.logLines = append(m.logLines, t.Format("15:04:05.000")+" "+line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	m.logViewport.SetContent(strings.Join(m.logLines, "\n"))
	if m.follow {
		m.logViewport.GotoBottom()
	}
}

func (m *Model) resize() {
	// panel border (2) + padding (2) + scrollbar (2)
	w := m.width - 6
	// header panels, log title, panel border and help line
	h := m.height - headerHeight - 4
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	m.logViewport.Width = w
	m.logViewport.Height = h
	if m.follow {
		m.logViewport.GotoBottom()
	}
}
