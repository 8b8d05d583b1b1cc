package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"exolink/pkg/engine"
	"exolink/pkg/logger"
)

func (m Model) View() string {
	if m.width < minWindowWidth || m.height < minWindowHeight {
		return styleScreenTooSmall.
			Width(m.width).
			Height(m.height).
			Render("Terminal window is too small.\nPlease resize.")
	}

	title := styleTitle.Render("EXOLINK " + m.title)
	state := m.renderState()
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, " ", state)

	half := (m.width - 2) / 2
	stats := stylePanel.Width(half - 2).Render(m.renderStats())
	cfg := stylePanel.Width(m.width - half - 4).Render(m.renderConfig())
	panels := lipgloss.JoinHorizontal(lipgloss.Top, stats, cfg)

	last := styleLabel.Render("last packet")
	if m.hasPacket {
		last += styleValue.MaxWidth(m.width - 12).Render(logger.FormatPacket(m.last))
	} else {
		last += styleHelp.Render("none yet")
	}

	logBody := lipgloss.JoinHorizontal(lipgloss.Top,
		m.logViewport.View(),
		" ",
		renderScrollbar(m.logViewport, m.logViewport.Height),
	)
	logs := stylePanel.Width(m.width - 2).Render(
		styleLabel.Render("events") + "\n" + logBody,
	)

	follow := "off"
	if m.follow {
		follow = "on"
	}
	help := styleHelp.Render(fmt.Sprintf("q quit  ↑/↓ scroll  f follow (%s)  c clear", follow))

	return lipgloss.JoinVertical(lipgloss.Left, header, panels, last, logs, help)
}

func (m Model) renderState() string {
	label := m.state.String()
	if m.closed {
		return styleFault.Render("stopped")
	}
	switch m.state {
	case engine.StateStreaming:
		return styleStreaming.Render(label)
	case engine.StateDisconnected:
		if m.lastErr != nil {
			return styleFault.Render(label + ": " + m.lastErr.Error())
		}
		return styleIdle.Render(label)
	default:
		return styleIdle.Render(label)
	}
}

func (m Model) renderStats() string {
	s := m.snapshot
	rows := [][2]string{
		{"packets", fmt.Sprintf("%d (%.0f/s)", m.packets, m.rate)},
		{"frames", fmt.Sprintf("%d", s.Frames)},
		{"accepted", fmt.Sprintf("%d", s.Accepted)},
		{"checksum", fmt.Sprintf("%d", s.ChecksumFailures)},
		{"rejected", fmt.Sprintf("%d", s.Rejected)},
		{"timeouts", fmt.Sprintf("%d", s.Timeouts)},
		{"handshakes", fmt.Sprintf("%d (warnings %d)", s.NegotiationAttempts, s.Warnings)},
	}
	return renderRows(rows)
}

func (m Model) renderConfig() string {
	if !m.hasConfig {
		return styleHelp.Render("waiting for negotiation")
	}
	c := m.config
	rows := [][2]string{
		{"pmmg", formatIDs(c.PMMGIDs)},
		{"fsr", formatIDs(c.FSRIDs)},
		{"imu", formatIDs(c.IMUIDs)},
		{"emg", formatIDs(c.EMGIDs)},
		{"buttons", fmt.Sprintf("%d", c.ButtonCount)},
		{"frame", fmt.Sprintf("%d bytes", c.PacketSize())},
		{"scales", fmt.Sprintf("emg %.0f imu %.0f", c.Scales.EMG, c.Scales.IMU)},
	}
	return renderRows(rows)
}

func renderRows(rows [][2]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, styleLabel.Render(r[0])+styleValue.Render(r[1]))
	}
	return strings.Join(lines, "\n")
}

func formatIDs(ids []uint8) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, " ")
}

func renderScrollbar(vp viewport.Model, height int) string {
	total := vp.TotalLineCount()
	visible := vp.VisibleLineCount()
	if total <= visible || height < 1 {
		return ""
	}

	thumb := int(float64(height-1) * vp.ScrollPercent())
	if thumb < 0 {
		thumb = 0
	}
	if thumb > height-1 {
		thumb = height - 1
	}

	var sb strings.Builder
	for i := 0; i < height; i++ {
		if i > 0 {
			sb.WriteString("\n")
		}
		if i == thumb {
			sb.WriteString(scrollbarThumb.Render("█"))
		} else {
			sb.WriteString(scrollbarTrack.Render("│"))
		}
	}
	return sb.String()
}
