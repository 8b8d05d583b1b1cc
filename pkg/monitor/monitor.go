// Package monitor is a terminal dashboard over the session event hub.
package monitor

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"exolink/pkg/engine"
)

// New builds a dashboard model reading from events. stats may be nil.
func New(title string, events <-chan engine.Event, stats StatsFunc) Model {
	return Model{
		title:       title,
		events:      events,
		stats:       stats,
		logViewport: viewport.New(0, 0),
		follow:      true,
	}
}

// Run subscribes to the hub and blocks until the user quits or ctx ends.
func Run(ctx context.Context, hub *engine.Hub, title string, stats StatsFunc, opts ...tea.ProgramOption) error {
	events := hub.SubscribeWithBuffer(1024)
	defer hub.Unsubscribe(events)

	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(New(title, events, stats), opts...)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
