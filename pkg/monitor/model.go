package monitor

import (
	"time"

	"github.com/charmbracelet/bubbles/viewport"

	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

// StatsFunc reports the counters of whichever session currently owns the link.
type StatsFunc func() engine.Stats

type Model struct {
	title  string
	events <-chan engine.Event
	stats  StatsFunc

	state     engine.State
	config    protocol.SensorConfig
	hasConfig bool
	last      protocol.SensorPacket
	hasPacket bool
	packets   uint64
	snapshot  engine.Stats
	lastErr   error
	closed    bool

	// rate is packets per second over the last refresh window.
	rate        float64
	ratePackets uint64
	rateSince   time.Time

	logLines    []string
	logViewport viewport.Model
	follow      bool

	width  int
	height int
}

const (
	maxLogLines     = 500
	refreshInterval = 500 * time.Millisecond

	minWindowWidth  = 60
	minWindowHeight = 16
	headerHeight    = 11
)
