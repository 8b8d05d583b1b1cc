package engine

import (
	"time"

	"exolink/pkg/protocol"
)

type EventKind uint8

const (
	EventState EventKind = iota
	EventConfig
	EventPacket
	EventWarning
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventConfig:
		return "config"
	case EventPacket:
		return "packet"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what a Session publishes on its hub. Only the field matching
// Kind is populated.
type Event struct {
	Kind    EventKind
	Time    time.Time
	State   State
	Config  protocol.SensorConfig
	Packet  protocol.SensorPacket
	Message string
	Err     error
}

func (e Event) clone() Event {
	switch e.Kind {
	case EventConfig:
		e.Config = e.Config.Clone()
	case EventPacket:
		e.Packet = e.Packet.Clone()
	}
	return e
}
