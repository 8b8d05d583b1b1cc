package logger

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

// JSONLWriter records the session stream as one JSON object per line.
type JSONLWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	packets bool
	err     error
}

type jsonRecord struct {
	TS      string                 `json:"ts"`
	Kind    string                 `json:"kind"`
	State   string                 `json:"state,omitempty"`
	Config  *protocol.SensorConfig `json:"config,omitempty"`
	Packet  *protocol.SensorPacket `json:"packet,omitempty"`
	Message string                 `json:"message,omitempty"`
}

type JSONLOption func(*JSONLWriter)

// WithoutPackets keeps only lifecycle records, for long runs where the
// packet stream goes elsewhere.
func WithoutPackets() JSONLOption {
	return func(j *JSONLWriter) {
		j.packets = false
	}
}

func NewJSONLWriter(w io.Writer, opts ...JSONLOption) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	j := &JSONLWriter{
		enc:     enc,
		packets: true,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Consume writes events from in until ctx ends or in is closed.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			j.Write(ev)
		}
	}
}

func (j *JSONLWriter) Write(ev engine.Event) {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := jsonRecord{
		TS:   ts.UTC().Format(time.RFC3339Nano),
		Kind: ev.Kind.String(),
	}
	switch ev.Kind {
	case engine.EventState:
		rec.State = ev.State.String()
	case engine.EventConfig:
		cfg := ev.Config
		rec.Config = &cfg
	case engine.EventPacket:
		if !j.packets {
			return
		}
		pkt := ev.Packet
		rec.Packet = &pkt
	case engine.EventWarning:
		rec.Message = ev.Message
	case engine.EventError:
		if ev.Err != nil {
			rec.Message = ev.Err.Error()
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil && j.err == nil {
		j.err = err
	}
}

// Err returns the first write failure, if any.
func (j *JSONLWriter) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *JSONLWriter) OnConfigReady(cfg protocol.SensorConfig) {
	j.Write(engine.Event{Kind: engine.EventConfig, Config: cfg})
}

func (j *JSONLWriter) OnPacket(pkt protocol.SensorPacket) {
	j.Write(engine.Event{Kind: engine.EventPacket, Time: pkt.Received, Packet: pkt})
}

func (j *JSONLWriter) OnConnectionError(err error) {
	j.Write(engine.Event{Kind: engine.EventError, Err: err})
}

func (j *JSONLWriter) OnWarning(msg string) {
	j.Write(engine.Event{Kind: engine.EventWarning, Message: msg})
}

func (j *JSONLWriter) OnState(state engine.State) {
	j.Write(engine.Event{Kind: engine.EventState, State: state})
}
