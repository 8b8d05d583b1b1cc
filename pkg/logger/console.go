package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

// Console prints a human readable view of the stream. Only every Nth packet
// is printed so a 1 kHz rig does not flood the terminal.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	every int
	seen  int

	info  *color.Color
	ok    *color.Color
	warn  *color.Color
	fault *color.Color
}

func NewConsole(out io.Writer, every int) *Console {
	if every <= 0 {
		every = 1
	}
	return &Console{
		out:   out,
		every: every,
		info:  color.New(color.FgBlue, color.Bold),
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		fault: color.New(color.FgRed, color.Bold),
	}
}

func (c *Console) OnConfigReady(cfg protocol.SensorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = 0
	names := make([]string, 0, len(cfg.Channels()))
	for _, ch := range cfg.Channels() {
		names = append(names, ch.String())
	}
	c.info.Fprintf(c.out, "config: %d bytes/frame, %d buttons, channels %s\n",
		cfg.PacketSize(), cfg.ButtonCount, strings.Join(names, " "))
}

func (c *Console) OnPacket(pkt protocol.SensorPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen++
	if (c.seen-1)%c.every != 0 {
		return
	}
	line := FormatPacket(pkt)
	if pkt.ChecksumValid {
		c.ok.Fprintln(c.out, line)
		return
	}
	c.warn.Fprintln(c.out, line+" (checksum)")
}

func (c *Console) OnConnectionError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault.Fprintf(c.out, "link error: %v\n", err)
}

func (c *Console) OnWarning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warn.Fprintf(c.out, "warning: %s\n", msg)
}

func (c *Console) OnState(state engine.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.Fprintf(c.out, "state: %s\n", state)
}

// FormatPacket renders a one-line summary of a packet.
func FormatPacket(pkt protocol.SensorPacket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "t=%d", pkt.Timestamp)
	writeSeries(&b, "emg", pkt.EMG)
	writeSeries(&b, "pmmg", pkt.PMMG)
	writeSeries(&b, "fsr", pkt.FSR)
	for i, q := range pkt.IMU {
		fmt.Fprintf(&b, " imu%d=[%.3f %.3f %.3f %.3f]", i, q.W, q.X, q.Y, q.Z)
	}
	pressed := 0
	for _, btn := range pkt.Buttons {
		if btn {
			pressed++
		}
	}
	fmt.Fprintf(&b, " btn=%d/%d joy=(%d,%d)", pressed, len(pkt.Buttons), pkt.Joystick.X, pkt.Joystick.Y)
	return b.String()
}

func writeSeries(b *strings.Builder, name string, values []float64) {
	if len(values) == 0 {
		return
	}
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString("=[")
	for i, v := range values {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(b, "%.3f", v)
	}
	b.WriteString("]")
}
