package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Decode demultiplexes one streaming frame. It only fails when buf is not
// exactly cfg.PacketSize() bytes; a bad trailing checksum is reported through
// ChecksumValid so the caller can decide what to do with the values.
func Decode(buf []byte, cfg SensorConfig) (SensorPacket, error) {
	size := cfg.PacketSize()
	if len(buf) != size {
		return SensorPacket{}, errors.Wrapf(ErrPacketSize, "got %d want %d", len(buf), size)
	}
	scales := cfg.Scales.withDefaults()

	c := cursor{buf: buf}
	pkt := SensorPacket{}
	pkt.Timestamp = c.u32()
	pkt.PMMG = c.scaled(len(cfg.PMMGIDs), scales.PMMG)
	pkt.FSR = c.scaled(len(cfg.FSRIDs), scales.FSR)

	pkt.IMU = make([]Quaternion, len(cfg.IMUIDs))
	for i := range pkt.IMU {
		q := c.scaled(imuComponents, scales.IMU)
		pkt.IMU[i] = Quaternion{W: q[0], X: q[1], Y: q[2], Z: q[3]}
	}

	pkt.EMG = c.scaled(len(cfg.EMGIDs), scales.EMG)

	pkt.Buttons = make([]bool, cfg.ButtonCount)
	for i := range pkt.Buttons {
		pkt.Buttons[i] = c.u8() != 0
	}

	pkt.Joystick = Joystick{X: c.i16(), Y: c.i16()}

	body := buf[:c.off]
	pkt.ChecksumValid = Checksum(body) == c.u32()
	return pkt, nil
}

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) u8() byte {
	b := c.buf[c.off]
	c.off++
	return b
}

func (c *cursor) i16() int16 {
	v := int16(binary.BigEndian.Uint16(c.buf[c.off:]))
	c.off += sampleSize
	return v
}

func (c *cursor) u32() uint32 {
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

// scaled reads n int16 samples and divides each by scale.
func (c *cursor) scaled(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(c.i16()) / scale
	}
	return out
}

// RawFrame holds the integer values a rig puts on the wire for one frame.
type RawFrame struct {
	Timestamp uint32
	PMMG      []int16
	FSR       []int16
	IMU       [][4]int16
	EMG       []int16
	Buttons   []bool
	Joystick  Joystick
}

// EncodePacket renders a frame with a correct trailing checksum. Channel
// slices shorter than the configuration are zero-filled.
func EncodePacket(raw RawFrame, cfg SensorConfig) []byte {
	out := make([]byte, 0, cfg.PacketSize())
	out = binary.BigEndian.AppendUint32(out, raw.Timestamp)
	out = appendSamples(out, raw.PMMG, len(cfg.PMMGIDs))
	out = appendSamples(out, raw.FSR, len(cfg.FSRIDs))
	for i := range cfg.IMUIDs {
		var q [4]int16
		if i < len(raw.IMU) {
			q = raw.IMU[i]
		}
		out = appendSamples(out, q[:], imuComponents)
	}
	out = appendSamples(out, raw.EMG, len(cfg.EMGIDs))
	for i := 0; i < cfg.ButtonCount; i++ {
		var b byte
		if i < len(raw.Buttons) && raw.Buttons[i] {
			b = 1
		}
		out = append(out, b)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(raw.Joystick.X))
	out = binary.BigEndian.AppendUint16(out, uint16(raw.Joystick.Y))
	return binary.BigEndian.AppendUint32(out, Checksum(out))
}

func appendSamples(out []byte, values []int16, n int) []byte {
	for i := 0; i < n; i++ {
		var v int16
		if i < len(values) {
			v = values[i]
		}
		out = binary.BigEndian.AppendUint16(out, uint16(v))
	}
	return out
}
