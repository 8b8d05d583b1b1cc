package protocol

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	// TerminateMarker sent by the rig in place of a frame ends the stream.
	TerminateMarker byte = 0x4E

	// DefaultButtonCount matches the legacy frame layout, which reserves five
	// button bytes. Controllers that only send four set ButtonCount explicitly.
	DefaultButtonCount = 5

	DefaultEMGScale      = 1000.0
	DefaultPressureScale = 1000.0
	// DefaultIMUScale maps the device's Q14 int16 quaternion encoding to unit range.
	DefaultIMUScale = 16384.0

	maxChannelsPerKind = 255

	timestampSize = 4
	joystickSize  = 4
	checksumSize  = 4
	sampleSize    = 2
	imuComponents = 4
)

// ChannelKind tags which sensor family a channel belongs to.
type ChannelKind uint8

const (
	KindEMG ChannelKind = iota
	KindPMMG
	KindFSR
	KindIMU
)

func (k ChannelKind) String() string {
	switch k {
	case KindEMG:
		return "EMG"
	case KindPMMG:
		return "PMMG"
	case KindFSR:
		return "FSR"
	case KindIMU:
		return "IMU"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ChannelKey identifies one hardware channel.
type ChannelKey struct {
	Kind ChannelKind
	ID   uint8
}

func (c ChannelKey) String() string {
	return fmt.Sprintf("%s%02d", c.Kind, c.ID)
}

// Scales holds the divide-by constants applied to raw int16 samples.
type Scales struct {
	PMMG float64 `json:"pmmg" toml:"pmmg" yaml:"pmmg"`
	FSR  float64 `json:"fsr" toml:"fsr" yaml:"fsr"`
	IMU  float64 `json:"imu" toml:"imu" yaml:"imu"`
	EMG  float64 `json:"emg" toml:"emg" yaml:"emg"`
}

func DefaultScales() Scales {
	return Scales{
		PMMG: DefaultPressureScale,
		FSR:  DefaultPressureScale,
		IMU:  DefaultIMUScale,
		EMG:  DefaultEMGScale,
	}
}

func (s Scales) withDefaults() Scales {
	def := DefaultScales()
	if s.PMMG <= 0 {
		s.PMMG = def.PMMG
	}
	if s.FSR <= 0 {
		s.FSR = def.FSR
	}
	if s.IMU <= 0 {
		s.IMU = def.IMU
	}
	if s.EMG <= 0 {
		s.EMG = def.EMG
	}
	return s
}

// SensorConfig describes the channels negotiated for one connection. It is
// fixed once negotiation succeeds; consumers receive copies.
type SensorConfig struct {
	PMMGIDs     []uint8 `json:"pmmg_ids"`
	FSRIDs      []uint8 `json:"fsr_ids"`
	IMUIDs      []uint8 `json:"imu_ids"`
	EMGIDs      []uint8 `json:"emg_ids"`
	ButtonCount int     `json:"button_count"`
	Scales      Scales  `json:"scales"`
}

// PacketSize is the fixed streaming frame length in bytes.
func (c SensorConfig) PacketSize() int {
	return timestampSize +
		sampleSize*len(c.PMMGIDs) +
		sampleSize*len(c.FSRIDs) +
		sampleSize*imuComponents*len(c.IMUIDs) +
		sampleSize*len(c.EMGIDs) +
		c.ButtonCount +
		joystickSize +
		checksumSize
}

// RawIMUComponents is the number of IMU id slots on the wire (four per unit).
func (c SensorConfig) RawIMUComponents() int {
	return imuComponents * len(c.IMUIDs)
}

// TotalIDs is the id block length declared by the handshake header.
func (c SensorConfig) TotalIDs() int {
	return len(c.PMMGIDs) + len(c.FSRIDs) + c.RawIMUComponents() + len(c.EMGIDs)
}

// Channels lists every channel in wire order.
func (c SensorConfig) Channels() []ChannelKey {
	out := make([]ChannelKey, 0, len(c.PMMGIDs)+len(c.FSRIDs)+len(c.IMUIDs)+len(c.EMGIDs))
	appendKind := func(kind ChannelKind, ids []uint8) {
		for _, id := range ids {
			out = append(out, ChannelKey{Kind: kind, ID: id})
		}
	}
	appendKind(KindPMMG, c.PMMGIDs)
	appendKind(KindFSR, c.FSRIDs)
	appendKind(KindIMU, c.IMUIDs)
	appendKind(KindEMG, c.EMGIDs)
	return out
}

func (c SensorConfig) Validate() error {
	lists := []struct {
		name string
		n    int
	}{
		{"pmmg", len(c.PMMGIDs)},
		{"fsr", len(c.FSRIDs)},
		{"imu components", c.RawIMUComponents()},
		{"emg", len(c.EMGIDs)},
	}
	for _, l := range lists {
		if l.n > maxChannelsPerKind {
			return errors.Wrapf(ErrMalformedConfig, "%d %s ids exceed %d", l.n, l.name, maxChannelsPerKind)
		}
	}
	if c.ButtonCount < 0 || c.ButtonCount > maxChannelsPerKind {
		return errors.Wrapf(ErrMalformedConfig, "button count %d", c.ButtonCount)
	}
	return nil
}

func (c SensorConfig) Clone() SensorConfig {
	out := c
	out.PMMGIDs = append([]uint8(nil), c.PMMGIDs...)
	out.FSRIDs = append([]uint8(nil), c.FSRIDs...)
	out.IMUIDs = append([]uint8(nil), c.IMUIDs...)
	out.EMGIDs = append([]uint8(nil), c.EMGIDs...)
	return out
}

// Quaternion is one IMU orientation sample in w, x, y, z order.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Joystick struct {
	X int16 `json:"x"`
	Y int16 `json:"y"`
}

// SensorPacket is one decoded streaming frame.
//
// Timestamp is the rig's millisecond counter. Wraparound after ~49 days is
// not handled.
type SensorPacket struct {
	Timestamp     uint32       `json:"timestamp"`
	PMMG          []float64    `json:"pmmg"`
	FSR           []float64    `json:"fsr,omitempty"`
	IMU           []Quaternion `json:"imu"`
	EMG           []float64    `json:"emg"`
	Buttons       []bool       `json:"buttons"`
	Joystick      Joystick     `json:"joystick"`
	ChecksumValid bool         `json:"checksum_valid"`
	Received      time.Time    `json:"received"`
}

func (p SensorPacket) Clone() SensorPacket {
	out := p
	out.PMMG = append([]float64(nil), p.PMMG...)
	out.FSR = append([]float64(nil), p.FSR...)
	out.IMU = append([]Quaternion(nil), p.IMU...)
	out.EMG = append([]float64(nil), p.EMG...)
	out.Buttons = append([]bool(nil), p.Buttons...)
	return out
}
