package protocol

import (
	"math"

	"github.com/pkg/errors"
)

// Limits is the physical plausibility gate applied to every decoded packet.
type Limits struct {
	// ChannelAbs bounds |value| for EMG and pMMG samples in normalized units.
	ChannelAbs float64 `toml:"channel_abs" yaml:"channel_abs"`
	// QuatComponentAbs bounds |w|, |x|, |y|, |z|.
	QuatComponentAbs float64 `toml:"quat_component_abs" yaml:"quat_component_abs"`
	// QuatMinNormSq rejects degenerate (all-zero) orientation readings.
	QuatMinNormSq float64 `toml:"quat_min_norm_sq" yaml:"quat_min_norm_sq"`
}

func DefaultLimits() Limits {
	return Limits{
		ChannelAbs:       10.0,
		QuatComponentAbs: 100.0,
		QuatMinNormSq:    1e-6,
	}
}

// Check returns nil when the packet is physically plausible. The checksum
// flag plays no part here.
func (l Limits) Check(p SensorPacket) error {
	for i, v := range p.EMG {
		if !inRange(v, l.ChannelAbs) {
			return errors.Wrapf(ErrOutOfRange, "emg[%d]=%g", i, v)
		}
	}
	for i, v := range p.PMMG {
		if !inRange(v, l.ChannelAbs) {
			return errors.Wrapf(ErrOutOfRange, "pmmg[%d]=%g", i, v)
		}
	}
	for i, q := range p.IMU {
		if err := l.CheckQuaternion(q); err != nil {
			return errors.Wrapf(err, "imu[%d]", i)
		}
	}
	return nil
}

func (l Limits) CheckQuaternion(q Quaternion) error {
	comps := [4]float64{q.W, q.X, q.Y, q.Z}
	var normSq float64
	for _, c := range comps {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return errors.Wrap(ErrBadQuaternion, "non-finite component")
		}
		if math.Abs(c) > l.QuatComponentAbs {
			return errors.Wrapf(ErrBadQuaternion, "component %g exceeds %g", c, l.QuatComponentAbs)
		}
		normSq += c * c
	}
	if normSq < l.QuatMinNormSq {
		return errors.Wrap(ErrBadQuaternion, "zero norm")
	}
	return nil
}

func inRange(v float64, limit float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= limit
}
