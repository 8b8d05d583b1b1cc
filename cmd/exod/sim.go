package main

import (
	"context"
	"io"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exolink/pkg/protocol"
	"exolink/pkg/transport"
)

const (
	simRollAmplitudeRad  = 35.0 * math.Pi / 180.0
	simPitchAmplitudeRad = 25.0 * math.Pi / 180.0
	simYawAmplitudeRad   = 40.0 * math.Pi / 180.0

	simRollFreqHz  = 0.23
	simPitchFreqHz = 0.31
	simYawFreqHz   = 0.17

	simRollPhaseRad  = 0.0
	simPitchPhaseRad = math.Pi / 3.0
	simYawPhaseRad   = 2.0 * math.Pi / 3.0

	// each IMU lags the previous one along the limb
	simIMULagSec = 0.4
)

type simFlags struct {
	addr         string
	rate         int
	frames       int
	duration     time.Duration
	pmmg         int
	fsr          int
	imu          int
	emg          int
	buttons      int
	corruptEvery int
	badHandshake bool
	attempts     int
}

func newSimCmd(global *globalOptions) *cobra.Command {
	flags := &simFlags{}
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a synthetic rig that connects to exod and streams frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			log, closeLog, err := global.newLogger(cfg, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer closeLog()

			if !cmd.Flags().Changed("buttons") {
				flags.buttons = cfg.Negotiation.ButtonCount
			}
			rig, err := newRigSim(*flags)
			if err != nil {
				return usageError{err}
			}
			entry := logrus.NewEntry(log).WithField("component", "sim")
			dialer := transport.NewDialer(flags.addr, rig.Stream,
				transport.WithReconnectInterval(time.Second),
				transport.WithMaxAttempts(flags.attempts),
				transport.WithErrorHandler(func(err error) {
					entry.WithError(err).Warn("rig link failed")
				}),
			)
			entry.WithFields(logrus.Fields{
				"addr":        flags.addr,
				"rate":        flags.rate,
				"packet_size": rig.cfg.PacketSize(),
			}).Info("simulated rig starting")
			return dialer.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", "127.0.0.1:5001", "exod address to dial")
	f.IntVar(&flags.rate, "rate", 500, "frames per second")
	f.IntVar(&flags.frames, "frames", 0, "frames to send before the terminate marker (0 = unlimited)")
	f.DurationVar(&flags.duration, "duration", 0, "stream duration before the terminate marker (0 = unlimited)")
	f.IntVar(&flags.pmmg, "pmmg", 3, "pMMG channels")
	f.IntVar(&flags.fsr, "fsr", 0, "FSR channels")
	f.IntVar(&flags.imu, "imu", 2, "IMU units")
	f.IntVar(&flags.emg, "emg", 4, "EMG channels")
	f.IntVar(&flags.buttons, "buttons", protocol.DefaultButtonCount, "button bytes per frame")
	f.IntVar(&flags.corruptEvery, "corrupt-every", 0, "flip a checksum bit every N frames (0 = never)")
	f.BoolVar(&flags.badHandshake, "bad-handshake", false, "send one corrupted handshake before the real one")
	f.IntVar(&flags.attempts, "attempts", 0, "dial attempts before giving up (0 = unlimited)")
	return cmd
}

// rigSim plays the rig side of the protocol.
type rigSim struct {
	cfg          protocol.SensorConfig
	interval     time.Duration
	frames       int
	duration     time.Duration
	corruptEvery int
	badHandshake bool
}

func newRigSim(f simFlags) (*rigSim, error) {
	if f.rate <= 0 {
		return nil, errors.New("rate must be positive")
	}
	counts := []int{f.pmmg, f.fsr, f.imu * 4, f.emg, f.buttons}
	for _, n := range counts {
		if n < 0 || n > 255 {
			return nil, errors.Errorf("channel count %d out of range", n)
		}
	}
	cfg := protocol.SensorConfig{
		PMMGIDs:     sequentialIDs(1, f.pmmg),
		FSRIDs:      sequentialIDs(1, f.fsr),
		IMUIDs:      sequentialIDs(1, f.imu),
		EMGIDs:      sequentialIDs(1, f.emg),
		ButtonCount: f.buttons,
		Scales:      protocol.DefaultScales(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &rigSim{
		cfg:          cfg,
		interval:     time.Second / time.Duration(f.rate),
		frames:       f.frames,
		duration:     f.duration,
		corruptEvery: f.corruptEvery,
		badHandshake: f.badHandshake,
	}, nil
}

func sequentialIDs(first int, n int) []uint8 {
	ids := make([]uint8, n)
	for i := range ids {
		ids[i] = uint8(first + i)
	}
	return ids
}

// Stream negotiates on conn and sends frames until the frame or time budget
// runs out or ctx ends, then sends the terminate marker.
func (r *rigSim) Stream(ctx context.Context, conn net.Conn) error {
	return r.stream(ctx, conn)
}

func (r *rigSim) stream(ctx context.Context, w io.Writer) error {
	handshake, err := protocol.EncodeConfig(r.cfg)
	if err != nil {
		return err
	}
	if r.badHandshake {
		bad := append([]byte(nil), handshake...)
		bad[len(bad)-1] ^= 0xFF
		if _, err := w.Write(bad); err != nil {
			return errors.Wrap(err, "write handshake")
		}
	}
	if _, err := w.Write(handshake); err != nil {
		return errors.Wrap(err, "write handshake")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	start := time.Now()
	for seq := 0; r.frames == 0 || seq < r.frames; seq++ {
		select {
		case <-ctx.Done():
			return r.terminate(w)
		case <-ticker.C:
		}
		elapsed := time.Since(start)
		if r.duration > 0 && elapsed >= r.duration {
			break
		}
		frame := protocol.EncodePacket(r.frame(elapsed), r.cfg)
		if r.corruptEvery > 0 && (seq+1)%r.corruptEvery == 0 {
			frame[len(frame)-1] ^= 0x01
		}
		if _, err := w.Write(frame); err != nil {
			return errors.Wrap(err, "write frame")
		}
	}
	return r.terminate(w)
}

func (r *rigSim) terminate(w io.Writer) error {
	if _, err := w.Write([]byte{protocol.TerminateMarker}); err != nil {
		return errors.Wrap(err, "write terminate marker")
	}
	return nil
}

// frame builds the raw sample set at elapsed time since the stream began.
func (r *rigSim) frame(elapsed time.Duration) protocol.RawFrame {
	t := elapsed.Seconds()
	raw := protocol.RawFrame{
		Timestamp: uint32(elapsed.Milliseconds()),
		PMMG:      waveform(len(r.cfg.PMMGIDs), t, 0.5, 0.4, r.cfg.Scales.PMMG),
		FSR:       waveform(len(r.cfg.FSRIDs), t, 1.1, 0.3, r.cfg.Scales.FSR),
		EMG:       waveform(len(r.cfg.EMGIDs), t, 7.0, 0.2, r.cfg.Scales.EMG),
		Buttons:   make([]bool, r.cfg.ButtonCount),
		Joystick: protocol.Joystick{
			X: int16(1000 * math.Cos(2*math.Pi*0.1*t)),
			Y: int16(1000 * math.Sin(2*math.Pi*0.1*t)),
		},
	}
	if len(raw.Buttons) > 0 {
		raw.Buttons[int(t)%len(raw.Buttons)] = true
	}
	scale := r.cfg.Scales.IMU
	for i := range r.cfg.IMUIDs {
		q := simQuaternion(t - float64(i)*simIMULagSec)
		raw.IMU = append(raw.IMU, [4]int16{
			int16(q.W * scale),
			int16(q.X * scale),
			int16(q.Y * scale),
			int16(q.Z * scale),
		})
	}
	return raw
}

// waveform returns n phase-shifted sine samples in raw units.
func waveform(n int, t float64, freqHz float64, amplitude float64, scale float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		phase := float64(i) * math.Pi / 4
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freqHz*t+phase) * scale)
	}
	return out
}

func simEulerAngles(t float64) (roll float64, pitch float64, yaw float64) {
	roll = simRollAmplitudeRad * math.Sin(2.0*math.Pi*simRollFreqHz*t+simRollPhaseRad)
	pitch = simPitchAmplitudeRad * math.Sin(2.0*math.Pi*simPitchFreqHz*t+simPitchPhaseRad)
	yaw = simYawAmplitudeRad * math.Sin(2.0*math.Pi*simYawFreqHz*t+simYawPhaseRad)
	return
}

// simQuaternion is a unit quaternion swinging smoothly through all three axes.
func simQuaternion(t float64) protocol.Quaternion {
	roll, pitch, yaw := simEulerAngles(t)
	cr, sr := math.Cos(roll*0.5), math.Sin(roll*0.5)
	cp, sp := math.Cos(pitch*0.5), math.Sin(pitch*0.5)
	cy, sy := math.Cos(yaw*0.5), math.Sin(yaw*0.5)

	// ZYX intrinsic rotation (yaw -> pitch -> roll).
	w := cr*cp*cy + sr*sp*sy
	x := sr*cp*cy - cr*sp*sy
	y := cr*sp*cy + sr*cp*sy
	z := cr*cp*sy - sr*sp*cy

	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	if norm == 0 {
		return protocol.Quaternion{W: 1}
	}
	inv := 1.0 / norm
	return protocol.Quaternion{W: w * inv, X: x * inv, Y: y * inv, Z: z * inv}
}
