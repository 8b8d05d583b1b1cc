package protocol

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"exolink/pkg/link"
)

const (
	configHeaderSize = 4

	DefaultRetryDelay = 100 * time.Millisecond
)

// NegotiateOptions controls the handshake. Zero values pick the defaults.
type NegotiateOptions struct {
	// RetryDelay is the pause before re-reading after a checksum mismatch.
	RetryDelay time.Duration
	// MaxAttempts bounds checksum retries. Zero retries for as long as the
	// peer keeps sending.
	MaxAttempts int
	// HandshakeTimeout bounds how long one attempt may wait for bytes. Zero
	// waits until ctx is cancelled.
	HandshakeTimeout time.Duration
	ButtonCount      int
	Scales           Scales
	// OnMismatch is called for every rejected attempt.
	OnMismatch func(attempt int, got uint32, want uint32)
}

// Negotiate reads the channel handshake from r. A checksum mismatch is not
// fatal: the block is discarded and the whole handshake is read again. A
// well-formed block whose IMU component count is not a multiple of four fails
// with ErrMalformedConfig.
func Negotiate(ctx context.Context, r *link.FrameReader, opts NegotiateOptions) (SensorConfig, error) {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ButtonCount <= 0 {
		opts.ButtonCount = DefaultButtonCount
	}

	for attempt := 1; ; attempt++ {
		var deadline time.Time
		if opts.HandshakeTimeout > 0 {
			deadline = time.Now().Add(opts.HandshakeTimeout)
		}

		header, err := readHandshake(ctx, r, configHeaderSize, deadline)
		if err != nil {
			return SensorConfig{}, errors.Wrap(err, "read config header")
		}
		total := int(header[0]) + int(header[1]) + int(header[2]) + int(header[3])
		ids, err := readHandshake(ctx, r, total, deadline)
		if err != nil {
			return SensorConfig{}, errors.Wrap(err, "read config ids")
		}
		sumBytes, err := readHandshake(ctx, r, checksumSize, deadline)
		if err != nil {
			return SensorConfig{}, errors.Wrap(err, "read config checksum")
		}

		want := binary.BigEndian.Uint32(sumBytes)
		got := Checksum(header, ids)
		if got == want {
			cfg, err := ParseConfig(header, ids)
			if err != nil {
				return SensorConfig{}, err
			}
			cfg.ButtonCount = opts.ButtonCount
			cfg.Scales = opts.Scales.withDefaults()
			return cfg, nil
		}

		if opts.OnMismatch != nil {
			opts.OnMismatch(attempt, got, want)
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return SensorConfig{}, errors.Wrapf(ErrNegotiationRetries, "after %d attempts", attempt)
		}

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return SensorConfig{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func readHandshake(ctx context.Context, r *link.FrameReader, n int, deadline time.Time) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := r.ReadExact(n)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, link.ErrTimeout) {
			return nil, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, err
		}
	}
}

// ParseConfig splits a verified id block according to the 4-byte header.
func ParseConfig(header []byte, ids []byte) (SensorConfig, error) {
	if len(header) != configHeaderSize {
		return SensorConfig{}, errors.Wrapf(ErrMalformedConfig, "header is %d bytes", len(header))
	}
	nPMMG, nFSR, nIMU, nEMG := int(header[0]), int(header[1]), int(header[2]), int(header[3])
	if nPMMG+nFSR+nIMU+nEMG != len(ids) {
		return SensorConfig{}, errors.Wrapf(ErrMalformedConfig, "header declares %d ids, got %d", nPMMG+nFSR+nIMU+nEMG, len(ids))
	}
	if nIMU%imuComponents != 0 {
		return SensorConfig{}, errors.Wrapf(ErrMalformedConfig, "%d imu components is not a multiple of %d", nIMU, imuComponents)
	}

	cursor := 0
	take := func(n int) []uint8 {
		out := append([]uint8{}, ids[cursor:cursor+n]...)
		cursor += n
		return out
	}

	cfg := SensorConfig{}
	cfg.PMMGIDs = take(nPMMG)
	cfg.FSRIDs = take(nFSR)
	raw := take(nIMU)
	cfg.EMGIDs = take(nEMG)

	cfg.IMUIDs = make([]uint8, nIMU/imuComponents)
	for i := range cfg.IMUIDs {
		cfg.IMUIDs[i] = raw[i*imuComponents]
	}
	return cfg, nil
}

// EncodeConfig renders cfg as the handshake byte stream a rig sends.
func EncodeConfig(cfg SensorConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, configHeaderSize+cfg.TotalIDs()+checksumSize)
	out = append(out,
		byte(len(cfg.PMMGIDs)),
		byte(len(cfg.FSRIDs)),
		byte(cfg.RawIMUComponents()),
		byte(len(cfg.EMGIDs)),
	)
	out = append(out, cfg.PMMGIDs...)
	out = append(out, cfg.FSRIDs...)
	for _, id := range cfg.IMUIDs {
		out = append(out, id, id, id, id)
	}
	out = append(out, cfg.EMGIDs...)
	return binary.BigEndian.AppendUint32(out, Checksum(out)), nil
}
