package protocol_test

import (
	"errors"
	"math"
	"testing"

	"exolink/pkg/protocol"
)

func rigConfig() protocol.SensorConfig {
	return protocol.SensorConfig{
		PMMGIDs:     []uint8{1, 2, 3},
		IMUIDs:      []uint8{5, 9},
		EMGIDs:      []uint8{10, 11, 12, 13},
		ButtonCount: 5,
		Scales:      protocol.DefaultScales(),
	}
}

func TestPacketSize(t *testing.T) {
	tests := []struct {
		name    string
		cfg     protocol.SensorConfig
		buttons int
		want    int
	}{
		{"three pmmg two imu four emg", rigConfig(), 5, 47},
		{"four buttons", rigConfig(), 4, 46},
		{"empty", protocol.SensorConfig{}, 5, 17},
		{"fsr only", protocol.SensorConfig{FSRIDs: []uint8{1, 2}}, 4, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ButtonCount = tt.buttons
			if got := cfg.PacketSize(); got != tt.want {
				t.Fatalf("packet size: got %d want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	cfg := rigConfig()
	for _, n := range []int{0, 46, 48} {
		if _, err := protocol.Decode(make([]byte, n), cfg); !errors.Is(err, protocol.ErrPacketSize) {
			t.Fatalf("len %d: expected size error, got %v", n, err)
		}
	}
	if _, err := protocol.Decode(make([]byte, 47), cfg); err != nil {
		t.Fatalf("len 47: unexpected error %v", err)
	}
}

func TestDecodeValues(t *testing.T) {
	cfg := rigConfig()
	raw := protocol.RawFrame{
		Timestamp: 123456,
		PMMG:      []int16{1000, -500, 0},
		IMU:       [][4]int16{{16384, 0, 0, 0}, {0, -16384, 8192, 0}},
		EMG:       []int16{250, -250, 32767, -32768},
		Buttons:   []bool{true, false, false, true, false},
		Joystick:  protocol.Joystick{X: -100, Y: 200},
	}
	buf := protocol.EncodePacket(raw, cfg)
	if len(buf) != 47 {
		t.Fatalf("encoded length: %d", len(buf))
	}

	pkt, err := protocol.Decode(buf, cfg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !pkt.ChecksumValid {
		t.Fatalf("expected valid checksum")
	}
	if pkt.Timestamp != 123456 {
		t.Fatalf("timestamp: %d", pkt.Timestamp)
	}
	assertFloats(t, "pmmg", pkt.PMMG, []float64{1, -0.5, 0})
	assertFloats(t, "emg", pkt.EMG, []float64{0.25, -0.25, 32.767, -32.768})
	if len(pkt.FSR) != 0 {
		t.Fatalf("expected no fsr values, got %v", pkt.FSR)
	}
	if pkt.IMU[0] != (protocol.Quaternion{W: 1}) {
		t.Fatalf("imu[0]: %+v", pkt.IMU[0])
	}
	if pkt.IMU[1] != (protocol.Quaternion{X: -1, Y: 0.5}) {
		t.Fatalf("imu[1]: %+v", pkt.IMU[1])
	}
	wantButtons := []bool{true, false, false, true, false}
	for i, b := range wantButtons {
		if pkt.Buttons[i] != b {
			t.Fatalf("buttons: got %v want %v", pkt.Buttons, wantButtons)
		}
	}
	if pkt.Joystick != (protocol.Joystick{X: -100, Y: 200}) {
		t.Fatalf("joystick: %+v", pkt.Joystick)
	}
}

func TestDecodeFlagsBadChecksumButKeepsValues(t *testing.T) {
	cfg := rigConfig()
	buf := protocol.EncodePacket(protocol.RawFrame{
		Timestamp: 9,
		EMG:       []int16{100, 200, 300, 400},
		IMU:       [][4]int16{{16384, 0, 0, 0}, {16384, 0, 0, 0}},
	}, cfg)
	buf[len(buf)-1] ^= 0x01

	pkt, err := protocol.Decode(buf, cfg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkt.ChecksumValid {
		t.Fatalf("expected checksum failure")
	}
	assertFloats(t, "emg", pkt.EMG, []float64{0.1, 0.2, 0.3, 0.4})
}

func TestDecodeNonZeroButtonByte(t *testing.T) {
	cfg := protocol.SensorConfig{ButtonCount: 4}
	buf := protocol.EncodePacket(protocol.RawFrame{}, cfg)
	buf[4+2] = 0x7F
	sum := protocol.Checksum(buf[:len(buf)-4])
	buf[len(buf)-4], buf[len(buf)-3], buf[len(buf)-2], buf[len(buf)-1] = byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum)

	pkt, err := protocol.Decode(buf, cfg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !pkt.ChecksumValid || !pkt.Buttons[2] || pkt.Buttons[0] {
		t.Fatalf("unexpected buttons %v (checksum %v)", pkt.Buttons, pkt.ChecksumValid)
	}
}

func TestChecksumWraps(t *testing.T) {
	if got := protocol.Checksum([]byte{0xFF, 0xFF}, []byte{0x02}); got != 0x200 {
		t.Fatalf("checksum: %#x", got)
	}
}

func assertFloats(t *testing.T, name string, got []float64, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v want %v", name, got, want)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("%s[%d]: got %v want %v", name, i, got[i], want[i])
		}
	}
}
