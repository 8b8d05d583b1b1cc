package foxglove_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"exolink/pkg/bridge/foxglove"
	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

type foxgloveSession struct {
	hub      *engine.Hub
	conn     *websocket.Conn
	channels map[string]foxglove.Channel
}

func startFoxgloveSession(t *testing.T, cfg foxglove.Config) *foxgloveSession {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free port: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	go hub.Run(ctx)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	srv := foxglove.NewServer(cfg, hub, logrus.NewEntry(quiet))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	dialURL := url.URL{Scheme: "ws", Host: ln.Addr().String(), Path: "/"}
	dialer := websocket.Dialer{Subprotocols: []string{foxglove.Subprotocol}}
	conn, _, err := dialer.Dial(dialURL.String(), nil)
	if err != nil {
		cancel()
		t.Fatalf("dial foxglove websocket: %v", err)
	}

	_, infoRaw, err := readWSMessage(conn)
	if err != nil {
		cancel()
		t.Fatalf("read serverInfo: %v", err)
	}
	var info foxglove.ServerInfoMsg
	if err := json.Unmarshal(infoRaw, &info); err != nil || info.Op != foxglove.OpServerInfo {
		cancel()
		t.Fatalf("unexpected first message: %s (%v)", infoRaw, err)
	}

	_, advRaw, err := readWSMessage(conn)
	if err != nil {
		cancel()
		t.Fatalf("read advertise: %v", err)
	}
	var adv foxglove.AdvertiseMsg
	if err := json.Unmarshal(advRaw, &adv); err != nil {
		cancel()
		t.Fatalf("decode advertise json: %v", err)
	}
	channels := make(map[string]foxglove.Channel, len(adv.Channels))
	for _, ch := range adv.Channels {
		channels[ch.Topic] = ch
	}

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("foxglove server run error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting foxglove server shutdown")
		}
	})

	return &foxgloveSession{hub: hub, conn: conn, channels: channels}
}

func readWSMessage(conn *websocket.Conn) (int, []byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	return msgType, raw, err
}

func subscribeChannel(t *testing.T, conn *websocket.Conn, subID uint32, channelID uint64) {
	t.Helper()
	msg := foxglove.SubscribeMsg{
		Op:            foxglove.OpSubscribe,
		Subscriptions: []foxglove.Subscription{{ID: subID, ChannelID: channelID}},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("subscribe channel %d: %v", channelID, err)
	}
	// subscriptions are applied asynchronously by the read loop.
	time.Sleep(20 * time.Millisecond)
}

func readBinaryPayloadForSubID(t *testing.T, conn *websocket.Conn, subID uint32) []byte {
	t.Helper()
	for i := 0; i < 40; i++ {
		msgType, frame, err := readWSMessage(conn)
		if err != nil {
			t.Fatalf("read messageData frame: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(frame) < 13 || frame[0] != foxglove.BinaryOpMessageData {
			continue
		}
		if binary.LittleEndian.Uint32(frame[1:5]) != subID {
			continue
		}
		return append([]byte(nil), frame[13:]...)
	}
	t.Fatalf("did not receive messageData for subscription id %d", subID)
	return nil
}

func TestEncodeMessageData(t *testing.T) {
	frame := foxglove.EncodeMessageData(7, 0x1122334455667788, []byte{0xAA, 0xBB})
	if len(frame) != 15 {
		t.Fatalf("unexpected frame length: %d", len(frame))
	}
	if frame[0] != foxglove.BinaryOpMessageData {
		t.Fatalf("unexpected opcode: 0x%02x", frame[0])
	}
	if got := binary.LittleEndian.Uint32(frame[1:5]); got != 7 {
		t.Fatalf("unexpected subscription id: %d", got)
	}
	if got := binary.LittleEndian.Uint64(frame[5:13]); got != 0x1122334455667788 {
		t.Fatalf("unexpected log time: %x", got)
	}
	if frame[13] != 0xAA || frame[14] != 0xBB {
		t.Fatalf("unexpected payload bytes: %v", frame[13:])
	}
}

func TestFoxglovePublishesPacketsAndTransforms(t *testing.T) {
	cfg := foxglove.DefaultConfig()
	s := startFoxgloveSession(t, cfg)

	subscribeChannel(t, s.conn, 1, s.channels[cfg.Topic].ID)
	subscribeChannel(t, s.conn, 2, s.channels[cfg.TransformTopic].ID)

	s.hub.Publish(engine.Event{Kind: engine.EventConfig, Config: protocol.SensorConfig{
		IMUIDs: []uint8{3}, EMGIDs: []uint8{10, 11}, ButtonCount: 5,
	}})
	s.hub.Publish(engine.Event{Kind: engine.EventPacket, Time: time.Unix(777, 999), Packet: protocol.SensorPacket{
		Timestamp:     55,
		EMG:           []float64{0.5, -0.5},
		IMU:           []protocol.Quaternion{{W: 0.9, X: 0.1, Y: -0.2, Z: 0.3}},
		ChecksumValid: true,
	}})

	var rec foxglove.PacketRecord
	if err := json.Unmarshal(readBinaryPayloadForSubID(t, s.conn, 1), &rec); err != nil {
		t.Fatalf("decode packet payload: %v", err)
	}
	if rec.Timestamp != 55 || !rec.ChecksumValid || rec.EMG["EMG11"] != -0.5 {
		t.Fatalf("unexpected packet record: %+v", rec)
	}

	var tf foxglove.FrameTransformsMessage
	if err := json.Unmarshal(readBinaryPayloadForSubID(t, s.conn, 2), &tf); err != nil {
		t.Fatalf("decode transform payload: %v", err)
	}
	if len(tf.Transforms) != 1 || tf.Transforms[0].ChildFrameID != "imu03" {
		t.Fatalf("unexpected transforms: %+v", tf)
	}
	if r := tf.Transforms[0].Rotation; r.W != 0.9 || r.Y != -0.2 {
		t.Fatalf("unexpected rotation: %+v", r)
	}
}

func TestFoxglovePublishesWarningsToLogPanel(t *testing.T) {
	cfg := foxglove.DefaultConfig()
	s := startFoxgloveSession(t, cfg)

	logChannel := s.channels[cfg.LogTopic]
	if logChannel.SchemaName != "foxglove.Log" {
		t.Fatalf("unexpected log schema: %s", logChannel.SchemaName)
	}
	subscribeChannel(t, s.conn, 11, logChannel.ID)

	s.hub.Publish(engine.Event{Kind: engine.EventWarning, Message: "100 consecutive corrupted packets"})

	var rec foxglove.LogMessage
	if err := json.Unmarshal(readBinaryPayloadForSubID(t, s.conn, 11), &rec); err != nil {
		t.Fatalf("decode log payload: %v", err)
	}
	if rec.Level != 3 || rec.Message != "100 consecutive corrupted packets" || rec.Name != cfg.LogName {
		t.Fatalf("unexpected log record: %+v", rec)
	}

	s.hub.Publish(engine.Event{Kind: engine.EventError, Err: errors.New("peer closed")})
	for i := 0; i < 10; i++ {
		msgType, raw, err := readWSMessage(s.conn)
		if err != nil {
			t.Fatalf("read status: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var status foxglove.StatusMsg
		if err := json.Unmarshal(raw, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.Op != foxglove.OpStatus || status.Level == foxglove.StatusWarning {
			continue
		}
		if status.Level != foxglove.StatusError || status.Message != "peer closed" {
			t.Fatalf("unexpected status: %+v", status)
		}
		return
	}
	t.Fatalf("no status message received")
}
