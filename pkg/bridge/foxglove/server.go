package foxglove

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

const (
	markerTypeCube    = 1
	markerActionAdd   = 0
	logLevelInfo      = 2
	logLevelWarning   = 3
	logLevelError     = 4
	markerScale       = 0.3
	shutdownGraceTime = 5 * time.Second
)

// PacketRecord is the JSON a plot panel sees for one sensor packet. Channel
// values are keyed by channel name (EMG10, PMMG01, ...).
type PacketRecord struct {
	TS            string                 `json:"ts"`
	Timestamp     uint32                 `json:"timestamp"`
	ChecksumValid bool                   `json:"checksum_valid"`
	EMG           map[string]float64     `json:"emg,omitempty"`
	PMMG          map[string]float64     `json:"pmmg,omitempty"`
	FSR           map[string]float64     `json:"fsr,omitempty"`
	IMU           map[string]Quaternion3 `json:"imu,omitempty"`
	Buttons       []bool                 `json:"buttons"`
	Joystick      protocol.Joystick      `json:"joystick"`
}

type MarkerMessage struct {
	Header MarkerHeader `json:"header"`
	NS     string       `json:"ns"`
	ID     int32        `json:"id"`
	Type   int32        `json:"type"`
	Action int32        `json:"action"`
	Pose   MarkerPose   `json:"pose"`
	Scale  Vector3      `json:"scale"`
	Color  ColorRGBA    `json:"color"`
}

type MarkerArrayMessage struct {
	Markers []MarkerMessage `json:"markers"`
}

type MarkerHeader struct {
	FrameID string      `json:"frame_id"`
	Stamp   MarkerStamp `json:"stamp"`
}

type MarkerStamp struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

type MarkerPose struct {
	Position    Vector3     `json:"position"`
	Orientation Quaternion3 `json:"orientation"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type ColorRGBA struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

type FrameTransformMessage struct {
	Timestamp     FrameTime   `json:"timestamp"`
	ParentFrameID string      `json:"parent_frame_id"`
	ChildFrameID  string      `json:"child_frame_id"`
	Translation   Vector3     `json:"translation"`
	Rotation      Quaternion3 `json:"rotation"`
}

type FrameTransformsMessage struct {
	Transforms []FrameTransformMessage `json:"transforms"`
}

type FrameTime struct {
	Sec  uint32 `json:"sec"`
	Nsec uint32 `json:"nsec"`
}

type LogMessage struct {
	Timestamp FrameTime `json:"timestamp"`
	Level     uint8     `json:"level"`
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	File      string    `json:"file"`
	Line      uint32    `json:"line"`
}

// Server exposes the hub's event stream to Foxglove Studio over the
// foxglove.websocket.v1 protocol: packets for plots, one transform and one
// cube marker per IMU for the 3D panel, and lifecycle text for the log panel.
type Server struct {
	cfg     Config
	hub     *engine.Hub
	log     *logrus.Entry
	clients map[*client]struct{}
	sensor  protocol.SensorConfig
	mu      sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		log:     log.WithField("component", "foxglove"),
		clients: make(map[*client]struct{}),
	}
}

// Run listens on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return errors.Wrapf(err, "foxglove listen %s", s.cfg.WSAddr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	httpServer := &http.Server{Handler: mux}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	go s.broadcastLoop(ctx, sub)

	s.log.WithField("addr", ln.Addr().String()).Info("foxglove bridge listening")
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceTime)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	defer s.removeClient(c)
	defer c.close()

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		return
	}

	go c.writeLoop()
	c.readLoop(s.supportedChannels())
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		packetChannelID:    {},
		markerChannelID:    {},
		transformChannelID: {},
		logChannelID:       {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          fmt.Sprintf("%d", time.Now().UTC().UnixNano()),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	channel := func(id uint64, topic string, schemaName string, schema string) Channel {
		return Channel{
			ID:             id,
			Topic:          topic,
			Encoding:       "json",
			SchemaName:     schemaName,
			SchemaEncoding: "jsonschema",
			Schema:         schema,
		}
	}
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		channel(packetChannelID, s.cfg.Topic, "exolink.SensorPacket", PacketSchema),
		channel(markerChannelID, s.cfg.MarkerTopic, "visualization_msgs/MarkerArray", markerArraySchema),
		channel(transformChannelID, s.cfg.TransformTopic, "foxglove.FrameTransforms", frameTransformsSchema),
		channel(logChannelID, s.cfg.LogTopic, "foxglove.Log", logSchema),
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev engine.Event) {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	switch ev.Kind {
	case engine.EventConfig:
		s.mu.Lock()
		s.sensor = ev.Config.Clone()
		s.mu.Unlock()
		s.publishLog(ts, logLevelInfo, describeConfig(ev.Config))
	case engine.EventPacket:
		s.broadcastPacket(ev.Packet, ts)
	case engine.EventWarning:
		s.publishLog(ts, logLevelWarning, ev.Message)
		s.broadcastStatus(StatusWarning, ev.Message)
	case engine.EventError:
		msg := "link error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.publishLog(ts, logLevelError, msg)
		s.broadcastStatus(StatusError, msg)
	case engine.EventState:
		s.publishLog(ts, logLevelInfo, "link "+ev.State.String())
	}
}

func (s *Server) broadcastPacket(pkt protocol.SensorPacket, ts time.Time) {
	s.mu.RLock()
	sensor := s.sensor
	s.mu.RUnlock()

	s.publishJSONToChannel(packetChannelID, ts, s.packetRecord(pkt, sensor, ts))
	if len(pkt.IMU) == 0 {
		return
	}
	s.publishJSONToChannel(markerChannelID, ts, s.markersFromPacket(pkt, sensor, ts))
	s.publishJSONToChannel(transformChannelID, ts, s.transformsFromPacket(pkt, sensor, ts))
}

func (s *Server) packetRecord(pkt protocol.SensorPacket, sensor protocol.SensorConfig, ts time.Time) PacketRecord {
	rec := PacketRecord{
		TS:            ts.UTC().Format(time.RFC3339Nano),
		Timestamp:     pkt.Timestamp,
		ChecksumValid: pkt.ChecksumValid,
		EMG:           namedValues(protocol.KindEMG, sensor.EMGIDs, pkt.EMG),
		PMMG:          namedValues(protocol.KindPMMG, sensor.PMMGIDs, pkt.PMMG),
		FSR:           namedValues(protocol.KindFSR, sensor.FSRIDs, pkt.FSR),
		Buttons:       pkt.Buttons,
		Joystick:      pkt.Joystick,
	}
	if len(pkt.IMU) > 0 {
		rec.IMU = make(map[string]Quaternion3, len(pkt.IMU))
		for i, q := range pkt.IMU {
			rec.IMU[channelName(protocol.KindIMU, sensor.IMUIDs, i)] = toQuaternion3(q)
		}
	}
	return rec
}

func (s *Server) markersFromPacket(pkt protocol.SensorPacket, sensor protocol.SensorConfig, ts time.Time) MarkerArrayMessage {
	markers := make([]MarkerMessage, 0, len(pkt.IMU))
	for i, q := range pkt.IMU {
		markers = append(markers, MarkerMessage{
			Header: MarkerHeader{
				FrameID: s.cfg.ParentFrameID,
				Stamp:   MarkerStamp{Sec: ts.Unix(), Nsec: int64(ts.Nanosecond())},
			},
			NS:     "exolink.imu",
			ID:     int32(idAt(sensor.IMUIDs, i)),
			Type:   markerTypeCube,
			Action: markerActionAdd,
			Pose: MarkerPose{
				Position:    Vector3{X: float64(i) * s.cfg.MarkerSpacing},
				Orientation: toQuaternion3(q),
			},
			Scale: Vector3{X: markerScale, Y: markerScale, Z: markerScale},
			Color: ColorRGBA{R: 1, G: 1, B: 1, A: 1},
		})
	}
	return MarkerArrayMessage{Markers: markers}
}

func (s *Server) transformsFromPacket(pkt protocol.SensorPacket, sensor protocol.SensorConfig, ts time.Time) FrameTransformsMessage {
	transforms := make([]FrameTransformMessage, 0, len(pkt.IMU))
	for i, q := range pkt.IMU {
		transforms = append(transforms, FrameTransformMessage{
			Timestamp:     frameTime(ts),
			ParentFrameID: s.cfg.ParentFrameID,
			ChildFrameID:  strings.ToLower(channelName(protocol.KindIMU, sensor.IMUIDs, i)),
			Translation:   Vector3{X: float64(i) * s.cfg.MarkerSpacing},
			Rotation:      toQuaternion3(q),
		})
	}
	return FrameTransformsMessage{Transforms: transforms}
}

func (s *Server) publishLog(ts time.Time, level uint8, msg string) {
	s.publishJSONToChannel(logChannelID, ts, LogMessage{
		Timestamp: frameTime(ts),
		Level:     level,
		Message:   msg,
		Name:      s.cfg.LogName,
	})
}

func (s *Server) broadcastStatus(level int, msg string) {
	payload, err := json.Marshal(StatusMsg{Op: OpStatus, Level: level, Message: msg})
	if err != nil {
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(payload)
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.log.WithError(err).WithField("channel", channelID).Debug("marshal failed")
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func describeConfig(cfg protocol.SensorConfig) string {
	return fmt.Sprintf("sensor config: %d pmmg, %d fsr, %d imu, %d emg, %d buttons, %d bytes/frame",
		len(cfg.PMMGIDs), len(cfg.FSRIDs), len(cfg.IMUIDs), len(cfg.EMGIDs), cfg.ButtonCount, cfg.PacketSize())
}

func namedValues(kind protocol.ChannelKind, ids []uint8, values []float64) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(values))
	for i, v := range values {
		out[channelName(kind, ids, i)] = v
	}
	return out
}

// channelName falls back to the position when no config has been seen.
func channelName(kind protocol.ChannelKind, ids []uint8, i int) string {
	return protocol.ChannelKey{Kind: kind, ID: idAt(ids, i)}.String()
}

func idAt(ids []uint8, i int) uint8 {
	if i < len(ids) {
		return ids[i]
	}
	return uint8(i)
}

func toQuaternion3(q protocol.Quaternion) Quaternion3 {
	return Quaternion3{X: q.X, Y: q.Y, Z: q.Z, W: q.W}
}

func frameTime(ts time.Time) FrameTime {
	return FrameTime{Sec: uint32(ts.Unix()), Nsec: uint32(ts.Nanosecond())}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

// writeLoop sends messageData as binary frames and JSON ops as text frames;
// JSON never starts with BinaryOpMessageData.
func (c *client) writeLoop() {
	for msg := range c.send {
		kind := websocket.TextMessage
		if len(msg) > 0 && msg[0] == BinaryOpMessageData {
			kind = websocket.BinaryMessage
		}
		if err := c.conn.WriteMessage(kind, msg); err != nil {
			c.close()
			return
		}
	}
}

// trySend drops the message when the client is behind or already closed.
func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
