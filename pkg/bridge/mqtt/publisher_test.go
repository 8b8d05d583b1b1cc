package mqtt_test

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"exolink/pkg/bridge/mqtt"
	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	publishErr   error
	disconnected bool
}

func (f *fakeClient) Connect() paho.Token {
	return doneToken{}
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var raw []byte
	switch v := payload.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	}
	f.messages = append(f.messages, message{topic: topic, qos: qos, retained: retained, payload: raw})
	return doneToken{err: f.publishErr}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func quiet() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestPublisherTopics(t *testing.T) {
	client := &fakeClient{}
	p := mqtt.NewPublisher(client, mqtt.Config{TopicPrefix: "lab/rig1/", QoS: 1}, quiet())

	p.OnState(engine.StateStreaming)
	p.OnConfigReady(protocol.SensorConfig{EMGIDs: []uint8{1, 2}, ButtonCount: 5})
	p.OnPacket(protocol.SensorPacket{Timestamp: 9, EMG: []float64{0.1, 0.2}})
	p.OnWarning("100 consecutive corrupted packets")
	p.OnConnectionError(errors.New("peer closed"))
	p.Close()

	want := []struct {
		topic    string
		retained bool
	}{
		{"lab/rig1/state", true},
		{"lab/rig1/config", true},
		{"lab/rig1/packet", false},
		{"lab/rig1/warning", false},
		{"lab/rig1/error", false},
		{"lab/rig1/state", true},
	}
	if len(client.messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(client.messages))
	}
	for i, w := range want {
		got := client.messages[i]
		if got.topic != w.topic || got.retained != w.retained || got.qos != 1 {
			t.Fatalf("message %d: got %s retained=%v qos=%d", i, got.topic, got.retained, got.qos)
		}
	}

	if string(client.messages[0].payload) != "streaming" {
		t.Fatalf("unexpected state payload %q", client.messages[0].payload)
	}
	var pkt protocol.SensorPacket
	if err := json.Unmarshal(client.messages[2].payload, &pkt); err != nil {
		t.Fatalf("packet payload: %v", err)
	}
	if pkt.Timestamp != 9 || len(pkt.EMG) != 2 {
		t.Fatalf("unexpected packet payload %+v", pkt)
	}
	if string(client.messages[5].payload) != "disconnected" {
		t.Fatalf("close should publish disconnected, got %q", client.messages[5].payload)
	}
	if !client.disconnected {
		t.Fatalf("client not disconnected")
	}
}

func TestPublisherThinsPackets(t *testing.T) {
	client := &fakeClient{}
	p := mqtt.NewPublisher(client, mqtt.Config{PacketEvery: 3}, quiet())
	for i := 0; i < 7; i++ {
		p.OnPacket(protocol.SensorPacket{Timestamp: uint32(i)})
	}
	if len(client.messages) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(client.messages))
	}
	if client.messages[0].topic != "exolink/packet" {
		t.Fatalf("unexpected default topic %s", client.messages[0].topic)
	}
}

func TestPublisherSurvivesPublishErrors(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("not connected")}
	p := mqtt.NewPublisher(client, mqtt.Config{}, quiet())

	engine.Dispatch(p, engine.Event{Kind: engine.EventWarning, Message: "noisy"})
	engine.Dispatch(p, engine.Event{Kind: engine.EventState, State: engine.StateListening})
	if len(client.messages) != 2 {
		t.Fatalf("expected both publishes attempted, got %d", len(client.messages))
	}
}
