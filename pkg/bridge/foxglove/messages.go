package foxglove

import "encoding/binary"

// Foxglove WebSocket protocol (foxglove.websocket.v1) operations used by the
// bridge.
const (
	OpServerInfo  = "serverInfo"
	OpStatus      = "status"
	OpAdvertise   = "advertise"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	BinaryOpMessageData = 0x01

	Subprotocol = "foxglove.websocket.v1"
)

// Status levels for OpStatus.
const (
	StatusInfo    = 0
	StatusWarning = 1
	StatusError   = 2
)

type ServerInfoMsg struct {
	Op                 string            `json:"op"`
	Name               string            `json:"name"`
	Capabilities       []string          `json:"capabilities"`
	SupportedEncodings []string          `json:"supportedEncodings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
}

type StatusMsg struct {
	Op      string `json:"op"`
	Level   int    `json:"level"`
	Message string `json:"message"`
}

type Channel struct {
	ID             uint64 `json:"id"`
	Topic          string `json:"topic"`
	Encoding       string `json:"encoding"`
	SchemaName     string `json:"schemaName"`
	SchemaEncoding string `json:"schemaEncoding,omitempty"`
	Schema         string `json:"schema,omitempty"`
}

type AdvertiseMsg struct {
	Op       string    `json:"op"`
	Channels []Channel `json:"channels"`
}

type Subscription struct {
	ID        uint32 `json:"id"`
	ChannelID uint64 `json:"channelId"`
}

type SubscribeMsg struct {
	Op            string         `json:"op"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type UnsubscribeMsg struct {
	Op              string   `json:"op"`
	SubscriptionIDs []uint32 `json:"subscriptionIds"`
}

// EncodeMessageData frames payload as a binary messageData op: opcode,
// little-endian subscription id, little-endian log time in nanoseconds.
func EncodeMessageData(subscriptionID uint32, logTime uint64, payload []byte) []byte {
	out := make([]byte, 0, 1+4+8+len(payload))
	out = append(out, BinaryOpMessageData)
	out = binary.LittleEndian.AppendUint32(out, subscriptionID)
	out = binary.LittleEndian.AppendUint64(out, logTime)
	return append(out, payload...)
}
