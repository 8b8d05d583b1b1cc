package foxglove

const (
	packetChannelID    uint64 = 1
	markerChannelID    uint64 = 2
	transformChannelID uint64 = 3
	logChannelID       uint64 = 4
)

const PacketSchema = `{
  "type": "object",
  "properties": {
    "ts": { "type": "string" },
    "timestamp": { "type": "integer" },
    "checksum_valid": { "type": "boolean" },
    "emg": { "type": "object", "additionalProperties": { "type": "number" } },
    "pmmg": { "type": "object", "additionalProperties": { "type": "number" } },
    "fsr": { "type": "object", "additionalProperties": { "type": "number" } },
    "imu": { "type": "object", "additionalProperties": { "type": "object" } },
    "buttons": { "type": "array", "items": { "type": "boolean" } },
    "joystick": {
      "type": "object",
      "properties": { "x": { "type": "integer" }, "y": { "type": "integer" } }
    }
  },
  "required": ["timestamp", "checksum_valid"]
}`

const markerArraySchema = `{
  "type": "object",
  "properties": {
    "markers": { "type": "array", "items": { "type": "object" } }
  }
}`

const frameTransformsSchema = `{
  "type": "object",
  "properties": {
    "transforms": { "type": "array", "items": { "type": "object" } }
  }
}`

const logSchema = `{
  "type": "object",
  "properties": {
    "timestamp": { "type": "object" },
    "level": { "type": "integer" },
    "message": { "type": "string" },
    "name": { "type": "string" },
    "file": { "type": "string" },
    "line": { "type": "integer" }
  }
}`

type Config struct {
	WSAddr         string
	Name           string
	Topic          string
	MarkerTopic    string
	TransformTopic string
	LogTopic       string
	LogName        string
	ParentFrameID  string
	// MarkerSpacing separates IMU cubes along x so they do not overlap.
	MarkerSpacing float64
	SendBuf       int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:         "127.0.0.1:8765",
		Name:           "exolink",
		Topic:          "exolink/packet",
		MarkerTopic:    "/exolink/imu_markers",
		TransformTopic: "/tf",
		LogTopic:       "/exolink/log",
		LogName:        "exolink",
		ParentFrameID:  "world",
		MarkerSpacing:  0.5,
		SendBuf:        256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WSAddr == "" {
		c.WSAddr = def.WSAddr
	}
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	if c.MarkerTopic == "" {
		c.MarkerTopic = def.MarkerTopic
	}
	if c.TransformTopic == "" {
		c.TransformTopic = def.TransformTopic
	}
	if c.LogTopic == "" {
		c.LogTopic = def.LogTopic
	}
	if c.LogName == "" {
		c.LogName = def.LogName
	}
	if c.ParentFrameID == "" {
		c.ParentFrameID = def.ParentFrameID
	}
	if c.MarkerSpacing <= 0 {
		c.MarkerSpacing = def.MarkerSpacing
	}
	if c.SendBuf <= 0 {
		c.SendBuf = def.SendBuf
	}
	return c
}
