// Package protocol defines the WebSocket messages exchanged between the
// depthlink server and its consumers.
//
// Inbound traffic is a single command object. Outbound traffic is a closed
// set of message kinds; each kind is a typed struct and the "type" tag is
// only attached by Marshal at the wire boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-depthlink/pkg/capture"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// MessageType identifies an outbound message.
type MessageType string

const (
	TypePong      MessageType = "pong"
	TypeStatus    MessageType = "status"
	TypeSuccess   MessageType = "success"
	TypeError     MessageType = "error"
	TypeFrameData MessageType = "frame_data"
)

// CommandName identifies an inbound command.
type CommandName string

const (
	CommandPing           CommandName = "ping"
	CommandGetStatus      CommandName = "get_status"
	CommandStartStreaming CommandName = "start_streaming"
	CommandStopStreaming  CommandName = "stop_streaming"
)

// Command is an inbound request.
type Command struct {
	Command CommandName `json:"command"`
}

// ParseCommand decodes an inbound payload. Anything that is not a JSON
// object with a string "command" field is ErrMalformedCommand.
func ParseCommand(data []byte) (*Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	field, ok := raw["command"]
	if !ok {
		return nil, fmt.Errorf("%w: missing command field", ErrMalformedCommand)
	}
	var name string
	if err := json.Unmarshal(field, &name); err != nil {
		return nil, fmt.Errorf("%w: command must be a string", ErrMalformedCommand)
	}
	return &Command{Command: CommandName(name)}, nil
}

// Outbound is implemented by every server → client message kind.
type Outbound interface {
	Type() MessageType
	outbound()
}

// Pong answers a ping.
type Pong struct {
	Timestamp  float64 `json:"timestamp"`
	ServerTime string  `json:"server_time"`
}

// Status describes the server, device and transmission state.
type Status struct {
	Timestamp          float64              `json:"timestamp"`
	ClientsConnected   int                  `json:"clients_connected"`
	StreamingClients   int                  `json:"streaming_clients"`
	DeviceConnected    bool                 `json:"device_connected"`
	DeviceStreaming    bool                 `json:"device_streaming"`
	Device             *sensor.DeviceInfo   `json:"device,omitempty"`
	Stream             *sensor.StreamConfig `json:"stream_config,omitempty"`
	Capture            *capture.Stats       `json:"capture,omitempty"`
	TransmissionConfig TransmissionConfig   `json:"transmission_config"`
}

// Success acknowledges a command.
type Success struct {
	Message string `json:"message"`
}

// Error reports a failed or rejected command.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Frame carries one encoded bundle.
type Frame struct {
	Timestamp float64     `json:"timestamp"`
	Sequence  uint64      `json:"sequence"`
	Color     *ColorImage `json:"color_image,omitempty"`
	Depth     *DepthImage `json:"depth_image,omitempty"`
	IMU       *IMUData    `json:"imu,omitempty"`
}

// ColorImage is a base64 JPEG.
type ColorImage struct {
	Data   string `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// DepthImage is a base64 16-bit PNG of raw depth units.
type DepthImage struct {
	Data       string  `json:"data"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Format     string  `json:"format"`
	DepthScale float64 `json:"depth_scale"` // meters per unit
}

// IMUData is the flat motion payload.
type IMUData struct {
	Timestamp     float64     `json:"timestamp"`
	Gyroscope     sensor.Vec3 `json:"gyroscope"`
	Accelerometer sensor.Vec3 `json:"accelerometer"`
	Temperature   float64     `json:"temperature"`
}

func (*Pong) Type() MessageType    { return TypePong }
func (*Status) Type() MessageType  { return TypeStatus }
func (*Success) Type() MessageType { return TypeSuccess }
func (*Error) Type() MessageType   { return TypeError }
func (*Frame) Type() MessageType   { return TypeFrameData }

func (*Pong) outbound()    {}
func (*Status) outbound()  {}
func (*Success) outbound() {}
func (*Error) outbound()   {}
func (*Frame) outbound()   {}

// Marshal encodes m with its "type" tag.
func Marshal(m Outbound) ([]byte, error) {
	switch v := m.(type) {
	case *Pong:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Pong
		}{TypePong, v})
	case *Status:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Status
		}{TypeStatus, v})
	case *Success:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Success
		}{TypeSuccess, v})
	case *Error:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Error
		}{TypeError, v})
	case *Frame:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Frame
		}{TypeFrameData, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

// Parse decodes an outbound message into its concrete kind.
func Parse(data []byte) (Outbound, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	var m Outbound
	switch head.Type {
	case TypePong:
		m = &Pong{}
	case TypeStatus:
		m = &Status{}
	case TypeSuccess:
		m = &Success{}
	case TypeError:
		m = &Error{}
	case TypeFrameData:
		m = &Frame{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", head.Type, err)
	}
	return m, nil
}

// Seconds converts a wall-clock time to fractional Unix seconds.
func Seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
