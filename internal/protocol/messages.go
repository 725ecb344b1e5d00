// ABOUTME: Jonect control protocol message type definitions
// ABOUTME: Tagged union of JSON messages keyed by the "type" discriminant
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the string discriminant carried in the "type" field of every message
type Type string

const (
	TypeServerInfo                            Type = "ServerInfo"
	TypePing                                  Type = "Ping"
	TypePingResponse                          Type = "PingResponse"
	TypePlayAudioStream                       Type = "PlayAudioStream"
	TypeClientInfo                            Type = "ClientInfo"
	TypeConnectTo                             Type = "ConnectTo"
	TypeDisconnectDevice                      Type = "DisconnectDevice"
	TypeDeviceConnectionEstablished           Type = "DeviceConnectionEstablished"
	TypeDeviceConnectionDisconnected          Type = "DeviceConnectionDisconnected"
	TypeDeviceConnectionDisconnectedWithError Type = "DeviceConnectionDisconnectedWithError"
)

var (
	ErrMissingType = errors.New("protocol: message has no type field")
	ErrUnencodable = errors.New("protocol: unrecognized message cannot be encoded")
	ErrNotAnObject = errors.New("protocol: message payload is not a JSON object")
)

// Message is implemented by every protocol variant
type Message interface {
	MessageType() Type
}

// ServerInfo is the first message the server sends after accepting a client
type ServerInfo struct {
	Version string `json:"version"`
	ID      string `json:"id"`
}

// Ping asks the client to answer with PingResponse
type Ping struct{}

// PingResponse answers a Ping
type PingResponse struct{}

// PlayAudioStream tells the client to open the audio data connection
type PlayAudioStream struct {
	Format   string `json:"format"`
	Channels uint8  `json:"channels"`
	Rate     uint32 `json:"rate"`
	Port     uint16 `json:"port"`
}

// ClientInfo identifies the client and reports its native output rate
type ClientInfo struct {
	Version          string `json:"version"`
	ID               string `json:"id"`
	NativeSampleRate int32  `json:"native_sample_rate"`
}

// ConnectTo asks the peer to connect a device at the given address
type ConnectTo struct {
	IPAddress string `json:"ip_address"`
}

// DisconnectDevice asks the receiving side to drop the device connection
type DisconnectDevice struct{}

// DeviceConnectionEstablished is a status pushed by the server
type DeviceConnectionEstablished struct{}

// DeviceConnectionDisconnected is a status pushed by the server
type DeviceConnectionDisconnected struct{}

// DeviceConnectionDisconnectedWithError is a status pushed by the server
type DeviceConnectionDisconnectedWithError struct{}

// Unrecognized holds a message whose discriminant this client does not know.
// It is produced by Decode and never sent.
type Unrecognized struct {
	Type Type
	Raw  json.RawMessage
}

func (ServerInfo) MessageType() Type { return TypeServerInfo }
func (Ping) MessageType() Type { return TypePing }
func (PingResponse) MessageType() Type { return TypePingResponse }
func (PlayAudioStream) MessageType() Type { return TypePlayAudioStream }
func (ClientInfo) MessageType() Type { return TypeClientInfo }
func (ConnectTo) MessageType() Type { return TypeConnectTo }
func (DisconnectDevice) MessageType() Type { return TypeDisconnectDevice }
func (DeviceConnectionEstablished) MessageType() Type { return TypeDeviceConnectionEstablished }
func (DeviceConnectionDisconnected) MessageType() Type { return TypeDeviceConnectionDisconnected }
func (DeviceConnectionDisconnectedWithError) MessageType() Type { return TypeDeviceConnectionDisconnectedWithError }
func (u Unrecognized) MessageType() Type { return u.Type }

// String renders the status variants the way they are shown to the user
func (DeviceConnectionEstablished) String() string { return "Connected" }
func (DeviceConnectionDisconnected) String() string { return "Disconnected" }
func (DeviceConnectionDisconnectedWithError) String() string { return "Connection error" }

var decoders = map[Type]func([]byte) (Message, error){
	TypeServerInfo:                            decodeAs[ServerInfo],
	TypePing:                                  decodeAs[Ping],
	TypePingResponse:                          decodeAs[PingResponse],
	TypePlayAudioStream:                       decodeAs[PlayAudioStream],
	TypeClientInfo:                            decodeAs[ClientInfo],
	TypeConnectTo:                             decodeAs[ConnectTo],
	TypeDisconnectDevice:                      decodeAs[DisconnectDevice],
	TypeDeviceConnectionEstablished:           decodeAs[DeviceConnectionEstablished],
	TypeDeviceConnectionDisconnected:          decodeAs[DeviceConnectionDisconnected],
	TypeDeviceConnectionDisconnectedWithError: decodeAs[DeviceConnectionDisconnectedWithError],
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes a message as a flat JSON object with a "type" field
func Encode(m Message) ([]byte, error) {
	if _, ok := m.(Unrecognized); ok {
		return nil, ErrUnencodable
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, ErrNotAnObject
	}

	tag, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(bytes.TrimSpace(body[1:len(body)-1])) > 0 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Decode parses one JSON message. Unknown discriminants decode to Unrecognized;
// malformed JSON or fields that do not match the variant schema return an error.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	decode, ok := decoders[head.Type]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unrecognized{Type: head.Type, Raw: raw}, nil
	}

	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", head.Type, err)
	}
	return m, nil
}
