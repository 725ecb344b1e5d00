// ABOUTME: Session states and the statuses reported to the user
// ABOUTME: Status text follows what the player shows on screen
package app

import "fmt"

// State is the session lifecycle state
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	AudioActive
	Disconnecting
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case AudioActive:
		return "AudioActive"
	case Disconnecting:
		return "Disconnecting"
	case Errored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StatusKind classifies a status notification
type StatusKind int

const (
	StatusConnected StatusKind = iota
	StatusDisconnected
	StatusConnectionError
	StatusAudioStreamError
	StatusAudioStarted
	StatusServerInfo
	StatusServerState
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnectionError:
		return "ConnectionError"
	case StatusAudioStreamError:
		return "AudioStreamError"
	case StatusAudioStarted:
		return "AudioStarted"
	case StatusServerInfo:
		return "ServerInfo"
	case StatusServerState:
		return "ServerState"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// Status is one notification for the UI boundary
type Status struct {
	Kind  StatusKind
	State State
	Text  string
}

func (s Status) String() string {
	return s.Text
}

func connectionErrorText(err error) string {
	if err == nil {
		return "Connection error"
	}
	return "Connection error: " + err.Error()
}
