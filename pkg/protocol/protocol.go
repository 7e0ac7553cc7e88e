// Package protocol implements the binary wire protocol spoken by
// hardware and application clients: a 5-byte header (command, message
// id, body length) followed by the body.
package protocol

import "fmt"

// Command identifies the message type on the wire.
type Command byte

const (
	CmdResponse             Command = 0
	CmdRegister             Command = 1
	CmdLogin                Command = 2
	CmdPing                 Command = 6
	CmdTweet                Command = 12
	CmdHardware             Command = 20
	CmdHardwareConnected    Command = 22
	CmdHardwareDisconnected Command = 23
	CmdGetShareToken        Command = 25
)

func (c Command) String() string {
	switch c {
	case CmdResponse:
		return "response"
	case CmdRegister:
		return "register"
	case CmdLogin:
		return "login"
	case CmdPing:
		return "ping"
	case CmdTweet:
		return "tweet"
	case CmdHardware:
		return "hardware"
	case CmdHardwareConnected:
		return "hardware_connected"
	case CmdHardwareDisconnected:
		return "hardware_disconnected"
	case CmdGetShareToken:
		return "get_share_token"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// Status is the 2-byte code carried in the body of a bare response frame.
type Status uint16

const (
	StatusQuotaLimit        Status = 1
	StatusIllegalCommand    Status = 2
	StatusNotRegistered     Status = 3
	StatusAlreadyRegistered Status = 4
	StatusNotAllowed        Status = 6
	StatusDeviceOffline     Status = 7
	StatusInvalidToken      Status = 9
	StatusIllegalBody       Status = 11
	StatusNotifyInvalidBody Status = 13
	StatusNotifyFailed      Status = 15
	StatusServerError       Status = 19
	StatusEnergyLimit       Status = 21
	StatusOK                Status = 200
)

// Message is one decoded frame. The ID is chosen by the sender and
// echoed in responses; ID 0 marks a server-initiated message.
type Message struct {
	Command Command
	ID      uint16
	Body    []byte
}

// StatusError carries a wire status through the handler return path.
// The dispatch boundary turns it into a bare response frame for the
// originating connection.
type StatusError struct {
	Status Status
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Reason)
}

// Errf builds a StatusError with a formatted reason.
func Errf(status Status, format string, args ...any) *StatusError {
	return &StatusError{Status: status, Reason: fmt.Sprintf(format, args...)}
}
