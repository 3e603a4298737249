package internal

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"lanchat/internal/protocol"
	"lanchat/internal/transport"
)

// ProtocolError is a user-facing failure reported to the offending peer only.
type ProtocolError struct {
	Code int
	Text string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Text)
}

// Packet renders the error as the ERROR packet sent to the peer.
func (e *ProtocolError) Packet() protocol.Packet {
	return protocol.Errorf(e.Code, e.Text)
}

// Stable error codes.
var (
	errNotReady        = &ProtocolError{1, "CANNOT SEND MESSAGE BEFORE FULLY CONNECTED"}
	errBlankName       = &ProtocolError{2, "NAME CANNOT BE BLANK"}
	errUnknownCommand  = &ProtocolError{3, "UNKNOWN COMMAND"}
	errNoTarget        = &ProtocolError{4, "COMMAND REQUIRES A TARGET"}
	errNoSuchTarget    = &ProtocolError{5, "COMMAND TARGET DOES NOT EXIST"}
	errNotHost         = &ProtocolError{6, "ONLY THE HOST CAN KICK"}
	errTargetNotNumber = &ProtocolError{7, "COMMAND TARGET MUST BE A NUMBER"}
	errKickHost        = &ProtocolError{8, "CANNOT KICK HOST"}
)

const helpText = `Available commands:
/info           - Show the room, its host and who is here
/help, /h       - Show this help
/quit, /q       - Leave the room
/kick <id>      - Remove a member (host only)
/clear          - Clear your screen`

func isCommand(message string) bool {
	return strings.HasPrefix(message, "/") || strings.HasPrefix(message, `\`)
}

func displayName(c *Session) string {
	if c.name == "" {
		return "(connecting)"
	}
	return c.name
}

// HostIPs lists the non-loopback IPv4 addresses of this machine.
func HostIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				ips = append(ips, ip4.String())
			}
		}
	}
	if len(ips) == 0 {
		ips = append(ips, "127.0.0.1")
	}
	return ips
}

// isExpectedCloseError reports errors that mean the other side simply went away.
func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || transport.IsPeerGone(err)
}
