package moip

import (
	"fmt"
	"strings"
)

// Line-protocol commands.
const (
	cmdDevices   = "?Devices"
	cmdReceivers = "?Receivers"
)

// CEC operation codes sent with !CEC.
const (
	cecImageViewOn  = "04"
	cecStandby      = "36"
	cecKeyPress     = "44"
	cecKeyRelease   = "45"
	cecKeyVolumeUp  = "41"
	cecKeyVolumeDn  = "42"
	cecKeyMute      = "43"
	maxSerialLength = 256
)

func nameQuery(kind Kind) string {
	return fmt.Sprintf("?Name=%d", kind.typeFlag())
}

func switchCommand(tx, rx int) string {
	return fmt.Sprintf("!Switch=%d,%d", tx, rx)
}

func cecCommand(rx int, codes ...string) string {
	return fmt.Sprintf("!CEC=%d,%s", rx, strings.Join(codes, " "))
}

func serialCommand(key DeviceKey, baud BaudSpec, data []byte) string {
	return fmt.Sprintf("!Serial=%d,%d,%s,%s", key.Kind.typeFlag(), key.Index, baud, EncodeHexBytes(data))
}

func irCommand(key DeviceKey, data []byte) string {
	return fmt.Sprintf("!IR=%d,%d,%s", key.Kind.typeFlag(), key.Index, EncodeHexBytes(data))
}

// queryName returns the message name of a query command, e.g. "Receivers"
// for "?Receivers" or "Name" for "?Name=1".
func queryName(cmd string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(cmd, "?"), "=")
	return name
}

// validateCommand rejects commands that would break line framing or carry
// no recognised prefix.
func validateCommand(cmd string) error {
	if cmd == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	if strings.ContainsAny(cmd, "\r\n") {
		return fmt.Errorf("%w: command contains a line break", ErrInvalidArgument)
	}
	if cmd[0] != '?' && cmd[0] != '!' {
		return fmt.Errorf("%w: command must start with '?' or '!'", ErrInvalidArgument)
	}
	return nil
}

func validateIndex(what string, index int) error {
	if index <= 0 {
		return fmt.Errorf("%w: %s index must be positive, got %d", ErrInvalidArgument, what, index)
	}
	return nil
}

func validatePayload(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: payload is empty", ErrInvalidArgument)
	}
	if len(data) > maxSerialLength {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidArgument, maxSerialLength)
	}
	return nil
}
