package moip

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FrameKind classifies a line-protocol message by its first character.
type FrameKind int

const (
	FrameQuery     FrameKind = iota // ?Name=VALUE
	FrameControl                    // !Name=VALUE (command echo)
	FrameError                      // #ErrorText
	FrameBroadcast                  // ~Name=VALUE
	FrameOK                         // OK
)

func (k FrameKind) String() string {
	switch k {
	case FrameQuery:
		return "query"
	case FrameControl:
		return "control"
	case FrameError:
		return "error"
	case FrameBroadcast:
		return "broadcast"
	case FrameOK:
		return "ok"
	}
	return "unknown"
}

// Frame is one decoded line. For prefixed frames Name and Value are split
// at the first '='; for error frames Value holds the text after '#'.
type Frame struct {
	Kind  FrameKind
	Name  string
	Value string
	Raw   string

	// At is the arrival time, set by the reader.
	At time.Time
}

// ParseFrame classifies a single line with its terminator already removed.
// Trailing carriage returns and surrounding spaces are ignored. Anything not
// starting with a known prefix, other than a bare OK, is a *ProtocolViolation.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, &ProtocolViolation{Line: line, Reason: "empty frame"}
	}
	if line == "OK" {
		return Frame{Kind: FrameOK, Raw: line}, nil
	}

	f := Frame{Raw: line}
	switch line[0] {
	case '?':
		f.Kind = FrameQuery
	case '!':
		f.Kind = FrameControl
	case '#':
		f.Kind = FrameError
		f.Value = strings.TrimSpace(line[1:])
		return f, nil
	case '~':
		f.Kind = FrameBroadcast
	default:
		return Frame{}, &ProtocolViolation{Line: line, Reason: "unrecognised prefix"}
	}

	body := line[1:]
	name, value, _ := strings.Cut(body, "=")
	if name == "" {
		return Frame{}, &ProtocolViolation{Line: line, Reason: "missing message name"}
	}
	f.Name = name
	f.Value = value
	return f, nil
}

// parseDeviceCounts decodes the value of ?Devices=TX,RX.
func parseDeviceCounts(value string) (tx, rx int, err error) {
	a, b, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0, &ProtocolViolation{Line: value, Reason: "Devices expects TX,RX"}
	}
	tx, err1 := strconv.Atoi(strings.TrimSpace(a))
	rx, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || tx < 0 || rx < 0 {
		return 0, 0, &ProtocolViolation{Line: value, Reason: "Devices counts must be non-negative integers"}
	}
	return tx, rx, nil
}

// parseAssignments decodes a routing table value, "TX:RX,TX:RX,...".
//
// A pair whose RX field is 0 cannot name a receiver, so it is read as
// "receiver <first field> has no source". This keeps firmware that reports
// unrouted receivers as N:0 from producing a phantom receiver 0.
func parseAssignments(value string) ([]Assignment, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	fields := strings.Split(value, ",")
	out := make([]Assignment, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		a, b, ok := strings.Cut(field, ":")
		if !ok {
			return nil, &ProtocolViolation{Line: value, Reason: fmt.Sprintf("routing pair %q lacks ':'", field)}
		}
		tx, err1 := strconv.Atoi(a)
		rx, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil || tx < 0 || rx < 0 {
			return nil, &ProtocolViolation{Line: value, Reason: fmt.Sprintf("routing pair %q is not numeric", field)}
		}
		if rx == 0 {
			if tx == 0 {
				continue
			}
			out = append(out, Assignment{TX: 0, RX: tx})
			continue
		}
		out = append(out, Assignment{TX: tx, RX: rx})
	}
	return out, nil
}

// parseNameLine decodes one ?Name=TYPE,INDEX,NAME reply. Names may contain
// commas.
func parseNameLine(value string) (Kind, int, string, error) {
	parts := strings.SplitN(value, ",", 3)
	if len(parts) != 3 {
		return "", 0, "", &ProtocolViolation{Line: value, Reason: "Name expects TYPE,INDEX,NAME"}
	}
	flag, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", 0, "", &ProtocolViolation{Line: value, Reason: "Name TYPE is not numeric"}
	}
	kind, ok := kindFromFlag(flag)
	if !ok {
		return "", 0, "", &ProtocolViolation{Line: value, Reason: "Name TYPE must be 0 or 1"}
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index <= 0 {
		return "", 0, "", &ProtocolViolation{Line: value, Reason: "Name INDEX must be a positive integer"}
	}
	return kind, index, strings.TrimSpace(parts[2]), nil
}

// parseSerialValue decodes ~Serial=TYPE,INDEX,DATA.
func parseSerialValue(value string) (DeviceKey, []byte, error) {
	parts := strings.SplitN(value, ",", 3)
	if len(parts) != 3 {
		return DeviceKey{}, nil, &ProtocolViolation{Line: value, Reason: "Serial expects TYPE,INDEX,DATA"}
	}
	flag, err := strconv.Atoi(parts[0])
	kind, ok := kindFromFlag(flag)
	if err != nil || !ok {
		return DeviceKey{}, nil, &ProtocolViolation{Line: value, Reason: "Serial TYPE must be 0 or 1"}
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index <= 0 {
		return DeviceKey{}, nil, &ProtocolViolation{Line: value, Reason: "Serial INDEX must be a positive integer"}
	}
	data, err := DecodeHexBytes(parts[2])
	if err != nil {
		return DeviceKey{}, nil, &ProtocolViolation{Line: value, Reason: err.Error()}
	}
	return DeviceKey{Kind: kind, Index: index}, data, nil
}

// EncodeHexBytes renders data as space-separated upper-case hex bytes,
// the serial/IR payload format.
func EncodeHexBytes(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// DecodeHexBytes parses space-separated hex bytes. Each token must be one
// or two hex digits.
func DecodeHexBytes(s string) ([]byte, error) {
	tokens := strings.Fields(s)
	out := make([]byte, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) == 1 {
			tok = "0" + tok
		}
		if len(tok) != 2 {
			return nil, fmt.Errorf("hex byte %q must be one or two digits", tok)
		}
		b, err := hex.DecodeString(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q", tok)
		}
		out = append(out, b[0])
	}
	return out, nil
}

// BaudSpec is a serial line configuration written BAUD-DATABITSPARITYSTOPBITS,
// for example 9600-8n1.
type BaudSpec struct {
	Baud     int
	DataBits int
	Parity   byte // 'n', 'e', 'o'
	StopBits int
}

// DefaultBaudSpec is 9600-8n1.
var DefaultBaudSpec = BaudSpec{Baud: 9600, DataBits: 8, Parity: 'n', StopBits: 1}

// ParseBaudSpec parses "9600-8n1". Parity is case-insensitive.
func ParseBaudSpec(s string) (BaudSpec, error) {
	baud, frame, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok || len(frame) != 3 {
		return BaudSpec{}, fmt.Errorf("%w: baud spec %q must look like 9600-8n1", ErrInvalidArgument, s)
	}
	rate, err := strconv.Atoi(baud)
	if err != nil || rate <= 0 {
		return BaudSpec{}, fmt.Errorf("%w: baud rate %q", ErrInvalidArgument, baud)
	}
	spec := BaudSpec{
		Baud:     rate,
		DataBits: int(frame[0] - '0'),
		Parity:   strings.ToLower(frame[1:2])[0],
		StopBits: int(frame[2] - '0'),
	}
	if err := spec.Validate(); err != nil {
		return BaudSpec{}, err
	}
	return spec, nil
}

// Validate checks the data bit, parity and stop bit ranges.
func (b BaudSpec) Validate() error {
	if b.Baud <= 0 {
		return fmt.Errorf("%w: baud rate must be positive", ErrInvalidArgument)
	}
	if b.DataBits < 5 || b.DataBits > 8 {
		return fmt.Errorf("%w: data bits must be 5-8", ErrInvalidArgument)
	}
	if b.Parity != 'n' && b.Parity != 'e' && b.Parity != 'o' {
		return fmt.Errorf("%w: parity must be n, e or o", ErrInvalidArgument)
	}
	if b.StopBits != 1 && b.StopBits != 2 {
		return fmt.Errorf("%w: stop bits must be 1 or 2", ErrInvalidArgument)
	}
	return nil
}

func (b BaudSpec) String() string {
	return fmt.Sprintf("%d-%d%c%d", b.Baud, b.DataBits, b.Parity, b.StopBits)
}
