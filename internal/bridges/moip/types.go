package moip

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes transmitters from receivers.
type Kind string

const (
	KindTX Kind = "tx"
	KindRX Kind = "rx"
)

// ParseKind accepts "tx"/"rx" in any case, and the long forms
// "transmitter"/"receiver".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "tx", "transmitter", "transmitters":
		return KindTX, nil
	case "rx", "receiver", "receivers":
		return KindRX, nil
	}
	return "", fmt.Errorf("%w: unknown device kind %q", ErrInvalidArgument, s)
}

// typeFlag is the numeric TYPE field used by ?Name, !Serial and !IR.
func (k Kind) typeFlag() int {
	if k == KindTX {
		return 1
	}
	return 0
}

func kindFromFlag(flag int) (Kind, bool) {
	switch flag {
	case 1:
		return KindTX, true
	case 0:
		return KindRX, true
	}
	return "", false
}

// Subtype is the device family reported by the management plane.
type Subtype string

const (
	SubtypeAV        Subtype = "av"
	SubtypeAudio     Subtype = "audio"
	SubtypeVideoWall Subtype = "videowall"
)

// DeviceKey addresses one device on the line-protocol plane.
type DeviceKey struct {
	Kind  Kind
	Index int
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s%d", k.Kind, k.Index)
}

// Device is a transmitter or receiver. UnitID and GroupID stay nil until the
// device has been correlated with the management plane.
type Device struct {
	Kind     Kind      `json:"kind"`
	Index    int       `json:"index"`
	UnitID   *int      `json:"unit_id,omitempty"`
	GroupID  *int      `json:"group_id,omitempty"`
	Subtype  Subtype   `json:"subtype"`
	Name     string    `json:"name"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitzero"`
	Model    string    `json:"model,omitempty"`
	MAC      string    `json:"mac,omitempty"`
	IP       string    `json:"ip,omitempty"`
	Firmware string    `json:"firmware,omitempty"`
}

// Key returns the device's line-protocol address.
func (d Device) Key() DeviceKey {
	return DeviceKey{Kind: d.Kind, Index: d.Index}
}

// Source records which path last wrote a routing entry.
type Source string

const (
	SourceLine  Source = "line"  // line-protocol reply or broadcast
	SourceREST  Source = "rest"  // management-plane event stream
	SourceLocal Source = "local" // eager write after a confirmed switch
)

// Route is the current source of one receiver. TX 0 means unassigned.
type Route struct {
	RX        int       `json:"rx"`
	TX        int       `json:"tx"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    Source    `json:"source"`
}

// Assignment is one TX:RX pair as carried by ?Receivers and ~Receivers.
type Assignment struct {
	TX int
	RX int
}

// ConnectionState is the per-transport session state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateDegraded; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// Usable reports whether requests may be issued in this state.
func (s ConnectionState) Usable() bool {
	return s == StateReady || s == StateDegraded
}

// Credentials is a username/password pair. An empty username means the
// plane does not require authentication.
type Credentials struct {
	Username string
	Password string
}

// Settings is the controller connection configuration. It is re-read
// from a SettingsSource before every connection attempt and never mutated
// by this package.
type Settings struct {
	Host       string
	TelnetPort int
	APIPort    int
	Telnet     Credentials
	API        Credentials
	VerifyTLS  bool
	CAFile     string
}

// LineAddress returns host:port of the line-protocol port.
func (s Settings) LineAddress() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.TelnetPort))
}

// APIBaseURL returns the management-plane base URL.
func (s Settings) APIBaseURL() string {
	return "https://" + net.JoinHostPort(s.Host, strconv.Itoa(s.APIPort)) + "/api/v1"
}

// SettingsSource supplies controller settings.
type SettingsSource interface {
	ControllerSettings(ctx context.Context) (Settings, error)
}

// StaticSettings is a SettingsSource that always returns itself.
type StaticSettings Settings

// ControllerSettings implements SettingsSource.
func (s StaticSettings) ControllerSettings(_ context.Context) (Settings, error) {
	if s.Host == "" {
		return Settings{}, ErrNotConfigured
	}
	return Settings(s), nil
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
