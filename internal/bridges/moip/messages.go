package moip

import (
	"errors"
	"time"
)

// MQTT message types exchanged between the manager and home-automation
// clients. Topics are built by mqtt.Topics.

// Command names accepted on moip/command/{command}.
const (
	CommandSwitch        = "switch"
	CommandUnassign      = "unassign"
	CommandRename        = "rename"
	CommandSetResolution = "set_resolution"
	CommandSetHDCP       = "set_hdcp"
	CommandCEC           = "cec"
	CommandSerial        = "serial"
	CommandIR            = "ir"
	CommandResync        = "resync"
)

// CEC actions for CommandCEC.
const (
	CECActionPowerOn    = "power_on"
	CECActionPowerOff   = "power_off"
	CECActionVolumeUp   = "volume_up"
	CECActionVolumeDown = "volume_down"
	CECActionMute       = "mute"
)

// CommandMessage is a command received on moip/command/{command}. Only the
// fields relevant to the command are read.
type CommandMessage struct {
	// ID correlates the command with its ack. Generated when empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp,omitzero"`

	TX    int    `json:"tx,omitempty"`
	RX    int    `json:"rx,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Index int    `json:"index,omitempty"`

	// Name is the new display name for rename.
	Name string `json:"name,omitempty"`

	// Value is the resolution or HDCP mode.
	Value string `json:"value,omitempty"`

	// Action selects the CEC operation.
	Action string `json:"action,omitempty"`

	// Baud is the serial spec, e.g. "9600-8n1". Defaults to 9600-8n1.
	Baud string `json:"baud,omitempty"`

	// Data is the serial or IR payload as space-separated hex bytes.
	Data string `json:"data,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
	AckTimeout  AckStatus = "timeout"
)

// AckMessage is published on moip/ack/{command_id}.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand      = "INVALID_COMMAND"
	ErrCodeInvalidParameters   = "INVALID_PARAMETERS"
	ErrCodeDeviceUnreachable   = "DEVICE_UNREACHABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCommandRejected     = "COMMAND_REJECTED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeCorrelationConflict = "CORRELATION_CONFLICT"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeBridgeError         = "BRIDGE_ERROR"
)

// ErrorCode maps an error to its ack error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrCommandRejected):
		return ErrCodeCommandRejected
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrCorrelationConflict):
		return ErrCodeCorrelationConflict
	case errors.Is(err, ErrAuth):
		return ErrCodeAuthFailed
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrNotConnected), errors.Is(err, ErrNotConfigured):
		return ErrCodeDeviceUnreachable
	}
	return ErrCodeBridgeError
}

// NewAckMessage creates a successful acknowledgment.
func NewAckMessage(cmd CommandMessage, command string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Command:   command,
		Timestamp: time.Now().UTC(),
		Status:    AckAccepted,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, command, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Command:   command,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     &AckError{Code: code, Message: message},
	}
}

// RoutingMessage is the retained payload of moip/state/routing.
type RoutingMessage struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Routes    []Route   `json:"routes"`
}

// DeviceMessage is the retained payload of moip/state/device/{kind}/{index}.
type DeviceMessage struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id,omitempty"`
	Device    Device    `json:"device"`
}

// ConnectionMessage is the retained payload of moip/state/connection/{transport}.
type ConnectionMessage struct {
	Timestamp time.Time       `json:"timestamp"`
	Transport string          `json:"transport"`
	State     ConnectionState `json:"state"`
	Error     string          `json:"error,omitempty"`
}

// HealthStatus represents the operational status of the manager.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained payload of moip/health.
type HealthMessage struct {
	Service       string            `json:"service"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Transports    []TransportStatus `json:"transports,omitempty"`
	Devices       int               `json:"devices"`
	ActiveStreams int               `json:"active_streams"`
	SyncedAt      time.Time         `json:"synced_at,omitzero"`
	Statistics    *HealthStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// HealthStatistics contains operational counters.
type HealthStatistics struct {
	LineRequests  uint64 `json:"line_requests"`
	LineErrors    uint64 `json:"line_errors"`
	Violations    uint64 `json:"protocol_violations"`
	EventsDropped uint64 `json:"events_dropped"`
	RestRequests  uint64 `json:"rest_requests"`
	RestErrors    uint64 `json:"rest_errors"`
	Logins        uint64 `json:"logins"`
	Reconnects    uint64 `json:"reconnects"`
}

// NewHealthMessage builds a health message from a status summary.
func NewHealthMessage(service, version string, status HealthStatus, st Status, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Service:       service,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Transports:    st.Transports,
		Devices:       st.TXCount + st.RXCount,
		ActiveStreams: st.ActiveStreams,
		SyncedAt:      st.SyncedAt,
	}

	stats := &HealthStatistics{
		LineRequests:  st.Line.Requests,
		LineErrors:    st.Line.Errors,
		Violations:    st.Line.Violations + st.Dispatcher.Violations,
		EventsDropped: st.Line.EventsDropped,
	}
	if st.Rest != nil {
		stats.RestRequests = st.Rest.Requests
		stats.RestErrors = st.Rest.Errors
		stats.Logins = st.Rest.Logins
		stats.EventsDropped += st.Rest.EventsDropped
	}
	for _, t := range st.Transports {
		stats.Reconnects += t.Reconnects
	}
	msg.Statistics = stats
	return msg
}
