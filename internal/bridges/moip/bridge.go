package moip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bbellwfu/moip-manager/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// bridgeCommandTimeout bounds one MQTT command against the controller.
	bridgeCommandTimeout = 15 * time.Second

	// bridgeChangeBuffer is the subscription buffer for state changes.
	bridgeChangeBuffer = 256
)

// MQTTClient is the interface for MQTT operations.
// *mqtt.Client implements it; tests use a mock.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// ControlSurface is the part of the facade the bridge drives.
type ControlSurface interface {
	Snapshot() (Snapshot, error)
	Status() Status
	Subscribe(buffer int) *Subscription
	Resync(ctx context.Context) error

	Switch(ctx context.Context, tx, rx int) error
	Unassign(ctx context.Context, rx int) error
	Rename(ctx context.Context, kind Kind, index int, name string) error
	SetResolution(ctx context.Context, rx int, value string) error
	SetHDCP(ctx context.Context, rx int, value string) error
	CECPowerOn(ctx context.Context, rx int) error
	CECPowerOff(ctx context.Context, rx int) error
	CECVolumeUp(ctx context.Context, rx int) error
	CECVolumeDown(ctx context.Context, rx int) error
	CECMute(ctx context.Context, rx int) error
	SendSerial(ctx context.Context, kind Kind, index int, baud BaudSpec, data []byte) error
	SendIR(ctx context.Context, kind Kind, index int, data []byte) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Controller is the facade commands are executed against.
	Controller ControlSurface

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// QoS is used for state publications and the command subscription.
	QoS byte

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// Version is reported in health messages.
	Version string

	// Service names the process in health messages.
	Service string

	Logger Logger
}

// Bridge mirrors controller state onto MQTT and executes commands received
// from MQTT.
//
// It handles:
//   - Publishing routing, device, serial and connection changes as they happen
//   - Receiving commands on moip/command/{command} and publishing acks
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	ctrl   ControlSurface
	mqtt   MQTTClient
	qos    byte
	health *HealthReporter
	topics mqtt.Topics
	logger Logger

	sub *Subscription

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	logger := loggerOrNop(opts.Logger)

	b := &Bridge{
		ctrl:      opts.Controller,
		mqtt:      opts.MQTTClient,
		qos:       opts.QoS,
		logger:    logger,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Service:   opts.Service,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    opts.Controller,
		Logger:    logger,
	})
	return b, nil
}

// Start subscribes to commands, publishes the current state and begins
// forwarding changes and health.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	b.sub = b.ctrl.Subscribe(bridgeChangeBuffer)

	commandTopic := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, b.qos, b.handleMQTTMessage); err != nil {
		b.sub.Close()
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", commandTopic)

	snap, _ := b.ctrl.Snapshot()
	b.publishRouting(snap.Routing, SourceLine, "", time.Now())
	for _, d := range snap.Devices {
		b.publishDevice(d, "", time.Now())
	}

	b.wg.Add(1)
	go b.forwardChanges()

	b.health.Start(ctx)
	b.logger.Info("mqtt bridge started", "devices", len(snap.Devices))
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()
		b.health.Stop()
		if b.sub != nil {
			b.sub.Close()
		}
		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// forwardChanges publishes every cache change until the subscription closes.
func (b *Bridge) forwardChanges() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ch, ok := <-b.sub.C:
			if !ok {
				return
			}
			b.publishChange(ch)
		}
	}
}

func (b *Bridge) publishChange(ch Change) {
	id := ch.EventID.String()
	switch ch.Kind {
	case ChangeRouting:
		b.publishRouting(ch.Routes, ch.Source, id, ch.At)
	case ChangeSnapshot:
		b.publishRouting(ch.Routes, ch.Source, id, ch.At)
		for _, d := range ch.Devices {
			b.publishDevice(d, id, ch.At)
		}
	case ChangeDevice:
		for _, d := range ch.Devices {
			b.publishDevice(d, id, ch.At)
		}
	case ChangeSerial:
		if ch.Serial != nil {
			b.publishJSON(b.topics.SerialEvent(string(ch.Serial.Device.Kind), ch.Serial.Device.Index), ch.Serial, false)
		}
	case ChangeConnection:
		if ch.Connection != nil {
			msg := ConnectionMessage{
				Timestamp: ch.At.UTC(),
				Transport: ch.Connection.Transport,
				State:     ch.Connection.State,
				Error:     ch.Connection.Error,
			}
			b.publishJSON(b.topics.ConnectionState(ch.Connection.Transport), msg, true)
		}
	}
}

func (b *Bridge) publishRouting(routes []Route, source Source, eventID string, at time.Time) {
	if routes == nil {
		routes = []Route{}
	}
	msg := RoutingMessage{Timestamp: at.UTC(), EventID: eventID, Source: source, Routes: routes}
	b.publishJSON(b.topics.Routing(), msg, true)
}

func (b *Bridge) publishDevice(d Device, eventID string, at time.Time) {
	msg := DeviceMessage{Timestamp: at.UTC(), EventID: eventID, Device: d}
	b.publishJSON(b.topics.DeviceState(string(d.Kind), d.Index), msg, true)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to encode mqtt payload", "topic", topic, "error", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, b.qos, retained); err != nil {
		b.logger.Warn("failed to publish", "topic", topic, "error", err)
	}
}

// handleMQTTMessage decodes a command and executes it off the MQTT
// delivery goroutine.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	name, ok := b.topics.CommandName(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %s", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		cmd.ID = uuid.NewString()
		b.publishAck(NewAckError(cmd, name, ErrCodeInvalidCommand, "malformed command payload"))
		return fmt.Errorf("parse command: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	select {
	case <-b.done:
		return nil
	default:
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handleCommand(name, cmd)
	}()
	return nil
}

func (b *Bridge) handleCommand(name string, cmd CommandMessage) {
	b.logger.Info("received command", "command_id", cmd.ID, "command", name, "source", cmd.Source)

	ctx, cancel := context.WithTimeout(b.ctx, bridgeCommandTimeout)
	defer cancel()

	if err := b.executeCommand(ctx, name, cmd); err != nil {
		b.logger.Warn("command failed", "command_id", cmd.ID, "command", name, "error", err)
		code := ErrorCode(err)
		if _, known := commandNames[name]; !known {
			code = ErrCodeInvalidCommand
		}
		b.publishAck(NewAckError(cmd, name, code, err.Error()))
		return
	}
	b.publishAck(NewAckMessage(cmd, name))
}

var commandNames = map[string]struct{}{
	CommandSwitch: {}, CommandUnassign: {}, CommandRename: {}, CommandSetResolution: {},
	CommandSetHDCP: {}, CommandCEC: {}, CommandSerial: {}, CommandIR: {}, CommandResync: {},
}

func (b *Bridge) executeCommand(ctx context.Context, name string, cmd CommandMessage) error {
	switch name {
	case CommandSwitch:
		return b.ctrl.Switch(ctx, cmd.TX, cmd.RX)
	case CommandUnassign:
		return b.ctrl.Unassign(ctx, cmd.RX)
	case CommandRename:
		kind, err := ParseKind(cmd.Kind)
		if err != nil {
			return err
		}
		return b.ctrl.Rename(ctx, kind, cmd.Index, cmd.Name)
	case CommandSetResolution:
		return b.ctrl.SetResolution(ctx, cmd.RX, cmd.Value)
	case CommandSetHDCP:
		return b.ctrl.SetHDCP(ctx, cmd.RX, cmd.Value)
	case CommandCEC:
		return b.executeCEC(ctx, cmd)
	case CommandSerial:
		kind, err := ParseKind(cmd.Kind)
		if err != nil {
			return err
		}
		baud := DefaultBaudSpec
		if cmd.Baud != "" {
			if baud, err = ParseBaudSpec(cmd.Baud); err != nil {
				return err
			}
		}
		data, err := DecodeHexBytes(cmd.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return b.ctrl.SendSerial(ctx, kind, cmd.Index, baud, data)
	case CommandIR:
		kind, err := ParseKind(cmd.Kind)
		if err != nil {
			return err
		}
		data, err := DecodeHexBytes(cmd.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return b.ctrl.SendIR(ctx, kind, cmd.Index, data)
	case CommandResync:
		return b.ctrl.Resync(ctx)
	}
	return fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, name)
}

func (b *Bridge) executeCEC(ctx context.Context, cmd CommandMessage) error {
	switch cmd.Action {
	case CECActionPowerOn:
		return b.ctrl.CECPowerOn(ctx, cmd.RX)
	case CECActionPowerOff:
		return b.ctrl.CECPowerOff(ctx, cmd.RX)
	case CECActionVolumeUp:
		return b.ctrl.CECVolumeUp(ctx, cmd.RX)
	case CECActionVolumeDown:
		return b.ctrl.CECVolumeDown(ctx, cmd.RX)
	case CECActionMute:
		return b.ctrl.CECMute(ctx, cmd.RX)
	}
	return fmt.Errorf("%w: unknown CEC action %q", ErrInvalidArgument, cmd.Action)
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(b.topics.Ack(ack.CommandID), ack, false)
}
