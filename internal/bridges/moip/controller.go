package moip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// maxNameLength bounds device names written through Rename.
const maxNameLength = 64

// Options configures a Controller.
type Options struct {
	// Settings supplies host, ports and credentials. Required.
	Settings SettingsSource

	Line       LineConfig
	Rest       RestConfig
	Supervisor SupervisorConfig

	// RequestTimeout is applied to facade calls whose context has no
	// deadline. Default: 10 seconds.
	RequestTimeout time.Duration

	// EagerSwitchWrite updates the routing cache as soon as a switch is
	// acknowledged, before the controller broadcasts the new table.
	EagerSwitchWrite bool

	// DisableREST runs the line plane alone. REST-backed operations then
	// fail with ErrNotConnected.
	DisableREST bool

	Logger Logger
}

// Status summarises the communication layer.
type Status struct {
	Transports    []TransportStatus `json:"transports"`
	TXCount       int               `json:"tx_count"`
	RXCount       int               `json:"rx_count"`
	ActiveStreams int               `json:"active_streams"`
	SyncedAt      time.Time         `json:"synced_at,omitzero"`
	Stale         bool              `json:"stale"`
	Resyncs       uint64            `json:"resyncs"`
	Enumerations  uint64            `json:"enumerations"`
	Line          LineStats         `json:"line"`
	Rest          *RestStats        `json:"rest,omitempty"`
	Dispatcher    DispatcherStats   `json:"dispatcher"`
}

// Controller is the facade over the controller communication layer. It is
// created once at startup and is safe for concurrent use.
type Controller struct {
	opts   Options
	logger Logger

	line       *LineTransport
	rest       *RestClient
	mapper     *Mapper
	cache      *StateCache
	dispatcher *Dispatcher
	supervisor *Supervisor

	started  atomic.Bool
	stopped  *closeOnce
	stopOnce sync.Once
}

// New wires all components. Nothing connects until Start.
func New(opts Options) *Controller {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Rest.RequestTimeout <= 0 {
		opts.Rest.RequestTimeout = opts.RequestTimeout
	}
	if opts.Supervisor.RequestTimeout <= 0 {
		opts.Supervisor.RequestTimeout = opts.RequestTimeout
	}
	logger := loggerOrNop(opts.Logger)

	c := &Controller{
		opts:    opts,
		logger:  logger,
		line:    NewLineTransport(opts.Line, logger),
		cache:   NewStateCache(),
		stopped: newCloseOnce(),
	}
	if !opts.DisableREST {
		c.rest = NewRestClient(opts.Rest, logger)
		c.mapper = NewMapper(c.rest, logger)
	} else {
		c.mapper = NewMapper(unavailableLister{}, logger)
	}
	c.dispatcher = NewDispatcher(c.cache, c.mapper, logger)
	c.supervisor = NewSupervisor(opts.Supervisor, SupervisorDeps{
		Settings:   opts.Settings,
		Line:       c.line,
		Rest:       c.rest,
		Mapper:     c.mapper,
		Cache:      c.cache,
		Dispatcher: c.dispatcher,
		Logger:     logger,
	})
	return c
}

type unavailableLister struct{}

func (unavailableLister) ListGroups(context.Context, Kind) ([]Group, error) {
	return nil, fmt.Errorf("%w: REST plane disabled", ErrNotConnected)
}

// Start launches the dispatcher and the supervisor. It returns immediately;
// connection progress is visible through Status and Subscribe.
func (c *Controller) Start(ctx context.Context) error {
	if c.opts.Settings == nil {
		return ErrNotConfigured
	}
	if c.stopped.IsClosed() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	var restEvents <-chan RestEvent
	if c.rest != nil {
		restEvents = c.rest.Events()
	}
	c.dispatcher.Start(c.line.Events(), restEvents)
	c.supervisor.Start(ctx)
	c.logger.Info("controller communication layer started", "rest", c.rest != nil)
	return nil
}

// Stop tears down all sessions and background tasks. Safe to call more
// than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Close()
		if c.started.Load() {
			c.supervisor.Stop()
		}
		c.line.Close()
		if c.rest != nil {
			c.rest.Close()
		}
		c.dispatcher.Stop()

		// Close any subscriptions still open.
		c.cache.subsMu.Lock()
		subs := make([]*Subscription, 0, len(c.cache.subs))
		for s := range c.cache.subs {
			subs = append(subs, s)
		}
		c.cache.subsMu.Unlock()
		for _, s := range subs {
			s.Close()
		}
		c.logger.Info("controller communication layer stopped")
	})
}

// withTimeout applies the default request timeout when ctx has no deadline.
func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

func (c *Controller) restClient() (*RestClient, error) {
	if c.rest == nil {
		return nil, fmt.Errorf("%w: REST plane disabled", ErrNotConnected)
	}
	return c.rest, nil
}

// Snapshot returns devices and routing from one consistent view. When the
// view may be out of date the snapshot is returned together with ErrStale.
func (c *Controller) Snapshot() (Snapshot, error) {
	snap := c.cache.Snapshot()
	if snap.Stale {
		return snap, ErrStale
	}
	return snap, nil
}

// Devices returns every known device. See Snapshot for ErrStale.
func (c *Controller) Devices() ([]Device, error) {
	snap, err := c.Snapshot()
	return snap.Devices, err
}

// Routing returns one route per receiver. See Snapshot for ErrStale.
func (c *Controller) Routing() ([]Route, error) {
	snap, err := c.Snapshot()
	return snap.Routing, err
}

// SerialMessages returns recent serial data received from a device.
func (c *Controller) SerialMessages(kind Kind, index int) []SerialMessage {
	return c.cache.SerialMessages(DeviceKey{Kind: kind, Index: index})
}

// Status returns connection state and statistics.
func (c *Controller) Status() Status {
	snap := c.cache.Snapshot()
	st := Status{
		Transports:   c.supervisor.Status(),
		TXCount:      snap.TXCount,
		RXCount:      snap.RXCount,
		SyncedAt:     snap.SyncedAt,
		Stale:        snap.Stale,
		Resyncs:      c.supervisor.Resyncs(),
		Enumerations: c.mapper.Enumerations(),
		Line:         c.line.Stats(),
		Dispatcher:   c.dispatcher.Stats(),
	}
	for _, r := range snap.Routing {
		if r.TX != 0 {
			st.ActiveStreams++
		}
	}
	if c.rest != nil {
		rs := c.rest.Stats()
		st.Rest = &rs
	}
	return st
}

// Subscribe returns a handle receiving live state changes.
func (c *Controller) Subscribe(buffer int) *Subscription {
	return c.cache.Subscribe(buffer)
}

// Resync forces a full resynchronisation from the controller.
func (c *Controller) Resync(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.supervisor.Resync(ctx)
}

// Switch routes transmitter tx to receiver rx; tx 0 unassigns the receiver.
// With eager writes enabled the routing cache reflects the switch before
// this returns; a later broadcast from the controller still wins.
func (c *Controller) Switch(ctx context.Context, tx, rx int) error {
	if err := validateIndex("receiver", rx); err != nil {
		return err
	}
	if tx < 0 {
		return fmt.Errorf("%w: transmitter index must not be negative, got %d", ErrInvalidArgument, tx)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ackedAt, err := c.line.Switch(ctx, tx, rx)
	if err != nil {
		return err
	}
	if !c.opts.EagerSwitchWrite {
		return nil
	}

	ev := Event{Type: EventSwitch, Source: SourceLocal, Received: ackedAt, Switch: &Assignment{TX: tx, RX: rx}}
	if err := c.dispatcher.Submit(ctx, ev); err != nil {
		c.logger.Warn("switch confirmed but cache not updated", "tx", tx, "rx", rx, "error", err)
	}
	return nil
}

// Unassign clears the source of receiver rx.
func (c *Controller) Unassign(ctx context.Context, rx int) error {
	return c.Switch(ctx, 0, rx)
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is empty", ErrInvalidArgument)
	case len(name) > maxNameLength:
		return "", fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidArgument, maxNameLength)
	case strings.ContainsFunc(name, unicode.IsControl):
		return "", fmt.Errorf("%w: name contains control characters", ErrInvalidArgument)
	}
	return name, nil
}

// Rename sets the display name of a device: the group name reported by
// ?Name, and the unit name when the device has a unit.
func (c *Controller) Rename(ctx context.Context, kind Kind, index int, name string) error {
	if err := validateIndex(string(kind), index); err != nil {
		return err
	}
	name, err := validateName(name)
	if err != nil {
		return err
	}
	rest, err := c.restClient()
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	corr, err := c.mapper.Lookup(ctx, kind, index)
	if err != nil {
		return err
	}
	if err := rest.SetGroupName(ctx, kind, corr.GroupID, name); err != nil {
		return err
	}
	if corr.UnitID != 0 {
		if err := rest.SetUnitName(ctx, corr.UnitID, name); err != nil {
			return fmt.Errorf("group renamed but unit %d was not: %w", corr.UnitID, err)
		}
	}

	patch := &DevicePatch{Key: DeviceKey{Kind: kind, Index: index}, Name: &name}
	if err := c.dispatcher.Submit(ctx, Event{Type: EventDevice, Source: SourceLocal, Device: patch}); err != nil {
		c.logger.Warn("rename confirmed but cache not updated", "kind", kind, "index", index, "error", err)
	}
	return nil
}

// VideoTx returns the signal status of transmitter tx.
func (c *Controller) VideoTx(ctx context.Context, tx int) (VideoTxStats, error) {
	if err := validateIndex("transmitter", tx); err != nil {
		return VideoTxStats{}, err
	}
	rest, err := c.restClient()
	if err != nil {
		return VideoTxStats{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.mapper.VideoFor(ctx, KindTX, tx)
	if err != nil {
		return VideoTxStats{}, err
	}
	return rest.VideoTx(ctx, id, tx)
}

// AudioTx returns the audio encoder status of transmitter tx.
func (c *Controller) AudioTx(ctx context.Context, tx int) (AudioTxStats, error) {
	if err := validateIndex("transmitter", tx); err != nil {
		return AudioTxStats{}, err
	}
	rest, err := c.restClient()
	if err != nil {
		return AudioTxStats{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.mapper.AudioFor(ctx, KindTX, tx)
	if err != nil {
		return AudioTxStats{}, err
	}
	return rest.AudioTx(ctx, id, tx)
}

// PreviewImage returns a JPEG thumbnail of transmitter tx's input.
func (c *Controller) PreviewImage(ctx context.Context, tx int) ([]byte, error) {
	if err := validateIndex("transmitter", tx); err != nil {
		return nil, err
	}
	rest, err := c.restClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.mapper.VideoFor(ctx, KindTX, tx)
	if err != nil {
		return nil, err
	}
	return rest.VideoTxPreview(ctx, id)
}

// VideoRx returns the output settings of receiver rx.
func (c *Controller) VideoRx(ctx context.Context, rx int) (VideoRxSettings, error) {
	if err := validateIndex("receiver", rx); err != nil {
		return VideoRxSettings{}, err
	}
	rest, err := c.restClient()
	if err != nil {
		return VideoRxSettings{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.mapper.VideoFor(ctx, KindRX, rx)
	if err != nil {
		return VideoRxSettings{}, err
	}
	return rest.VideoRx(ctx, id, rx)
}

// SetResolution sets the output resolution of receiver rx, for example
// "passthrough" or "fhd1080p60".
func (c *Controller) SetResolution(ctx context.Context, rx int, value string) error {
	return c.updateVideoRx(ctx, rx, "resolution", value)
}

// SetHDCP sets the HDCP mode of receiver rx, for example "hdcp22".
func (c *Controller) SetHDCP(ctx context.Context, rx int, value string) error {
	return c.updateVideoRx(ctx, rx, "hdcp", value)
}

func (c *Controller) updateVideoRx(ctx context.Context, rx int, field, value string) error {
	if err := validateIndex("receiver", rx); err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: %s value is empty", ErrInvalidArgument, field)
	}
	rest, err := c.restClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.mapper.VideoFor(ctx, KindRX, rx)
	if err != nil {
		return err
	}
	return rest.UpdateVideoRx(ctx, id, field, value)
}

// CECPowerOn sends Image View On to the display on receiver rx.
func (c *Controller) CECPowerOn(ctx context.Context, rx int) error {
	return c.cec(ctx, rx, cecImageViewOn)
}

// CECPowerOff sends Standby to the display on receiver rx.
func (c *Controller) CECPowerOff(ctx context.Context, rx int) error {
	return c.cec(ctx, rx, cecStandby)
}

// CECVolumeUp presses and releases volume up.
func (c *Controller) CECVolumeUp(ctx context.Context, rx int) error {
	return c.cecKey(ctx, rx, cecKeyVolumeUp)
}

// CECVolumeDown presses and releases volume down.
func (c *Controller) CECVolumeDown(ctx context.Context, rx int) error {
	return c.cecKey(ctx, rx, cecKeyVolumeDn)
}

// CECMute presses and releases mute.
func (c *Controller) CECMute(ctx context.Context, rx int) error {
	return c.cecKey(ctx, rx, cecKeyMute)
}

func (c *Controller) cec(ctx context.Context, rx int, codes ...string) error {
	if err := validateIndex("receiver", rx); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.line.Command(ctx, cecCommand(rx, codes...))
}

// cecKey sends a user-control key press followed by its release. The
// release is sent even if the press was rejected.
func (c *Controller) cecKey(ctx context.Context, rx int, key string) error {
	if err := validateIndex("receiver", rx); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pressErr := c.line.Command(ctx, cecCommand(rx, cecKeyPress, key))
	if errors.Is(pressErr, ErrNetwork) || errors.Is(pressErr, ErrTimeout) || errors.Is(pressErr, ErrNotConnected) {
		return pressErr
	}
	releaseErr := c.line.Command(ctx, cecCommand(rx, cecKeyRelease))
	return errors.Join(pressErr, releaseErr)
}

// SendSerial writes data to the serial port of a device.
func (c *Controller) SendSerial(ctx context.Context, kind Kind, index int, baud BaudSpec, data []byte) error {
	if err := validateIndex(string(kind), index); err != nil {
		return err
	}
	if err := baud.Validate(); err != nil {
		return err
	}
	if err := validatePayload(data); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.line.Command(ctx, serialCommand(DeviceKey{Kind: kind, Index: index}, baud, data))
}

// SendIR emits an IR code from a device.
func (c *Controller) SendIR(ctx context.Context, kind Kind, index int, data []byte) error {
	if err := validateIndex(string(kind), index); err != nil {
		return err
	}
	if err := validatePayload(data); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.line.Command(ctx, irCommand(DeviceKey{Kind: kind, Index: index}, data))
}

// Raw sends a line-protocol command verbatim and returns the reply lines.
func (c *Controller) Raw(ctx context.Context, cmd string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.line.Raw(ctx, strings.TrimSpace(cmd))
}

// ControllerInfo returns a read-only controller resource as raw JSON.
func (c *Controller) ControllerInfo(ctx context.Context, topic InfoTopic) (json.RawMessage, error) {
	rest, err := c.restClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return rest.Info(ctx, topic)
}
