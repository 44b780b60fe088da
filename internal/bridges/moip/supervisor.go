package moip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults for SupervisorConfig.
const (
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = 60 * time.Second
	defaultReconnectJitter   = 0.2
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatMisses   = 2
	defaultResyncTimeout     = 60 * time.Second

	// reconnectMultiplier grows the delay between failed attempts.
	reconnectMultiplier = 1.5
)

// Transport is one supervised control plane.
type Transport interface {
	Name() string

	// Dial opens the network connection (CONNECTING).
	Dial(ctx context.Context, s Settings) error

	// Authenticate completes the login exchange (AUTHENTICATING).
	Authenticate(ctx context.Context, s Settings) error

	// Ping is the heartbeat round trip.
	Ping(ctx context.Context) error

	// Done closes when the current session ends.
	Done() <-chan struct{}

	// Drop tears down the current session.
	Drop(reason error)
}

// SupervisorConfig holds reconnection and heartbeat tuning.
type SupervisorConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Jitter            float64 // fraction of the delay, 0..1
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	RequestTimeout    time.Duration
	ResyncTimeout     time.Duration
}

func (c *SupervisorConfig) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultReconnectInitial
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultReconnectMax
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = defaultReconnectJitter
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = defaultHeartbeatMisses
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = defaultResyncTimeout
	}
}

// TransportStatus describes one supervised transport.
type TransportStatus struct {
	Name       string          `json:"name"`
	State      ConnectionState `json:"state"`
	Since      time.Time       `json:"since"`
	Reconnects uint64          `json:"reconnects"`
	Attempts   uint64          `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

type transportTracker struct {
	transport Transport

	mu      sync.Mutex
	state   ConnectionState
	since   time.Time
	lastErr string

	attempts   atomic.Uint64
	reconnects atomic.Uint64
	sessions   atomic.Uint64
}

func (t *transportTracker) status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransportStatus{
		Name:       t.transport.Name(),
		State:      t.state,
		Since:      t.since,
		Reconnects: t.reconnects.Load(),
		Attempts:   t.attempts.Load(),
		LastError:  t.lastErr,
	}
}

// Supervisor keeps both transports connected and resynchronises the cache
// whenever one of them becomes READY.
//
// Each transport runs its own loop:
//
//	DISCONNECTED → CONNECTING → AUTHENTICATING → READY ⇄ DEGRADED
//	      ↑______________________________________________|
//
// Settings are re-read before every attempt. Network failures back off
// exponentially (1.5x, capped, jittered); authentication failures and
// missing configuration wait the maximum delay. The supervisor never gives
// up while running.
type Supervisor struct {
	cfg        SupervisorConfig
	settings   SettingsSource
	line       *LineTransport
	rest       *RestClient
	mapper     *Mapper
	cache      *StateCache
	dispatcher *Dispatcher
	logger     Logger

	trackers []*transportTracker

	resyncMu  sync.Mutex
	resyncReq chan struct{}
	resyncs   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SupervisorDeps are the components a supervisor coordinates. Rest may be
// nil to run the line plane alone.
type SupervisorDeps struct {
	Settings   SettingsSource
	Line       *LineTransport
	Rest       *RestClient
	Mapper     *Mapper
	Cache      *StateCache
	Dispatcher *Dispatcher
	Logger     Logger
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(cfg SupervisorConfig, deps SupervisorDeps) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:        cfg,
		settings:   deps.Settings,
		line:       deps.Line,
		rest:       deps.Rest,
		mapper:     deps.Mapper,
		cache:      deps.Cache,
		dispatcher: deps.Dispatcher,
		logger:     loggerOrNop(deps.Logger),
		resyncReq:  make(chan struct{}, 1),
	}
	s.trackers = append(s.trackers, &transportTracker{transport: deps.Line})
	if deps.Rest != nil {
		s.trackers = append(s.trackers, &transportTracker{transport: deps.Rest})
	}
	return s
}

// Start launches one loop per transport plus the resync worker.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.resyncWorker()

	for _, t := range s.trackers {
		s.wg.Add(1)
		go s.run(t)
	}
}

// Stop ends all loops and drops both sessions.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	for _, t := range s.trackers {
		t.transport.Drop(ErrClosed)
	}
	s.wg.Wait()
}

// Status returns the state of every transport.
func (s *Supervisor) Status() []TransportStatus {
	out := make([]TransportStatus, len(s.trackers))
	for i, t := range s.trackers {
		out[i] = t.status()
	}
	return out
}

// State returns the state of the named transport.
func (s *Supervisor) State(name string) ConnectionState {
	for _, t := range s.trackers {
		if t.transport.Name() == name {
			return t.status().State
		}
	}
	return StateDisconnected
}

// Resyncs returns the number of completed resynchronisations.
func (s *Supervisor) Resyncs() uint64 {
	return s.resyncs.Load()
}

func (s *Supervisor) run(t *transportTracker) {
	defer s.wg.Done()

	name := t.transport.Name()
	retry := s.reconnectBackOff(s.cfg.InitialDelay)
	// Credentials and settings are not fixed by retrying sooner.
	slow := s.reconnectBackOff(s.cfg.MaxDelay)
	for {
		if s.ctx.Err() != nil {
			s.setState(t, StateDisconnected, nil)
			return
		}

		attempt := t.attempts.Add(1)
		err := s.connect(t)
		if err != nil {
			s.setState(t, StateDisconnected, err)

			wait := retry.NextBackOff()
			if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotConfigured) {
				wait = slow.NextBackOff()
			}
			s.logger.Warn("controller connection failed",
				"transport", name, "attempt", attempt, "retry_in", wait.String(), "error", err)

			if !s.sleep(wait) {
				s.setState(t, StateDisconnected, nil)
				return
			}
			continue
		}

		retry.Reset()
		if t.sessions.Add(1) > 1 {
			t.reconnects.Add(1)
			s.logger.Info("controller reconnected", "transport", name, "total_reconnects", t.reconnects.Load())
		}
		s.setState(t, StateReady, nil)
		s.TriggerResync()

		reason := s.watch(t)
		if s.ctx.Err() != nil {
			s.setState(t, StateDisconnected, nil)
			return
		}
		t.transport.Drop(reason)
		s.setState(t, StateDisconnected, reason)
		s.logger.Warn("controller session lost", "transport", name, "error", reason)
	}
}

func (s *Supervisor) connect(t *transportTracker) error {
	s.setState(t, StateConnecting, nil)

	settings, err := s.settings.ControllerSettings(s.ctx)
	if err != nil {
		return err
	}
	if err := t.transport.Dial(s.ctx, settings); err != nil {
		return err
	}

	s.setState(t, StateAuthenticating, nil)
	if err := t.transport.Authenticate(s.ctx, settings); err != nil {
		t.transport.Drop(err)
		return err
	}
	return nil
}

// watch runs the heartbeat until the session ends or misses too many beats.
func (s *Supervisor) watch(t *transportTracker) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	done := t.transport.Done()
	misses := 0
	for {
		select {
		case <-s.ctx.Done():
			return ErrClosed
		case <-done:
			return fmt.Errorf("%w: session ended", ErrNotConnected)
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
			err := t.transport.Ping(ctx)
			cancel()

			// A rejected command still proves the session is alive.
			if err == nil || errors.Is(err, ErrCommandRejected) {
				if misses > 0 {
					misses = 0
					s.setState(t, StateReady, nil)
					s.TriggerResync()
				}
				continue
			}
			if s.ctx.Err() != nil {
				return ErrClosed
			}

			misses++
			if errors.Is(err, ErrAuth) || misses >= s.cfg.HeartbeatMisses {
				return fmt.Errorf("heartbeat failed %d times: %w", misses, err)
			}
			s.setState(t, StateDegraded, err)
		}
	}
}

func (s *Supervisor) setState(t *transportTracker, state ConnectionState, err error) {
	t.mu.Lock()
	prev := t.state
	changed := prev != state || (err != nil && err.Error() != t.lastErr)
	if prev != state {
		t.since = time.Now()
	}
	t.state = state
	if err != nil {
		t.lastErr = err.Error()
	} else if state == StateReady {
		t.lastErr = ""
	}
	t.mu.Unlock()

	if !changed {
		return
	}
	if prev != state {
		s.logger.Info("controller connection state", "transport", t.transport.Name(),
			"from", prev.String(), "to", state.String())
	}

	change := &ConnectionChange{Transport: t.transport.Name(), State: state}
	if err != nil {
		change.Error = err.Error()
	}
	// Delivered even during shutdown so the cache ends up stale.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.dispatcher.Submit(ctx, Event{Type: EventConnection, Connection: change}); err != nil &&
		!errors.Is(err, ErrClosed) {
		s.logger.Warn("connection event not delivered", "transport", t.transport.Name(), "error", err)
	}
}

func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// reconnectBackOff returns the delay policy for failed attempts, starting
// at initial and capped at MaxDelay. Jitter randomises each delay by that
// fraction either way.
func (s *Supervisor) reconnectBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = s.cfg.MaxDelay
	bo.Multiplier = reconnectMultiplier
	bo.RandomizationFactor = s.cfg.Jitter
	bo.Reset()
	return bo
}

// TriggerResync requests an asynchronous resynchronisation. Requests made
// while one is pending are coalesced.
func (s *Supervisor) TriggerResync() {
	select {
	case s.resyncReq <- struct{}{}:
	default:
	}
}

func (s *Supervisor) resyncWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.resyncReq:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResyncTimeout)
		err := s.Resync(ctx)
		cancel()

		switch {
		case err == nil, s.ctx.Err() != nil:
		case errors.Is(err, ErrNotConnected):
			s.logger.Debug("resync deferred until line session is ready")
		default:
			s.logger.Warn("resync failed, retrying", "error", err, "retry_in", s.cfg.InitialDelay.String())
			time.AfterFunc(s.cfg.InitialDelay, s.TriggerResync)
		}
	}
}

// Resync re-enumerates devices and routing from the line plane, enriches
// them from the REST plane when it is available, invalidates the mapper and
// replaces the cache contents wholesale.
func (s *Supervisor) Resync(ctx context.Context) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.mapper.Invalidate()

	if !s.line.IsConnected() {
		return ErrNotConnected
	}

	txCount, rxCount, err := s.line.DeviceCounts(ctx)
	if err != nil {
		return fmt.Errorf("resync device counts: %w", err)
	}
	txNames, err := s.line.Names(ctx, KindTX, txCount)
	if err != nil {
		return fmt.Errorf("resync transmitter names: %w", err)
	}
	rxNames, err := s.line.Names(ctx, KindRX, rxCount)
	if err != nil {
		return fmt.Errorf("resync receiver names: %w", err)
	}
	routing, err := s.line.Routing(ctx)
	if err != nil {
		return fmt.Errorf("resync routing: %w", err)
	}
	at := time.Now()

	inv := &Inventory{TXCount: txCount, RXCount: rxCount, Routing: routing}
	enrich := s.enrichment(ctx)
	inv.Devices = append(inv.Devices, s.buildDevices(KindTX, txCount, txNames, enrich)...)
	inv.Devices = append(inv.Devices, s.buildDevices(KindRX, rxCount, rxNames, enrich)...)

	if err := s.dispatcher.Submit(ctx, Event{Type: EventSnapshot, Source: SourceLine, Received: at, Snapshot: inv}); err != nil {
		return err
	}
	s.resyncs.Add(1)
	s.logger.Info("controller resynchronised", "transmitters", txCount, "receivers", rxCount,
		"routes", len(routing), "enriched", enrich != nil)
	return nil
}

// restEnrichment is what the REST plane knows about each index.
type restEnrichment struct {
	groups map[DeviceKey]Group
	units  map[int]Unit
}

// enrichment fetches groups and units. It returns nil when the REST plane
// is unavailable; the resync then proceeds from line data alone.
func (s *Supervisor) enrichment(ctx context.Context) *restEnrichment {
	if s.rest == nil || !s.rest.IsConnected() {
		return nil
	}

	e := &restEnrichment{groups: make(map[DeviceKey]Group), units: make(map[int]Unit)}
	for _, kind := range []Kind{KindTX, KindRX} {
		groups, err := s.rest.ListGroups(ctx, kind)
		if err != nil {
			s.logger.Warn("resync group listing failed", "kind", kind, "error", err)
			return nil
		}
		conflicted := make(map[int]bool)
		for _, c := range s.mapper.Observe(kind, groups) {
			conflicted[c.Index] = true
		}
		for _, g := range groups {
			if g.Settings.Index == nil || conflicted[*g.Settings.Index] {
				continue
			}
			e.groups[DeviceKey{Kind: kind, Index: *g.Settings.Index}] = g
		}
	}

	units, err := s.rest.ListUnits(ctx)
	if err != nil {
		s.logger.Warn("resync unit listing failed", "error", err)
	} else {
		for _, u := range units {
			e.units[u.ID] = u
		}
	}
	return e
}

func (s *Supervisor) buildDevices(kind Kind, count int, names map[int]string, e *restEnrichment) []Device {
	devices := make([]Device, 0, count)
	for index := 1; index <= count; index++ {
		key := DeviceKey{Kind: kind, Index: index}
		// Present in the line inventory; REST unit status refines this below.
		d := Device{Kind: kind, Index: index, Subtype: SubtypeAV, Name: names[index], Online: true}
		if prev, ok := s.cache.Device(key); ok {
			d = prev
			d.Online = true
			if name, ok := names[index]; ok {
				d.Name = name
			}
		}

		if e == nil {
			devices = append(devices, d)
			continue
		}

		g, ok := e.groups[key]
		if !ok {
			devices = append(devices, d)
			continue
		}
		groupID := g.ID
		d.GroupID = &groupID
		if d.Name == "" {
			d.Name = g.Settings.Name
		}

		model := ""
		d.Online = false
		if unitID, ok := g.Associations.ID("unit"); ok {
			d.UnitID = &unitID
			if u, ok := e.units[unitID]; ok {
				model = u.Status.Model
				d.Model = u.Status.Model
				d.MAC = u.Status.MAC
				d.IP = u.Status.IP
				d.Firmware = u.Status.Firmware
				d.Online = u.Status.Online()
			}
		}
		d.Subtype = determineSubtype(g.Settings.Type, model)
		devices = append(devices, d)
	}
	return devices
}
