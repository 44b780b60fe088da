package moip

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		InitialDelay:      20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   2,
		RequestTimeout:    time.Second,
		ResyncTimeout:     5 * time.Second,
	}
}

// combinedSettings points at the fake line controller and, when a is not
// nil, the fake API.
func combinedSettings(f *fakeController, a *fakeAPI) StaticSettings {
	s := f.settings()
	if a != nil {
		s.APIPort = a.port()
		s.API = a.settings().API
	}
	return StaticSettings(s)
}

func startController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.Line == (LineConfig{}) {
		opts.Line = testLineConfig()
	}
	if opts.Supervisor == (SupervisorConfig{}) {
		opts.Supervisor = testSupervisorConfig()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSynced(t *testing.T, c *Controller) {
	t.Helper()
	waitFor(t, "first resync", func() bool {
		_, err := c.Snapshot()
		return err == nil
	})
}

func newTestSystem(t *testing.T) (*fakeController, *fakeAPI) {
	t.Helper()
	f := newFakeController(t, 4, 8)
	f.setRoute(1, 2)
	f.setRoute(5, 7)

	a := newFakeAPI(t)
	a.addDevice(KindTX, 11, 1, 101, 201, "Cable", "av", "10.0.0.11", "MoIP-TX")
	a.addDevice(KindRX, 22, 2, 302, 402, "Lounge", "av", "10.0.0.22", "MoIP-A-RX")
	a.addDevice(KindRX, 23, 3, 303, 403, "Office", "", "0.0.0.0", "MoIP-RX")
	return f, a
}

func TestControllerStartAndSync(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})
	waitSynced(t, c)

	snap, _ := c.Snapshot()
	if snap.TXCount != 4 || snap.RXCount != 8 || len(snap.Devices) != 12 {
		t.Fatalf("snapshot counts = %d/%d/%d", snap.TXCount, snap.RXCount, len(snap.Devices))
	}
	routes := routeMap(snap.Routing)
	if routes[2].TX != 1 || routes[7].TX != 5 || routes[3].TX != 0 {
		t.Errorf("routing = %+v", snap.Routing)
	}

	// Resync may complete before the REST plane is ready; wait for enrichment.
	waitFor(t, "REST enrichment", func() bool {
		d, _ := c.cache.Device(DeviceKey{Kind: KindTX, Index: 1})
		return d.GroupID != nil
	})

	tx1, _ := c.cache.Device(DeviceKey{Kind: KindTX, Index: 1})
	if *tx1.GroupID != 11 || tx1.UnitID == nil || *tx1.UnitID != 101 || !tx1.Online || tx1.Name != "Source 1" {
		t.Errorf("tx1 = %+v", tx1)
	}
	rx2, _ := c.cache.Device(DeviceKey{Kind: KindRX, Index: 2})
	if rx2.Subtype != SubtypeAV {
		t.Errorf("rx2 subtype = %q, want av from group type", rx2.Subtype)
	}
	rx3, _ := c.cache.Device(DeviceKey{Kind: KindRX, Index: 3})
	if rx3.Online {
		t.Error("rx3 with unit address 0.0.0.0 should be offline")
	}

	st := c.Status()
	if len(st.Transports) != 2 {
		t.Fatalf("transports = %+v", st.Transports)
	}
	waitFor(t, "both transports ready", func() bool {
		return c.supervisor.State("line") == StateReady && c.supervisor.State("rest") == StateReady
	})
	if st.ActiveStreams != 2 {
		t.Errorf("ActiveStreams = %d, want 2", st.ActiveStreams)
	}
}

func TestControllerReconnectResyncs(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})
	waitSynced(t, c)
	before := c.supervisor.Resyncs()

	// Routing changes while the session is down.
	f.dropAll()
	f.setRoute(3, 1)

	waitFor(t, "reconnect and resync", func() bool {
		return c.supervisor.Resyncs() > before && routeMap(c.cache.Routing())[1].TX == 3
	})
	if f.connections() < 2 {
		t.Errorf("controller connections = %d, want a reconnect", f.connections())
	}
	waitFor(t, "line READY", func() bool { return c.supervisor.State("line") == StateReady })

	var line TransportStatus
	for _, ts := range c.Status().Transports {
		if ts.Name == "line" {
			line = ts
		}
	}
	if line.Reconnects < 1 {
		t.Errorf("line reconnects = %d, want >= 1", line.Reconnects)
	}
	if _, err := c.Snapshot(); err != nil {
		t.Errorf("Snapshot after resync: %v", err)
	}
}

func TestControllerEagerSwitch(t *testing.T) {
	f, a := newTestSystem(t)
	f.setRoute(1, 3)
	c := startController(t, Options{Settings: combinedSettings(f, a), EagerSwitchWrite: true})
	waitSynced(t, c)

	if err := c.Switch(testCtx(t), 0, 3); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	r := routeMap(c.cache.Routing())[3]
	if r.TX != 0 || r.Source != SourceLocal {
		t.Errorf("rx3 after eager switch = %+v, want unassigned from local", r)
	}
	if !slices.Contains(f.commands(), "!Switch=0,3") {
		t.Errorf("controller commands = %v", f.commands())
	}
}

func TestControllerBroadcastWins(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a), EagerSwitchWrite: true})
	waitSynced(t, c)

	if err := c.Switch(testCtx(t), 2, 1); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	f.broadcast("~Receivers=4:1,1:2")

	waitFor(t, "broadcast applied", func() bool {
		r := routeMap(c.cache.Routing())[1]
		return r.TX == 4 && r.Source == SourceLine
	})
}

func TestControllerBroadcastAfterAckWins(t *testing.T) {
	f, a := newTestSystem(t)
	f.switchTrailer = "~Receivers=1:1"
	c := startController(t, Options{Settings: combinedSettings(f, a), EagerSwitchWrite: true})
	waitSynced(t, c)

	if err := c.Switch(testCtx(t), 2, 1); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	waitFor(t, "broadcast applied", func() bool {
		r := routeMap(c.cache.Routing())[1]
		return r.TX == 1 && r.Source == SourceLine
	})
	time.Sleep(300 * time.Millisecond)
	if r := routeMap(c.cache.Routing())[1]; r.TX != 1 || r.Source != SourceLine {
		t.Errorf("rx1 = %+v, want tx1 from the broadcast after the ack", r)
	}
}

func TestControllerSwitchValidation(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})

	if err := c.Switch(testCtx(t), 1, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Switch to rx 0 = %v, want ErrInvalidArgument", err)
	}
	if err := c.Switch(testCtx(t), -1, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Switch from tx -1 = %v, want ErrInvalidArgument", err)
	}
}

func TestControllerRename(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})
	waitSynced(t, c)

	if err := c.Rename(testCtx(t), KindRX, 2, "  Patio "); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	want := []string{`group_rx/22 {"name":"Patio"}`, `unit/302 {"name":"Patio"}`}
	if puts := a.putLog(); !slices.Equal(puts, want) {
		t.Errorf("puts = %v, want %v", puts, want)
	}
	d, _ := c.cache.Device(DeviceKey{Kind: KindRX, Index: 2})
	if d.Name != "Patio" {
		t.Errorf("cached name = %q, want Patio", d.Name)
	}

	for _, bad := range []string{"", "   ", "bad\x07name", string(make([]byte, maxNameLength+1))} {
		if err := c.Rename(testCtx(t), KindRX, 2, bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Rename(%q) = %v, want ErrInvalidArgument", bad, err)
		}
	}
	if err := c.Rename(testCtx(t), KindRX, 8, "Nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename of uncorrelated rx8 = %v, want ErrNotFound", err)
	}
}

func TestControllerVideo(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})
	waitSynced(t, c)
	ctx := testCtx(t)

	stats, err := c.VideoTx(ctx, 1)
	if err != nil || !stats.HasSignal {
		t.Errorf("VideoTx = %+v, %v", stats, err)
	}
	img, err := c.PreviewImage(ctx, 1)
	if err != nil || len(img) == 0 {
		t.Errorf("PreviewImage = %d bytes, %v", len(img), err)
	}
	audio, err := c.AudioTx(ctx, 1)
	if err != nil || audio.TX != 1 || audio.Format != "PCM" {
		t.Errorf("AudioTx = %+v, %v", audio, err)
	}
	if _, err := c.AudioTx(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("AudioTx(0) = %v, want ErrInvalidArgument", err)
	}
	rx, err := c.VideoRx(ctx, 2)
	if err != nil || rx.RX != 2 {
		t.Errorf("VideoRx = %+v, %v", rx, err)
	}
	if err := c.SetResolution(ctx, 2, "1080p60"); err != nil {
		t.Errorf("SetResolution: %v", err)
	}
	if err := c.SetHDCP(ctx, 2, "2.2"); err != nil {
		t.Errorf("SetHDCP: %v", err)
	}
	want := []string{`video_rx/402 {"resolution":"1080p60"}`, `video_rx/402 {"hdcp":"2.2"}`}
	if puts := a.putLog(); !slices.Equal(puts, want) {
		t.Errorf("puts = %v, want %v", puts, want)
	}
	if err := c.SetResolution(ctx, 2, " "); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty resolution = %v", err)
	}
	if _, err := c.ControllerInfo(ctx, InfoSystem); err != nil {
		t.Errorf("ControllerInfo: %v", err)
	}
}

func TestControllerDeviceControl(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})
	waitSynced(t, c)
	ctx := testCtx(t)

	if err := c.CECPowerOn(ctx, 1); err != nil {
		t.Errorf("CECPowerOn: %v", err)
	}
	if err := c.CECVolumeUp(ctx, 2); err != nil {
		t.Errorf("CECVolumeUp: %v", err)
	}
	if err := c.SendSerial(ctx, KindRX, 4, DefaultBaudSpec, []byte("PWR\r")); err != nil {
		t.Errorf("SendSerial: %v", err)
	}
	if err := c.SendIR(ctx, KindTX, 1, []byte{0x00, 0x6d}); err != nil {
		t.Errorf("SendIR: %v", err)
	}
	if err := c.SendSerial(ctx, KindRX, 4, DefaultBaudSpec, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty serial payload = %v", err)
	}

	cmds := f.commands()
	for _, want := range []string{"!CEC=1,04", "!CEC=2,44 41", "!CEC=2,45", "!Serial=0,4,9600-8n1,50 57 52 0D", "!IR=1,1,00 6D"} {
		if !slices.Contains(cmds, want) {
			t.Errorf("missing %q in %v", want, cmds)
		}
	}
}

func TestControllerSerialBroadcast(t *testing.T) {
	f, a := newTestSystem(t)
	c := startController(t, Options{Settings: combinedSettings(f, a)})
	waitSynced(t, c)

	f.broadcast("~Serial=0,4,4F 4B")
	waitFor(t, "serial message", func() bool {
		return len(c.SerialMessages(KindRX, 4)) == 1
	})
	if got := string(c.SerialMessages(KindRX, 4)[0].Data); got != "OK" {
		t.Errorf("serial data = %q, want OK", got)
	}
}

func TestControllerLineOnly(t *testing.T) {
	f := newFakeController(t, 2, 2)
	c := startController(t, Options{Settings: combinedSettings(f, nil), DisableREST: true})
	waitSynced(t, c)

	if n := len(c.Status().Transports); n != 1 {
		t.Errorf("transports = %d, want 1", n)
	}
	if c.Status().Rest != nil {
		t.Error("Rest stats should be absent")
	}
	d, _ := c.cache.Device(DeviceKey{Kind: KindTX, Index: 1})
	if !d.Online || d.Name != "Source 1" {
		t.Errorf("tx1 = %+v", d)
	}
	if err := c.Rename(testCtx(t), KindTX, 1, "X"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Rename without REST = %v, want ErrNotConnected", err)
	}
	if _, err := c.PreviewImage(testCtx(t), 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PreviewImage without REST = %v, want ErrNotConnected", err)
	}
}

func TestControllerDeviceBackOnline(t *testing.T) {
	f := newFakeController(t, 4, 8)
	c := startController(t, Options{Settings: combinedSettings(f, nil), DisableREST: true})
	waitSynced(t, c)

	tx3 := DeviceKey{Kind: KindTX, Index: 3}
	online := func() bool {
		d, ok := c.cache.Device(tx3)
		return ok && d.Online
	}

	f.setDevices(2, 8)
	if err := c.Resync(testCtx(t)); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	waitFor(t, "tx3 offline", func() bool {
		d, ok := c.cache.Device(tx3)
		return ok && !d.Online
	})

	f.setDevices(4, 8)
	if err := c.Resync(testCtx(t)); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	waitFor(t, "tx3 back online", online)
}

func TestControllerStaleWhenUnreachable(t *testing.T) {
	f := newFakeController(t, 1, 1)
	s := combinedSettings(f, nil)
	f.Close()

	c := startController(t, Options{Settings: s, DisableREST: true})
	snap, err := c.Snapshot()
	if !errors.Is(err, ErrStale) {
		t.Errorf("Snapshot error = %v, want ErrStale", err)
	}
	if !snap.Stale {
		t.Error("snapshot should be flagged stale")
	}
	if err := c.Switch(testCtx(t), 1, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Switch while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestControllerLifecycle(t *testing.T) {
	c := New(Options{})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Start without settings = %v, want ErrNotConfigured", err)
	}

	f := newFakeController(t, 1, 1)
	c = New(Options{Settings: combinedSettings(f, nil), DisableREST: true, Line: testLineConfig(), Supervisor: testSupervisorConfig()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := c.Subscribe(4)
	c.Stop()
	c.Stop()

	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Stop = %v, want ErrClosed", err)
	}
	for range sub.C {
	}
}
