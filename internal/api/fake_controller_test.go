package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// fakeController implements Controller for handler tests.
type fakeController struct {
	mu     sync.Mutex
	snap   moip.Snapshot
	status moip.Status
	err    error // returned by every command when set
	calls  []string
	cache  *moip.StateCache
}

func newFakeController() *fakeController {
	return &fakeController{
		cache: moip.NewStateCache(),
		snap: moip.Snapshot{
			Devices: []moip.Device{
				{Kind: moip.KindTX, Index: 1, Name: "Apple TV", Online: true, Subtype: moip.SubtypeAV},
				{Kind: moip.KindRX, Index: 1, Name: "Living Room", Online: true, Subtype: moip.SubtypeAV},
			},
			Routing: []moip.Route{{RX: 1, TX: 1, Source: moip.SourceLine}},
			TXCount: 1,
			RXCount: 1,
		},
		status: moip.Status{
			Transports: []moip.TransportStatus{
				{Name: "line", State: moip.StateReady},
				{Name: "rest", State: moip.StateReady},
			},
			TXCount: 1,
			RXCount: 1,
		},
	}
}

func (f *fakeController) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeController) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeController) setStale(stale bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Stale = stale
	f.status.Stale = stale
}

func (f *fakeController) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeController) Snapshot() (moip.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.Stale {
		return f.snap, moip.ErrStale
	}
	return f.snap, nil
}

func (f *fakeController) Status() moip.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Subscribe(buffer int) *moip.Subscription { return f.cache.Subscribe(buffer) }
func (f *fakeController) Resync(context.Context) error            { return f.record("resync") }

func (f *fakeController) SerialMessages(kind moip.Kind, index int) []moip.SerialMessage {
	if kind == moip.KindRX && index == 1 {
		return []moip.SerialMessage{{Device: moip.DeviceKey{Kind: kind, Index: index}, Data: []byte("OK")}}
	}
	return nil
}

func (f *fakeController) Switch(_ context.Context, tx, rx int) error {
	return f.record("switch %d %d", tx, rx)
}

func (f *fakeController) Unassign(_ context.Context, rx int) error {
	return f.record("unassign %d", rx)
}

func (f *fakeController) Rename(_ context.Context, kind moip.Kind, index int, name string) error {
	return f.record("rename %s %d %s", kind, index, name)
}

func (f *fakeController) SetResolution(_ context.Context, rx int, value string) error {
	return f.record("resolution %d %s", rx, value)
}

func (f *fakeController) SetHDCP(_ context.Context, rx int, value string) error {
	return f.record("hdcp %d %s", rx, value)
}

func (f *fakeController) PreviewImage(_ context.Context, tx int) ([]byte, error) {
	if err := f.record("preview %d", tx); err != nil {
		return nil, err
	}
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

func (f *fakeController) VideoTx(_ context.Context, tx int) (moip.VideoTxStats, error) {
	if err := f.record("video tx %d", tx); err != nil {
		return moip.VideoTxStats{}, err
	}
	return moip.VideoTxStats{TX: tx, Resolution: "1920x1080", HasSignal: true}, nil
}

func (f *fakeController) AudioTx(_ context.Context, tx int) (moip.AudioTxStats, error) {
	if err := f.record("audio tx %d", tx); err != nil {
		return moip.AudioTxStats{}, err
	}
	return moip.AudioTxStats{TX: tx, Format: "PCM", HasSignal: true}, nil
}

func (f *fakeController) VideoRx(_ context.Context, rx int) (moip.VideoRxSettings, error) {
	if err := f.record("video rx %d", rx); err != nil {
		return moip.VideoRxSettings{}, err
	}
	return moip.VideoRxSettings{RX: rx}, nil
}

func (f *fakeController) ControllerInfo(_ context.Context, topic moip.InfoTopic) (json.RawMessage, error) {
	if err := f.record("info %s", topic); err != nil {
		return nil, err
	}
	if topic != moip.InfoSystem {
		return nil, fmt.Errorf("%w: unknown info topic %q", moip.ErrInvalidArgument, topic)
	}
	return json.RawMessage(`{"model":"MoIP-CTRL"}`), nil
}

func (f *fakeController) CECPowerOn(_ context.Context, rx int) error {
	return f.record("cec on %d", rx)
}
func (f *fakeController) CECPowerOff(_ context.Context, rx int) error {
	return f.record("cec off %d", rx)
}
func (f *fakeController) CECVolumeUp(_ context.Context, rx int) error {
	return f.record("cec up %d", rx)
}
func (f *fakeController) CECVolumeDown(_ context.Context, rx int) error {
	return f.record("cec down %d", rx)
}
func (f *fakeController) CECMute(_ context.Context, rx int) error { return f.record("cec mute %d", rx) }

func (f *fakeController) SendSerial(_ context.Context, kind moip.Kind, index int, baud moip.BaudSpec, data []byte) error {
	return f.record("serial %s %d %s %s", kind, index, baud, moip.EncodeHexBytes(data))
}

func (f *fakeController) SendIR(_ context.Context, kind moip.Kind, index int, data []byte) error {
	return f.record("ir %s %d %s", kind, index, moip.EncodeHexBytes(data))
}

func (f *fakeController) Raw(_ context.Context, cmd string) ([]string, error) {
	if err := f.record("raw %s", cmd); err != nil {
		return nil, err
	}
	return []string{"?Receivers=1:1"}, nil
}
