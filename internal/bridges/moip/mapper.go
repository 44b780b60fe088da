package moip

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Correlation links a line-protocol index to the REST resources that
// describe the same device. Zero ids mean no such association.
type Correlation struct {
	Kind      Kind   `json:"kind"`
	Index     int    `json:"index"`
	GroupID   int    `json:"group_id"`
	UnitID    int    `json:"unit_id,omitempty"`
	VideoID   int    `json:"video_id,omitempty"`
	AudioID   int    `json:"audio_id,omitempty"`
	IRID      int    `json:"ir_id,omitempty"`
	SerialID  int    `json:"serial_id,omitempty"`
	GroupType string `json:"group_type,omitempty"`
	Name      string `json:"name"`
}

func correlationFor(kind Kind, index int, g Group) Correlation {
	suffix := "_" + string(kind)
	c := Correlation{
		Kind:      kind,
		Index:     index,
		GroupID:   g.ID,
		GroupType: g.Settings.Type,
		Name:      g.Settings.Name,
	}
	c.UnitID, _ = g.Associations.ID("unit")
	c.VideoID, _ = g.Associations.ID("video" + suffix)
	c.AudioID, _ = g.Associations.ID("audio" + suffix)
	c.IRID, _ = g.Associations.ID("ir" + suffix)
	c.SerialID, _ = g.Associations.ID("serial" + suffix)
	return c
}

// defaultEnumerateTimeout bounds one shared group enumeration.
const defaultEnumerateTimeout = 30 * time.Second

// GroupLister enumerates REST groups. *RestClient implements it.
type GroupLister interface {
	ListGroups(ctx context.Context, kind Kind) ([]Group, error)
}

// Mapper resolves line-protocol indices to REST resource ids.
//
// Entries are cached per (kind, index). A miss re-enumerates every group of
// that kind and replaces the kind's entries wholesale; concurrent misses for
// the same kind share one enumeration. Indices claimed by more than one
// group are never cached.
type Mapper struct {
	lister           GroupLister
	logger           Logger
	enumerateTimeout time.Duration

	mu      sync.RWMutex
	entries map[DeviceKey]Correlation
	claims  map[DeviceKey][]int // group ids of conflicting indices

	flight       singleflight.Group
	enumerations atomic.Uint64
}

// NewMapper creates an empty mapper backed by lister.
func NewMapper(lister GroupLister, logger Logger) *Mapper {
	return &Mapper{
		lister:           lister,
		logger:           loggerOrNop(logger),
		enumerateTimeout: defaultEnumerateTimeout,
		entries:          make(map[DeviceKey]Correlation),
		claims:           make(map[DeviceKey][]int),
	}
}

// Lookup returns the correlation for (kind, index).
//
// Returns:
//   - *CorrelationConflict if several groups claim the index
//   - ErrNotFound if no group claims it after a fresh enumeration
func (m *Mapper) Lookup(ctx context.Context, kind Kind, index int) (Correlation, error) {
	key := DeviceKey{Kind: kind, Index: index}
	if c, ok := m.cached(key); ok {
		return c, nil
	}

	if err := m.refresh(ctx, kind); err != nil {
		return Correlation{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if ids, ok := m.claims[key]; ok {
		return Correlation{}, &CorrelationConflict{Kind: kind, Index: index, GroupIDs: ids}
	}
	if c, ok := m.entries[key]; ok {
		return c, nil
	}
	return Correlation{}, fmt.Errorf("%w: no %s group with index %d", ErrNotFound, kind, index)
}

func (m *Mapper) cached(key DeviceKey) (Correlation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.entries[key]
	return c, ok
}

// refresh re-enumerates kind. The shared enumeration outlives any single
// caller's context; each caller stops waiting when its own context ends.
func (m *Mapper) refresh(ctx context.Context, kind Kind) error {
	ch := m.flight.DoChan(string(kind), func() (any, error) {
		listCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.enumerateTimeout)
		defer cancel()

		m.enumerations.Add(1)
		groups, err := m.lister.ListGroups(listCtx, kind)
		if err != nil {
			return nil, err
		}
		m.Observe(kind, groups)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctxError("enumerate "+string(kind)+" groups", ctx)
	}
}

// UnitFor returns the REST unit id of (kind, index).
func (m *Mapper) UnitFor(ctx context.Context, kind Kind, index int) (int, error) {
	c, err := m.Lookup(ctx, kind, index)
	if err != nil {
		return 0, err
	}
	if c.UnitID == 0 {
		return 0, fmt.Errorf("%w: %s %d has no unit", ErrNotFound, kind, index)
	}
	return c.UnitID, nil
}

// VideoFor returns the video_tx or video_rx id of (kind, index).
func (m *Mapper) VideoFor(ctx context.Context, kind Kind, index int) (int, error) {
	c, err := m.Lookup(ctx, kind, index)
	if err != nil {
		return 0, err
	}
	if c.VideoID == 0 {
		return 0, fmt.Errorf("%w: %s %d has no video_%s", ErrNotFound, kind, index, kind)
	}
	return c.VideoID, nil
}

// AudioFor returns the audio_tx or audio_rx id of (kind, index).
func (m *Mapper) AudioFor(ctx context.Context, kind Kind, index int) (int, error) {
	c, err := m.Lookup(ctx, kind, index)
	if err != nil {
		return 0, err
	}
	if c.AudioID == 0 {
		return 0, fmt.Errorf("%w: %s %d has no audio_%s", ErrNotFound, kind, index, kind)
	}
	return c.AudioID, nil
}

// Observe replaces every cached entry of kind with the correlations in
// groups and returns the conflicts found. Groups without an index are
// ignored.
func (m *Mapper) Observe(kind Kind, groups []Group) []*CorrelationConflict {
	byIndex := make(map[int][]Group)
	for _, g := range groups {
		if g.Settings.Index == nil || g.ID == 0 {
			continue
		}
		byIndex[*g.Settings.Index] = append(byIndex[*g.Settings.Index], g)
	}

	entries := make(map[DeviceKey]Correlation, len(byIndex))
	claims := make(map[DeviceKey][]int)
	var conflicts []*CorrelationConflict
	for index, gs := range byIndex {
		key := DeviceKey{Kind: kind, Index: index}
		if len(gs) > 1 {
			ids := make([]int, len(gs))
			for i, g := range gs {
				ids[i] = g.ID
			}
			sort.Ints(ids)
			claims[key] = ids
			conflicts = append(conflicts, &CorrelationConflict{Kind: kind, Index: index, GroupIDs: ids})
			continue
		}
		entries[key] = correlationFor(kind, index, gs[0])
	}

	m.mu.Lock()
	for key := range m.entries {
		if key.Kind == kind {
			delete(m.entries, key)
		}
	}
	for key := range m.claims {
		if key.Kind == kind {
			delete(m.claims, key)
		}
	}
	for key, c := range entries {
		m.entries[key] = c
	}
	for key, ids := range claims {
		m.claims[key] = ids
	}
	m.mu.Unlock()

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Index < conflicts[j].Index })
	for _, c := range conflicts {
		m.logger.Warn("index claimed by multiple groups, not correlated",
			"kind", kind, "index", c.Index, "groups", c.GroupIDs)
	}
	return conflicts
}

// Invalidate drops every cached entry.
func (m *Mapper) Invalidate() {
	m.mu.Lock()
	m.entries = make(map[DeviceKey]Correlation)
	m.claims = make(map[DeviceKey][]int)
	m.mu.Unlock()
}

// Enumerations returns how many group listings the mapper has issued.
func (m *Mapper) Enumerations() uint64 {
	return m.enumerations.Load()
}

// determineSubtype classifies a device from its group type, falling back to
// the unit model name.
func determineSubtype(groupType, model string) Subtype {
	t := strings.ToLower(groupType)
	switch {
	case strings.Contains(t, "video") && strings.Contains(t, "wall"):
		return SubtypeVideoWall
	case t == "audio":
		return SubtypeAudio
	case t == "av":
		return SubtypeAV
	}

	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "-a-rx"), strings.Contains(m, "-a-tx"):
		return SubtypeAudio
	case strings.Contains(m, "wall"):
		return SubtypeVideoWall
	}
	return SubtypeAV
}
