package transport

import (
	"sync"

	"transport-simulator/internal/world"
)

func newWorld() *world.Service {
	return world.NewService([]world.RegionInfo{
		{ID: 1, Name: "Eastern Kingdoms"},
		{ID: 2, Name: "Kalimdor"},
		{ID: 3, Name: "Deadmines", Instanceable: true},
	})
}

type regionChange struct {
	begin    bool
	from, to uint32
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	started []uint32
	stopped []uint32
	changes []regionChange
}

func (b *recordingBroadcaster) TransportStarted(_ *Transport, region uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, region)
}

func (b *recordingBroadcaster) TransportStopped(_ *Transport, region uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, region)
}

func (b *recordingBroadcaster) RegionChangeBegin(_ *Transport, from, to uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, regionChange{begin: true, from: from, to: to})
}

func (b *recordingBroadcaster) RegionChangeEnd(_ *Transport, from, to uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, regionChange{from: from, to: to})
}

type firedEvent struct {
	id        uint32
	departure bool
}

// hookRecorder acts as both dispatcher and fallback runner.
type hookRecorder struct {
	handles map[uint32]bool

	mu         sync.Mutex
	dispatched []firedEvent
	scripted   []firedEvent
	onFire     func(id uint32)
}

func (h *hookRecorder) FireEvent(id uint32, _, _ world.Entity, departure bool) bool {
	h.mu.Lock()
	h.dispatched = append(h.dispatched, firedEvent{id, departure})
	cb := h.onFire
	h.mu.Unlock()
	if cb != nil {
		cb(id)
	}
	return h.handles[id]
}

func (h *hookRecorder) RunEvent(id uint32, _, _ world.Entity, departure bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripted = append(h.scripted, firedEvent{id, departure})
}

type countingMetrics struct {
	mu                       sync.Mutex
	hard, soft, retries      int
	boarded, unboarded, gone int
	hooks                    map[string]int
}

func (m *countingMetrics) inc(p *int) {
	m.mu.Lock()
	*p++
	m.mu.Unlock()
}

func (m *countingMetrics) HardRelocation()     { m.inc(&m.hard) }
func (m *countingMetrics) SoftRelocation()     { m.inc(&m.soft) }
func (m *countingMetrics) RelocationRetry()    { m.inc(&m.retries) }
func (m *countingMetrics) PassengerBoarded()   { m.inc(&m.boarded) }
func (m *countingMetrics) PassengerUnboarded() { m.inc(&m.unboarded) }
func (m *countingMetrics) PassengerDropped()   { m.inc(&m.gone) }

func (m *countingMetrics) HookFired(kind string, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hooks == nil {
		m.hooks = make(map[string]int)
	}
	m.hooks[kind]++
}

func (m *countingMetrics) count(p *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *p
}
