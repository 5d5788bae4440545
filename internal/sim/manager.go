package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mmetrics "transport-simulator/internal/metrics"
	"transport-simulator/internal/path"
	"transport-simulator/internal/transport"
	"transport-simulator/internal/world"
)

// StatusPublisher receives periodic position reports.
type StatusPublisher interface {
	PublishStatus(st transport.Status) error
}

type Options struct {
	TickInterval    time.Duration
	PublishInterval time.Duration
	// ReloadInterval re-reads the paths of dynamic transports; 0 disables it.
	ReloadInterval  time.Duration
	SpeedMultiplier float64
	Metrics         *mmetrics.Collector
	Log             *zap.Logger
}

// Manager owns the loaded transports and drives them from one tick loop per
// region. A transport belongs to the loop of the region it is currently in.
type Manager struct {
	source path.Source
	world  *world.Service
	deps   transport.Deps
	pub    StatusPublisher
	opt    Options
	log    *zap.Logger

	mu         sync.Mutex
	transports map[uint32]*transport.Transport // entry -> transport
	prints     map[uint32]uint64               // entry -> path fingerprint
	loops      map[uint32]*regionLoop

	// set while Run is active so loops for new regions can be started
	group *errgroup.Group
	gctx  context.Context
}

type regionLoop struct {
	id uint32

	mu         sync.Mutex
	transports map[uint32]*transport.Transport
}

func (l *regionLoop) add(t *transport.Transport) {
	l.mu.Lock()
	l.transports[t.Entry()] = t
	l.mu.Unlock()
}

func (l *regionLoop) remove(entry uint32) {
	l.mu.Lock()
	delete(l.transports, entry)
	l.mu.Unlock()
}

func (l *regionLoop) snapshot() []*transport.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*transport.Transport, 0, len(l.transports))
	for _, t := range l.transports {
		out = append(out, t)
	}
	return out
}

func NewManager(src path.Source, w *world.Service, deps transport.Deps, pub StatusPublisher, opt Options) *Manager {
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	if opt.TickInterval <= 0 {
		opt.TickInterval = 100 * time.Millisecond
	}
	if opt.SpeedMultiplier <= 0 {
		opt.SpeedMultiplier = 1
	}
	if deps.World == nil {
		deps.World = w
	}
	if deps.Log == nil {
		deps.Log = opt.Log
	}
	if deps.Metrics == nil && opt.Metrics != nil {
		deps.Metrics = opt.Metrics
	}
	return &Manager{
		source:     src,
		world:      w,
		deps:       deps,
		pub:        pub,
		opt:        opt,
		log:        opt.Log,
		transports: make(map[uint32]*transport.Transport),
		prints:     make(map[uint32]uint64),
		loops:      make(map[uint32]*regionLoop),
	}
}

// LoadTransports builds a transport for every template the source knows.
// Templates with a missing or invalid path are logged and counted; the rest
// of the world loads regardless. It returns the number of transports loaded.
func (m *Manager) LoadTransports(ctx context.Context) (int, error) {
	tpls, err := m.source.Templates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load templates: %w", err)
	}
	loaded := 0
	for _, tpl := range tpls {
		nodes, err := m.source.LoadPath(ctx, tpl.PathID)
		if err != nil {
			m.loadFailed(tpl, "path", err)
			continue
		}
		t, err := transport.New(tpl, nodes, m.deps)
		if err != nil {
			m.loadFailed(tpl, "timeline", err)
			continue
		}
		if err := m.add(t, fingerprint(nodes)); err != nil {
			m.loadFailed(tpl, "register", err)
			continue
		}
		loaded++
	}
	if m.opt.Metrics != nil {
		m.opt.Metrics.TransportsLoaded.Set(float64(m.Len()))
	}
	m.log.Info("transports loaded", zap.Int("loaded", loaded), zap.Int("failed", len(tpls)-loaded))
	return loaded, nil
}

func (m *Manager) loadFailed(tpl path.Template, reason string, err error) {
	if m.opt.Metrics != nil {
		m.opt.Metrics.LoadFailures.WithLabelValues(reason).Inc()
	}
	m.log.Error("transport not loaded",
		zap.Uint32("entry", tpl.Entry),
		zap.Uint32("path", tpl.PathID),
		zap.String("reason", reason),
		zap.Error(err))
}

// add registers t and creates the loops of every region its path visits.
func (m *Manager) add(t *transport.Transport, sum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.transports[t.Entry()]; dup {
		return fmt.Errorf("duplicate transport entry %d", t.Entry())
	}
	for _, region := range t.Regions() {
		if _, err := m.ensureLoopLocked(region); err != nil {
			return err
		}
	}
	m.transports[t.Entry()] = t
	m.prints[t.Entry()] = sum
	m.loops[t.Location().RegionID].add(t)
	return nil
}

func (m *Manager) ensureLoopLocked(region uint32) (*regionLoop, error) {
	if l, ok := m.loops[region]; ok {
		return l, nil
	}
	if _, err := m.world.CreateOrGetRegion(region); err != nil {
		return nil, err
	}
	l := &regionLoop{id: region, transports: make(map[uint32]*transport.Transport)}
	m.loops[region] = l
	if m.group != nil {
		ctx := m.gctx
		m.group.Go(func() error { return m.runLoop(ctx, l) })
	}
	return l, nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transports)
}

func (m *Manager) Transport(entry uint32) (*transport.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transports[entry]
	return t, ok
}

// Transports returns every loaded transport ordered by entry.
func (m *Manager) Transports() []*transport.Transport {
	m.mu.Lock()
	out := make([]*transport.Transport, 0, len(m.transports))
	for _, t := range m.transports {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Entry() < out[j].Entry() })
	return out
}

// Regions returns the ids of the regions that have a tick loop.
func (m *Manager) Regions() []uint32 {
	m.mu.Lock()
	out := make([]uint32, 0, len(m.loops))
	for id := range m.loops {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) loopOf(entry uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.loops {
		l.mu.Lock()
		_, ok := l.transports[entry]
		l.mu.Unlock()
		if ok {
			return id, true
		}
	}
	return 0, false
}

// StartAll starts every loaded transport that is not yet moving.
func (m *Manager) StartAll() {
	for _, t := range m.Transports() {
		if err := t.Start(); err != nil {
			m.log.Error("transport start failed", zap.Uint32("entry", t.Entry()), zap.Error(err))
		}
	}
}

// Run starts all transports and ticks them until ctx is cancelled. On return
// every transport has been despawned.
func (m *Manager) Run(ctx context.Context) error {
	m.StartAll()

	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	m.group, m.gctx = g, gctx
	for _, l := range m.loops {
		l := l
		g.Go(func() error { return m.runLoop(gctx, l) })
	}
	m.mu.Unlock()

	if m.pub != nil && m.opt.PublishInterval > 0 {
		g.Go(func() error { return m.every(gctx, m.opt.PublishInterval, m.PublishPositions) })
	}
	if m.opt.ReloadInterval > 0 {
		g.Go(func() error {
			return m.every(gctx, m.opt.ReloadInterval, func() { m.ReloadDynamicPaths(gctx) })
		})
	}

	err := g.Wait()
	m.mu.Lock()
	m.group, m.gctx = nil, nil
	m.mu.Unlock()
	m.DespawnAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) runLoop(ctx context.Context, l *regionLoop) error {
	ticker := time.NewTicker(m.opt.TickInterval)
	defer ticker.Stop()
	last := time.Now()
	m.log.Debug("region loop started", zap.Uint32("region", l.id))
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			diff := now.Sub(last)
			last = now
			start := time.Now()
			m.tick(l, m.scale(diff))
			if m.opt.Metrics != nil {
				m.opt.Metrics.TickDuration.Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// scale converts wall-clock time to simulated time.
func (m *Manager) scale(d time.Duration) time.Duration {
	s := float64(d) * m.opt.SpeedMultiplier
	if s > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s)
}

// tick advances every transport of l by diff. A transport that ended the
// tick in another region is handed to that region's loop.
func (m *Manager) tick(l *regionLoop, diff time.Duration) {
	for _, t := range l.snapshot() {
		t.Update(diff)
		if to := t.Location().RegionID; to != l.id {
			m.handoff(t, l, to)
		}
	}
}

func (m *Manager) handoff(t *transport.Transport, from *regionLoop, to uint32) {
	m.mu.Lock()
	target, err := m.ensureLoopLocked(to)
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("no loop for region, transport stays put",
			zap.Uint32("entry", t.Entry()), zap.Uint32("region", to), zap.Error(err))
		return
	}
	from.remove(t.Entry())
	target.add(t)
	if m.opt.Metrics != nil {
		m.opt.Metrics.RegionTransfers.Inc()
	}
	m.log.Debug("transport handed over",
		zap.Uint32("entry", t.Entry()), zap.Uint32("from", from.id), zap.Uint32("to", to))
}

// PublishPositions reports every moving transport.
func (m *Manager) PublishPositions() {
	running := 0
	for _, t := range m.Transports() {
		st := t.Status()
		if st.State == transport.Stopped.String() {
			continue
		}
		running++
		if m.pub == nil {
			continue
		}
		if err := m.pub.PublishStatus(st); err != nil {
			m.log.Warn("publish position failed", zap.Uint32("entry", st.Entry), zap.Error(err))
		}
	}
	if m.opt.Metrics != nil {
		m.opt.Metrics.TransportsRunning.Set(float64(running))
	}
}

// ReloadDynamicPaths re-reads the path of every dynamic transport and stages
// it when it changed. The transport switches at its next anchorage or reset.
func (m *Manager) ReloadDynamicPaths(ctx context.Context) {
	for _, t := range m.Transports() {
		tpl := t.Template()
		if !tpl.Dynamic {
			continue
		}
		result := m.reload(ctx, t, tpl)
		if m.opt.Metrics != nil {
			m.opt.Metrics.PathReloads.WithLabelValues(result).Inc()
		}
	}
}

func (m *Manager) reload(ctx context.Context, t *transport.Transport, tpl path.Template) string {
	nodes, err := m.source.LoadPath(ctx, tpl.PathID)
	if err != nil {
		m.log.Warn("path reload failed", zap.Uint32("entry", tpl.Entry), zap.Error(err))
		return "error"
	}
	sum := fingerprint(nodes)
	m.mu.Lock()
	same := m.prints[tpl.Entry] == sum
	m.mu.Unlock()
	if same {
		return "unchanged"
	}
	if err := t.ReplacePath(nodes); err != nil {
		m.log.Warn("reloaded path rejected", zap.Uint32("entry", tpl.Entry), zap.Error(err))
		return "error"
	}
	m.mu.Lock()
	m.prints[tpl.Entry] = sum
	for _, region := range t.Timeline().Regions() {
		if _, err := m.ensureLoopLocked(region); err != nil {
			m.log.Warn("region loop", zap.Uint32("region", region), zap.Error(err))
		}
	}
	m.mu.Unlock()
	m.log.Info("path reloaded", zap.Uint32("entry", tpl.Entry), zap.Int("nodes", len(nodes)))
	return "replaced"
}

// Despawn stops one transport, unboards its passengers and forgets it.
func (m *Manager) Despawn(entry uint32) bool {
	m.mu.Lock()
	t, ok := m.transports[entry]
	if ok {
		delete(m.transports, entry)
		delete(m.prints, entry)
		for _, l := range m.loops {
			l.remove(entry)
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.Despawn()
	return true
}

func (m *Manager) DespawnAll() {
	for _, t := range m.Transports() {
		m.Despawn(t.Entry())
	}
	if m.opt.Metrics != nil {
		m.opt.Metrics.TransportsLoaded.Set(0)
		m.opt.Metrics.TransportsRunning.Set(0)
	}
}

// fingerprint hashes the fields of a path that affect its timeline.
func fingerprint(nodes []path.Node) uint64 {
	d := xxhash.New()
	for _, n := range nodes {
		fmt.Fprintf(d, "%d|%g|%g|%g|%d|%d|%d|%d;",
			n.RegionID, n.X, n.Y, n.Z, n.Delay, n.Action, n.ArrivalEventID, n.DepartureEventID)
	}
	return d.Sum64()
}
