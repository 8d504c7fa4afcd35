package balancer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xwell/autobrr-loadbalance/internal/config"
	"github.com/xwell/autobrr-loadbalance/internal/event"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
	"github.com/xwell/autobrr-loadbalance/internal/traffic"
)

// Registry owns the live state of every configured instance. Each instance
// has its own lock so a slow operation against one never blocks reads or
// writes for the others. The instance set is fixed after startup.
type Registry struct {
	entries      map[string]*entry
	names        []string // sorted, the iteration order everywhere
	slotCap      int
	maxReconnect int
	bus          event.Bus
}

type entry struct {
	mu      sync.Mutex
	conn    Conn
	traffic TrafficFetcher // nil when no traffic_check_url is configured
	session *qbit.Session  // non-nil only while Connected
	state   InstanceState

	lastTrafficFetch time.Time
}

func NewRegistry(slotCap, maxReconnect int, bus event.Bus) *Registry {
	return &Registry{
		entries:      make(map[string]*entry),
		slotCap:      slotCap,
		maxReconnect: maxReconnect,
		bus:          bus,
	}
}

// Add registers an instance. Instances always start Disconnected; a restart
// never inherits sessions.
func (r *Registry) Add(cfg config.InstanceConfig, conn Conn, tf TrafficFetcher) {
	r.entries[cfg.Name] = &entry{
		conn:    conn,
		traffic: tf,
		state: InstanceState{
			Name:          cfg.Name,
			Status:        StatusDisconnected,
			TrafficLimit:  cfg.TrafficLimitBytes(),
			ReservedSpace: cfg.ReservedSpaceBytes(),
			SlotCap:       r.slotCap,
		},
	}
	r.names = append(r.names, cfg.Name)
	sort.Strings(r.names)
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Snapshot returns a consistent per-instance copy of all state, ordered by
// name. Each entry is copied under its own lock, so no instance is ever
// observed half-updated.
func (r *Registry) Snapshot() []InstanceState {
	out := make([]InstanceState, 0, len(r.names))
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		s := e.state
		if e.state.Traffic != nil {
			u := *e.state.Traffic
			s.Traffic = &u
		}
		e.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// State returns a copy of one instance's state.
func (r *Registry) State(name string) (InstanceState, bool) {
	e, ok := r.entries[name]
	if !ok {
		return InstanceState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if e.state.Traffic != nil {
		u := *e.state.Traffic
		s.Traffic = &u
	}
	return s, true
}

// Conn returns the instance's API client and traffic fetcher regardless of
// connectivity. Used by the poller and the reconnection supervisor.
func (r *Registry) Conn(name string) (Conn, TrafficFetcher, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, false
	}
	return e.conn, e.traffic, true
}

// Lease returns the client and current session, valid only while Connected.
func (r *Registry) Lease(name string) (Conn, *qbit.Session, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusConnected || e.session == nil {
		return nil, nil, false
	}
	return e.conn, e.session, true
}

func (r *Registry) UpdateMetrics(name string, m Metrics) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = time.Now()
	}
	e.mu.Lock()
	e.state.Metrics = m
	e.mu.Unlock()
}

func (r *Registry) UpdateTraffic(name string, u traffic.Usage) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.Traffic = &u
	e.state.TrafficErr = false
	e.lastTrafficFetch = time.Now()
	e.mu.Unlock()
}

// MarkTrafficError flags a failed fetch without touching the last good
// snapshot. The fail-open/closed decision happens in the selector.
func (r *Registry) MarkTrafficError(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.TrafficErr = true
	e.lastTrafficFetch = time.Now()
	e.mu.Unlock()
}

// TrafficDue reports whether the instance's traffic endpoint should be
// queried again.
func (r *Registry) TrafficDue(name string, every time.Duration) bool {
	e, ok := r.entries[name]
	if !ok || e.traffic == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastTrafficFetch) >= every
}

// MarkConnected stores the fresh session, resets the reconnect counter and
// reports whether this was an actual transition.
func (r *Registry) MarkConnected(name string, s *qbit.Session) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	changed := e.state.Status != StatusConnected
	e.state.Status = StatusConnected
	e.state.ReconnectAttempts = 0
	e.session = s
	e.mu.Unlock()

	if changed {
		r.bus.Publish(context.Background(), event.Event{
			Type:    event.EventInstanceConnected,
			Payload: event.InstanceEvent{Name: name},
		})
	}
	return changed
}

// MarkDisconnected drops the session. Reports whether a transition happened,
// so callers can log once per outage instead of once per poll.
func (r *Registry) MarkDisconnected(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	changed := e.state.Status != StatusDisconnected
	e.state.Status = StatusDisconnected
	e.session = nil
	e.mu.Unlock()

	if changed {
		r.bus.Publish(context.Background(), event.Event{
			Type:    event.EventInstanceDisconnected,
			Payload: event.InstanceEvent{Name: name},
		})
	}
	return changed
}

// BeginReconnect moves Disconnected -> Reconnecting, refused once the
// per-cycle attempt budget is spent. There is deliberately no path from
// Connected to Reconnecting: a session is never replaced in place.
func (r *Registry) BeginReconnect(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusDisconnected {
		return false
	}
	if e.state.ReconnectAttempts >= r.maxReconnect {
		return false
	}
	e.state.Status = StatusReconnecting
	return true
}

// FailReconnect records a failed login: back to Disconnected, one attempt
// consumed. The instance stays ineligible until the next cycle tick.
func (r *Registry) FailReconnect(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.Status = StatusDisconnected
	e.state.ReconnectAttempts++
	e.mu.Unlock()
}

// TryReserveSlot atomically claims one admission slot for this round.
// This is the only registry operation expected to race between concurrent
// dispatches; the per-entry lock makes it linearizable per instance.
func (r *Registry) TryReserveSlot(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusConnected {
		return false
	}
	if e.state.TasksAssigned >= e.state.SlotCap {
		return false
	}
	e.state.TasksAssigned++
	e.state.TotalAssigned++
	return true
}

// ReleaseSlot undoes a reservation whose remote add failed.
func (r *Registry) ReleaseSlot(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state.TasksAssigned > 0 {
		e.state.TasksAssigned--
	}
	if e.state.TotalAssigned > 0 {
		e.state.TotalAssigned--
	}
	e.mu.Unlock()
}

// ResetRound starts a new admission round. Idempotent.
func (r *Registry) ResetRound() {
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		e.state.TasksAssigned = 0
		e.mu.Unlock()
	}
}

// ResetReconnectCycle starts a new reconnection accounting cycle.
func (r *Registry) ResetReconnectCycle() {
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		e.state.ReconnectAttempts = 0
		e.mu.Unlock()
	}
}

// ConnectedCount summarizes connectivity for health reporting.
func (r *Registry) ConnectedCount() (connected, total int, down []string) {
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		st := e.state.Status
		e.mu.Unlock()
		total++
		if st == StatusConnected {
			connected++
		} else {
			down = append(down, name)
		}
	}
	return connected, total, down
}

// LogSummary writes a one-line connectivity digest.
func (r *Registry) LogSummary() {
	connected, total, down := r.ConnectedCount()
	ev := log.Debug().Int("connected", connected).Int("total", total)
	if len(down) > 0 {
		ev = ev.Strs("down", down)
	}
	ev.Msg("instance status")
}
