package conn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hybrid-sync-service/internal/backend"
	"hybrid-sync-service/internal/logger"
)

// State is the currently selected backend tier.
type State string

const (
	StatePrimary  State = "primary"
	StateFallback State = "fallback"
	StateOffline  State = "offline"
)

// DefaultPriority is the tier preference order when none is configured.
var DefaultPriority = []State{StatePrimary, StateFallback, StateOffline}

// Local is the slice of the persistence layer the manager needs to mirror
// confirmed remote results for later offline reads.
type Local interface {
	PutLocal(ctx context.Context, entityType, id string, data map[string]any, updatedAt time.Time) error
	RemoveLocal(ctx context.Context, entityType, id string) error
}

// Manager owns tier selection. State is a pure function of the two probe
// results and is recomputed only inside CheckHealth; operations route
// through the current tier with one re-probe before escalating, and always
// resolve (the offline tier never refuses for availability reasons).
type Manager struct {
	adapters     map[State]backend.Adapter
	priority     []State
	local        Local
	probeTimeout time.Duration

	mu                sync.Mutex
	state             State
	primaryAvailable  bool
	fallbackAvailable bool
	subs              []func(old, new State)
}

func NewManager(primary, fallback, offline backend.Adapter, local Local, priority []State, probeTimeout time.Duration) *Manager {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Manager{
		adapters: map[State]backend.Adapter{
			StatePrimary:  primary,
			StateFallback: fallback,
			StateOffline:  offline,
		},
		priority:     priority,
		local:        local,
		probeTimeout: probeTimeout,
		state:        StateOffline,
	}
}

// Subscribe registers a callback invoked on every state transition. The
// callback runs on the health-checking goroutine and should hand off any
// real work.
func (m *Manager) Subscribe(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Availability reports the last probe results for the two remote tiers.
func (m *Manager) Availability() (primary, fallback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaryAvailable, m.fallbackAvailable
}

// Remote returns the adapter for the current tier when it is not offline.
func (m *Manager) Remote() (backend.Adapter, State, bool) {
	state := m.State()
	if state == StateOffline {
		return nil, state, false
	}
	return m.adapters[state], state, true
}

// CheckHealth recomputes the active tier: primary wins if it answers, then
// fallback, else offline. Transitions notify subscribers.
func (m *Manager) CheckHealth(ctx context.Context) State {
	primaryOK := m.probeTier(ctx, StatePrimary)
	fallbackOK := false
	if !primaryOK {
		fallbackOK = m.probeTier(ctx, StateFallback)
	} else if m.adapters[StateFallback] != nil {
		// Primary answering implies the fallback stays usable as a
		// secondary without spending a probe on it.
		fallbackOK = true
	}

	newState := StateOffline
	switch {
	case primaryOK:
		newState = StatePrimary
	case fallbackOK:
		newState = StateFallback
	}

	m.mu.Lock()
	old := m.state
	m.state = newState
	m.primaryAvailable = primaryOK
	m.fallbackAvailable = fallbackOK
	subs := make([]func(old, new State), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if old != newState {
		logger.Log.Info("Connection state changed",
			zap.String("from", string(old)),
			zap.String("to", string(newState)),
		)
		for _, fn := range subs {
			fn(old, newState)
		}
	}
	return newState
}

func (m *Manager) probeTier(ctx context.Context, tier State) bool {
	a := m.adapters[tier]
	if a == nil {
		return false
	}
	return m.probe(ctx, a) == nil
}

func (m *Manager) probe(ctx context.Context, a backend.Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return a.HealthCheck(ctx)
}

// --- routed operations ---

func (m *Manager) Get(ctx context.Context, entityType, id string) (*backend.Entity, error) {
	var out *backend.Entity
	served, err := m.run(ctx, func(a backend.Adapter) error {
		e, err := a.Get(ctx, entityType, id)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err == nil && served != StateOffline {
		m.mirrorPut(ctx, entityType, out)
	}
	return out, err
}

func (m *Manager) Query(ctx context.Context, entityType string, filter backend.Filter) ([]*backend.Entity, error) {
	var out []*backend.Entity
	served, err := m.run(ctx, func(a backend.Adapter) error {
		list, err := a.Query(ctx, entityType, filter)
		if err != nil {
			return err
		}
		out = list
		return nil
	})
	if err == nil && served != StateOffline {
		for _, e := range out {
			m.mirrorPut(ctx, entityType, e)
		}
	}
	return out, err
}

func (m *Manager) Create(ctx context.Context, entityType string, data map[string]any) (*backend.Entity, error) {
	var out *backend.Entity
	served, err := m.run(ctx, func(a backend.Adapter) error {
		e, err := a.Create(ctx, entityType, data)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err == nil && served != StateOffline {
		m.mirrorPut(ctx, entityType, out)
	}
	return out, err
}

func (m *Manager) Update(ctx context.Context, entityType, id string, patch map[string]any) (*backend.Entity, error) {
	var out *backend.Entity
	served, err := m.run(ctx, func(a backend.Adapter) error {
		e, err := a.Update(ctx, entityType, id, patch)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err == nil && served != StateOffline {
		m.mirrorPut(ctx, entityType, out)
	}
	return out, err
}

func (m *Manager) Delete(ctx context.Context, entityType, id string) error {
	served, err := m.run(ctx, func(a backend.Adapter) error {
		return a.Delete(ctx, entityType, id)
	})
	if err == nil && served != StateOffline {
		if rmErr := m.local.RemoveLocal(ctx, entityType, id); rmErr != nil {
			logger.Log.Warn("Failed to mirror delete", zap.Error(rmErr))
		}
	}
	return err
}

// run executes fn against the current tier. A transient failure gets one
// re-probe and retry on the same tier, then the next tier in priority order
// takes over, ending at offline. Typed non-network errors propagate from
// whichever tier produced them.
func (m *Manager) run(ctx context.Context, fn func(a backend.Adapter) error) (State, error) {
	tiers := m.tiersFrom(m.State())
	downgraded := false
	var lastErr error

	for _, tier := range tiers {
		a := m.adapters[tier]
		if a == nil {
			continue
		}
		err := fn(a)
		if err == nil {
			m.recheckAfter(ctx, downgraded)
			return tier, nil
		}
		if !backend.IsNetwork(err) {
			m.recheckAfter(ctx, downgraded)
			return tier, err
		}
		lastErr = err

		if tier != StateOffline && m.probe(ctx, a) == nil {
			// The adapter answered the re-probe; the failure was a blip.
			err = fn(a)
			if err == nil {
				m.recheckAfter(ctx, downgraded)
				return tier, nil
			}
			if !backend.IsNetwork(err) {
				m.recheckAfter(ctx, downgraded)
				return tier, err
			}
			lastErr = err
		}

		logger.Log.Warn("Tier failed, escalating",
			zap.String("tier", string(tier)),
			zap.Error(lastErr),
		)
		downgraded = true
	}

	m.recheckAfter(ctx, downgraded)
	return StateOffline, lastErr
}

// recheckAfter recomputes the state after an operation had to skip tiers.
// State only ever changes inside CheckHealth.
func (m *Manager) recheckAfter(ctx context.Context, downgraded bool) {
	if downgraded {
		m.CheckHealth(ctx)
	}
}

func (m *Manager) tiersFrom(state State) []State {
	for i, tier := range m.priority {
		if tier == state {
			return m.priority[i:]
		}
	}
	return m.priority
}

func (m *Manager) mirrorPut(ctx context.Context, entityType string, e *backend.Entity) {
	if e == nil {
		return
	}
	if err := m.local.PutLocal(ctx, entityType, e.ID, e.Data, e.UpdatedAt); err != nil {
		logger.Log.Warn("Failed to mirror entity",
			zap.String("type", entityType),
			zap.String("id", e.ID),
			zap.Error(err),
		)
	}
}
