package worker

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a pool, reported by the liveness monitor.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateUnreachable
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnreachable:
		return "unreachable"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PingResponse is the liveness monitor's answer to a ping.
type PingResponse struct {
	Alive         bool      `json:"alive"`
	PoolID        string    `json:"pool_id"`
	Role          string    `json:"role"`
	State         string    `json:"state"`
	BoundQueues   []string  `json:"bound_queues"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	InFlight      int64     `json:"in_flight"`
}

// Monitor tracks one pool's lifecycle state and heartbeat. It is safe for
// concurrent use: the pool writes, liveness probes read.
type Monitor struct {
	poolID     string
	role       string
	queues     []string
	staleAfter time.Duration

	state    atomic.Int32
	lastBeat atomic.Int64
	inFlight *atomic.Int64
}

// NewMonitor creates a Monitor for the pool identified by poolID. staleAfter
// is how long after the last heartbeat the pool is still considered alive.
func NewMonitor(poolID, role string, queues []string, inFlight *atomic.Int64, staleAfter time.Duration) *Monitor {
	m := &Monitor{
		poolID:     poolID,
		role:       role,
		queues:     append([]string(nil), queues...),
		staleAfter: staleAfter,
		inFlight:   inFlight,
	}
	m.state.Store(int32(StateStarting))
	m.Beat()
	return m
}

// SetState records a lifecycle transition.
func (m *Monitor) SetState(s State) { m.state.Store(int32(s)) }

// State returns the current lifecycle state.
func (m *Monitor) State() State { return State(m.state.Load()) }

// Beat records a heartbeat at the current time.
func (m *Monitor) Beat() { m.lastBeat.Store(time.Now().UnixNano()) }

// LastHeartbeat returns the time of the most recent heartbeat.
func (m *Monitor) LastHeartbeat() time.Time {
	return time.Unix(0, m.lastBeat.Load())
}

// Ping answers a liveness probe for the pool named by identity. An identity
// that doesn't match this pool is reported not alive so a supervisor polling
// a stale address notices immediately. A matching pool is alive unless it has
// stopped or its heartbeat has gone stale.
func (m *Monitor) Ping(identity string) PingResponse {
	st := m.State()
	last := m.LastHeartbeat()

	alive := identity == m.poolID &&
		st != StateStopped &&
		time.Since(last) <= m.staleAfter

	return PingResponse{
		Alive:         alive,
		PoolID:        m.poolID,
		Role:          m.role,
		State:         st.String(),
		BoundQueues:   append([]string(nil), m.queues...),
		LastHeartbeat: last,
		InFlight:      m.inFlight.Load(),
	}
}

// ServeHTTP answers GET /livez with the ping response as JSON: 200 when the
// pool is alive, 503 otherwise. The optional ?id= parameter probes a specific
// identity; without it the monitor's own pool is probed.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("id")
	if identity == "" {
		identity = m.poolID
	}

	resp := m.Ping(identity)

	w.Header().Set("Content-Type", "application/json")
	if resp.Alive {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
