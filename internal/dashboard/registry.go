// Package dashboard is the command-center surface: a session registry fed
// by bus events, tiered metric storage (hot ring, warm samples, hourly and
// daily roll-ups), and an HTTP API with SSE streams for live updates.
package dashboard

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"helmsman/internal/bus"
	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
)

// Control actions accepted by the API.
const (
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionSkipTask = "skip-task"
	ActionEnd      = "end"
)

// TopicSessionControl carries operator control decisions to the loops.
const TopicSessionControl = "session:control"

// ErrConflict means the control action is invalid for the session's current
// status. Maps to HTTP 409.
var ErrConflict = errors.New("conflicting session state")

// ErrUnknownSession maps to HTTP 404.
var ErrUnknownSession = errors.New("unknown session")

// Session is the dashboard view of one loop session.
type Session struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // running, idle, paused, stopped
	TaskID    string `json:"task_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Iteration int    `json:"iteration,omitempty"`

	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`

	LastAlert string    `json:"last_alert,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sessionState struct {
	Session

	// Hot metric ring, newest last, bounded by HotCapacity.
	ring []memory.MetricSample
}

// Registry tracks live sessions and their hot-tier metrics.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	cfg      config.DashboardConfig
	pub      interface{ Publish(topic string, payload any) }
	now      func() time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg config.DashboardConfig) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Attach subscribes the registry to loop events on the bus.
func (r *Registry) Attach(b *bus.Bus) {
	r.pub = b
	b.Subscribe("session:update", func(_ string, payload any) {
		d, ok := payload.(map[string]any)
		if !ok {
			return
		}
		id, _ := d["session_id"].(string)
		if id == "" {
			return
		}
		status, _ := d["status"].(string)
		taskID, _ := d["task_id"].(string)
		phase, _ := d["phase"].(string)
		iteration, _ := d["iteration"].(int)
		r.Update(id, status, taskID, phase, iteration)
	})
	b.Subscribe("task:completed", func(_ string, payload any) {
		if id := sessionIDOf(payload); id != "" {
			r.bump(id, func(s *sessionState) { s.TasksCompleted++ })
		}
	})
	b.Subscribe("task:failed", func(_ string, payload any) {
		if id := sessionIDOf(payload); id != "" {
			r.bump(id, func(s *sessionState) { s.TasksFailed++ })
		}
	})
	b.Subscribe("alert:warning", func(_ string, payload any) {
		d, ok := payload.(map[string]any)
		if !ok {
			return
		}
		id, _ := d["session_id"].(string)
		msg, _ := d["message"].(string)
		if id != "" {
			r.bump(id, func(s *sessionState) { s.LastAlert = msg })
		}
	})
}

func sessionIDOf(payload any) string {
	d, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := d["session_id"].(string)
	return id
}

// Update upserts a session's live fields.
func (r *Registry) Update(id, status, taskID, phase string, iteration int) {
	r.bump(id, func(s *sessionState) {
		if status != "" {
			s.Status = status
		}
		s.TaskID = taskID
		s.Phase = phase
		s.Iteration = iteration
	})
}

func (r *Registry) bump(id string, mutate func(*sessionState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &sessionState{Session: Session{ID: id, Status: "running", StartedAt: r.now().UTC()}}
		r.sessions[id] = s
	}
	mutate(s)
	s.UpdatedAt = r.now().UTC()
}

// RecordSample appends a metric point to the session's hot ring.
func (r *Registry) RecordSample(sample memory.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now().UTC()
	}
	capacity := r.cfg.HotCapacity
	if capacity <= 0 {
		capacity = 60
	}
	r.bump(sample.SessionID, func(s *sessionState) {
		s.ring = append(s.ring, sample)
		if len(s.ring) > capacity {
			s.ring = s.ring[len(s.ring)-capacity:]
		}
	})
}

// HotSamples returns the session's hot ring with expired entries dropped.
func (r *Registry) HotSamples(id string) []memory.MetricSample {
	ttl := r.cfg.HotTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cutoff := r.now().Add(-ttl)

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	var out []memory.MetricSample
	for _, m := range s.ring {
		if m.Timestamp.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// Summary lists all known sessions, stable order.
func (r *Registry) Summary() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Control applies an operator action. Invalid transitions return
// ErrConflict; the accepted action is forwarded to the loop over the bus.
func (r *Registry) Control(id, action string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}

	var err error
	switch action {
	case ActionPause:
		if s.Status == "paused" || s.Status == "stopped" {
			err = fmt.Errorf("%w: cannot pause a %s session", ErrConflict, s.Status)
		} else {
			s.Status = "paused"
		}
	case ActionResume:
		if s.Status != "paused" {
			err = fmt.Errorf("%w: cannot resume a %s session", ErrConflict, s.Status)
		} else {
			s.Status = "running"
		}
	case ActionSkipTask:
		// Skipping only makes sense with a task in flight.
		if s.Status != "running" {
			err = fmt.Errorf("%w: cannot skip a task on a %s session", ErrConflict, s.Status)
		}
	case ActionEnd:
		if s.Status == "stopped" {
			err = fmt.Errorf("%w: session already ended", ErrConflict)
		} else {
			s.Status = "stopped"
		}
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err == nil {
		s.UpdatedAt = r.now().UTC()
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	logging.Dashboard("Session %s: control %s accepted", id, action)
	if r.pub != nil {
		r.pub.Publish(TopicSessionControl, map[string]any{
			"session_id": id, "action": action,
		})
	}
	return nil
}
