// Package hooks runs ordered, synchronous handler pipelines around
// orchestration boundaries. Hooks are the critical path: a failing
// beforeExecution handler aborts the orchestration. Fire-and-forget
// notifications belong on the message bus instead.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"helmsman/internal/logging"
)

// Point names a pipeline position.
type Point string

const (
	BeforeExecution Point = "beforeExecution"
	AfterExecution  Point = "afterExecution"
	OnError         Point = "onError"
)

// Payload flows through a pipeline; each handler may transform it.
type Payload map[string]any

// Handler processes a payload and returns the payload for the next handler.
type Handler func(ctx context.Context, p Payload) (Payload, error)

type registration struct {
	name     string
	priority int // lower runs first
	seq      int // registration order breaks priority ties
	fn       Handler
}

// Pipeline holds handler registrations per point.
type Pipeline struct {
	mu    sync.RWMutex
	hooks map[Point][]registration
	seq   int
}

// NewPipeline creates an empty hook pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{hooks: make(map[Point][]registration)}
}

// Register adds a handler at a point. Lower priorities run first; equal
// priorities run in registration order.
func (p *Pipeline) Register(point Point, name string, priority int, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	regs := append(p.hooks[point], registration{name: name, priority: priority, seq: p.seq, fn: fn})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	p.hooks[point] = regs
	logging.Hooks("Registered %s hook %q (priority %d)", point, name, priority)
}

// RunBefore executes the beforeExecution pipeline. The first handler error
// aborts with that error; the caller must not proceed with the orchestration.
func (p *Pipeline) RunBefore(ctx context.Context, payload Payload) (Payload, error) {
	return p.run(ctx, BeforeExecution, payload, true)
}

// RunAfter executes the afterExecution pipeline. Handler errors are logged
// and the pipeline continues; the orchestration already happened.
func (p *Pipeline) RunAfter(ctx context.Context, payload Payload) (Payload, error) {
	return p.run(ctx, AfterExecution, payload, false)
}

// RunOnError executes the onError pipeline for an orchestration failure.
// A handler that itself fails has its error logged and re-raised after the
// remaining handlers ran.
func (p *Pipeline) RunOnError(ctx context.Context, payload Payload, cause error) error {
	p.mu.RLock()
	regs := p.hooks[OnError]
	p.mu.RUnlock()

	if payload == nil {
		payload = Payload{}
	}
	payload["error"] = cause

	var handlerErr error
	for _, reg := range regs {
		next, err := reg.fn(ctx, payload)
		if err != nil {
			logging.Hooks("onError hook %q failed: %v", reg.name, err)
			if handlerErr == nil {
				handlerErr = fmt.Errorf("onError hook %q: %w", reg.name, err)
			}
			continue
		}
		if next != nil {
			payload = next
		}
	}
	return handlerErr
}

func (p *Pipeline) run(ctx context.Context, point Point, payload Payload, abortOnError bool) (Payload, error) {
	p.mu.RLock()
	regs := p.hooks[point]
	p.mu.RUnlock()

	if payload == nil {
		payload = Payload{}
	}
	for _, reg := range regs {
		next, err := reg.fn(ctx, payload)
		if err != nil {
			if abortOnError {
				logging.Hooks("%s hook %q aborted: %v", point, reg.name, err)
				return payload, fmt.Errorf("%s hook %q: %w", point, reg.name, err)
			}
			logging.Hooks("%s hook %q failed (continuing): %v", point, reg.name, err)
			continue
		}
		if next != nil {
			payload = next
		}
	}
	return payload, nil
}
