package queue

import (
	"log"
	"sync"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/dispatch"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
)

// Engine owns one processor per known client plus a shared processor
// for everyone else. Frames are routed by the lease their envelope
// named; anything without a known lease lands on the shared processor.
type Engine struct {
	registry  *lease.Registry
	cfg       *config.Config
	sweeper   *lease.Sweeper
	decryptor *protocol.Decryptor
	sink      dispatch.Sink
	interval  time.Duration
	now       func() time.Time

	mu         sync.Mutex
	processors map[string]*Processor
	started    bool
}

// NewEngine builds the engine; call AddMissingProcessors before Start.
func NewEngine(registry *lease.Registry, cfg *config.Config, sweeper *lease.Sweeper, decryptor *protocol.Decryptor, sink dispatch.Sink) *Engine {
	return NewEngineWithClock(registry, cfg, sweeper, decryptor, sink, defaultProcessInterval,
		func() time.Time { return time.Now().UTC() })
}

// NewEngineWithClock builds an engine with a custom round interval and
// clock.
func NewEngineWithClock(registry *lease.Registry, cfg *config.Config, sweeper *lease.Sweeper, decryptor *protocol.Decryptor, sink dispatch.Sink, interval time.Duration, now func() time.Time) *Engine {
	if interval <= 0 {
		interval = defaultProcessInterval
	}
	return &Engine{
		registry:   registry,
		cfg:        cfg,
		sweeper:    sweeper,
		decryptor:  decryptor,
		sink:       sink,
		interval:   interval,
		now:        now,
		processors: make(map[string]*Processor),
	}
}

// AddMissingProcessors reconciles the processor set with the current
// configuration: one per known client, one shared for unknown clients,
// none for clients no longer configured. Called at startup and after a
// configuration reload.
func (e *Engine) AddMissingProcessors() {
	want := map[string]struct{}{lease.AnonymousID: {}}
	for _, id := range e.cfg.KnownClientIDs() {
		want[id] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range want {
		if _, ok := e.processors[id]; ok {
			continue
		}
		p := newProcessor(id, e)
		e.processors[id] = p
		if e.started {
			p.start()
		}
		log.Printf("queue: added processor for %s", id)
	}
	for id, p := range e.processors {
		if _, ok := want[id]; ok {
			continue
		}
		delete(e.processors, id)
		if e.started {
			go p.halt()
		}
		log.Printf("queue: removed processor for %s", id)
	}
}

// Enqueue routes a raw frame to the processor for the given client id,
// falling back to the shared processor.
func (e *Engine) Enqueue(clientID string, raw protocol.RawRequest) {
	e.mu.Lock()
	p, ok := e.processors[clientID]
	if !ok {
		p = e.processors[lease.AnonymousID]
	}
	e.mu.Unlock()
	if p == nil {
		log.Printf("queue: no processor available for %s, dropping frame", clientID)
		return
	}
	p.Enqueue(raw)
}

// Start launches every processor.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for _, p := range e.processors {
		p.start()
	}
}

// Stop drains and halts every processor.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	procs := make([]*Processor, 0, len(e.processors))
	for _, p := range e.processors {
		procs = append(procs, p)
	}
	e.mu.Unlock()
	for _, p := range procs {
		p.halt()
	}
}

// Sizes returns the buffered frame count per processor.
func (e *Engine) Sizes() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.processors))
	for id, p := range e.processors {
		out[id] = p.Size()
	}
	return out
}
