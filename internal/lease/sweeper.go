package lease

import (
	"log"
	"sync"
	"time"
)

// Sweeper periodically evicts dead leases and clears retained backup
// keys on live ones. Queue processors pause the sweeper for the client
// they are draining so a lease is never evicted underneath a batch of
// pending log lines; eviction for a paused client is replayed by the
// processor once its backlog empties.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	paused    map[string]struct{}
	lastRun   time.Time
	executing bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSweeper creates a sweeper over the registry with the given
// interval between runs.
func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	return NewSweeperWithClock(registry, interval, func() time.Time { return time.Now().UTC() })
}

// NewSweeperWithClock creates a sweeper with a custom clock.
func NewSweeperWithClock(registry *Registry, interval time.Duration, now func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		now:      now,
		paused:   make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. The first run happens after one
// full interval.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Run()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Pause excludes a client from eviction until Resume. Pausing the
// anonymous id protects every lease that is not pre-provisioned.
func (s *Sweeper) Pause(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[clientID] = struct{}{}
}

// Resume lifts a Pause.
func (s *Sweeper) Resume(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, clientID)
}

// LastRun returns when a sweep last completed. Zero until the first run.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Executing reports whether a sweep is in progress.
func (s *Sweeper) Executing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executing
}

// Run performs one sweep over all leases.
func (s *Sweeper) Run() {
	s.mu.Lock()
	s.executing = true
	s.mu.Unlock()

	at := s.now().Unix()
	evicted := 0
	for _, id := range s.registry.IDs() {
		if s.isPaused(id) {
			continue
		}
		if s.sweepOne(id, at) {
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("sweeper: evicted %d dead lease(s)", evicted)
	}

	s.mu.Lock()
	s.executing = false
	s.lastRun = s.now()
	s.mu.Unlock()
}

// Cleanup applies eviction for a single client id outside the periodic
// loop. Queue processors call it to replay a sweep that was skipped
// while the client was paused. For the anonymous id it re-checks every
// unknown lease, since they all share the pause key.
func (s *Sweeper) Cleanup(clientID string) {
	at := s.now().Unix()
	if clientID != AnonymousID {
		s.sweepOne(clientID, at)
		return
	}
	for _, id := range s.registry.IDs() {
		l, ok := s.registry.Find(id)
		if !ok || l.Known {
			continue
		}
		s.sweepOne(id, at)
	}
}

func (s *Sweeper) isPaused(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paused[id]; ok {
		return true
	}
	// Unknown leases are paused collectively.
	if _, ok := s.paused[AnonymousID]; ok {
		if l, found := s.registry.Find(id); found && !l.Known {
			return true
		}
	}
	return false
}

// sweepOne evicts the lease if dead, otherwise drops its backup key.
// Reports whether the lease was evicted.
func (s *Sweeper) sweepOne(id string, at int64) bool {
	l, ok := s.registry.Find(id)
	if !ok {
		return false
	}
	if !l.Alive(at) {
		log.Printf("sweeper: removing dead lease %s", id)
		s.registry.Remove(id)
		return true
	}
	if l.BackupKey != "" {
		s.registry.ClearBackupKey(id)
	}
	return false
}
