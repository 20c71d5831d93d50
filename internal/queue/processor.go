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

const defaultProcessInterval = 100 * time.Millisecond

// Processor drains one client's queue. While draining it pauses the
// sweeper for its client so the lease cannot be evicted under frames
// that were accepted while it was still alive; a sweep skipped that way
// is replayed once the backlog is empty.
type Processor struct {
	clientID  string
	queue     *Queue
	registry  *lease.Registry
	cfg       *config.Config
	sweeper   *lease.Sweeper
	decryptor *protocol.Decryptor
	sink      dispatch.Sink
	interval  time.Duration
	now       func() time.Time

	paused bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newProcessor(clientID string, e *Engine) *Processor {
	return &Processor{
		clientID:  clientID,
		queue:     NewQueue(),
		registry:  e.registry,
		cfg:       e.cfg,
		sweeper:   e.sweeper,
		decryptor: e.decryptor,
		sink:      e.sink,
		interval:  e.interval,
		now:       e.now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Enqueue buffers a raw frame for this client.
func (p *Processor) Enqueue(raw protocol.RawRequest) {
	p.queue.Push(raw)
}

// Size returns the number of buffered frames.
func (p *Processor) Size() int {
	return p.queue.Size()
}

func (p *Processor) start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.processRound()
			case <-p.stop:
				p.processRound()
				return
			}
		}
	}()
}

func (p *Processor) halt() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

// processRound drains one dispatch side of the queue.
func (p *Processor) processRound() {
	p.queue.SwitchContext()
	if p.queue.Size() == 0 {
		p.resumeSweeperIfIdle(false)
		return
	}

	if !p.paused {
		p.sweeper.Pause(p.clientID)
		p.paused = true
	}
	sweepBefore := p.sweeper.LastRun()

	for {
		raw, ok := p.queue.Pull()
		if !ok {
			break
		}
		p.handleFrame(raw)
	}

	sweptWhilePaused := p.sweeper.LastRun().After(sweepBefore)
	p.resumeSweeperIfIdle(sweptWhilePaused)
}

// resumeSweeperIfIdle lifts the sweeper pause once nothing is buffered,
// replaying a sweep that ran while we held the pause.
func (p *Processor) resumeSweeperIfIdle(sweptWhilePaused bool) {
	if !p.paused || !p.queue.BacklogEmpty() {
		return
	}
	if sweptWhilePaused {
		p.sweeper.Cleanup(p.clientID)
	}
	p.sweeper.Resume(p.clientID)
	p.paused = false
}

// handleFrame re-decrypts one frame and processes its items. The first
// decryption at receive time only routed the frame; keys may have
// rotated since, so the authoritative read happens here.
func (p *Processor) handleFrame(raw protocol.RawRequest) {
	dec := p.decryptor.Decrypt(raw)
	if dec.Status != protocol.StatusOK {
		log.Printf("queue %s: dropping frame from %s: %s", p.clientID, raw.IP, dec.ErrorText)
		return
	}

	if protocol.IsBulk(dec.Data) {
		p.handleBulk(dec, raw.Received)
		return
	}
	p.handleItem(dec.Data, dec, raw.Received)
}

func (p *Processor) handleBulk(dec protocol.Decrypted, receivedAt int64) {
	if !p.cfg.AllowBulkLogRequest() {
		log.Printf("queue %s: dropping bulk frame, bulk requests are disabled", p.clientID)
		return
	}
	items, err := protocol.ParseBulk(dec.Data)
	if err != nil {
		log.Printf("queue %s: bad bulk frame: %v", p.clientID, err)
		return
	}
	max := p.cfg.MaxBulkSize()
	if len(items) > max {
		log.Printf("queue %s: bulk frame has %d items, processing first %d", p.clientID, len(items), max)
		items = items[:max]
	}
	for _, item := range items {
		p.handleItem(item, dec, receivedAt)
	}
}

func (p *Processor) handleItem(data []byte, dec protocol.Decrypted, receivedAt int64) {
	item, err := protocol.ParseLogItem(data)
	if err != nil {
		log.Printf("queue %s: bad log item: %v", p.clientID, err)
		return
	}
	if !item.Valid() {
		log.Printf("queue %s: dropping invalid log item for %s: needs datetime, level and msg", p.clientID, item.Logger)
		return
	}
	if !p.allowed(item, dec, receivedAt) {
		return
	}
	if err := p.sink.Dispatch(item); err != nil {
		log.Printf("queue %s: dispatch failed for logger %s: %v", p.clientID, item.Logger, err)
	}
}

// allowed applies every per-item check: lease liveness at receive time,
// logger restrictions and the token policy.
func (p *Processor) allowed(item *protocol.LogItem, dec protocol.Decrypted, receivedAt int64) bool {
	leaseID := dec.LeaseID
	if !dec.HasLease {
		leaseID = item.ClientID
	}
	l, ok := p.registry.Find(leaseID)
	if !ok {
		log.Printf("queue %s: dropping item for %s, client not connected", p.clientID, item.Logger)
		return false
	}
	if !l.Alive(receivedAt) {
		log.Printf("queue %s: dropping item for %s, lease expired", p.clientID, item.Logger)
		return false
	}

	if item.Logger == protocol.ServerLoggerID {
		log.Printf("queue %s: dropping item for reserved logger %s", p.clientID, item.Logger)
		return false
	}
	if p.cfg.IsBlacklisted(item.Logger) {
		return false
	}

	known := p.cfg.IsKnownLogger(item.Logger)
	if !known && !p.cfg.AllowUnknownLoggers() {
		log.Printf("queue %s: dropping item for unknown logger %s", p.clientID, item.Logger)
		return false
	}
	if known && !l.Known && item.Logger != protocol.DefaultLoggerID {
		log.Printf("queue %s: anonymous client may not use logger %s", p.clientID, item.Logger)
		return false
	}
	if !known && l.Known {
		if kc, found := p.cfg.KnownClient(l.ID); found {
			p.cfg.SetUnknownLoggerUser(item.Logger, kc.User)
		}
	}

	if !protocol.TokenAllowed(p.cfg, p.registry, leaseID, item.Logger, item.Token, receivedAt) {
		log.Printf("queue %s: dropping item for %s, token check failed", p.clientID, item.Logger)
		return false
	}
	return true
}
