package handler

import (
	"log"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
	"github.com/loghaven/loghaven/internal/queue"
	"github.com/loghaven/loghaven/internal/server"
)

// AdminHandler executes administrative commands. Every command must be
// encrypted with the server master key and signed by a known client's
// registered RSA key; either check failing ends the request.
type AdminHandler struct {
	cfg       *config.Config
	registry  *lease.Registry
	engine    *queue.Engine
	sweeper   *lease.Sweeper
	decryptor *protocol.Decryptor
	now       func() time.Time
}

func NewAdminHandler(cfg *config.Config, registry *lease.Registry, engine *queue.Engine, sweeper *lease.Sweeper, decryptor *protocol.Decryptor) *AdminHandler {
	return NewAdminHandlerWithClock(cfg, registry, engine, sweeper, decryptor,
		func() time.Time { return time.Now().UTC() })
}

func NewAdminHandlerWithClock(cfg *config.Config, registry *lease.Registry, engine *queue.Engine, sweeper *lease.Sweeper, decryptor *protocol.Decryptor, now func() time.Time) *AdminHandler {
	return &AdminHandler{cfg: cfg, registry: registry, engine: engine, sweeper: sweeper, decryptor: decryptor, now: now}
}

// adminStats is the payload for the stats command.
type adminStats struct {
	Status        int            `json:"status"`
	Sessions      int            `json:"sessions"`
	Clients       int            `json:"clients"`
	BytesReceived uint64         `json:"bytes_received"`
	BytesSent     uint64         `json:"bytes_sent"`
	QueueSizes    map[string]int `json:"queue_sizes"`
	LastSweep     int64          `json:"last_sweep,omitempty"`
}

// adminClient is one entry of the list-clients command.
type adminClient struct {
	ClientID     string `json:"client_id"`
	Known        bool   `json:"known"`
	Acknowledged bool   `json:"acknowledged"`
	Alive        bool   `json:"alive"`
	Age          int64  `json:"age"`
	DateCreated  int64  `json:"date_created"`
}

type adminClientList struct {
	Status  int           `json:"status"`
	Clients []adminClient `json:"clients"`
}

func (h *AdminHandler) Handle(raw protocol.RawRequest, session *server.Session) {
	dec := h.decryptor.Decrypt(raw)
	if dec.Status != protocol.StatusOK {
		session.WriteStatus(dec.Status, dec.ErrorText)
		return
	}
	if !dec.UsedMasterKey {
		session.WriteStatus(protocol.StatusBadRequest, "administrative requests must be encrypted with the server key")
		return
	}

	req, err := protocol.ParseAdminRequest(dec.Data)
	if err != nil {
		session.WriteStatus(protocol.StatusBadRequest, "malformed administrative request")
		return
	}
	now := h.now().Unix()
	if !req.TimestampValid(now, h.cfg.TimestampValidity(), h.cfg.RequiresTimestamp()) {
		session.WriteStatus(protocol.StatusBadRequest, "request timestamp is missing or too old")
		return
	}
	if err := h.cfg.VerifyKnownClient(req.ClientID, req.Signature); err != nil {
		log.Printf("admin: signature check failed for %q from %s: %v", req.ClientID, raw.IP, err)
		session.WriteStatus(protocol.StatusInvalidClient, "administrative request is not signed by a known client")
		return
	}

	switch req.Type {
	case protocol.AdminTypeReloadConfig:
		h.reload(session)
	case protocol.AdminTypeReset:
		h.reset(session)
	case protocol.AdminTypeStats:
		h.stats(session)
	case protocol.AdminTypeListClients:
		h.listClients(session)
	default:
		session.WriteStatus(protocol.StatusBadRequest, "unknown administrative request type")
	}
}

func (h *AdminHandler) reload(session *server.Session) {
	log.Println("admin: reloading configuration")
	if err := h.cfg.Reload(); err != nil {
		log.Printf("admin: reload failed: %v", err)
		session.WriteStatus(protocol.StatusBadRequest, "configuration reload failed")
		return
	}
	h.engine.AddMissingProcessors()
	session.WriteStatus(protocol.StatusOK, "")
}

func (h *AdminHandler) reset(session *server.Session) {
	log.Println("admin: resetting server state")
	if err := h.registry.Reset(); err != nil {
		log.Printf("admin: reset failed: %v", err)
		session.WriteStatus(protocol.StatusBadRequest, "reset failed")
		return
	}
	h.engine.AddMissingProcessors()
	session.WriteStatus(protocol.StatusOK, "")
}

func (h *AdminHandler) stats(session *server.Session) {
	received, sent := h.registry.Bytes()
	stats := adminStats{
		Status:        protocol.StatusOK,
		Sessions:      h.registry.SessionCount(),
		Clients:       len(h.registry.IDs()),
		BytesReceived: received,
		BytesSent:     sent,
		QueueSizes:    h.engine.Sizes(),
	}
	if last := h.sweeper.LastRun(); !last.IsZero() {
		stats.LastSweep = last.Unix()
	}
	h.respond(session, protocol.MarshalResponse(stats))
}

func (h *AdminHandler) listClients(session *server.Session) {
	now := h.now().Unix()
	list := adminClientList{Status: protocol.StatusOK}
	for _, id := range h.registry.IDs() {
		l, ok := h.registry.Find(id)
		if !ok {
			continue
		}
		list.Clients = append(list.Clients, adminClient{
			ClientID:     l.ID,
			Known:        l.Known,
			Acknowledged: l.Acknowledged,
			Alive:        l.Alive(now),
			Age:          l.Age,
			DateCreated:  l.DateCreated,
		})
	}
	h.respond(session, protocol.MarshalResponse(list))
}

// respond sends a payload back under the master key, the same layer the
// request came in on.
func (h *AdminHandler) respond(session *server.Session, data []byte) {
	if err := session.WriteAES(data, h.cfg.MasterKey()); err != nil {
		log.Printf("admin: could not write response: %v", err)
	}
}
