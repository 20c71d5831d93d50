package handler

import (
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
	"github.com/loghaven/loghaven/internal/queue"
	"github.com/loghaven/loghaven/internal/server"
)

// LogHandler accepts log frames and buffers them for asynchronous
// processing. The decryption here is only a routing pass: the frame is
// acked and queued raw, then opened again by the client's processor
// with whatever key is current at that point.
type LogHandler struct {
	registry  *lease.Registry
	decryptor *protocol.Decryptor
	engine    *queue.Engine
}

func NewLogHandler(registry *lease.Registry, decryptor *protocol.Decryptor, engine *queue.Engine) *LogHandler {
	return &LogHandler{registry: registry, decryptor: decryptor, engine: engine}
}

func (h *LogHandler) Handle(raw protocol.RawRequest, session *server.Session) {
	dec := h.decryptor.Decrypt(raw)
	if dec.Status != protocol.StatusOK {
		session.WriteStatus(dec.Status, dec.ErrorText)
		return
	}

	routeID := lease.AnonymousID
	if dec.HasLease {
		if l, ok := h.registry.Find(dec.LeaseID); ok && l.Known {
			routeID = l.ID
		}
	}
	h.engine.Enqueue(routeID, raw)
	session.WriteStatus(protocol.StatusOK, "")
}
