package handler

import (
	"log"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
	"github.com/loghaven/loghaven/internal/server"
)

const tokenLength = 8

// TokenHandler issues and checks per-logger tokens. Requests must
// arrive under an acknowledged lease's session key; responses go back
// under the same key.
type TokenHandler struct {
	cfg       *config.Config
	registry  *lease.Registry
	decryptor *protocol.Decryptor
	now       func() time.Time
}

func NewTokenHandler(cfg *config.Config, registry *lease.Registry, decryptor *protocol.Decryptor) *TokenHandler {
	return NewTokenHandlerWithClock(cfg, registry, decryptor,
		func() time.Time { return time.Now().UTC() })
}

func NewTokenHandlerWithClock(cfg *config.Config, registry *lease.Registry, decryptor *protocol.Decryptor, now func() time.Time) *TokenHandler {
	return &TokenHandler{cfg: cfg, registry: registry, decryptor: decryptor, now: now}
}

func (h *TokenHandler) Handle(raw protocol.RawRequest, session *server.Session) {
	dec := h.decryptor.Decrypt(raw)
	if dec.Status != protocol.StatusOK {
		session.WriteStatus(dec.Status, dec.ErrorText)
		return
	}
	if !dec.HasLease {
		session.WriteStatus(protocol.StatusInvalidClient, "token requests must be encrypted with the session key")
		return
	}

	l, ok := h.registry.Find(dec.LeaseID)
	if !ok {
		session.WriteStatus(protocol.StatusInvalidClient, "client is not connected")
		return
	}
	now := h.now().Unix()
	if !l.Acknowledged || !l.Alive(now) {
		session.WriteStatus(protocol.StatusInvalidClient, "client lease is not active")
		return
	}

	req, err := protocol.ParseTokenRequest(dec.Data)
	if err != nil {
		h.respond(session, l.Key, protocol.TokenResponse{
			Status:    protocol.StatusBadRequest,
			ErrorText: "malformed token request",
		})
		return
	}
	if !req.TimestampValid(now, h.cfg.TimestampValidity(), h.cfg.RequiresTimestamp()) {
		h.respond(session, l.Key, protocol.TokenResponse{
			Status:    protocol.StatusBadRequest,
			ErrorText: "request timestamp is missing or too old",
		})
		return
	}
	if req.LoggerID == "" {
		h.respond(session, l.Key, protocol.TokenResponse{
			Status:    protocol.StatusBadRequest,
			ErrorText: "token request needs logger_id",
		})
		return
	}

	if req.Token != "" {
		h.check(req, l, now, session)
		return
	}
	h.issue(req, l, now, session)
}

// check answers whether an existing token still authorizes the logger.
func (h *TokenHandler) check(req *protocol.TokenRequest, l lease.Lease, now int64, session *server.Session) {
	if protocol.TokenAllowed(h.cfg, h.registry, l.ID, req.LoggerID, req.Token, now) {
		h.respond(session, l.Key, protocol.TokenResponse{Status: protocol.StatusOK})
		return
	}
	h.respond(session, l.Key, protocol.TokenResponse{
		Status:    protocol.StatusBadRequest,
		ErrorText: "token is not valid",
	})
}

// issue creates a fresh token against an access code.
func (h *TokenHandler) issue(req *protocol.TokenRequest, l lease.Lease, now int64, session *server.Session) {
	if !h.cfg.IsValidAccessCode(req.LoggerID, req.AccessCode) {
		h.respond(session, l.Key, protocol.TokenResponse{
			Status:    protocol.StatusBadRequest,
			ErrorText: "access code is not valid for this logger",
		})
		return
	}

	data, err := lease.RandomDigits(tokenLength)
	if err != nil {
		h.respond(session, l.Key, protocol.TokenResponse{
			Status:    protocol.StatusBadRequest,
			ErrorText: "could not generate token",
		})
		return
	}
	life := h.cfg.TokenLife(req.LoggerID, req.AccessCode)
	h.registry.AddToken(l.ID, req.LoggerID, lease.Token{
		Data:        data,
		Age:         life,
		DateCreated: now,
	})
	h.respond(session, l.Key, protocol.TokenResponse{
		Status: protocol.StatusOK,
		Token:  data,
		Life:   &life,
	})
}

func (h *TokenHandler) respond(session *server.Session, key string, resp protocol.TokenResponse) {
	if err := session.WriteAES(protocol.MarshalResponse(resp), key); err != nil {
		log.Printf("token: could not write response: %v", err)
	}
}
