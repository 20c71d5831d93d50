// Package handler implements the request semantics behind each
// listener: the handshake flow, token issuance, log intake and the
// administrative commands.
package handler

import (
	"log"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/crypto"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
	"github.com/loghaven/loghaven/internal/server"
)

const anonymousIDLen = 16
const maxIDAttempts = 100

// ConnectionHandler runs the three-step handshake: CONNECT hands out a
// session key, ACKNOWLEDGE proves the client holds it, TOUCH extends a
// lease that is still alive.
type ConnectionHandler struct {
	cfg       *config.Config
	registry  *lease.Registry
	decryptor *protocol.Decryptor
	now       func() time.Time
}

func NewConnectionHandler(cfg *config.Config, registry *lease.Registry, decryptor *protocol.Decryptor) *ConnectionHandler {
	return NewConnectionHandlerWithClock(cfg, registry, decryptor,
		func() time.Time { return time.Now().UTC() })
}

func NewConnectionHandlerWithClock(cfg *config.Config, registry *lease.Registry, decryptor *protocol.Decryptor, now func() time.Time) *ConnectionHandler {
	return &ConnectionHandler{cfg: cfg, registry: registry, decryptor: decryptor, now: now}
}

func (h *ConnectionHandler) Handle(raw protocol.RawRequest, session *server.Session) {
	dec := h.decryptor.Decrypt(raw)
	if dec.Status != protocol.StatusOK {
		writeConnError(session, dec.Status, dec.ErrorText)
		return
	}
	req, err := protocol.ParseConnectionRequest(dec.Data)
	if err != nil {
		writeConnError(session, protocol.StatusBadRequest, "malformed connection request")
		return
	}
	if !req.TimestampValid(h.now().Unix(), h.cfg.TimestampValidity(), h.cfg.RequiresTimestamp()) {
		writeConnError(session, protocol.StatusBadRequest, "request timestamp is missing or too old")
		return
	}

	switch req.Type {
	case protocol.ConnectionTypeConnect:
		h.connect(req, session)
	case protocol.ConnectionTypeAcknowledge:
		h.acknowledge(req, dec, session)
	case protocol.ConnectionTypeTouch:
		h.touch(req, dec, session)
	default:
		writeConnError(session, protocol.StatusBadRequest, "unknown connection request type")
	}
}

func (h *ConnectionHandler) connect(req *protocol.ConnectionRequest, session *server.Session) {
	if req.ClientID != "" {
		h.connectKnown(req, session)
		return
	}
	h.connectAnonymous(req, session)
}

// connectKnown handles CONNECT from a pre-provisioned client. The
// session key always travels RSA-encrypted under the registered public
// key, so a spoofed CONNECT only hands the key to the real owner.
func (h *ConnectionHandler) connectKnown(req *protocol.ConnectionRequest, session *server.Session) {
	kc, ok := h.cfg.KnownClient(req.ClientID)
	if !ok {
		writeConnError(session, protocol.StatusInvalidClient, "client is not known")
		return
	}

	now := h.now().Unix()
	keySize := h.sanitizeKeySize(req.KeySize, req.ClientID)

	l, exists := h.registry.Find(req.ClientID)
	switch {
	case exists && l.Alive(now):
		// Reconnect while the lease is alive re-sends the current key
		// and leaves the stored lease untouched, so a stray CONNECT
		// cannot demote an acknowledged client.
	case exists:
		// Dead lease: rotate the key but keep the old one as backup so
		// frames already in flight still open.
		key, err := crypto.GenerateKey(keySize)
		if err != nil {
			writeConnError(session, protocol.StatusBadRequest, "could not generate session key")
			return
		}
		l.BackupKey = l.Key
		l.Key = key
		l.KeySize = keySize
		l.Acknowledged = false
		l.Age = h.cfg.NonAckClientAge()
		l.DateCreated = now
		h.registry.Update(l)
	default:
		key, err := crypto.GenerateKey(keySize)
		if err != nil {
			writeConnError(session, protocol.StatusBadRequest, "could not generate session key")
			return
		}
		l = lease.Lease{
			ID:           req.ClientID,
			Key:          key,
			KeySize:      keySize,
			PublicKeyPEM: kc.PublicKeyPEM,
			Age:          h.cfg.NonAckClientAge(),
			DateCreated:  now,
			Known:        true,
		}
		h.registry.Add(l)
	}

	resp := protocol.MarshalResponse(protocol.ConnectionResponse{
		Status:      protocol.StatusContinue,
		Ack:         1,
		Key:         l.Key,
		ClientID:    l.ID,
		Age:         l.Age,
		DateCreated: l.DateCreated,
	})
	if err := session.WriteRSA(resp, kc.PublicKeyPEM); err != nil {
		log.Printf("handshake: could not respond to %s: %v", l.ID, err)
	}
}

// connectAnonymous handles CONNECT from a client with no registration.
// The client must bring its own RSA public key to receive the session
// key; without one the key would travel in the clear.
func (h *ConnectionHandler) connectAnonymous(req *protocol.ConnectionRequest, session *server.Session) {
	if !h.cfg.AllowUnknownClients() {
		writeConnError(session, protocol.StatusBadRequest, "unknown clients are not allowed")
		return
	}
	if req.RSAPublicKey == "" {
		writeConnError(session, protocol.StatusBadRequest, "connection request needs rsa_public_key")
		return
	}
	if _, err := crypto.LoadPublicKey([]byte(req.RSAPublicKey)); err != nil {
		writeConnError(session, protocol.StatusBadRequest, "rsa_public_key is not a valid public key")
		return
	}

	now := h.now().Unix()
	keySize := h.sanitizeKeySize(req.KeySize, "")
	key, err := crypto.GenerateKey(keySize)
	if err != nil {
		writeConnError(session, protocol.StatusBadRequest, "could not generate session key")
		return
	}

	var l lease.Lease
	added := false
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := lease.RandomID(anonymousIDLen)
		if err != nil {
			break
		}
		l = lease.Lease{
			ID:           id,
			Key:          key,
			KeySize:      keySize,
			PublicKeyPEM: req.RSAPublicKey,
			Age:          h.cfg.NonAckClientAge(),
			DateCreated:  now,
			Known:        false,
		}
		if h.registry.Add(l) {
			added = true
			break
		}
	}
	if !added {
		writeConnError(session, protocol.StatusBadRequest, "could not allocate a client id")
		return
	}

	resp := protocol.MarshalResponse(protocol.ConnectionResponse{
		Status:      protocol.StatusContinue,
		Ack:         1,
		Key:         l.Key,
		ClientID:    l.ID,
		Age:         l.Age,
		DateCreated: l.DateCreated,
	})
	if err := session.WriteRSA(resp, req.RSAPublicKey); err != nil {
		log.Printf("handshake: could not respond to %s: %v", l.ID, err)
	}
}

// acknowledge finishes the handshake. The frame must have been opened
// with the lease key itself, which proves the client decrypted the
// CONNECT response.
func (h *ConnectionHandler) acknowledge(req *protocol.ConnectionRequest, dec protocol.Decrypted, session *server.Session) {
	l, ok := h.registry.Find(req.ClientID)
	if !ok {
		writeConnError(session, protocol.StatusInvalidClient, "client is not connected")
		return
	}
	if !dec.HasLease || dec.LeaseID != req.ClientID {
		writeConnError(session, protocol.StatusInvalidClient, "acknowledgement must be encrypted with the session key")
		return
	}
	if !l.Known && l.Acknowledged {
		writeConnError(session, protocol.StatusInvalidClient, "client is already acknowledged")
		return
	}

	now := h.now().Unix()
	l.Acknowledged = true
	l.Age = h.cfg.ClientAge()
	l.DateCreated = now
	h.registry.Update(l)
	session.SetClientID(l.ID)

	resp := protocol.MarshalResponse(protocol.ConnectionResponse{
		Status:      protocol.StatusOK,
		Ack:         0,
		ClientID:    l.ID,
		Age:         l.Age,
		DateCreated: l.DateCreated,
		Flags:       h.cfg.Flags(),
		MaxBulkSize: h.cfg.MaxBulkSize(),
		TokenPort:   h.cfg.TokenPort(),
		LoggingPort: h.cfg.LoggingPort(),
	})
	if err := session.WriteAES(resp, l.Key); err != nil {
		log.Printf("handshake: could not respond to %s: %v", l.ID, err)
	}
}

// touch refreshes an acknowledged lease that has not expired yet.
func (h *ConnectionHandler) touch(req *protocol.ConnectionRequest, dec protocol.Decrypted, session *server.Session) {
	l, ok := h.registry.Find(req.ClientID)
	if !ok {
		writeConnError(session, protocol.StatusInvalidClient, "client is not connected")
		return
	}
	if !dec.HasLease || dec.LeaseID != req.ClientID {
		writeConnError(session, protocol.StatusInvalidClient, "touch must be encrypted with the session key")
		return
	}
	if !l.Acknowledged {
		writeConnError(session, protocol.StatusInvalidClient, "client has not acknowledged")
		return
	}
	now := h.now().Unix()
	if !l.Alive(now) {
		writeConnError(session, protocol.StatusInvalidClient, "lease has expired, reconnect")
		return
	}

	l.Age = h.cfg.ClientAge()
	l.DateCreated = now
	h.registry.Update(l)

	resp := protocol.MarshalResponse(protocol.ConnectionResponse{
		Status:      protocol.StatusOK,
		Ack:         0,
		ClientID:    l.ID,
		Age:         l.Age,
		DateCreated: l.DateCreated,
	})
	if err := session.WriteAES(resp, l.Key); err != nil {
		log.Printf("handshake: could not respond to %s: %v", l.ID, err)
	}
}

func (h *ConnectionHandler) sanitizeKeySize(requested int, clientID string) int {
	switch requested {
	case 128, 192, 256:
		return requested
	}
	return h.cfg.KeySize(clientID)
}

func writeConnError(session *server.Session, status int, text string) {
	resp := protocol.MarshalResponse(protocol.ConnectionResponse{
		Status:    status,
		ErrorText: text,
	})
	if err := session.Write(resp); err != nil {
		log.Printf("handshake: could not write error response: %v", err)
	}
}
