package handler

import (
	"encoding/json"
	"testing"

	"github.com/loghaven/loghaven/internal/crypto"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
)

func parseStatusResponse(t *testing.T, data []byte) protocol.StatusResponse {
	t.Helper()
	var resp protocol.StatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("parse status response %s: %v", data, err)
	}
	return resp
}

func TestLogHandlerAcksAndQueues(t *testing.T) {
	e := newEnv(t, "allow_unknown_loggers: true\n")
	addr := e.startServer(t, NewLogHandler(e.registry, e.decryptor, e.engine))
	key, _ := crypto.GenerateKey(256)
	e.registry.Add(lease.Lease{ID: "client1", Key: key, Age: 0, Acknowledged: true})

	item := marshal(t, protocol.LogItem{Message: "hello", Level: protocol.LevelInfo, Datetime: 1000})
	c := dial(t, addr)
	resp := parseStatusResponse(t, c.roundTrip(t, sealAES(t, string(item), "client1", key)))
	if resp.Status != protocol.StatusOK {
		t.Fatalf("log frame not acknowledged: %+v", resp)
	}

	// client1 is not pre-provisioned, so the frame lands on the shared
	// processor.
	if e.engine.Sizes()[lease.AnonymousID] != 1 {
		t.Errorf("frame not queued: %v", e.engine.Sizes())
	}
}

func TestLogHandlerRoutesKnownClients(t *testing.T) {
	dir := t.TempDir()
	_, _, pubPath := newClientKeyPair(t, dir)
	e := newEnv(t, `
allow_unknown_loggers: true
known_clients:
  - client_id: billing-svc
    public_key: `+pubPath+`
`)
	addr := e.startServer(t, NewLogHandler(e.registry, e.decryptor, e.engine))
	key, _ := crypto.GenerateKey(256)
	e.registry.Add(lease.Lease{ID: "billing-svc", Key: key, Age: 0, Acknowledged: true, Known: true})

	item := marshal(t, protocol.LogItem{Message: "charge ok", Level: protocol.LevelInfo, Datetime: 1000})
	c := dial(t, addr)
	resp := parseStatusResponse(t, c.roundTrip(t, sealAES(t, string(item), "billing-svc", key)))
	if resp.Status != protocol.StatusOK {
		t.Fatalf("log frame not acknowledged: %+v", resp)
	}

	sizes := e.engine.Sizes()
	if sizes["billing-svc"] != 1 || sizes[lease.AnonymousID] != 0 {
		t.Errorf("frame misrouted: %v", sizes)
	}
}

func TestLogHandlerRejectsUnreadableFrames(t *testing.T) {
	e := newEnv(t, "allow_unknown_loggers: true\n")
	addr := e.startServer(t, NewLogHandler(e.registry, e.decryptor, e.engine))

	c := dial(t, addr)
	resp := parseStatusResponse(t, c.roundTrip(t, []byte("garbage frame")))
	if resp.Status != protocol.StatusBadRequest {
		t.Errorf("garbage frame accepted: %+v", resp)
	}
	if e.engine.Sizes()[lease.AnonymousID] != 0 {
		t.Error("rejected frame was queued")
	}
}

func TestLogHandlerRejectsUnknownLease(t *testing.T) {
	e := newEnv(t, "allow_unknown_loggers: true\n")
	addr := e.startServer(t, NewLogHandler(e.registry, e.decryptor, e.engine))
	key, _ := crypto.GenerateKey(256)

	item := marshal(t, protocol.LogItem{Message: "x", Level: protocol.LevelInfo})
	c := dial(t, addr)
	resp := parseStatusResponse(t, c.roundTrip(t, sealAES(t, string(item), "ghost", key)))
	if resp.Status != protocol.StatusInvalidClient {
		t.Errorf("frame for unconnected client accepted: %+v", resp)
	}
}
