package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loghaven/loghaven/internal/crypto"
	"github.com/loghaven/loghaven/internal/dispatch"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
)

func knownClientConfig(t *testing.T, clientID string) string {
	t.Helper()
	dir := t.TempDir()
	_, pubPEM, err := crypto.GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "client.pub")
	if err := os.WriteFile(keyPath, pubPEM, 0644); err != nil {
		t.Fatal(err)
	}
	return `
allow_plain_connection: true
known_clients:
  - client_id: ` + clientID + `
    public_key: ` + keyPath + `
`
}

func TestEngineProcessorSet(t *testing.T) {
	env := newTestEnv(t, knownClientConfig(t, "billing-svc"), nil)

	sizes := env.engine.Sizes()
	if _, ok := sizes[lease.AnonymousID]; !ok {
		t.Error("no shared processor for unknown clients")
	}
	if _, ok := sizes["billing-svc"]; !ok {
		t.Error("no processor for known client")
	}
	if len(sizes) != 2 {
		t.Errorf("unexpected processor set %v", sizes)
	}
}

func TestEngineRouting(t *testing.T) {
	env := newTestEnv(t, knownClientConfig(t, "billing-svc"), nil)

	env.engine.Enqueue("billing-svc", protocol.RawRequest{Data: []byte("x")})
	env.engine.Enqueue("ghost", protocol.RawRequest{Data: []byte("y")})
	env.engine.Enqueue(lease.AnonymousID, protocol.RawRequest{Data: []byte("z")})

	sizes := env.engine.Sizes()
	if sizes["billing-svc"] != 1 {
		t.Errorf("known client frame misrouted: %v", sizes)
	}
	if sizes[lease.AnonymousID] != 2 {
		t.Errorf("unknown client frames not shared: %v", sizes)
	}
}

func TestEngineStartStop(t *testing.T) {
	cfg := testConfig(t, openConfig)
	registry := lease.NewRegistry(nil)
	sweeper := lease.NewSweeper(registry, time.Minute)
	sink := dispatch.NewMemorySink()
	engine := NewEngineWithClock(registry, cfg, sweeper, protocol.NewDecryptor(registry, cfg), sink,
		10*time.Millisecond, func() time.Time { return time.Now().UTC() })
	engine.AddMissingProcessors()
	engine.Start()
	defer engine.Stop()

	now := time.Now().UTC().Unix()
	registry.Add(lease.Lease{ID: "client1", Age: 0})
	engine.Enqueue("client1", protocol.RawRequest{
		Data:     plainItem(t, protocol.LogItem{ClientID: "client1", Message: "bg", Level: protocol.LevelInfo, Datetime: 1000}),
		Received: now,
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Items()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background processor never dispatched the frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
