package handler

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/crypto"
	"github.com/loghaven/loghaven/internal/dispatch"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
	"github.com/loghaven/loghaven/internal/queue"
	"github.com/loghaven/loghaven/internal/server"
)

type env struct {
	cfg       *config.Config
	registry  *lease.Registry
	sweeper   *lease.Sweeper
	decryptor *protocol.Decryptor
	engine    *queue.Engine
	sink      *dispatch.MemorySink
}

func newEnv(t *testing.T, cfgBody string) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(cfgBody), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	registry := lease.NewRegistry(cfg.Reload)
	sweeper := lease.NewSweeper(registry, time.Minute)
	decryptor := protocol.NewDecryptor(registry, cfg)
	sink := dispatch.NewMemorySink()
	engine := newTestEngine(registry, cfg, sweeper, decryptor, sink)
	engine.AddMissingProcessors()
	return &env{cfg: cfg, registry: registry, sweeper: sweeper, decryptor: decryptor, engine: engine, sink: sink}
}

// newTestEngine builds an engine whose processors never tick on their
// own; tests drive processing explicitly.
func newTestEngine(registry *lease.Registry, cfg *config.Config, sweeper *lease.Sweeper, decryptor *protocol.Decryptor, sink dispatch.Sink) *queue.Engine {
	return queue.NewEngineWithClock(registry, cfg, sweeper, decryptor, sink, time.Hour,
		func() time.Time { return time.Now().UTC() })
}

func (e *env) startServer(t *testing.T, h server.Handler) string {
	t.Helper()
	srv, err := server.NewServer(server.Config{
		Name:     "test",
		Addr:     "127.0.0.1:0",
		Handler:  h,
		Registry: e.registry,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

type testConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) roundTrip(t *testing.T, data []byte) []byte {
	t.Helper()
	if _, err := c.conn.Write(append(data, []byte(protocol.Delimiter)...)); err != nil {
		t.Fatal(err)
	}
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf bytes.Buffer
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte(protocol.Delimiter)) {
			return bytes.TrimSuffix(buf.Bytes(), []byte(protocol.Delimiter))
		}
	}
}

// sealAES produces the wire envelope for a payload under a hex key.
func sealAES(t *testing.T, payload, clientID, hexKey string) []byte {
	t.Helper()
	out, err := crypto.EncryptAES([]byte(payload), hexKey)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.SplitN(out, ":", 2)
	if clientID == "" {
		return []byte(parts[0] + ":" + parts[1])
	}
	return []byte(parts[0] + ":" + clientID + ":" + parts[1])
}

// openAES decrypts a "iv:b64" response frame.
func openAES(t *testing.T, frame []byte, hexKey string) []byte {
	t.Helper()
	parts := strings.SplitN(string(frame), ":", 2)
	if len(parts) != 2 {
		t.Fatalf("response is not an encrypted frame: %s", frame)
	}
	plain, err := crypto.DecryptAES(parts[1], hexKey, parts[0])
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	return plain
}

// newClientKeyPair returns a fresh RSA pair and writes the public half
// to disk for known_clients entries.
func newClientKeyPair(t *testing.T, dir string) (privPEM, pubPEM []byte, pubPath string) {
	t.Helper()
	privPEM, pubPEM, err := crypto.GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	pubPath = filepath.Join(dir, "client.pub")
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		t.Fatal(err)
	}
	return privPEM, pubPEM, pubPath
}
